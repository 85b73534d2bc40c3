package audioshim

import "github.com/beaumanvienna/pamanager/events"

// Shim is the application-facing surface of the device manager. Controllers
// such as the MIDI surface depend on it instead of on the manager itself.
type Shim interface {
	GetInputDeviceList() []string
	GetOutputDeviceList() []string
	GetDefaultOutputDevice() string
	GetDefaultInputDevice() string
	SetOutputDevice(description string)
	SetOutputDevicePosition(pos int)
	CycleNextOutputDevice()
	GetVolume() int
	SetVolume(percent int)
	IsReady() bool
	SetCallback(fn func(events.Event))
}
