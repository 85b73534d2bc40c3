package manager

import (
	"slices"

	"github.com/beaumanvienna/pamanager/bridge"
	"github.com/beaumanvienna/pamanager/device"
	"github.com/beaumanvienna/pamanager/errutil"
)

// tracker holds the default device positions and output volume.
type tracker struct {
	// -1 until the server's default has been resolved.
	inputPos  int
	outputPos int

	// outputResolved is set once the output default was resolved on this
	// connection. Default changes are only reported after that.
	outputResolved bool

	outputVolume  int
	volumeRequest int

	// pendingOutput marks the next default output volume read as the echo
	// of a local device switch.
	pendingOutput bool

	// pendingVolumes holds the targets of local volume writes whose echo is
	// still expected, oldest first.
	pendingVolumes []int

	// switches counts default sink requests not yet acknowledged. While
	// any are outstanding, server defaults other than switchTarget are
	// stale.
	switches     int
	switchTarget string
}

func newTracker() tracker {
	return tracker{
		inputPos:  -1,
		outputPos: -1,
	}
}

// takeVolumeEcho reports whether v is the echo of a local write. The
// matching write and any older ones are forgotten.
func (t *tracker) takeVolumeEcho(v int) bool {
	i := slices.Index(t.pendingVolumes, v)
	if i < 0 {
		return false
	}
	t.pendingVolumes = slices.Delete(t.pendingVolumes, 0, i+1)
	return true
}

// dropVolumeWrite forgets one write of v that will never be echoed.
func (t *tracker) dropVolumeWrite(v int) {
	if i := slices.Index(t.pendingVolumes, v); i >= 0 {
		t.pendingVolumes = slices.Delete(t.pendingVolumes, i, i+1)
	}
}

// GetVolume returns the last confirmed volume of the default output in
// percent. It does not query the server.
func (m *Manager) GetVolume() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trk.outputVolume
}

// GetDefaultOutputDevice returns the description of the default output, or
// "" if none is known.
func (m *Manager) GetDefaultOutputDevice() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	desc, _ := m.reg.DescriptionAt(device.Output, m.trk.outputPos)
	return desc
}

// GetDefaultInputDevice returns the description of the default input, or ""
// if none is known.
func (m *Manager) GetDefaultInputDevice() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	desc, _ := m.reg.DescriptionAt(device.Input, m.trk.inputPos)
	return desc
}

// SetOutputDevice makes the output with the given description the server's
// default. Unknown descriptions are logged and ignored.
func (m *Manager) SetOutputDevice(description string) {
	m.update(func(fx *effects) {
		pos, ok := m.reg.PositionByDescription(device.Output, description)
		if !ok {
			errutil.LogWarn(m.log, "set output device", "no output device %q", description)
			return
		}
		m.setDefaultOutput(fx, pos)
	})
}

// SetOutputDevicePosition makes the output at list position pos the server's
// default. Out-of-range positions are logged and ignored.
func (m *Manager) SetOutputDevicePosition(pos int) {
	m.update(func(fx *effects) {
		if n := m.reg.Count(device.Output); pos < 0 || pos >= n {
			errutil.LogWarn(m.log, "set output device", "position %d out of range (%d devices)", pos, n)
			return
		}
		m.setDefaultOutput(fx, pos)
	})
}

// CycleNextOutputDevice switches the default to the next output in list
// order, wrapping around at the end.
func (m *Manager) CycleNextOutputDevice() {
	m.update(func(fx *effects) {
		n := m.reg.Count(device.Output)
		if n == 0 {
			errutil.LogWarn(m.log, "cycle output device", "no output devices")
			return
		}
		m.setDefaultOutput(fx, (m.trk.outputPos+1)%n)
	})
}

func (m *Manager) setDefaultOutput(fx *effects, pos int) {
	dev, err := m.reg.At(device.Output, pos)
	if err != nil {
		errutil.LogError(m.log, "set output device", err)
		return
	}

	prevPos, prevResolved := m.trk.outputPos, m.trk.outputResolved
	prevPending, prevVolume := m.trk.pendingOutput, m.trk.outputVolume
	m.trk.outputPos = pos
	m.trk.outputResolved = true
	m.trk.pendingOutput = true
	m.trk.outputVolume = dev.Volume
	m.trk.switches++
	m.trk.switchTarget = dev.Name
	m.log.Infof("Switching default output to %q", dev.Description)

	name := dev.Name
	fx.requestUndo("set default sink", func() error {
		return m.bridge.SetDefaultSink(name, func(err error) {
			m.onDefaultSinkAck(name, err)
		})
	}, func() {
		m.trk.outputPos = prevPos
		m.trk.outputResolved = prevResolved
		m.trk.pendingOutput = prevPending
		m.trk.outputVolume = prevVolume
		m.trk.switches--
	})
}

// SetVolume sets every channel of the default output to percent. Values
// outside 0..100 are clamped with a warning. The change is confirmed
// asynchronously; GetVolume reports it once the server echoes it back.
func (m *Manager) SetVolume(percent int) {
	m.update(func(fx *effects) {
		clamped, ok := device.ClampPercent(percent)
		if !ok {
			errutil.LogWarn(m.log, "set volume", "volume %d%% out of range, using %d%%", percent, clamped)
		}
		dev, err := m.reg.At(device.Output, m.trk.outputPos)
		if err != nil {
			errutil.LogWarn(m.log, "set volume", "no default output device")
			return
		}
		m.trk.volumeRequest = clamped

		name := dev.Name
		fx.request("get volume", func() error {
			return m.bridge.GetVolume(name, func(info bridge.DeviceInfo, err error) {
				m.onVolumeForWrite(name, info, err)
			})
		})
	})
}
