// Package bridge defines the asynchronous request/notification surface the
// device manager consumes from an audio server connection.
//
// Every callback passed to a Bridge is invoked from inside PumpEvents, on the
// goroutine that called it. Request methods never block on the server; a
// non-nil error means the request could not be issued and none of its
// callbacks will run.
package bridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/beaumanvienna/pamanager/device"
)

var (
	// ErrClosed is returned once the bridge has been closed or the
	// transport has failed.
	ErrClosed = errors.New("bridge closed")

	// ErrQueueFull is returned when too many requests are outstanding.
	ErrQueueFull = errors.New("bridge request queue full")
)

// State is the connection lifecycle state reported by Connect.
type State int

const (
	Unconnected State = iota
	Connecting
	Authorizing
	SettingName
	Ready
	Failed
	Terminated
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connecting:
		return "connecting"
	case Authorizing:
		return "authorizing"
	case SettingName:
		return "setting name"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Facility selects which server objects a subscription covers. Values may be
// or'ed together for Subscribe.
type Facility uint32

const (
	FacilitySink Facility = 1 << iota
	FacilitySource
	FacilityServer
)

func (f Facility) String() string {
	switch f {
	case FacilitySink:
		return "sink"
	case FacilitySource:
		return "source"
	case FacilityServer:
		return "server"
	default:
		return fmt.Sprintf("facility(0x%x)", uint32(f))
	}
}

// EventKind says what happened to the object named by a DeviceEvent.
type EventKind int

const (
	EventNew EventKind = iota
	EventChange
	EventRemove
)

func (k EventKind) String() string {
	switch k {
	case EventNew:
		return "new"
	case EventChange:
		return "change"
	case EventRemove:
		return "remove"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// DeviceEvent is an unsolicited subscription notification.
type DeviceEvent struct {
	Facility Facility
	Kind     EventKind
	Index    device.Index
}

func (e DeviceEvent) String() string {
	return fmt.Sprintf("%s %s #%s", e.Facility, e.Kind, e.Index)
}

// Direction maps the facility to a device direction. ok is false for the
// server facility.
func (e DeviceEvent) Direction() (dir device.Direction, ok bool) {
	switch e.Facility {
	case FacilitySink:
		return device.Output, true
	case FacilitySource:
		return device.Input, true
	}
	return device.Input, false
}

// DeviceInfo is one row of an enumeration or single-device query.
type DeviceInfo struct {
	Index          device.Index
	Name           string
	Description    string
	ChannelVolumes []uint32
	Properties     map[string]string
}

// ServerInfo carries the server's current default device names.
type ServerInfo struct {
	DefaultSinkName   string
	DefaultSourceName string
}

// Bridge is the connection to the audio server.
type Bridge interface {
	// Connect starts connecting. onState is called for every state
	// transition, with a non-nil error on Failed.
	Connect(onState func(State, error)) error

	// EnumerateSources and EnumerateSinks deliver one onRow per device
	// followed by exactly one onComplete.
	EnumerateSources(onRow func(DeviceInfo), onComplete func(error)) error
	EnumerateSinks(onRow func(DeviceInfo), onComplete func(error)) error

	// GetDeviceInfo queries a single device by index, reporting through
	// the same row/complete pair as an enumeration.
	GetDeviceInfo(dir device.Direction, idx device.Index, onRow func(DeviceInfo), onComplete func(error)) error

	GetServerInfo(onResult func(ServerInfo, error)) error

	// Subscribe enables change notifications for the facilities in mask.
	Subscribe(mask Facility, onEvent func(DeviceEvent)) error

	SetDefaultSink(name string, onAck func(error)) error

	// GetVolume reads the current channel volumes of the named sink.
	GetVolume(name string, onResult func(DeviceInfo, error)) error
	SetVolume(name string, values []uint32, onAck func(error)) error

	// PumpEvents runs every pending callback, waiting at most timeout
	// for the first one. It returns an error once the transport is
	// unusable.
	PumpEvents(timeout time.Duration) error

	Close() error
}
