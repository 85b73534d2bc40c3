package events

import (
	"fmt"
	"sync"
)

// Kind identifies the type of a device manager event
type Kind int

const (
	KindReady Kind = iota
	KindOutputDeviceChanged
	KindOutputDeviceVolumeChanged
	KindOutputDeviceListChanged
	KindInputDeviceListChanged
)

func (k Kind) String() string {
	switch k {
	case KindReady:
		return "Ready"
	case KindOutputDeviceChanged:
		return "OutputDeviceChanged"
	case KindOutputDeviceVolumeChanged:
		return "OutputDeviceVolumeChanged"
	case KindOutputDeviceListChanged:
		return "OutputDeviceListChanged"
	case KindInputDeviceListChanged:
		return "InputDeviceListChanged"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is a marker interface for all device manager events
type Event interface {
	isEvent()
	Kind() Kind
}

// Base implementation for all events
type baseEvent struct{}

func (baseEvent) isEvent() {}

// Ready is fired once per connection when the first enumeration and volume
// fetch have completed
type Ready struct {
	baseEvent
}

func (Ready) Kind() Kind { return KindReady }

// OutputDeviceChanged is fired when the server's default output moves to a
// different device
type OutputDeviceChanged struct {
	baseEvent
	Description string
}

func (OutputDeviceChanged) Kind() Kind { return KindOutputDeviceChanged }

// OutputDeviceVolumeChanged is fired when the default output's volume was
// changed by someone other than us
type OutputDeviceVolumeChanged struct {
	baseEvent
	Volume int
}

func (OutputDeviceVolumeChanged) Kind() Kind { return KindOutputDeviceVolumeChanged }

// OutputDeviceListChanged is fired when the number of outputs changes
type OutputDeviceListChanged struct {
	baseEvent
	Count int
}

func (OutputDeviceListChanged) Kind() Kind { return KindOutputDeviceListChanged }

// InputDeviceListChanged is fired when the number of inputs changes
type InputDeviceListChanged struct {
	baseEvent
	Count int
}

func (InputDeviceListChanged) Kind() Kind { return KindInputDeviceListChanged }

// Describe renders an event for logs
func Describe(e Event) string {
	switch e := e.(type) {
	case OutputDeviceChanged:
		return fmt.Sprintf("%s: %q", e.Kind(), e.Description)
	case OutputDeviceVolumeChanged:
		return fmt.Sprintf("%s: %d%%", e.Kind(), e.Volume)
	case OutputDeviceListChanged:
		return fmt.Sprintf("%s: %d devices", e.Kind(), e.Count)
	case InputDeviceListChanged:
		return fmt.Sprintf("%s: %d devices", e.Kind(), e.Count)
	default:
		return e.Kind().String()
	}
}

// Bus provides simple event publish/subscribe
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Event
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe creates a new event channel for receiving events
func (b *Bus) Subscribe(bufferSize int) chan Event {
	ch := make(chan Event, bufferSize)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Publish sends an event to all subscribers (non-blocking)
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Skip slow subscribers so the manager loop never blocks
		}
	}
}

// Close closes every subscriber channel. Publish must not be called
// afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
