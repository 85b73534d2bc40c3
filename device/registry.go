package device

import (
	"errors"
	"fmt"
)

// ErrPositionOutOfRange is returned when a list position does not name a
// device.
var ErrPositionOutOfRange = errors.New("device position out of range")

// Registry keeps the ordered input and output device lists. List position is
// insertion order and shifts down when an earlier device is removed.
//
// A Registry is not safe for concurrent use; the owner serializes access.
type Registry struct {
	inputs  []Device
	outputs []Device
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) list(dir Direction) *[]Device {
	if dir == Input {
		return &r.inputs
	}
	return &r.outputs
}

// Add appends dev to the list for dir. It is a no-op returning false if a
// device with the same index is already present.
func (r *Registry) Add(dir Direction, dev Device) bool {
	if _, ok := r.Position(dir, dev.Index); ok {
		return false
	}
	l := r.list(dir)
	*l = append(*l, dev)
	return true
}

// Remove erases the device with idx and returns the position it occupied.
// Every later device moves down one position.
func (r *Registry) Remove(dir Direction, idx Index) (int, bool) {
	pos, ok := r.Position(dir, idx)
	if !ok {
		return -1, false
	}
	l := r.list(dir)
	*l = append((*l)[:pos], (*l)[pos+1:]...)
	return pos, true
}

// Position returns the list position of the device with idx.
func (r *Registry) Position(dir Direction, idx Index) (int, bool) {
	for i, d := range *r.list(dir) {
		if d.Index == idx {
			return i, true
		}
	}
	return -1, false
}

// PositionByDescription returns the position of the first device whose
// description matches exactly.
func (r *Registry) PositionByDescription(dir Direction, desc string) (int, bool) {
	for i, d := range *r.list(dir) {
		if d.Description == desc {
			return i, true
		}
	}
	return -1, false
}

// PositionByName returns the position of the device with the given server
// name.
func (r *Registry) PositionByName(dir Direction, name string) (int, bool) {
	for i, d := range *r.list(dir) {
		if d.Name == name {
			return i, true
		}
	}
	return -1, false
}

// At returns a copy of the device at pos.
func (r *Registry) At(dir Direction, pos int) (Device, error) {
	l := *r.list(dir)
	if pos < 0 || pos >= len(l) {
		return Device{}, fmt.Errorf("%s position %d of %d: %w", dir, pos,
			len(l), ErrPositionOutOfRange)
	}
	return l[pos], nil
}

// DescriptionAt returns the description of the device at pos.
func (r *Registry) DescriptionAt(dir Direction, pos int) (string, error) {
	d, err := r.At(dir, pos)
	if err != nil {
		return "", err
	}
	return d.Description, nil
}

// SetVolume updates the cached volume of the device at pos.
func (r *Registry) SetVolume(dir Direction, pos int, volume int) error {
	l := *r.list(dir)
	if pos < 0 || pos >= len(l) {
		return fmt.Errorf("%s position %d of %d: %w", dir, pos, len(l),
			ErrPositionOutOfRange)
	}
	l[pos].Volume = volume
	return nil
}

// Count returns the number of devices in dir.
func (r *Registry) Count(dir Direction) int {
	return len(*r.list(dir))
}

// Descriptions returns the device descriptions of dir in list order.
func (r *Registry) Descriptions(dir Direction) []string {
	l := *r.list(dir)
	descs := make([]string, len(l))
	for i, d := range l {
		descs[i] = d.Description
	}
	return descs
}

// Devices returns a copy of the device list of dir.
func (r *Registry) Devices(dir Direction) []Device {
	return append([]Device(nil), *r.list(dir)...)
}

// Reset drops every device.
func (r *Registry) Reset() {
	r.inputs = nil
	r.outputs = nil
}
