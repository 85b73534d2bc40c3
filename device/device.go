// Package device holds the mirrored inventory of server-side sinks and
// sources.
package device

// Direction distinguishes capture devices from playback devices
type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	switch d {
	case Input:
		return "input"
	case Output:
		return "output"
	default:
		return "unknown"
	}
}

// Device is one mirrored sink (Output) or source (Input).
type Device struct {
	Index       Index
	Description string
	Name        string

	// Volume is the last known volume in percent. Only tracked for outputs.
	Volume int
}
