package device

import "strconv"

// Index is the server-assigned identifier of a sink or source. It is unique
// within one direction for the lifetime of the device on the server.
type Index uint32

// Undefined is the index value the server uses for "no device".
const Undefined Index = 0xFFFFFFFF

// String returns the index in decimal, or "undefined"
func (i Index) String() string {
	if i == Undefined {
		return "undefined"
	}
	return strconv.FormatUint(uint64(i), 10)
}

// IsValid returns true if the index names a device
func (i Index) IsValid() bool {
	return i != Undefined
}
