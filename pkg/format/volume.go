package format

import (
	"fmt"
	"strings"
)

// VolumeBar renders a percentage as a fixed-width meter
// Example: 40 with width 10 -> "[####------]  40%"
func VolumeBar(percent, width int) string {
	if width < 1 {
		width = 1
	}
	clamped := percent
	if clamped < 0 {
		clamped = 0
	}
	if clamped > 100 {
		clamped = 100
	}

	filled := (clamped*width + 50) / 100
	return fmt.Sprintf("[%s%s] %3d%%",
		strings.Repeat("#", filled),
		strings.Repeat("-", width-filled),
		percent)
}

// DeviceList renders descriptions one per line with their list position,
// marking the entry equal to current
func DeviceList(descs []string, current string) string {
	var b strings.Builder
	for i, d := range descs {
		mark := " "
		if d == current {
			mark = "*"
		}
		fmt.Fprintf(&b, "%s %d: %s\n", mark, i, d)
	}
	return b.String()
}
