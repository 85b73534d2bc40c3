package device

import "math"

// VolumeNorm is the raw channel volume the server treats as 100%.
const VolumeNorm = 0x10000

// PercentFromChannels averages the raw per-channel volumes and converts the
// result to a rounded percentage. An empty slice reads as 0.
func PercentFromChannels(values []uint32) int {
	if len(values) == 0 {
		return 0
	}
	var sum uint64
	for _, v := range values {
		sum += uint64(v)
	}
	avg := sum / uint64(len(values))
	return int(math.Round(100 * float64(avg) / VolumeNorm))
}

// ChannelsFromPercent builds n channel values all set to percent of
// VolumeNorm.
func ChannelsFromPercent(percent, n int) []uint32 {
	if n < 1 {
		n = 1
	}
	raw := uint32(percent * VolumeNorm / 100)
	values := make([]uint32, n)
	for i := range values {
		values[i] = raw
	}
	return values
}

// ClampPercent limits percent to 0..100. The boolean is false if the value
// had to be changed.
func ClampPercent(percent int) (int, bool) {
	switch {
	case percent > 100:
		return 100, false
	case percent < 0:
		return 0, false
	}
	return percent, true
}
