package drive

import "fmt"

var byteUnits = []string{"B", "KB", "MB", "GB"}

// FormatByteSize renders a byte count with one decimal in the largest unit
// that keeps the value at or above one. Non-positive input yields "0 B".
func FormatByteSize(bytes int64) string {
	if bytes <= 0 {
		return "0 B"
	}

	// floor(log1024(bytes)) computed on integers, clamped to the largest unit
	unit := 0
	for v := bytes; v >= 1024 && unit < len(byteUnits)-1; v /= 1024 {
		unit++
	}

	value := float64(bytes)
	for i := 0; i < unit; i++ {
		value /= 1024
	}

	return fmt.Sprintf("%.1f %s", value, byteUnits[unit])
}
