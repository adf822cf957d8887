package utils

import (
	"fmt"
	"time"
)

// FormatCallDuration renders an in-call duration counter as mm:ss, rolling
// over to h:mm:ss past one hour.
func FormatCallDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// Now returns current time (swappable for tests).
var Now = time.Now

// Since returns time since given time using the package clock.
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}
