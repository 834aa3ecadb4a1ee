package cmd

import (
	"fmt"
	"time"
)

// fmtDeviceTime renders a device timestamp as hh:mm:ss.mmm.
func fmtDeviceTime(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}
