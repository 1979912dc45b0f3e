package clock

import (
	"os"
	"strconv"
	"strings"
	"time"
)

var processStart = time.Now()

// Uptime returns milliseconds since device boot. On Linux it reads
// /proc/uptime; elsewhere it degrades to time since process start, which
// still only moves forward and resets when the host restarts the process.
func Uptime() int64 {
	if ms, ok := procUptime(); ok {
		return ms
	}
	return time.Since(processStart).Milliseconds()
}

func procUptime() (int64, bool) {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return int64(secs * 1000), true
}
