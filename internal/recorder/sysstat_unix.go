//go:build linux || darwin || freebsd

package recorder

import (
	"syscall"
	"time"
)

// diskFreeGB reports the space available to unprivileged users at path.
func diskFreeGB(path string) float64 {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0
	}
	return float64(uint64(st.Bavail)*uint64(st.Bsize)) / (1 << 30)
}

// processCPUTime is the user plus system CPU time consumed so far.
func processCPUTime() time.Duration {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
}
