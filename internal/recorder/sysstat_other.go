//go:build !(linux || darwin || freebsd)

package recorder

import "time"

func diskFreeGB(string) float64 { return 0 }

func processCPUTime() time.Duration { return 0 }
