// Package proc answers pid liveness questions for the sweeper and the
// registry.
package proc

import (
	"github.com/shirou/gopsutil/v3/process"
)

// Alive reports whether a process with the given pid exists. Errors
// from the platform inventory count as alive: a lease is only culled
// on positive evidence of death.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return true
	}
	return exists
}
