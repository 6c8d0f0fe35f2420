// Package detector answers whether a process id still refers to a live process.
// Every lookup failure is reported as "not alive"; callers never see errors.
package detector

import "fmt"

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() bool
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// PIDDetector detects a process by pid. When StartUnix is set, a process whose
// start time differs is treated as an unrelated process that reused the pid.
type PIDDetector struct {
	PID       int
	StartUnix int64
}

func (d PIDDetector) Alive() bool {
	if d.PID <= 0 {
		return false
	}
	if d.StartUnix > 0 {
		if cur := StartUnix(d.PID); cur > 0 && cur != d.StartUnix {
			return false
		}
	}
	return pidAlive(d.PID)
}

func (d PIDDetector) Describe() string { return fmt.Sprintf("pid:%d", d.PID) }

// Alive is shorthand for PIDDetector{PID: pid, StartUnix: startUnix}.Alive().
func Alive(pid int, startUnix int64) bool {
	return PIDDetector{PID: pid, StartUnix: startUnix}.Alive()
}
