// Package engine coordinates background compile-and-run sessions: worker
// goroutine lifecycle, gapless output chunk sequencing, cooperative
// cancellation, live chunk fan-out, and idle-session eviction.
package engine
