// Package sim provides an in-memory sensor for development and testing.
//
// The simulated sensor speaks the full command protocol over the hal.Pipe
// interface: bulk OUT commands produce queued bulk IN responses, and
// scripted events are delivered over the interrupt endpoint. Failure
// injection hooks cover timeouts, stalls, disconnects, and per-command
// status errors, so recovery paths can be exercised without hardware.
package sim
