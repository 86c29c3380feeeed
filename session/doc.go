// Package session provides the client-facing handle over a shared device.
//
// A session serializes the operations of one client: every entry point
// takes the session's operation lock, so a client can use one session from
// multiple goroutines without corrupting an enrollment sequence or
// interleaving raw I/O. Multiple sessions may share one device; the device
// layer arbitrates between them.
//
// Sessions also host event delivery: a registered callback is fed from a
// background goroutine polling the sensor's interrupt endpoint.
package session
