// Package hal defines the transport abstraction between the fpcusb driver
// core and the underlying USB plumbing.
//
// The driver core performs all protocol framing, state tracking, and
// recovery through the Pipe interface; backends only move bytes. Two
// implementations ship with the module: hal/usb wraps a real libusb
// device, and hal/sim emulates the sensor in memory for tests and demos.
package hal
