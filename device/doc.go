// Package device implements the core driver for the FPC fingerprint
// sensor: the bulk transport, the command/response protocol, the device
// lifecycle state machine, the high-level capture/enroll/verify/identify
// operations, and the automatic recovery engine.
//
// A Device is shared between sessions by reference counting; the transport
// is torn down when the last reference is released. All protocol exchanges
// go through one internal lock because the sensor protocol is strictly
// half-duplex.
package device
