// Package pkg provides shared utilities for the fpcusb driver.
//
// This package contains the error taxonomy exposed to callers, the numeric
// code mapping shared with the wire ABI, and the component-tagged logging
// facilities used across the driver.
package pkg
