// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors shared across packages. Callers match them with errors.Is.
var (
	// Admission policy errors
	ErrBandwidthUnresolved = errors.New("twister: bandwidth limit not configured")
	ErrInvalidLossRate     = errors.New("twister: loss rate out of range")
	ErrInvalidWindow       = errors.New("twister: invalid accounting window")

	// Shared state errors
	ErrTableFull = errors.New("twister: table full")

	// Policy lifecycle errors
	ErrPolicyActive   = errors.New("twister: policy already active")
	ErrPolicyInactive = errors.New("twister: policy not active")

	// Configuration errors
	ErrConfigInvalid = errors.New("twister: invalid configuration")

	// Daemon errors
	ErrDaemonNotRunning = errors.New("twister: daemon not running")
)
