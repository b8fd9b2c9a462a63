package engine

import "errors"

var (
	// ErrAtCapacity is returned by Admit when every slot is occupied (spec §8
	// invariant 2: "admission is all-or-nothing and deterministic").
	ErrAtCapacity = errors.New("engine: at capacity")
	// ErrInvalidSlot is returned when a slot index is out of range.
	ErrInvalidSlot = errors.New("engine: invalid slot index")
	// ErrClosedSlot is returned when submitting to a slot that is Free (never
	// admitted, or already released) or Draining.
	ErrClosedSlot = errors.New("engine: slot is not active")
	// ErrEngineClosed is returned by any public method once Close has run.
	ErrEngineClosed = errors.New("engine: closed")
	// ErrDeviceFatal marks a Model error that spec §4.3.6 treats as
	// unrecoverable: the Engine stops admitting new slots (Admit returns
	// ErrDeviceFatal) and releases every existing slot after sending it an
	// EventError, which the session closes with 1011.
	ErrDeviceFatal = errors.New("engine: device fatal error")
)
