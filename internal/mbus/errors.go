package mbus

import "errors"

// Sentinel errors for M-Bus operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrBusUnavailable indicates the serial port could not be opened or
	// failed mid-exchange. Transport errors abort the operation; the next
	// scheduled tick retries.
	ErrBusUnavailable = errors.New("mbus: bus unavailable")

	// ErrNoReply indicates no device answered within the reply timeout.
	ErrNoReply = errors.New("mbus: no reply")

	// ErrFrameDecode indicates a received byte sequence is not a valid
	// frame (bad start byte, length mismatch, checksum failure). During a
	// scan this is the collision signal, not an error.
	ErrFrameDecode = errors.New("mbus: frame decode failed")

	// ErrInvalidAddress indicates an address is neither a primary address
	// (0-250) nor a 16 hex-digit secondary address.
	ErrInvalidAddress = errors.New("mbus: invalid address")

	// ErrBreakerOpen indicates the bus circuit breaker is open and the
	// attempt was short-circuited without any bus I/O.
	ErrBreakerOpen = errors.New("mbus: circuit breaker open")

	// ErrUnexpectedFrame indicates a reply arrived but was not the frame
	// type the exchange expected (e.g. data frame instead of ACK).
	ErrUnexpectedFrame = errors.New("mbus: unexpected frame type")
)
