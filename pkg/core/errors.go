package core

import "errors"

// Error taxonomy for the stack. Frame-level failures (malformed, exhausted,
// unreachable) are recovered locally: the frame is dropped and a counter is
// incremented. Only connection-level failures surface to application callers.
var (
	// ErrMalformed indicates a header failed length or checksum validation.
	ErrMalformed = errors.New("malformed packet")

	// ErrExhausted indicates no free buffer or table slot was available.
	// It is a backpressure signal, never fatal.
	ErrExhausted = errors.New("resource exhausted")

	// ErrUnreachable indicates no route or neighbor for the destination.
	ErrUnreachable = errors.New("destination unreachable")

	// ErrConnectionReset indicates the peer sent RST or violated the
	// protocol; all buffered data for the connection is discarded.
	ErrConnectionReset = errors.New("connection reset")

	// ErrConnectionTimeout indicates the retransmission limit was exceeded.
	ErrConnectionTimeout = errors.New("connection timed out")

	// ErrWouldBlock indicates the non-blocking operation cannot make
	// progress right now; retry after polling.
	ErrWouldBlock = errors.New("operation would block")

	// ErrClosed indicates the connection or listener is closed.
	ErrClosed = errors.New("closed")
)
