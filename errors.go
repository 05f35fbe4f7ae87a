package h3bridge

import "errors"

// Errors returned to the transfer engine. Callers are expected to test with
// errors.Is: ErrWouldBlock means retry on the next socket readiness, all
// others are fatal for the connection attempt or the request.
var (
	ErrInitFailed       = errors.New("failed to initialize QUIC connection")
	ErrReceiveFailed    = errors.New("receive failed")
	ErrSendFailed       = errors.New("send failed")
	ErrWouldBlock       = errors.New("would block") // not an error, retry later
	ErrMalformedRequest = errors.New("malformed request header block")
)

// ErrDone is the sentinel returned at the engine boundary when there is
// nothing (more) to process: no datagram to absorb or produce, no stream
// bytes ready, no event pending. It never escapes to the transfer engine.
var ErrDone = errors.New("done")
