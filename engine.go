package h3bridge

import (
	"time"

	"github.com/quic-go/qpack"
)

// Engine is the boundary to an external QUIC/HTTP-3 protocol implementation.
// The engine owns the wire protocol: handshake, encryption, flow and
// congestion control, datagram framing. The bridge never looks inside it.
//
// All methods are non-blocking. Whenever an engine has nothing (more) to
// process it returns ErrDone rather than blocking or failing.
type Engine interface {
	// Connect creates a connection in handshake-initiated state. scid is
	// the locally generated source connection ID.
	Connect(serverName string, scid []byte, tc *TransportConfig) (Conn, error)

	// NewH3Conn layers an HTTP/3 context on top of an established or
	// establishing connection.
	NewH3Conn(conn Conn, hc *H3Config) (H3Conn, error)
}

// Conn is one QUIC connection as seen by the bridge.
type Conn interface {
	// Recv absorbs a single inbound datagram.
	Recv(p []byte) (int, error)

	// Send fills p with the next outbound datagram and returns its length.
	Send(p []byte) (int, error)

	// StreamRecv reads transport-level (not HTTP/3-framed) stream bytes.
	// fin reports whether the peer finished the stream.
	StreamRecv(streamID uint64, p []byte) (n int, fin bool, err error)

	// StreamSend writes stream bytes, finishing the stream when fin is set.
	StreamSend(streamID uint64, p []byte, fin bool) (int, error)

	// IsEstablished reports whether the handshake has completed.
	IsEstablished() bool

	// Close closes the connection with an application (app=true) or
	// transport error code.
	Close(app bool, code uint64, reason []byte) error
}

// H3Conn is one HTTP/3 context layered on a Conn.
type H3Conn interface {
	// SendRequest submits a request header list and returns the
	// engine-assigned stream ID. fin marks the request as having no body.
	SendRequest(conn Conn, fields []qpack.HeaderField, fin bool) (uint64, error)

	// RecvBody reads HTTP/3-framed body bytes for the given stream.
	RecvBody(conn Conn, streamID uint64, p []byte) (int, error)

	// Poll returns the next pending event and the stream it belongs to.
	Poll(conn Conn) (uint64, Event, error)
}

const (
	H3Event_HEADERS  uint64 = 0 // response header list arrived
	H3Event_DATA     uint64 = 1 // body bytes are ready to be read
	H3Event_FINISHED uint64 = 2 // peer finished the stream
)

// Event is a transient notification produced by H3Conn.Poll. Events are
// dispatched and dropped immediately, never stored.
type Event interface {
	// EventType returns the type of the event.
	EventType() uint64
}

// HeadersEvent carries a decoded response header list.
type HeadersEvent struct {
	Fields []qpack.HeaderField
}

// EventType implements Event interface.
func (ev *HeadersEvent) EventType() uint64 {
	return H3Event_HEADERS
}

// DataEvent signals body bytes are available. The bytes themselves are
// fetched with H3Conn.RecvBody, not carried in the event.
type DataEvent struct{}

// EventType implements Event interface.
func (ev *DataEvent) EventType() uint64 {
	return H3Event_DATA
}

// FinishedEvent signals the peer finished the stream.
type FinishedEvent struct{}

// EventType implements Event interface.
func (ev *FinishedEvent) EventType() uint64 {
	return H3Event_FINISHED
}

// Interface guards
var (
	_ Event = (*HeadersEvent)(nil)
	_ Event = (*DataEvent)(nil)
	_ Event = (*FinishedEvent)(nil)
)

// TransportConfig carries the QUIC transport parameters handed to the
// engine at connect time. The bridge fills it from fixed constants, it is
// not a runtime tuning surface.
type TransportConfig struct {
	IdleTimeout time.Duration

	InitialMaxData                 uint64
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxStreamsBidi          uint64
	InitialMaxStreamsUni           uint64

	// ALPN is the application protocol offered in the handshake.
	ALPN string
}

// H3Config carries the HTTP/3 context parameters.
type H3Config struct {
	NumPlaceholders       uint64
	MaxHeaderListSize     uint64
	QPACKMaxTableCapacity uint64
	QPACKBlockedStreams   uint64
}
