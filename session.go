package h3bridge

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/gaukas/h3bridge/qinspect"
	"github.com/quic-go/qpack"
	"go.uber.org/zap"
)

// Version is the token this bridge contributes to the transfer engine's
// version banner.
const Version = "h3bridge/0.1.0"

// QUIC transport parameters offered at connect time. Fixed constants, any
// further negotiation is the engine's own business.
const (
	QUIC_MAX_STREAMS  uint64 = 256 * 1024
	QUIC_MAX_DATA     uint64 = 1 * 1024 * 1024
	QUIC_IDLE_TIMEOUT        = 60 * time.Second
)

const scidLen = 16

// Transport is the capability surface the transfer engine drives. It is
// implemented by Session and meant to be selected polymorphically alongside
// other transport adapters.
//
// All methods are non-blocking: they either complete synchronously or
// return ErrWouldBlock, the caller owns the polling loop.
type Transport interface {
	// Connect begins a QUIC handshake on the given already-opened socket.
	// On success the handshake's first flight has been transmitted.
	Connect(sock PacketSocket, serverName string) error

	// PollConnected advances the handshake. The caller polls until it
	// returns true.
	PollConnected(sock PacketSocket) (bool, error)

	// Recv delivers response bytes into p once a request is in flight.
	Recv(sock PacketSocket, p []byte) (int, error)

	// Send submits the request header block on its first call, body bytes
	// on subsequent calls.
	Send(sock PacketSocket, p []byte) (int, error)

	// Disconnect releases the engine handles. The connection is allowed
	// to lapse, no close frame is sent.
	Disconnect() error

	// Scheme returns the URL scheme this transport serves.
	Scheme() string

	// DefaultPort returns the default port for Scheme.
	DefaultPort() uint16
}

// Interface guard
var _ Transport = (*Session)(nil)

// Session is one logical HTTP/3-over-QUIC connection: engine handles, the
// request stream table and the connection-scoped configuration. Exactly one
// Session exists per logical connection and it is never shared between
// goroutines.
type Session struct {
	engine Engine
	cfg    *Config
	logger *zap.Logger

	conn Conn   // nil until Connect
	h3   H3Conn // nil until the first request is sent

	scid [scidLen]byte

	streams map[uint64]*Stream
	active  *Stream
	pending *pendingRequest

	established bool

	inspector *qinspect.FlightInspector
}

// Stream is one in-flight request/response exchange.
type Stream struct {
	// ID is the engine-assigned stream identifier.
	ID uint64

	// UploadLeft counts the body bytes still to be written for an upload
	// method: -1 means unknown but not yet finished, 0 means no body or
	// body complete.
	UploadLeft int64
}

// pendingRequest holds a translated upload request whose header submission
// is deferred until the first body write.
type pendingRequest struct {
	fields     []qpack.HeaderField
	uploadLeft int64
}

// NewSession creates a Session driving the given engine. cfg may be nil.
func NewSession(engine Engine, cfg *Config) *Session {
	c := cfg.withDefaults()
	return &Session{
		engine:  engine,
		cfg:     c,
		logger:  c.Logger,
		streams: make(map[uint64]*Stream),
	}
}

// Connect implements Transport interface.
func (s *Session) Connect(sock PacketSocket, serverName string) error {
	s.logger.Info(fmt.Sprintf("Connecting to %s over QUIC", serverName))

	s.streams = make(map[uint64]*Stream)
	s.active = nil
	s.pending = nil
	s.h3 = nil
	s.established = false
	if s.cfg.InspectInitialFlight {
		s.inspector = qinspect.NewFlightInspector(s.logger)
	}

	tc := &TransportConfig{
		IdleTimeout:                    QUIC_IDLE_TIMEOUT,
		InitialMaxData:                 QUIC_MAX_DATA,
		InitialMaxStreamDataBidiLocal:  QUIC_MAX_DATA,
		InitialMaxStreamDataBidiRemote: QUIC_MAX_DATA,
		InitialMaxStreamDataUni:        QUIC_MAX_DATA,
		InitialMaxStreamsBidi:          QUIC_MAX_STREAMS,
		InitialMaxStreamsUni:           QUIC_MAX_STREAMS,
		ALPN:                           s.cfg.ALPN,
	}

	if _, err := rand.Read(s.scid[:]); err != nil {
		return fmt.Errorf("%w: scid generation: %v", ErrInitFailed, err)
	}

	conn, err := s.engine.Connect(serverName, s.scid[:], tc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	s.conn = conn

	if err := s.flushEgress(sock); err != nil {
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}

	s.logger.Info(fmt.Sprintf("Sent QUIC client Initial, ALPN: %s", s.cfg.ALPN))
	return nil
}

// PollConnected implements Transport interface.
func (s *Session) PollConnected(sock PacketSocket) (bool, error) {
	if s.conn == nil {
		return false, fmt.Errorf("%w: not connected", ErrInitFailed)
	}

	if err := s.processIngress(sock); err != nil {
		return false, err
	}
	if err := s.flushEgress(sock); err != nil {
		return false, err
	}

	if !s.conn.IsEstablished() {
		return false, nil
	}
	if !s.established {
		s.established = true
		s.logger.Debug("established connection")
	}
	return true, nil
}

// Disconnect implements Transport interface.
func (s *Session) Disconnect() error {
	s.conn = nil
	s.h3 = nil
	s.streams = make(map[uint64]*Stream)
	s.active = nil
	s.pending = nil
	s.established = false
	s.inspector = nil
	return nil
}

// Scheme implements Transport interface.
func (s *Session) Scheme() string {
	if s.cfg.DisableEncryption {
		return "http"
	}
	return "https"
}

// DefaultPort implements Transport interface.
func (s *Session) DefaultPort() uint16 {
	if s.cfg.DisableEncryption {
		return 80
	}
	return 443
}

// Established reports whether the QUIC handshake has completed.
func (s *Session) Established() bool {
	return s.established
}

// Readiness tells the transfer engine which socket directions to poll for.
type Readiness struct {
	Read  bool
	Write bool
}

// Readiness reports the directions the caller should poll: reading is
// always of interest, writing only while an upload is unfinished or a
// deferred header submission is outstanding.
func (s *Session) Readiness() Readiness {
	r := Readiness{Read: true}
	if s.pending != nil {
		r.Write = true
	}
	if s.active != nil && s.active.UploadLeft != 0 {
		r.Write = true
	}
	return r
}

func (s *Session) closeStream(id uint64) {
	if st, ok := s.streams[id]; ok {
		delete(s.streams, id)
		if s.active == st {
			s.active = nil
		}
	}
}
