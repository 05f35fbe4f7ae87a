package h3bridge

import "go.uber.org/zap"

const (
	DEFAULT_MAX_HEADER_BYTES = 60000 // <64KB to account for some overhead
	DEFAULT_ALPN             = "h3"
)

// Config controls one Session. The zero value is usable.
type Config struct {
	// Logger receives connection progress and per-header observability.
	// nil disables logging.
	Logger *zap.Logger

	// DisableEncryption makes the translator synthesize ":scheme: http"
	// instead of ":scheme: https". The QUIC handshake itself is always
	// encrypted, this only changes the request pseudo-header.
	DisableEncryption bool

	// MaxHeaderBytes is the advisory ceiling on the cumulative byte length
	// of all header names and values in one request. Exceeding it logs a
	// warning, the request still proceeds. 0 means
	// DEFAULT_MAX_HEADER_BYTES.
	MaxHeaderBytes int

	// DeferUploadHeaders delays header submission for body-bearing request
	// methods until the first body write. The default submits headers
	// immediately and streams the body afterwards.
	//
	// TODO: confirm which submission timing the transfer engine expects
	// for uploads, then remove the other branch.
	DeferUploadHeaders bool

	// OnHeader, when set, observes every response header field as it is
	// dispatched. No semantic processing happens at this layer.
	OnHeader func(name, value string)

	// InspectInitialFlight parses and logs the outgoing client Initial
	// (long header, frames, ClientHello) during the handshake. Purely
	// diagnostic, failures never affect the transfer.
	InspectInitialFlight bool

	// ALPN overrides the application protocol offered in the handshake.
	// Empty means DEFAULT_ALPN.
	ALPN string
}

func (cfg *Config) clone() *Config {
	if cfg == nil {
		return &Config{}
	}
	c := *cfg
	return &c
}

func (cfg *Config) withDefaults() *Config {
	c := cfg.clone()
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.MaxHeaderBytes == 0 {
		c.MaxHeaderBytes = DEFAULT_MAX_HEADER_BYTES
	}
	if c.ALPN == "" {
		c.ALPN = DEFAULT_ALPN
	}
	return c
}
