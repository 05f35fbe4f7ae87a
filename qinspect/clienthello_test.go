package qinspect_test

import (
	"bytes"
	"testing"

	. "github.com/gaukas/h3bridge/qinspect"
	"github.com/quic-go/quic-go/quicvarint"
	tls "github.com/refraction-networking/utls"
	"golang.org/x/crypto/cryptobyte"
)

// buildTestTransportParams encodes max_idle_timeout (60000),
// initial_max_data (1048576) and one empty GREASE parameter.
func buildTestTransportParams() []byte {
	var b []byte

	b = quicvarint.Append(b, 0x01) // max_idle_timeout
	v := quicvarint.Append(nil, 60000)
	b = quicvarint.Append(b, uint64(len(v)))
	b = append(b, v...)

	b = quicvarint.Append(b, 0x04) // initial_max_data
	v = quicvarint.Append(nil, 1048576)
	b = quicvarint.Append(b, uint64(len(v)))
	b = append(b, v...)

	b = quicvarint.Append(b, 58) // GREASE, empty value
	b = quicvarint.Append(b, 0)

	return b
}

// buildTestClientHello serializes a minimal TLS 1.3 ClientHello handshake
// message carrying SNI, ALPN, supported_versions, one GREASE extension and
// QUIC transport parameters.
func buildTestClientHello(t testing.TB) []byte {
	t.Helper()

	var ext cryptobyte.Builder

	ext.AddUint16(0) // server_name
	ext.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint8(0) // host_name
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes([]byte("example.com"))
			})
		})
	})

	ext.AddUint16(16) // application_layer_protocol_negotiation
	ext.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes([]byte("h3"))
			})
		})
	})

	ext.AddUint16(43) // supported_versions
	ext.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16(0x0304)
		})
	})

	ext.AddUint16(0x3a3a) // GREASE
	ext.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {})

	ext.AddUint16(57) // quic_transport_parameters
	ext.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(buildTestTransportParams())
	})

	extBytes, err := ext.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	var msg cryptobyte.Builder
	msg.AddUint8(0x01) // client_hello
	msg.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(0x0303)                                      // legacy_version
		b.AddBytes(make([]byte, 32))                             // random
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {}) // empty legacy_session_id
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16(0x1301)
			b.AddUint16(0x1302)
		})
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint8(0) // null compression
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(extBytes)
		})
	})

	out, err := msg.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestParseClientHello(t *testing.T) {
	msg := buildTestClientHello(t)

	ch, err := ParseClientHello(msg)
	if err != nil {
		t.Fatal(err)
	}

	if ch.ServerName != "example.com" {
		t.Errorf("server name mismatch, got %s", ch.ServerName)
	}
	if len(ch.ALPN) != 1 || ch.ALPN[0] != "h3" {
		t.Errorf("ALPN mismatch, got %v", ch.ALPN)
	}
	if len(ch.CipherSuites) != 2 || ch.CipherSuites[0] != 0x1301 || ch.CipherSuites[1] != 0x1302 {
		t.Errorf("cipher suites mismatch, got %v", ch.CipherSuites)
	}
	if len(ch.SupportedVersions) != 1 || ch.SupportedVersions[0] != 0x0304 {
		t.Errorf("supported versions mismatch, got %v", ch.SupportedVersions)
	}

	wantExt := []uint16{0, 16, 43, tls.GREASE_PLACEHOLDER, 57}
	if len(ch.Extensions) != len(wantExt) {
		t.Fatalf("extensions mismatch, got %v, want %v", ch.Extensions, wantExt)
	}
	for i := range wantExt {
		if ch.Extensions[i] != wantExt[i] {
			t.Fatalf("extensions mismatch, got %v, want %v", ch.Extensions, wantExt)
		}
	}

	if ch.TransportParameters == nil {
		t.Fatal("transport parameters not parsed")
	}
	if err := ch.TransportParameters.ParseError(); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(ch.Raw(), msg) {
		t.Error("raw bytes mismatch")
	}
}

func TestParseClientHelloRejects(t *testing.T) {
	for name, p := range map[string][]byte{
		"empty":          nil,
		"not a hello":    {0x02, 0x00, 0x00, 0x02, 0x03, 0x04},
		"truncated body": {0x01, 0xff, 0xff, 0xff},
	} {
		if _, err := ParseClientHello(p); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

func TestParseTransportParameters(t *testing.T) {
	tp := ParseTransportParameters(buildTestTransportParams())
	if err := tp.ParseError(); err != nil {
		t.Fatal(err)
	}

	// Sorted, with the GREASE entry collapsed to its placeholder.
	wantIDs := []uint64{1, 4, QTP_GREASE}
	if len(tp.IDs) != len(wantIDs) {
		t.Fatalf("IDs mismatch, got %v, want %v", tp.IDs, wantIDs)
	}
	for i := range wantIDs {
		if tp.IDs[i] != wantIDs[i] {
			t.Fatalf("IDs mismatch, got %v, want %v", tp.IDs, wantIDs)
		}
	}

	// Values keep their VLI encoding with the length bits cleared.
	if !bytes.Equal(tp.MaxIdleTimeout, []byte{0x00, 0x00, 0xea, 0x60}) {
		t.Errorf("max_idle_timeout mismatch, got %x", []byte(tp.MaxIdleTimeout))
	}
	if !bytes.Equal(tp.InitialMaxData, []byte{0x00, 0x10, 0x00, 0x00}) {
		t.Errorf("initial_max_data mismatch, got %x", []byte(tp.InitialMaxData))
	}
}

func TestParseTransportParametersCorrupted(t *testing.T) {
	for name, extData := range map[string][]byte{
		"type only":       {0x01},
		"value short":     {0x01, 0x04, 0xaa},
		"length overruns": {0x04, 0x08, 0x00, 0x00},
	} {
		tp := ParseTransportParameters(extData)
		if tp.ParseError() == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

var mapParamTypeToGREASE = map[uint64]bool{
	0:   false,
	1:   false,
	26:  false,
	27:  true,
	28:  false,
	58:  true,
	89:  true,
	120: true,
	121: false,
}

func TestIsGREASETransportParameter(t *testing.T) {
	for paramType, want := range mapParamTypeToGREASE {
		if IsGREASETransportParameter(paramType) != want {
			t.Errorf("IsGREASETransportParameter(%d): want %v", paramType, want)
		}
	}
}
