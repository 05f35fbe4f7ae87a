package qinspect

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/gaukas/h3bridge/internal/utils"
	"github.com/quic-go/quic-go/quicvarint"
	tls "github.com/refraction-networking/utls"
	"github.com/refraction-networking/utls/dicttls"
	"golang.org/x/crypto/cryptobyte"
)

// ClientHello is the inspection surface of a reassembled TLS ClientHello:
// the fields a QUIC client reveals before any server byte arrives.
type ClientHello struct {
	raw []byte

	ServerName        string   `json:"server_name,omitempty"`
	ALPN              []string `json:"alpn,omitempty"`
	CipherSuites      []uint16 `json:"cipher_suites,omitempty"`
	SupportedVersions []uint16 `json:"supported_versions,omitempty"`
	Extensions        []uint16 `json:"extensions,omitempty"` // extension IDs in original order, GREASE collapsed

	TransportParameters *TransportParameters `json:"transport_parameters,omitempty"`
}

// ParseClientHello parses a reassembled CRYPTO stream as a ClientHello
// handshake message.
func ParseClientHello(p []byte) (*ClientHello, error) {
	if len(p) < 4 || p[0] != 0x01 {
		return nil, errors.New("not a ClientHello handshake message")
	}

	ch := &ClientHello{raw: p}

	chm := tls.UnmarshalClientHello(p)
	if chm == nil {
		return nil, errors.New("failed to parse ClientHello, tls.UnmarshalClientHello(): nil")
	}
	ch.ServerName = chm.ServerName
	ch.ALPN = chm.AlpnProtocols
	ch.CipherSuites = chm.CipherSuites
	ch.SupportedVersions = chm.SupportedVersions

	if err := ch.parseExtra(); err != nil {
		return nil, err
	}

	return ch, nil
}

// Raw returns the handshake message bytes the ClientHello was parsed from.
func (ch *ClientHello) Raw() []byte {
	return ch.raw
}

// parseExtra parses what uTLS does not surface: the extension ID order and
// the quic_transport_parameters payload.
func (ch *ClientHello) parseExtra() error {
	s := cryptobyte.String(ch.raw)
	if !s.Skip(1) || // skip Handshake type
		!s.Skip(3) || // skip Handshake length
		!s.Skip(2) || // skip ClientHello version
		!s.Skip(32) { // skip ClientHello random
		return errors.New("failed to parse ClientHello, cryptobyte.String().Skip(): false")
	}

	var ignoredSessionID cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&ignoredSessionID) {
		return errors.New("unable to read session id")
	}

	var ignoredCipherSuites cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&ignoredCipherSuites) {
		return errors.New("unable to read ciphersuites")
	}

	var ignoredCompressionMethods cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&ignoredCompressionMethods) {
		return errors.New("unable to read compression methods")
	}

	if s.Empty() {
		return nil // no extensions
	}

	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) {
		return errors.New("unable to read extensions data")
	}

	for !extensions.Empty() {
		var extensionID uint16
		var extensionData cryptobyte.String
		if !extensions.ReadUint16(&extensionID) {
			return errors.New("unable to read extension ID")
		}
		if !extensions.ReadUint16LengthPrefixed(&extensionData) {
			return errors.New("unable to read extension data")
		}

		switch extensionID {
		case 57, 0xffa5: // quic_transport_parameters, RFC and pre-RFC code points
			ch.TransportParameters = ParseTransportParameters(extensionData)
		default:
			if utils.IsGREASEUint16(extensionID) {
				ch.Extensions = append(ch.Extensions, tls.GREASE_PLACEHOLDER)
				continue
			}
		}
		ch.Extensions = append(ch.Extensions, extensionID)
	}

	return nil
}

const (
	QTP_GREASE = 27

	UNSET_VLI_BITS = true // if false, unsetVLIBits() will be nop
)

// TransportParameters holds the QUIC transport parameters offered in the
// quic_transport_parameters extension. Values keep their variable-length
// integer encoding with the length bits cleared.
type TransportParameters struct {
	MaxIdleTimeout                 utils.Uint8Arr `json:"max_idle_timeout,omitempty"`
	InitialMaxData                 utils.Uint8Arr `json:"initial_max_data,omitempty"`
	InitialMaxStreamDataBidiLocal  utils.Uint8Arr `json:"initial_max_stream_data_bidi_local,omitempty"`
	InitialMaxStreamDataBidiRemote utils.Uint8Arr `json:"initial_max_stream_data_bidi_remote,omitempty"`
	InitialMaxStreamDataUni        utils.Uint8Arr `json:"initial_max_stream_data_uni,omitempty"`
	InitialMaxStreamsBidi          utils.Uint8Arr `json:"initial_max_streams_bidi,omitempty"`
	InitialMaxStreamsUni           utils.Uint8Arr `json:"initial_max_streams_uni,omitempty"`

	IDs []uint64 `json:"ids,omitempty"` // sorted, GREASE replaced with a placeholder

	parseError error
}

// ParseTransportParameters parses the extension data of the TLS extension
// "QUIC Transport Parameters".
//
// If any error occurs, the returned struct will have parseError set.
func ParseTransportParameters(extData []byte) *TransportParameters {
	tp := &TransportParameters{
		parseError: errors.New("unknown error"),
	}

	r := bytes.NewReader(extData)
	for r.Len() > 0 {
		paramType, err := quicvarint.Read(r)
		if err != nil {
			tp.parseError = fmt.Errorf("failed to read transport parameter type: %w", err)
			return tp
		}
		paramValLen, err := quicvarint.Read(r)
		if err != nil {
			tp.parseError = fmt.Errorf("failed to read transport parameter value length: %w", err)
			return tp
		}

		if IsGREASETransportParameter(paramType) {
			tp.IDs = append(tp.IDs, QTP_GREASE) // replace with placeholder
		} else {
			tp.IDs = append(tp.IDs, paramType)
		}

		if paramValLen == 0 {
			continue // skip empty transport parameter, no need to try to read
		}

		if uint64(r.Len()) < paramValLen {
			tp.parseError = errors.New("corrupted transport parameter")
			return tp
		}
		paramData := make([]byte, paramValLen)
		if _, err := io.ReadFull(r, paramData); err != nil {
			tp.parseError = fmt.Errorf("failed to read transport parameter value: %w", err)
			return tp
		}

		switch paramType {
		case dicttls.QUICTransportParameter_max_idle_timeout:
			tp.MaxIdleTimeout = paramData
			unsetVLIBits(tp.MaxIdleTimeout) // toggle the UNSET_VLI_BITS flag to control behavior
		case dicttls.QUICTransportParameter_initial_max_data:
			tp.InitialMaxData = paramData
			unsetVLIBits(tp.InitialMaxData)
		case dicttls.QUICTransportParameter_initial_max_stream_data_bidi_local:
			tp.InitialMaxStreamDataBidiLocal = paramData
			unsetVLIBits(tp.InitialMaxStreamDataBidiLocal)
		case dicttls.QUICTransportParameter_initial_max_stream_data_bidi_remote:
			tp.InitialMaxStreamDataBidiRemote = paramData
			unsetVLIBits(tp.InitialMaxStreamDataBidiRemote)
		case dicttls.QUICTransportParameter_initial_max_stream_data_uni:
			tp.InitialMaxStreamDataUni = paramData
			unsetVLIBits(tp.InitialMaxStreamDataUni)
		case dicttls.QUICTransportParameter_initial_max_streams_bidi:
			tp.InitialMaxStreamsBidi = paramData
			unsetVLIBits(tp.InitialMaxStreamsBidi)
		case dicttls.QUICTransportParameter_initial_max_streams_uni:
			tp.InitialMaxStreamsUni = paramData
			unsetVLIBits(tp.InitialMaxStreamsUni)
		}
	}

	// sort IDs
	sort.Slice(tp.IDs, func(i, j int) bool {
		return tp.IDs[i] < tp.IDs[j]
	})

	tp.parseError = nil
	return tp
}

// ParseError returns the error that occurred during parsing, if any.
func (tp *TransportParameters) ParseError() error {
	return tp.parseError
}

func unsetVLIBits(vli []byte) {
	if UNSET_VLI_BITS {
		vli[0] &= 0x3f // 0x3f = 0b00111111, clear MSBs
	}
}

// IsGREASETransportParameter reports reserved transport parameter IDs,
// 27, 58, 89, ...
func IsGREASETransportParameter(paramType uint64) bool {
	return paramType >= 27 && (paramType-27)%31 == 0
}
