package qinspect

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/gaukas/h3bridge/internal/utils"
	"github.com/quic-go/quic-go/quicvarint"
	"golang.org/x/crypto/cryptobyte"
)

var (
	ErrNotLongHeaderFormat = errors.New("packet is not in QUIC Long Header Format")
	ErrNotInitialPacket    = errors.New("packet is not a QUIC Initial Packet")
)

// InitialPacket is one client Initial packet with its protection removed.
type InitialPacket struct {
	Version            utils.Uint8Arr `json:"version,omitempty"` // 4-byte version
	DCID               utils.Uint8Arr `json:"dcid,omitempty"`
	SCID               utils.Uint8Arr `json:"scid,omitempty"`
	Token              utils.Uint8Arr `json:"token,omitempty"`
	PacketNumber       uint32         `json:"pn"` // 0 is a valid first packet number
	PacketNumberLength uint32         `json:"pn_len,omitempty"`

	Frames Frames `json:"-"`
}

// ParseInitialPacket removes the Initial packet protection from a single
// outgoing datagram and parses the frames inside. The input is not
// retained, every field of the result owns its own bytes.
func ParseInitialPacket(p []byte) (*InitialPacket, error) {
	if len(p) < 7 {
		return nil, ErrNotLongHeaderFormat
	}

	protectedHeaderByte := p[0]

	// check if it's in QUIC long header format:
	// - MSB highest bit is 1 (long header format)
	// - MSB 2nd highest bit is 1 (always set for QUIC)
	if protectedHeaderByte&0xc0 != 0xc0 {
		return nil, ErrNotLongHeaderFormat
	}

	// check if it's a QUIC Initial Packet: MSB lower 2 bits are 0
	if protectedHeaderByte&0x30 != 0 {
		return nil, ErrNotInitialPacket
	}

	pkt := &InitialPacket{}
	pkt.Version = append(utils.Uint8Arr{}, p[1:5]...)

	s := cryptobyte.String(p[5:])
	var dcid, scid cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&dcid) {
		return nil, errors.New("failed to read DCID")
	}
	if !s.ReadUint8LengthPrefixed(&scid) {
		return nil, errors.New("failed to read SCID")
	}
	pkt.DCID = append(utils.Uint8Arr{}, dcid...)
	pkt.SCID = append(utils.Uint8Arr{}, scid...)

	// token length is a VLI
	r := bytes.NewReader(s)
	tokenLen, err := quicvarint.Read(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read token length: %w", err)
	}
	if uint64(r.Len()) < tokenLen {
		return nil, errors.New("failed to read all token bytes, short read")
	}
	token := make([]byte, tokenLen)
	if _, err := io.ReadFull(r, token); err != nil {
		return nil, err
	}
	pkt.Token = token

	// packet length is a VLI
	packetLen, err := quicvarint.Read(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read packet length: %w", err)
	}
	if uint64(r.Len()) < packetLen {
		return nil, errors.New("failed to read all payload bytes, short read")
	}

	// everything up to and including the length VLI authenticates the
	// payload, together with the unprotected packet number appended below
	headerLen := len(p) - r.Len()

	payload := make([]byte, packetLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	if len(payload) < 20 {
		return nil, errors.New("payload too short for a header protection sample")
	}

	// do key calculation
	clientKey, clientIV, clientHpKey, err := ClientInitialKeys(pkt.DCID)
	if err != nil {
		return nil, err
	}

	// compute header protection
	mask, err := HeaderProtectionMask(clientHpKey, payload[4:20])
	if err != nil {
		return nil, err
	}

	// decipher packet header byte
	headerByte := protectedHeaderByte ^ (mask[0] & 0x0f) // only lower 4 bits are protected
	pkt.PacketNumberLength = uint32(headerByte&0x03) + 1 // LSB lower 2 bits are packet number length (-1)
	pnLen := int(pkt.PacketNumberLength)
	if len(payload) < pnLen+16 {
		return nil, errors.New("payload too short for packet number and auth tag")
	}

	recdata := make([]byte, 0, headerLen+pnLen)
	recdata = append(recdata, p[:headerLen]...)
	recdata[0] = headerByte
	for i := 0; i < pnLen; i++ {
		unprotectedByte := payload[i] ^ mask[i+1]
		recdata = append(recdata, unprotectedByte)
		pkt.PacketNumber = pkt.PacketNumber<<8 + uint32(unprotectedByte)
	}

	ciphertext := payload[pnLen : len(payload)-16] // payload: [packet number (i-byte)] [encrypted data] [auth tag (16-byte)]
	authTag := payload[len(payload)-16:]

	// decipher payload
	plaintext, err := decryptAES128GCM(clientIV, uint64(pkt.PacketNumber), clientKey, ciphertext, recdata, authTag)
	if err != nil {
		return nil, fmt.Errorf("failed to remove packet protection: %w", err)
	}

	// parse frames
	pkt.Frames, err = ReadAllFrames(bytes.NewReader(plaintext))
	if err != nil {
		return nil, err
	}

	return pkt, nil
}
