package qinspect

import (
	"encoding/binary"
	"errors"
	"io"
)

var (
	ErrDuplicateFragment = errors.New("duplicate CRYPTO frame detected")
	ErrOverlapFragment   = errors.New("overlap CRYPTO frame detected")
	ErrTooManyFragments  = errors.New("too many CRYPTO fragments")
	ErrOffsetTooHigh     = errors.New("offset too high")
	ErrNeedMoreFrames    = errors.New("need more CRYPTO frames")
)

const maxCRYPTOFragments = 32
const maxCRYPTOLength = 0x10000

// ClientHelloGatherer reassembles the TLS ClientHello a client spreads over
// the CRYPTO frames of one or more Initial packets.
type ClientHelloGatherer struct {
	fullLen uint32 // parsed from the handshake header once available
	buf     []byte

	frags map[uint64][]byte // offset: fragment, pending reassembly

	seenPacketNumbers map[uint32]bool
}

func NewClientHelloGatherer() *ClientHelloGatherer {
	return &ClientHelloGatherer{
		frags:             make(map[uint64][]byte),
		seenPacketNumbers: make(map[uint32]bool),
	}
}

// AddPacket feeds every CRYPTO frame of one Initial packet to the gatherer.
// Retransmitted packet numbers are ignored. Check Gathered afterwards to
// learn whether the ClientHello is complete.
func (g *ClientHelloGatherer) AddPacket(pkt *InitialPacket) error {
	if g.seenPacketNumbers[pkt.PacketNumber] {
		return nil
	}
	g.seenPacketNumbers[pkt.PacketNumber] = true

	for _, frame := range pkt.Frames {
		c, ok := frame.(*CRYPTO)
		if !ok {
			continue
		}
		if err := g.AddFragment(c.Offset, c.Data); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return nil
}

// AddFragment adds one CRYPTO fragment. Fragments arriving out of order are
// parked in an internal map until everything before them has been
// reassembled. io.EOF reports that the ClientHello just completed.
func (g *ClientHelloGatherer) AddFragment(offset uint64, frag []byte) error {
	// The new fragment should not duplicate a pending one.
	if _, ok := g.frags[offset]; ok {
		return ErrDuplicateFragment
	}

	// Nor overlap any pending fragment.
	for off, f := range g.frags {
		if (off < offset && off+uint64(len(f)) > offset) || (offset < off && offset+uint64(len(frag)) > off) {
			return ErrOverlapFragment
		}
	}

	// Nor overlap the already-reassembled buffer.
	if offset < uint64(len(g.buf)) {
		return ErrOverlapFragment
	}

	if len(g.frags) > maxCRYPTOFragments {
		return ErrTooManyFragments
	}

	if offset+uint64(len(frag)) > maxCRYPTOLength {
		return ErrOffsetTooHigh
	}

	// Fragments alias packet payloads, keep a private copy.
	copyF := make([]byte, len(frag))
	copy(copyF, frag)
	g.frags[offset] = copyF

	for {
		// assemble the next adjacent fragment until none is available
		f, ok := g.frags[uint64(len(g.buf))]
		if !ok {
			break
		}
		delete(g.frags, uint64(len(g.buf)))
		g.buf = append(g.buf, f...)
	}

	// Once 4 bytes are contiguous the handshake header tells the full
	// length: Handshake Type (1) + uint24 Length (3) + ClientHello body.
	if g.fullLen == 0 && len(g.buf) > 4 {
		g.fullLen = binary.BigEndian.Uint32([]byte{
			0x0, g.buf[1], g.buf[2], g.buf[3],
		}) + 4

		if g.fullLen > maxCRYPTOLength {
			return ErrOffsetTooHigh
		}
	}

	if g.fullLen > 0 && uint32(len(g.buf)) >= g.fullLen {
		return io.EOF // no more fragments expected
	}

	return nil
}

// Gathered reports whether the full ClientHello has been reassembled.
func (g *ClientHelloGatherer) Gathered() bool {
	return g.fullLen > 0 && uint32(len(g.buf)) >= g.fullLen
}

// Bytes returns the reassembled handshake message, nil until complete.
func (g *ClientHelloGatherer) Bytes() []byte {
	if !g.Gathered() {
		return nil
	}
	return g.buf
}

// Reconstruct parses the reassembled ClientHello. ErrNeedMoreFrames means
// more CRYPTO fragments are required first.
func (g *ClientHelloGatherer) Reconstruct() (*ClientHello, error) {
	if b := g.Bytes(); len(b) > 0 {
		return ParseClientHello(b)
	}

	return nil, ErrNeedMoreFrames
}
