package qinspect

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/gaukas/h3bridge/internal/utils"
	"github.com/quic-go/quic-go/quicvarint"
)

const (
	Frame_PADDING uint64 = 0x00
	Frame_PING    uint64 = 0x01
	Frame_ACK     uint64 = 0x02
	Frame_ACK_ECN uint64 = 0x03
	Frame_CRYPTO  uint64 = 0x06
)

// Frame is one QUIC frame carried in an Initial packet. Only the frame
// types a client may legally put in its first flight are recognized.
type Frame interface {
	// FrameType returns the type of the frame.
	FrameType() uint64

	// ReadFrom consumes the body of the frame, the frame type itself is
	// already read.
	ReadFrom(r *bytes.Reader) error
}

// Frames is the ordered frame sequence of one packet.
type Frames []Frame

// Types returns the frame type of each frame in order.
func (fs Frames) Types() []uint64 {
	types := make([]uint64, 0, len(fs))
	for _, f := range fs {
		types = append(types, f.FrameType())
	}
	return types
}

// TypesDeduplicated returns the sorted set of frame types present.
func (fs Frames) TypesDeduplicated() []uint64 {
	if len(fs) == 0 {
		return nil
	}
	return utils.DedupIntArr(fs.Types())
}

// ReadAllFrames parses frames from the decrypted packet payload until it is
// exhausted.
func ReadAllFrames(r *bytes.Reader) (Frames, error) {
	var frames Frames = make(Frames, 0)

	for {
		frameType, err := quicvarint.Read(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return nil, err
		}

		var frame Frame
		switch frameType {
		case Frame_PADDING:
			frame = &PADDING{}
		case Frame_PING:
			frame = &PING{}
		case Frame_ACK, Frame_ACK_ECN:
			frame = &ACK{ECN: frameType == Frame_ACK_ECN}
		case Frame_CRYPTO:
			frame = &CRYPTO{}
		default:
			return nil, fmt.Errorf("unknown frame type: 0x%.2x", frameType)
		}

		if err := frame.ReadFrom(r); err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
}

// PADDING frame
type PADDING struct {
	Length uint64 `json:"length,omitempty"` // count 0x00 bytes until not 0x00
}

// FrameType implements Frame interface.
func (f *PADDING) FrameType() uint64 {
	return Frame_PADDING
}

// ReadFrom implements Frame interface. It keeps reading until it finds a
// non-zero byte, which is unread as the next frame's type.
func (f *PADDING) ReadFrom(r *bytes.Reader) error {
	f.Length = 1 // starting from 1, since type is already read

	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil // all frames are read
			}
			return err
		}
		if b != 0x00 {
			return r.UnreadByte()
		}
		f.Length++
	}
}

// PING frame
type PING struct{}

// FrameType implements Frame interface.
func (f *PING) FrameType() uint64 {
	return Frame_PING
}

// ReadFrom implements Frame interface. A PING frame has no body.
func (f *PING) ReadFrom(r *bytes.Reader) error {
	return nil
}

// ACK frame, with or without ECN counts. A client acknowledges the server
// Initial from its second flight onwards.
type ACK struct {
	ECN                 bool   `json:"ecn,omitempty"`
	LargestAcknowledged uint64 `json:"largest_acknowledged,omitempty"`
	AckDelay            uint64 `json:"ack_delay,omitempty"`
	AckRangeCount       uint64 `json:"ack_range_count,omitempty"`
}

// FrameType implements Frame interface.
func (f *ACK) FrameType() uint64 {
	if f.ECN {
		return Frame_ACK_ECN
	}
	return Frame_ACK
}

// ReadFrom implements Frame interface. Ranges and ECN counts are consumed
// but not retained.
func (f *ACK) ReadFrom(r *bytes.Reader) (err error) {
	if f.LargestAcknowledged, err = quicvarint.Read(r); err != nil {
		return err
	}
	if f.AckDelay, err = quicvarint.Read(r); err != nil {
		return err
	}
	if f.AckRangeCount, err = quicvarint.Read(r); err != nil {
		return err
	}
	if _, err = quicvarint.Read(r); err != nil { // first ACK range
		return err
	}
	for i := uint64(0); i < f.AckRangeCount; i++ {
		if _, err = quicvarint.Read(r); err != nil { // gap
			return err
		}
		if _, err = quicvarint.Read(r); err != nil { // range length
			return err
		}
	}
	if f.ECN {
		for i := 0; i < 3; i++ { // ECT0, ECT1, ECN-CE
			if _, err = quicvarint.Read(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// CRYPTO frame
type CRYPTO struct {
	Offset uint64 `json:"offset,omitempty"` // offset of crypto data
	Length uint64 `json:"length,omitempty"` // length of crypto data
	Data   []byte `json:"data,omitempty"`   // crypto data
}

// FrameType implements Frame interface.
func (f *CRYPTO) FrameType() uint64 {
	return Frame_CRYPTO
}

// ReadFrom implements Frame interface.
func (f *CRYPTO) ReadFrom(r *bytes.Reader) (err error) {
	if f.Offset, err = quicvarint.Read(r); err != nil {
		return err
	}
	if f.Length, err = quicvarint.Read(r); err != nil {
		return err
	}

	f.Data = make([]byte, f.Length)
	_, err = io.ReadFull(r, f.Data)
	return err
}

// Interface guards
var (
	_ Frame = (*PADDING)(nil)
	_ Frame = (*PING)(nil)
	_ Frame = (*ACK)(nil)
	_ Frame = (*CRYPTO)(nil)
)
