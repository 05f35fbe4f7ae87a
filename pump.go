package h3bridge

import (
	"errors"
	"fmt"
)

const (
	// maxUDPPayloadSize bounds a single inbound datagram read.
	maxUDPPayloadSize = 65535

	// maxDatagramSize bounds a single outbound datagram. 1200 bytes is
	// the QUIC minimum path MTU budget, safe before any path validation.
	maxDatagramSize = 1200
)

// processIngress drains the socket into the engine: every currently-ready
// datagram is read and absorbed before returning. QUIC processing is
// order-sensitive, a partial drain can stall protocol progress.
func (s *Session) processIngress(sock PacketSocket) error {
	var buf [maxUDPPayloadSize]byte

	for {
		n, err := sock.ReadDatagram(buf[:])
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				break
			}
			return fmt.Errorf("%w: socket read: %v", ErrReceiveFailed, err)
		}

		if _, err := s.conn.Recv(buf[:n]); err != nil {
			if errors.Is(err, ErrDone) {
				break
			}
			return fmt.Errorf("%w: engine recv: %v", ErrReceiveFailed, err)
		}
	}

	return nil
}

// flushEgress drains the engine into the socket: datagrams are produced and
// written until the engine has nothing more to send.
func (s *Session) flushEgress(sock PacketSocket) error {
	var out [maxDatagramSize]byte

	for {
		n, err := s.conn.Send(out[:])
		if err != nil {
			if errors.Is(err, ErrDone) {
				break
			}
			return fmt.Errorf("%w: engine send: %v", ErrSendFailed, err)
		}

		if s.inspector != nil && !s.established {
			s.inspector.Observe(out[:n])
		}

		if _, err := sock.WriteDatagram(out[:n]); err != nil {
			return fmt.Errorf("%w: socket write: %v", ErrSendFailed, err)
		}
	}

	return nil
}
