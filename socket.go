package h3bridge

import (
	"errors"
	"net"
	"os"
	"time"
)

// PacketSocket is the datagram socket operated by the pump. Both directions
// must be non-blocking: a read with no datagram waiting returns ErrWouldBlock
// instead of parking the caller.
//
// The transfer engine owns socket creation and addressing. It may hand the
// bridge any implementation, UDPSocket is provided for the common case.
type PacketSocket interface {
	ReadDatagram(p []byte) (int, error)
	WriteDatagram(p []byte) (int, error)
}

// Interface guard
var _ PacketSocket = (*UDPSocket)(nil)

// UDPSocket adapts an already-opened, connected UDP socket to the
// non-blocking PacketSocket contract. Reads are bounded by a short poll
// deadline, a read deadline in the past would suppress datagrams that are
// already queued.
type UDPSocket struct {
	conn net.Conn
}

// NewUDPSocket wraps conn. The caller keeps ownership and closes it.
func NewUDPSocket(conn net.Conn) *UDPSocket {
	return &UDPSocket{conn: conn}
}

const udpPollDeadline = time.Millisecond

// ReadDatagram implements PacketSocket interface.
func (s *UDPSocket) ReadDatagram(p []byte) (int, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(udpPollDeadline)); err != nil {
		return 0, err
	}

	n, err := s.conn.Read(p)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// WriteDatagram implements PacketSocket interface.
func (s *UDPSocket) WriteDatagram(p []byte) (int, error) {
	return s.conn.Write(p)
}
