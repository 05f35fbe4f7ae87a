package h3bridge

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Recv implements Transport interface. Each call drains the socket, reads
// the active stream at the transport level, then dispatches every pending
// HTTP/3 event. The returned count is the byte count of the most recent
// body read into p, or of the direct stream read while no HTTP/3 context
// exists yet.
//
// ErrWouldBlock means nothing was ready, call again on the next socket
// readiness.
func (s *Session) Recv(sock PacketSocket, p []byte) (int, error) {
	if s.conn == nil {
		return 0, fmt.Errorf("%w: not connected", ErrReceiveFailed)
	}

	if err := s.processIngress(sock); err != nil {
		return 0, err
	}

	if s.active == nil {
		return 0, ErrWouldBlock
	}

	recvd, _, err := s.conn.StreamRecv(s.active.ID, p)
	if err != nil {
		if errors.Is(err, ErrDone) {
			return 0, ErrWouldBlock
		}
		return 0, fmt.Errorf("%w: stream recv: %v", ErrReceiveFailed, err)
	}

	s.logger.Debug(fmt.Sprintf("%d bytes of H3 to deal with", recvd))

	if s.h3 == nil {
		// No HTTP/3 context yet, hand the raw stream bytes up as-is.
		return recvd, nil
	}

	for {
		id, ev, err := s.h3.Poll(s.conn)
		if err != nil {
			break // nothing more to do
		}

		switch ev := ev.(type) {
		case *HeadersEvent:
			for _, f := range ev.Fields {
				if s.cfg.OnHeader != nil {
					s.cfg.OnHeader(f.Name, f.Value)
				}
				s.logger.Debug(fmt.Sprintf("got HTTP header: %s=%s", f.Name, f.Value))
			}
		case *DataEvent:
			// A non-positive body read means nothing ready this round.
			if n, err := s.h3.RecvBody(s.conn, id, p); err == nil && n > 0 {
				recvd = n
			}
		case *FinishedEvent:
			if err := s.conn.Close(true, 0, nil); err != nil {
				s.logger.Warn("failed to close connection", zap.Error(err))
			}
			s.closeStream(id)
		}
	}

	return recvd, nil
}
