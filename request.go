package h3bridge

import "fmt"

// HTTP/3 context parameters handed to the engine when the first request is
// sent. Small header list budget, QPACK dynamic table disabled.
const h3MaxHeaderListSize = 1024

// Send implements Transport interface. The first call on a session takes p
// as the request header block: it is translated and submitted as an HTTP/3
// request. Subsequent calls write body bytes for an active upload. The
// returned count is the number of bytes of p consumed.
func (s *Session) Send(sock PacketSocket, p []byte) (int, error) {
	if s.conn == nil {
		return 0, fmt.Errorf("%w: not connected", ErrSendFailed)
	}

	var (
		sent int
		err  error
	)
	if s.h3 == nil {
		sent, err = s.submitRequest(p)
	} else {
		sent, err = s.sendBody(p)
	}
	if err != nil {
		return 0, err
	}

	if err := s.flushEgress(sock); err != nil {
		return 0, err
	}
	return sent, nil
}

// submitRequest lazily creates the HTTP/3 context, translates the header
// block and submits it. Upload methods leave the stream open for body
// writes, everything else finishes the request in one shot.
func (s *Session) submitRequest(block []byte) (int, error) {
	h3, err := s.engine.NewH3Conn(s.conn, &H3Config{MaxHeaderListSize: h3MaxHeaderListSize})
	if err != nil {
		return 0, fmt.Errorf("%w: h3 context: %v", ErrSendFailed, err)
	}
	s.h3 = h3

	req, err := TranslateRequest(block, s.Scheme())
	if err != nil {
		return 0, err
	}

	for _, f := range req.Fields {
		s.logger.Debug(fmt.Sprintf("h3 [%s: %s]", f.Name, f.Value))
	}
	if req.HeaderBytes > s.cfg.MaxHeaderBytes {
		s.logger.Warn(fmt.Sprintf(
			"the cumulative length of all headers exceeds %d bytes and that could cause the stream to be rejected",
			s.cfg.MaxHeaderBytes))
	}

	if req.HasBody() {
		if s.cfg.DeferUploadHeaders {
			// Held back until the first body write.
			s.pending = &pendingRequest{fields: req.Fields, uploadLeft: req.ContentLength}
			return len(block), nil
		}

		id, err := s.h3.SendRequest(s.conn, req.Fields, false)
		if err != nil {
			return 0, fmt.Errorf("%w: request submission: %v", ErrSendFailed, err)
		}
		s.openStream(id, req.ContentLength)
		return len(block), nil
	}

	id, err := s.h3.SendRequest(s.conn, req.Fields, true)
	if err != nil {
		return 0, fmt.Errorf("%w: request submission: %v", ErrSendFailed, err)
	}
	s.openStream(id, 0)
	return len(block), nil
}

// sendBody writes one chunk of upload body to the active stream, submitting
// deferred headers first if any are outstanding.
func (s *Session) sendBody(p []byte) (int, error) {
	if s.pending != nil {
		id, err := s.h3.SendRequest(s.conn, s.pending.fields, false)
		if err != nil {
			return 0, fmt.Errorf("%w: deferred request submission: %v", ErrSendFailed, err)
		}
		s.openStream(id, s.pending.uploadLeft)
		s.pending = nil
	}

	st := s.active
	if st == nil {
		return 0, fmt.Errorf("%w: no open stream", ErrSendFailed)
	}

	// A zero-length write finishes an upload whose length was never
	// declared, a known-length upload finishes with its last chunk.
	fin := len(p) == 0 || (st.UploadLeft >= 0 && int64(len(p)) >= st.UploadLeft)

	n, err := s.conn.StreamSend(st.ID, p, fin)
	if err != nil {
		return 0, fmt.Errorf("%w: stream send: %v", ErrSendFailed, err)
	}

	if st.UploadLeft > 0 {
		st.UploadLeft -= int64(n)
		if st.UploadLeft < 0 {
			st.UploadLeft = 0
		}
	}
	if fin {
		st.UploadLeft = 0
	}
	return n, nil
}

func (s *Session) openStream(id uint64, uploadLeft int64) {
	st := &Stream{ID: id, UploadLeft: uploadLeft}
	s.streams[id] = st
	s.active = st
	s.logger.Info(fmt.Sprintf("Using HTTP/3 Stream ID: %x", id))
}
