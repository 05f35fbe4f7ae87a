package h3bridge_test

import (
	. "github.com/gaukas/h3bridge"
	"github.com/quic-go/qpack"
)

// mockSocket is an in-memory PacketSocket. Reads pop from rx, writes are
// recorded in tx.
type mockSocket struct {
	rx [][]byte
	tx [][]byte

	readErr  error
	writeErr error
}

func (m *mockSocket) ReadDatagram(p []byte) (int, error) {
	if m.readErr != nil {
		return 0, m.readErr
	}
	if len(m.rx) == 0 {
		return 0, ErrWouldBlock
	}
	d := m.rx[0]
	m.rx = m.rx[1:]
	return copy(p, d), nil
}

func (m *mockSocket) WriteDatagram(p []byte) (int, error) {
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	m.tx = append(m.tx, append([]byte{}, p...))
	return len(p), nil
}

func (m *mockSocket) queue(datagrams ...[]byte) {
	m.rx = append(m.rx, datagrams...)
}

type streamWrite struct {
	id   uint64
	data []byte
	fin  bool
}

type closeCall struct {
	app    bool
	code   uint64
	reason []byte
}

type streamRead struct {
	data []byte
	fin  bool
	err  error
}

// mockConn scripts the connection half of the engine boundary. Everything
// the bridge feeds in is recorded, everything it reads out is queued up
// front by the test.
type mockConn struct {
	absorbed [][]byte // datagrams passed to Recv
	recvErr  error

	egress  [][]byte // datagrams produced by Send
	sendErr error

	streamReads   []streamRead // scripted StreamRecv results
	streamRecvErr error

	streamWrites  []streamWrite // recorded StreamSend calls
	streamSendErr error

	established bool

	closes   []closeCall
	closeErr error
}

func (m *mockConn) Recv(p []byte) (int, error) {
	if m.recvErr != nil {
		return 0, m.recvErr
	}
	m.absorbed = append(m.absorbed, append([]byte{}, p...))
	return len(p), nil
}

func (m *mockConn) Send(p []byte) (int, error) {
	if m.sendErr != nil {
		return 0, m.sendErr
	}
	if len(m.egress) == 0 {
		return 0, ErrDone
	}
	d := m.egress[0]
	m.egress = m.egress[1:]
	return copy(p, d), nil
}

func (m *mockConn) StreamRecv(streamID uint64, p []byte) (int, bool, error) {
	if m.streamRecvErr != nil {
		return 0, false, m.streamRecvErr
	}
	if len(m.streamReads) == 0 {
		return 0, false, ErrDone
	}
	r := m.streamReads[0]
	m.streamReads = m.streamReads[1:]
	if r.err != nil {
		return 0, false, r.err
	}
	return copy(p, r.data), r.fin, nil
}

func (m *mockConn) StreamSend(streamID uint64, p []byte, fin bool) (int, error) {
	if m.streamSendErr != nil {
		return 0, m.streamSendErr
	}
	m.streamWrites = append(m.streamWrites, streamWrite{
		id:   streamID,
		data: append([]byte{}, p...),
		fin:  fin,
	})
	return len(p), nil
}

func (m *mockConn) IsEstablished() bool {
	return m.established
}

func (m *mockConn) Close(app bool, code uint64, reason []byte) error {
	m.closes = append(m.closes, closeCall{app: app, code: code, reason: reason})
	return m.closeErr
}

type submittedRequest struct {
	fields []qpack.HeaderField
	fin    bool
}

type polledEvent struct {
	id  uint64
	ev  Event
	err error
}

type bodyRead struct {
	data []byte
	err  error
}

// mockH3 scripts the HTTP/3 half of the engine boundary.
type mockH3 struct {
	requests     []submittedRequest
	nextStreamID uint64
	sendErr      error

	events []polledEvent

	bodyReads []bodyRead
}

func (m *mockH3) SendRequest(conn Conn, fields []qpack.HeaderField, fin bool) (uint64, error) {
	if m.sendErr != nil {
		return 0, m.sendErr
	}
	m.requests = append(m.requests, submittedRequest{fields: fields, fin: fin})
	return m.nextStreamID, nil
}

func (m *mockH3) RecvBody(conn Conn, streamID uint64, p []byte) (int, error) {
	if len(m.bodyReads) == 0 {
		return 0, ErrDone
	}
	r := m.bodyReads[0]
	m.bodyReads = m.bodyReads[1:]
	if r.err != nil {
		return 0, r.err
	}
	return copy(p, r.data), nil
}

func (m *mockH3) Poll(conn Conn) (uint64, Event, error) {
	if len(m.events) == 0 {
		return 0, nil, ErrDone
	}
	e := m.events[0]
	m.events = m.events[1:]
	return e.id, e.ev, e.err
}

// mockEngine hands out the scripted conn and h3 and records what the
// bridge asked for.
type mockEngine struct {
	conn       *mockConn
	connectErr error

	serverName string
	scid       []byte
	tc         *TransportConfig

	h3    *mockH3
	h3Err error
	hc    *H3Config
}

func (m *mockEngine) Connect(serverName string, scid []byte, tc *TransportConfig) (Conn, error) {
	if m.connectErr != nil {
		return nil, m.connectErr
	}
	m.serverName = serverName
	m.scid = append([]byte{}, scid...)
	m.tc = tc
	return m.conn, nil
}

func (m *mockEngine) NewH3Conn(conn Conn, hc *H3Config) (H3Conn, error) {
	if m.h3Err != nil {
		return nil, m.h3Err
	}
	m.hc = hc
	return m.h3, nil
}

// Interface guards
var (
	_ PacketSocket = (*mockSocket)(nil)
	_ Engine       = (*mockEngine)(nil)
	_ Conn         = (*mockConn)(nil)
	_ H3Conn       = (*mockH3)(nil)
)

// newTestEngine builds a happy-path engine: one Initial datagram queued for
// egress, handshake not yet established.
func newTestEngine() *mockEngine {
	return &mockEngine{
		conn: &mockConn{
			egress: [][]byte{[]byte("client-initial")},
		},
		h3: &mockH3{nextStreamID: 0},
	}
}

// connect runs Connect on a fresh session and fails the test on error.
func connect(t testingT, s *Session, sock *mockSocket, serverName string) {
	t.Helper()
	if err := s.Connect(sock, serverName); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

// testingT is the subset of *testing.T the helpers need.
type testingT interface {
	Helper()
	Fatalf(format string, args ...any)
}
