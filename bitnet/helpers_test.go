package bitnet

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/gamevidea/bitnet/codec"
	"github.com/gamevidea/bitnet/internal/protocol"
	"github.com/gamevidea/bitnet/stream"
)

type manualClock struct {
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1700000000, 0)}
}

func (c *manualClock) Now() time.Time {
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type testAddr string

func (a testAddr) Network() string { return "udp" }
func (a testAddr) String() string  { return string(a) }

type packet struct {
	data []byte
	addr net.Addr
}

// Returns whether the packet carries a reliable frame.
func (p packet) reliable() bool {
	return len(p.data) > 0 && p.data[0]&1 == 1
}

// packetRecorder keeps every datagram written to it.
type packetRecorder struct {
	packets []packet
}

func (w *packetRecorder) WriteTo(b []byte, addr net.Addr) (int, error) {
	w.packets = append(w.packets, packet{data: bytes.Clone(b), addr: addr})
	return len(b), nil
}

func (w *packetRecorder) take() []packet {
	p := w.packets
	w.packets = nil
	return p
}

// fakeConn is a packet connection that records what is written to it and never reads anything.
type fakeConn struct {
	packetRecorder
	addr   testAddr
	closed bool
}

func (c *fakeConn) ReadFrom([]byte) (int, net.Addr, error) { return 0, nil, net.ErrClosed }
func (c *fakeConn) Close() error                           { c.closed = true; return nil }
func (c *fakeConn) LocalAddr() net.Addr                    { return c.addr }
func (c *fakeConn) SetDeadline(time.Time) error            { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error        { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error       { return nil }

type received struct {
	id       uint16
	target   uint32
	params   []any
	reliable bool
}

// recorder is a connection handler that keeps the messages and the disconnect reasons it is given.
type recorder struct {
	messages []received
	errs     []error
}

func (r *recorder) handleMessage(c *Connection, m *codec.Message) {
	r.messages = append(r.messages, received{
		id:       m.ID,
		target:   m.Target,
		params:   slices.Clone(m.Params),
		reliable: m.Reliable,
	})
}

func (r *recorder) handleDisconnect(c *Connection, err error) {
	r.errs = append(r.errs, err)
}

// Returns the first parameter of every message received with the given reliability.
func (r *recorder) values(reliable bool) []uint32 {
	var vs []uint32
	for _, m := range r.messages {
		if m.reliable == reliable {
			vs = append(vs, m.params[0].(uint32))
		}
	}
	return vs
}

const (
	testValue  uint16 = 10
	testString uint16 = 11
)

var testSchemas = codec.SchemaMap{
	testValue:  {codec.TagUint32},
	testString: {codec.TagString},
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testConn struct {
	*Connection
	w *packetRecorder
	h *recorder
}

// newTestConns returns two established connections that share clock. Datagrams written by one
// of them are handed to the other with deliver.
func newTestConns(t *testing.T, clock *manualClock) (a, b testConn) {
	t.Helper()

	create := func(guid int64, addr testAddr) testConn {
		streams := stream.NewPool(protocol.MAX_MTU_SIZE, false)
		w := &packetRecorder{}
		h := &recorder{}
		env := &connEnv{
			writer:  w,
			handler: h,
			codec:   codec.New(testSchemas, streams),
			streams: streams,
			log:     discardLogger(),
			metrics: newMetrics("test", nil),
			clock:   clock,
			mtu:     protocol.DEFAULT_MTU_SIZE,
			timeout: protocol.CONNECTION_TIMEOUT,
			guid:    guid,
		}

		c := newConn(env, uint32(guid), addr, guid == 1)
		c.establish()
		return testConn{Connection: c, w: w, h: h}
	}

	return create(1, "10.0.0.2:19132"), create(2, "10.0.0.1:19132")
}

func value(v uint32, reliable bool) *codec.Message {
	return &codec.Message{ID: testValue, Params: []any{v}, Reliable: reliable}
}

func deliver(c testConn, packets ...packet) {
	for _, p := range packets {
		c.receive(p.data)
	}
}

// frames sends one reliable message per frame for every value and returns the frames.
func frames(t *testing.T, c testConn, values ...uint32) []packet {
	t.Helper()

	var out []packet
	for _, v := range values {
		if err := c.Send(value(v, true)); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		c.tick()

		packets := c.w.take()
		if len(packets) != 1 || !packets[0].reliable() {
			t.Fatalf("tick() wrote %d datagrams, want one reliable frame", len(packets))
		}
		out = append(out, packets[0])
	}
	return out
}

func seq(from, to uint32) []uint32 {
	var vs []uint32
	for v := from; v <= to; v++ {
		vs = append(vs, v)
	}
	return vs
}
