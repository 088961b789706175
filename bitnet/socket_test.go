package bitnet

import (
	"context"
	"errors"
	"strings"
	"net"
	"testing"
	"time"

	"github.com/gamevidea/bitnet/codec"
	"github.com/gamevidea/bitnet/internal/message"
	"github.com/gamevidea/bitnet/internal/protocol"
	"github.com/gamevidea/bitnet/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// network connects sockets through fake packet connections. Datagrams move only when flush is
// called.
type network struct {
	t       *testing.T
	clock   *manualClock
	sockets map[testAddr]*Socket
	conns   map[testAddr]*fakeConn

	// drop reports whether a datagram is lost on its way.
	drop func(from, to testAddr, b []byte) bool
}

func newNetwork(t *testing.T) *network {
	return &network{
		t:       t,
		clock:   newManualClock(),
		sockets: map[testAddr]*Socket{},
		conns:   map[testAddr]*fakeConn{},
	}
}

// events records the events of a socket.
type events struct {
	connected    []*Connection
	ready        []*Connection
	disconnected []error
	failed       []error
	pongs        [][]byte
}

func (n *network) add(addr testAddr, cfg Config) (*Socket, *events) {
	n.t.Helper()

	ev := &events{}
	cfg.Clock = n.clock
	cfg.Logger = discardLogger()
	cfg.Events.Connected = func(c *Connection) { ev.connected = append(ev.connected, c) }
	cfg.Events.Ready = func(c *Connection) { ev.ready = append(ev.ready, c) }
	cfg.Events.Disconnected = func(c *Connection, err error) { ev.disconnected = append(ev.disconnected, err) }
	cfg.Events.Failed = func(addr net.Addr, err error) { ev.failed = append(ev.failed, err) }
	cfg.Events.Pong = func(addr net.Addr, rtt time.Duration, data []byte) { ev.pongs = append(ev.pongs, data) }

	pc := &fakeConn{addr: addr}
	s, err := NewSocket(pc, cfg)
	if err != nil {
		n.t.Fatalf("NewSocket() error = %v", err)
	}

	n.sockets[addr] = s
	n.conns[addr] = pc
	return s, ev
}

// flush hands every pending datagram to its destination and returns how many were moved.
func (n *network) flush() int {
	moved := 0
	for from, pc := range n.conns {
		for _, p := range pc.take() {
			to := p.addr.(testAddr)
			s, ok := n.sockets[to]
			if !ok || (n.drop != nil && n.drop(from, to, p.data)) {
				continue
			}
			s.HandleDatagram(from, p.data)
			moved++
		}
	}
	return moved
}

// run ticks every socket and moves datagrams until the network is quiet for a round.
func (n *network) run(rounds int) {
	for i := 0; i < rounds; i++ {
		for n.flush() > 0 {
		}
		for _, s := range n.sockets {
			s.Tick()
		}
		n.clock.Advance(protocol.TPS)
	}
	for n.flush() > 0 {
	}
}

func connect(t *testing.T, s *Socket, addr testAddr) *Connection {
	t.Helper()

	c, err := s.Connect(addr, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return c
}

func noop(*Connection, *codec.Message) {}

func mustEncode(t *testing.T, version byte, guid int64) []byte {
	t.Helper()

	b, err := message.Encode(&message.ConnectionRequest{ClientGUID: guid, Protocol: version})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return b
}

func TestHandshake(t *testing.T) {
	n := newNetwork(t)
	reg := prometheus.NewRegistry()
	server, sev := n.add("server:1", Config{Authority: true, Registerer: reg})
	client, cev := n.add("client:1", Config{})

	c := connect(t, client, "server:1")
	n.run(5)

	if c.State() != Connected {
		t.Fatalf("State() = %d, want Connected", c.State())
	}
	if len(sev.connected) != 1 || len(cev.connected) != 1 {
		t.Fatalf("connected events = %d/%d, want 1/1", len(sev.connected), len(cev.connected))
	}
	if sc := sev.connected[0]; sc.ID() != c.ID() || !sc.Incoming() || c.Incoming() {
		t.Errorf("server side %d/%v, client side %d/%v", sc.ID(), sc.Incoming(), c.ID(), c.Incoming())
	}
	if len(sev.ready) != 1 || len(cev.ready) != 1 {
		t.Errorf("ready events = %d/%d, want 1/1", len(sev.ready), len(cev.ready))
	}
	if got := testutil.ToFloat64(server.Metrics().Connections); got != 1 {
		t.Errorf("Connections = %v, want 1", got)
	}

	// A repeated request is answered without a second connection.
	client.request(c, n.clock.Now())
	n.run(1)
	if len(sev.connected) != 1 || len(server.Connections()) != 1 {
		t.Errorf("a repeated request created another connection")
	}
}

func TestHandshakeRetry(t *testing.T) {
	n := newNetwork(t)
	n.add("server:1", Config{Authority: true})
	client, cev := n.add("client:1", Config{})

	lost := 0
	n.drop = func(from, to testAddr, b []byte) bool {
		if to == "server:1" && lost < 2 {
			lost++
			return true
		}
		return false
	}

	c := connect(t, client, "server:1")
	n.run(3)
	if c.State() != Connecting {
		t.Fatalf("State() = %d, want the attempt still pending", c.State())
	}

	n.run(int(2 * protocol.CONNECT_RETRY / protocol.TPS))
	if c.State() != Connected || len(cev.connected) != 1 {
		t.Errorf("State() = %d after the requests were sent again, want Connected", c.State())
	}
}

func TestConnectTimeout(t *testing.T) {
	n := newNetwork(t)
	client, cev := n.add("client:1", Config{})

	connect(t, client, "nowhere:1")
	n.run(int(protocol.CONNECT_TIMEOUT/protocol.TPS) + 2)

	if len(cev.failed) != 1 || !errors.Is(cev.failed[0], ErrConnectTimeout) {
		t.Errorf("failed events = %v, want [%v]", cev.failed, ErrConnectTimeout)
	}
	if len(client.all()) != 0 {
		t.Errorf("the failed attempt was kept")
	}
}

func TestConnectionDenied(t *testing.T) {
	n := newNetwork(t)
	server, _ := n.add("server:1", Config{
		Authority: true,
		Events: Events{
			Approve: func(addr net.Addr, approval []byte) bool { return string(approval) == "secret" },
		},
	})

	denied, dev := n.add("client:1", Config{})
	allowed, aev := n.add("client:2", Config{})

	if _, err := denied.Connect(testAddr("server:1"), []byte("guess")); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if _, err := allowed.Connect(testAddr("server:1"), []byte("secret")); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	n.run(3)

	if len(dev.failed) != 1 || !errors.Is(dev.failed[0], ErrConnectionDenied) {
		t.Errorf("failed events = %v, want [%v]", dev.failed, ErrConnectionDenied)
	}
	if len(aev.connected) != 1 || len(server.Connections()) != 1 {
		t.Errorf("approved client was not connected")
	}
}

func TestIncompatibleProtocol(t *testing.T) {
	n := newNetwork(t)
	n.add("server:1", Config{Authority: true})
	client, cev := n.add("client:1", Config{})

	c := connect(t, client, "server:1")
	n.conns["client:1"].take()

	// Send a request with a version the server does not speak.
	b := mustEncode(t, protocol.PROTOCOL_VERSION+1, client.GUID())
	n.sockets["server:1"].HandleDatagram(testAddr("client:1"), b)
	n.flush()

	if len(cev.failed) != 1 || !errors.Is(cev.failed[0], ErrIncompatibleProtocol) {
		t.Errorf("failed events = %v, want [%v]", cev.failed, ErrIncompatibleProtocol)
	}
	if c.State() != Disconnected {
		t.Errorf("State() = %d, want Disconnected", c.State())
	}
}

func TestDisconnect(t *testing.T) {
	n := newNetwork(t)
	reg := prometheus.NewRegistry()
	server, sev := n.add("server:1", Config{Authority: true, Registerer: reg})
	client, cev := n.add("client:1", Config{})

	c := connect(t, client, "server:1")
	n.run(5)

	client.Disconnect(c)
	n.run(1)

	if len(cev.disconnected) != 1 || !errors.Is(cev.disconnected[0], ErrClosed) {
		t.Errorf("client disconnect reasons = %v, want [%v]", cev.disconnected, ErrClosed)
	}
	if len(sev.disconnected) != 1 || !errors.Is(sev.disconnected[0], ErrRemoteClosed) {
		t.Errorf("server disconnect reasons = %v, want [%v]", sev.disconnected, ErrRemoteClosed)
	}
	if got := testutil.ToFloat64(server.Metrics().Connections); got != 0 {
		t.Errorf("Connections = %v, want 0", got)
	}
	if got := testutil.ToFloat64(server.Metrics().Disconnects.WithLabelValues("remote")); got != 1 {
		t.Errorf("Disconnects{remote} = %v, want 1", got)
	}
}

func TestUnconnectedPing(t *testing.T) {
	n := newNetwork(t)
	n.add("server:1", Config{Authority: true, PongData: []byte("lobby;3/16")})
	client, cev := n.add("client:1", Config{})

	client.Ping(testAddr("server:1"))
	n.flush()
	n.flush()

	if len(cev.pongs) != 1 || string(cev.pongs[0]) != "lobby;3/16" {
		t.Errorf("pongs = %q, want the pong data of the server", cev.pongs)
	}
}

func TestCallsAndCommands(t *testing.T) {
	n := newNetwork(t)
	server, _ := n.add("server:1", Config{Authority: true})
	client, _ := n.add("client:1", Config{})

	var chat []string
	var targets []uint32
	var positions []codec.Vector3

	for _, s := range []*Socket{server, client} {
		if err := s.Register("Chat", []codec.Tag{codec.TagString}, func(c *Connection, m *codec.Message) {
			chat = append(chat, m.Params[0].(string))
			targets = append(targets, m.Target)
		}); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	if err := server.RegisterCommand(1800, []codec.Tag{codec.TagVector3}, func(c *Connection, m *codec.Message) {
		positions = append(positions, m.Params[0].(codec.Vector3))
	}); err != nil {
		t.Fatalf("RegisterCommand() error = %v", err)
	}
	if err := client.RegisterCommand(1800, []codec.Tag{codec.TagVector3}, noop); err != nil {
		t.Fatalf("RegisterCommand() error = %v", err)
	}

	c := connect(t, client, "server:1")
	n.run(5)

	if err := client.Send(c, "Chat", "hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := client.SendTarget(c, "Chat", 77, true, "to you"); err != nil {
		t.Fatalf("SendTarget() error = %v", err)
	}
	if err := client.SendCommand(c, 1800, 0, false, codec.Vector3{X: 1, Y: 2, Z: 3}); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	n.run(2)

	if len(chat) != 2 || chat[0] != "hello" || chat[1] != "to you" || targets[1] != 77 {
		t.Errorf("chat = %q with targets %v", chat, targets)
	}
	if len(positions) != 1 || positions[0] != (codec.Vector3{X: 1, Y: 2, Z: 3}) {
		t.Errorf("positions = %v", positions)
	}

	if err := client.Send(c, "Missing"); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("Send() error = %v, want %v", err, ErrUnknownCall)
	}
	if err := client.Send(c, "Chat", 12); !errors.Is(err, codec.ErrUnknownType) {
		t.Errorf("Send() error = %v, want %v", err, codec.ErrUnknownType)
	}
	if err := client.Send(c, "Chat", int32(12)); !errors.Is(err, codec.ErrSchemaMismatch) {
		t.Errorf("Send() error = %v, want %v", err, codec.ErrSchemaMismatch)
	}
	if err := server.RegisterCommand(2040, nil, noop); !errors.Is(err, ErrCommandRange) {
		t.Errorf("RegisterCommand(2040) error = %v, want %v", err, ErrCommandRange)
	}
	if err := server.RegisterCommand(1800, nil, noop); !errors.Is(err, ErrDuplicate) {
		t.Errorf("RegisterCommand(1800) error = %v, want %v", err, ErrDuplicate)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"mtu too small", Config{MTU: 100}, "MTU"},
		{"mtu too large", Config{MTU: 9000}, "MTU"},
		{"timeout below retry", Config{ConnectRetry: time.Second, ConnectTimeout: time.Millisecond}, "ConnectTimeout"},
		{"idle timeout below heartbeat", Config{ConnectionTimeout: time.Millisecond}, "ConnectionTimeout"},
		{"negative request timeout", Config{RequestTimeout: -time.Second}, "RequestTimeout"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSocket(&fakeConn{addr: "a:1"}, tc.cfg)

			var ce *ConfigError
			if !errors.As(err, &ce) || ce.Field != tc.field {
				t.Errorf("NewSocket() error = %v, want a config error for %s", err, tc.field)
			}
		})
	}
}

func TestClose(t *testing.T) {
	n := newNetwork(t)
	_, sev := n.add("server:1", Config{Authority: true})
	client, _ := n.add("client:1", Config{})

	connect(t, client, "server:1")
	n.run(5)

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	n.flush()

	if !n.conns["client:1"].closed {
		t.Errorf("Close() left the packet connection open")
	}
	if len(sev.disconnected) != 1 || !errors.Is(sev.disconnected[0], ErrRemoteClosed) {
		t.Errorf("server disconnect reasons = %v, want [%v]", sev.disconnected, ErrRemoteClosed)
	}
	if err := client.Post(func() {}); !errors.Is(err, ErrSocketClosed) {
		t.Errorf("Post() error = %v, want %v", err, ErrSocketClosed)
	}
}

func TestServeClosesOnCancel(t *testing.T) {
	n := newNetwork(t)
	server, _ := n.add("server:1", Config{Authority: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := server.Serve(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve() error = %v, want %v", err, context.Canceled)
	}
	if !n.conns["server:1"].closed {
		t.Errorf("Serve() left the packet connection open")
	}
	if err := server.Close(); err != nil {
		t.Errorf("Close() error = %v after Serve returned", err)
	}
	if err := server.Post(func() {}); !errors.Is(err, ErrSocketClosed) {
		t.Errorf("Post() error = %v, want %v", err, ErrSocketClosed)
	}
}

func TestRelayStream(t *testing.T) {
	n := newNetwork(t)
	server, _ := n.add("server:1", Config{Authority: true})
	alice, _ := n.add("alice:1", Config{})
	bob, _ := n.add("bob:1", Config{})

	blob := []codec.Tag{codec.TagStream}
	if err := server.Register("Blob", blob, func(c *Connection, m *codec.Message) {
		for _, o := range server.Connections() {
			if o != c {
				if err := server.Send(o, "Blob", m.Params[0]); err != nil {
					t.Errorf("Send() error = %v", err)
				}
			}
		}
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	var got []uint64
	for _, s := range []*Socket{alice, bob} {
		if err := s.Register("Blob", blob, func(c *Connection, m *codec.Message) {
			v, _ := m.Params[0].(*stream.BitStream).ReadUint(40)
			got = append(got, v)
		}); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	a := connect(t, alice, "server:1")
	connect(t, bob, "server:1")
	n.run(5)

	state := stream.New(8)
	state.WriteUint(0xABCDE12345, 40)
	for i := 0; i < 3; i++ {
		if err := alice.Send(a, "Blob", state); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		n.run(2)
	}

	if len(got) != 3 || got[0] != 0xABCDE12345 {
		t.Errorf("relayed values = %#x, want three times 0xabcde12345", got)
	}
	if state.Position() != 40 {
		t.Errorf("Position() = %d, the sent stream was changed", state.Position())
	}
}

func TestForeignStreamParam(t *testing.T) {
	n := newNetwork(t)
	server, _ := n.add("server:1", Config{Authority: true})
	client, _ := n.add("client:1", Config{})

	var notes []string
	var blobs int
	for _, s := range []*Socket{server, client} {
		if err := s.Register("Blob", []codec.Tag{codec.TagStream}, func(*Connection, *codec.Message) {
			blobs++
		}); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if err := s.Register("Note", []codec.Tag{codec.TagString}, func(c *Connection, m *codec.Message) {
			notes = append(notes, m.Params[0].(string))
		}); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	c := connect(t, client, "server:1")
	n.run(5)

	for i := 0; i < 8; i++ {
		tiny := stream.New(2)
		tiny.WriteUint8(uint8(i))
		if err := client.Send(c, "Blob", tiny); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		n.run(1)
	}

	note := strings.Repeat("x", 1000)
	if err := client.Send(c, "Note", note); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	n.run(2)

	if blobs != 8 || len(notes) != 1 || notes[0] != note {
		t.Errorf("received %d blobs and %d notes, want 8 and 1", blobs, len(notes))
	}

	s := client.streams.Get()
	defer client.streams.Put(s)
	if s.Len() != protocol.MAX_MTU_SIZE*8 {
		t.Errorf("pooled stream Len() = %d, want %d", s.Len(), protocol.MAX_MTU_SIZE*8)
	}
}

func TestRequests(t *testing.T) {
	n := newNetwork(t)
	server, _ := n.add("server:1", Config{Authority: true})
	client, _ := n.add("client:1", Config{})

	sum := []codec.Tag{codec.TagUint32, codec.TagUint32}
	result := []codec.Tag{codec.TagUint32, codec.TagString}
	if err := server.RegisterRequest("Sum", sum, result, func(c *Connection, m *codec.Message) ([]any, error) {
		a, b := m.Params[0].(uint32), m.Params[1].(uint32)
		return []any{a + b, "sum"}, nil
	}); err != nil {
		t.Fatalf("RegisterRequest() error = %v", err)
	}
	if err := server.RegisterRequest("Fail", nil, nil, func(*Connection, *codec.Message) ([]any, error) {
		return nil, errors.New("no")
	}); err != nil {
		t.Fatalf("RegisterRequest() error = %v", err)
	}
	if err := client.RegisterRequest("Sum", sum, result, nil); err != nil {
		t.Fatalf("RegisterRequest() error = %v", err)
	}
	if err := client.RegisterRequest("Fail", nil, nil, nil); err != nil {
		t.Fatalf("RegisterRequest() error = %v", err)
	}
	for _, s := range []*Socket{server, client} {
		if err := s.Register("Plain", nil, noop); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	c := connect(t, client, "server:1")
	n.run(5)

	r, err := client.SendRequest(c, "Sum", uint32(2), uint32(40))
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	if _, err := r.Result(); !errors.Is(err, ErrRequestPending) {
		t.Errorf("Result() error = %v before the answer, want %v", err, ErrRequestPending)
	}
	var then []*Request
	r.Then(func(r *Request) { then = append(then, r) })

	failed, err := client.SendRequest(c, "Fail")
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	if failed.ID() == r.ID() {
		t.Errorf("two pending requests share the id %d", r.ID())
	}
	n.run(2)

	values, err := r.Result()
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if len(values) != 2 || values[0] != uint32(42) || values[1] != "sum" {
		t.Errorf("Result() = %v, want [42 sum]", values)
	}
	if !r.Done().Done() || len(then) != 1 {
		t.Errorf("Done() = %v, Then called %d times", r.Done().Done(), len(then))
	}
	if _, err := failed.Result(); !errors.Is(err, ErrRequestFailed) {
		t.Errorf("Result() error = %v, want %v", err, ErrRequestFailed)
	}

	if _, err := client.SendRequest(c, "Plain"); !errors.Is(err, ErrNotRequest) {
		t.Errorf("SendRequest(Plain) error = %v, want %v", err, ErrNotRequest)
	}
	if _, err := client.SendRequest(c, "Missing"); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("SendRequest(Missing) error = %v, want %v", err, ErrUnknownCall)
	}

	// Unanswered requests time out.
	n.drop = func(from, to testAddr, b []byte) bool { return to == "server:1" }
	lost, err := client.SendRequest(c, "Sum", uint32(1), uint32(1))
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	n.run(int(protocol.REQUEST_TIMEOUT/protocol.TPS) + 2)
	if _, err := lost.Result(); !errors.Is(err, ErrRequestTimeout) {
		t.Errorf("Result() error = %v, want %v", err, ErrRequestTimeout)
	}

	// Closing the connection fails the requests sent on it.
	closed, err := client.SendRequest(c, "Sum", uint32(1), uint32(1))
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	c.Disconnect()
	if _, err := closed.Result(); !errors.Is(err, ErrClosed) {
		t.Errorf("Result() error = %v, want %v", err, ErrClosed)
	}
}
