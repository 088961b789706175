package bitnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/bitnet/codec"
	"github.com/gamevidea/bitnet/internal/message"
	"github.com/gamevidea/bitnet/internal/protocol"
	"github.com/gamevidea/bitnet/stream"
	"github.com/someonegg/gox/syncx"
)

// Events are the callbacks a socket reports to. They run on the goroutine that runs the socket,
// and every one of them may be nil.
type Events struct {
	// Approve decides whether a connection request is accepted. Every request is accepted when
	// it is nil.
	Approve func(addr net.Addr, approval []byte) bool

	// Connected is called once a connection has been established.
	Connected func(c *Connection)

	// Ready is called once both peers of a connection have an id for every call they know.
	Ready func(c *Connection)

	// Disconnected is called once an established connection has been closed.
	Disconnected func(c *Connection, err error)

	// Failed is called when a connection attempt fails.
	Failed func(addr net.Addr, err error)

	// Pong is called when a socket answers an unconnected ping.
	Pong func(addr net.Addr, rtt time.Duration, data []byte)
}

// datagram is a datagram read from the socket, waiting to be handled by the socket's goroutine.
type datagram struct {
	addr net.Addr
	buf  *buffer.Buffer
	n    int
}

// bufferPool holds the buffers datagrams are read into.
var bufferPool = sync.Pool{
	New: func() any {
		return buffer.New(protocol.MAX_MTU_SIZE)
	},
}

type call struct {
	params []codec.Tag
	handle HandlerFunc

	// Set for calls registered with RegisterRequest. params then ends with the request id.
	request bool
	result  []codec.Tag
	answer  RequestFunc
}

// Socket is a bitnet endpoint built on top of a packet connection. It accepts connections, makes
// connections to other sockets, and dispatches the messages received on them to the handlers of
// the calls and commands registered with it.
//
// A socket is driven by one goroutine: Serve reads datagrams and ticks the connections until the
// socket is closed. Functions that touch the socket or its connections from other goroutines must
// be run through Post. Calls and commands are registered before Serve is called.
type Socket struct {
	pc     net.PacketConn
	cfg    Config
	guid   int64
	log    *slog.Logger
	clock  Clock
	events Events

	metrics *Metrics
	streams *stream.Pool
	codec   *codec.Codec
	env     *connEnv

	calls    map[string]call
	commands *commands
	symbols  *SymbolTable
	requests *requests

	conns  map[string]*Connection
	nextID uint32

	posted  chan func()
	closed  syncx.DoneChan
	stopped syncx.DoneChan
	serving atomic.Bool
	done    sync.Once
	once    sync.Once
	pcOnce  sync.Once
	pcErr   error
}

// Listen announces on the local network address and returns a socket bound to it.
func Listen(addr string, cfg Config) (*Socket, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}

	s, err := NewSocket(pc, cfg)
	if err != nil {
		pc.Close()
		return nil, err
	}
	return s, nil
}

// NewSocket creates a socket on top of pc. The socket closes pc when it is closed.
func NewSocket(pc net.PacketConn, cfg Config) (*Socket, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	s := &Socket{
		pc:       pc,
		cfg:      cfg,
		guid:     rand.Int63(),
		log:      cfg.Logger.With("local", pc.LocalAddr().String()),
		clock:    cfg.Clock,
		events:   cfg.Events,
		metrics:  newMetrics(cfg.Namespace, cfg.Registerer),
		streams:  stream.NewPool(protocol.MAX_MTU_SIZE, cfg.HalfVectors),
		calls:    map[string]call{},
		commands: newCommands(),
		requests: newRequests(),
		conns:    map[string]*Connection{},
		nextID:   1,
		posted:   make(chan func(), 64),
		closed:   syncx.NewDoneChan(),
		stopped:  syncx.NewDoneChan(),
	}

	s.codec = codec.New(s, s.streams)
	s.symbols = newSymbolTable(s, cfg.Authority, s.log, cfg.Tracer)
	s.env = &connEnv{
		writer:  pc,
		handler: s,
		codec:   s.codec,
		streams: s.streams,
		log:     s.log,
		metrics: s.metrics,
		clock:   s.clock,
		mtu:     cfg.MTU,
		timeout: cfg.ConnectionTimeout,
		guid:    s.guid,
	}
	return s, nil
}

// Returns the GUID of the socket.
func (s *Socket) GUID() int64 {
	return s.guid
}

// Returns the local address that the socket is bound to.
func (s *Socket) LocalAddr() net.Addr {
	return s.pc.LocalAddr()
}

// Returns the codec that messages of the socket are encoded with. Custom parameter types are
// registered with it before the socket is used.
func (s *Socket) Codec() *codec.Codec {
	return s.codec
}

// Returns the metrics of the socket.
func (s *Socket) Metrics() *Metrics {
	return s.metrics
}

// Returns the table of call ids of the socket.
func (s *Socket) Symbols() *SymbolTable {
	return s.symbols
}

// Register adds a call that peers can send to this socket by name. The parameters of a call are
// fixed: every peer that knows the call must declare the same tags for it.
func (s *Socket) Register(name string, params []codec.Tag, h HandlerFunc) error {
	return s.register(name, call{params: params, handle: h})
}

func (s *Socket) register(name string, cl call) error {
	if _, ok := s.calls[name]; ok {
		return fmt.Errorf("%w: call %q", ErrDuplicate, name)
	}

	s.calls[name] = cl
	s.symbols.add(name)
	return nil
}

// RegisterCommand adds a message with an id fixed at build time. Applications may use the ids in
// [1800, 2040).
func (s *Socket) RegisterCommand(id uint16, params []codec.Tag, h HandlerFunc) error {
	if id >= reservedCommandBase {
		return fmt.Errorf("%w: %d is reserved", ErrCommandRange, id)
	}
	return s.commands.register(id, params, h)
}

// Params returns the parameter tags of a message id. It resolves commands by their id and calls
// by the name their id is assigned to.
func (s *Socket) Params(id uint16) ([]codec.Tag, bool) {
	if isCommand(id) {
		if id == cmdRequestResponse {
			return responseParams, true
		}
		if tags, ok := symbolSchemas[id]; ok {
			return tags, true
		}
		cmd, ok := s.commands.lookup(id)
		return cmd.params, ok
	}

	name, ok := s.symbols.Name(id)
	if !ok {
		return nil, false
	}
	c, ok := s.calls[name]
	return c.params, ok
}

// Send sends a reliable call to c. The parameters are encoded before Send returns and stay with the
// caller, so a stream received as a parameter can be passed on as it is.
func (s *Socket) Send(c *Connection, name string, params ...any) error {
	return s.SendTarget(c, name, 0, true, params...)
}

// SendUnreliable sends an unreliable call to c.
func (s *Socket) SendUnreliable(c *Connection, name string, params ...any) error {
	return s.SendTarget(c, name, 0, false, params...)
}

// SendTarget sends a call addressed to target, an object of the application such as an entity.
func (s *Socket) SendTarget(c *Connection, name string, target uint32, reliable bool, params ...any) error {
	id, ok := s.symbols.ID(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCall, name)
	}
	return s.SendCommand(c, id, target, reliable, params...)
}

// SendCommand sends a message with the given id.
func (s *Socket) SendCommand(c *Connection, id uint16, target uint32, reliable bool, params ...any) error {
	m := s.codec.Messages.New(id, target, reliable, params...)
	defer s.codec.Messages.Release(m)

	return c.Send(m)
}

// Broadcast sends a reliable call to every established connection. It returns the first error.
func (s *Socket) Broadcast(name string, params ...any) error {
	id, ok := s.symbols.ID(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCall, name)
	}

	m := s.codec.Messages.New(id, 0, true, params...)
	defer s.codec.Messages.Release(m)

	var first error
	for _, c := range s.connections() {
		if err := c.Send(m); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Connect starts a connection attempt to addr. The connection is reported to Events.Connected once
// the socket at addr accepts it, or to Events.Failed.
func (s *Socket) Connect(addr net.Addr, approval []byte) (*Connection, error) {
	if c, ok := s.conns[addr.String()]; ok {
		return c, nil
	}

	now := s.clock.Now()
	c := newConn(s.env, 0, addr, false)
	c.approval = approval
	c.requestedAt = now
	s.conns[addr.String()] = c

	s.request(c, now)
	return c, nil
}

// Disconnect closes c and notifies its peer.
func (s *Socket) Disconnect(c *Connection) {
	c.Disconnect()
}

// Ping sends an unconnected ping to addr. The answer is reported to Events.Pong.
func (s *Socket) Ping(addr net.Addr) {
	s.writeTo(&message.UnconnectedPing{
		SendTimestamp: s.clock.Now().UnixMilli(),
		ClientGUID:    s.guid,
	}, addr)
}

// Returns the connections that are established.
func (s *Socket) Connections() []*Connection {
	return s.connections()
}

// HandleDatagram handles a datagram read from addr.
func (s *Socket) HandleDatagram(addr net.Addr, b []byte) {
	s.metrics.received(len(b))

	c, ok := s.conns[addr.String()]
	msg, err := message.Decode(b)

	if ok && c.State() == Connected && err != nil {
		c.receive(b)
		return
	}
	if err != nil {
		s.log.Debug("dropping datagram", "addr", addr.String(), "size", len(b), "error", err)
		return
	}

	if err := s.handleOffline(addr, c, msg); err != nil {
		s.log.Debug("handling offline message", "addr", addr.String(), "id", msg.ID(), "error", err)
	}
}

// Tick runs the end of frame work of every connection and retries pending connection attempts.
func (s *Socket) Tick() {
	now := s.clock.Now()

	for _, c := range s.all() {
		switch c.State() {
		case Connecting:
			s.retry(c, now)
		case Connected:
			c.tick()
		}
	}

	s.requests.expire(now.Add(-s.cfg.RequestTimeout))
}

// Serve handles the datagrams read from the socket and ticks its connections until ctx is done or
// the socket is closed. When ctx is done the socket is closed along with its packet connection.
func (s *Socket) Serve(ctx context.Context) error {
	if !s.serving.CompareAndSwap(false, true) {
		return errors.New("bitnet: socket is already serving")
	}
	defer s.stopped.SetDone()

	s.symbols.start()

	incoming := make(chan datagram, 256)
	go s.read(incoming)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			s.markClosed()
			s.closeConn()
			return ctx.Err()
		case <-s.closed:
			s.shutdown()
			return ErrSocketClosed
		case d := <-incoming:
			s.HandleDatagram(d.addr, d.buf.Slice()[:d.n])
			bufferPool.Put(d.buf)
		case fn := <-s.posted:
			fn()
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Post runs fn on the goroutine that serves the socket.
func (s *Socket) Post(fn func()) error {
	if s.closed.R().Done() {
		return ErrSocketClosed
	}

	select {
	case s.posted <- fn:
		return nil
	case <-s.closed:
		return ErrSocketClosed
	}
}

// Close disconnects every connection and closes the socket. It may be called after Serve returned.
func (s *Socket) Close() error {
	s.once.Do(func() {
		if s.serving.Load() {
			s.markClosed()
			<-s.stopped
		} else {
			s.shutdown()
			s.markClosed()
		}
	})
	return s.closeConn()
}

func (s *Socket) markClosed() {
	s.done.Do(s.closed.SetDone)
}

func (s *Socket) closeConn() error {
	s.pcOnce.Do(func() {
		s.pcErr = s.pc.Close()
	})
	return s.pcErr
}

// Starts reading datagrams from the socket and hands them over to the serving goroutine.
func (s *Socket) read(incoming chan<- datagram) {
	for {
		buf := bufferPool.Get().(*buffer.Buffer)

		n, addr, err := s.pc.ReadFrom(buf.Slice())
		if err != nil {
			bufferPool.Put(buf)
			if errors.Is(err, net.ErrClosed) || s.closed.R().Done() {
				return
			}
			s.log.Debug("socket read", "error", err)
			continue
		}

		select {
		case incoming <- datagram{addr: addr, buf: buf, n: n}:
		case <-s.closed:
			bufferPool.Put(buf)
			return
		}
	}
}

func (s *Socket) shutdown() {
	for _, c := range s.all() {
		c.Disconnect()
	}
}

// handleOffline handles a message exchanged outside of a connection. c is the connection to addr,
// if there is one.
func (s *Socket) handleOffline(addr net.Addr, c *Connection, msg message.Message) error {
	switch msg := msg.(type) {
	case *message.UnconnectedPing:
		return s.writeTo(&message.UnconnectedPong{
			SendTimestamp: msg.SendTimestamp,
			ServerGUID:    s.guid,
			Data:          s.cfg.PongData,
		}, addr)
	case *message.UnconnectedPong:
		if s.events.Pong != nil {
			rtt := s.clock.Now().Sub(time.UnixMilli(msg.SendTimestamp))
			s.events.Pong(addr, rtt, msg.Data)
		}
	case *message.ConnectionRequest:
		return s.handleConnectionRequest(addr, c, msg)
	case *message.ConnectionAccepted:
		if c != nil && !c.incoming && c.State() == Connecting {
			c.id = msg.ConnectionID
			s.established(c)
		}
	case *message.ConnectionDenied:
		if c != nil && c.State() == Connecting {
			s.fail(c, ErrConnectionDenied)
		}
	case *message.IncompatibleProtocolVersion:
		if c != nil && c.State() == Connecting {
			s.fail(c, fmt.Errorf("%w: remote version %d", ErrIncompatibleProtocol, msg.ServerProtocol))
		}
	case *message.Disconnect:
		if c != nil && c.State() == Connected {
			c.close(ErrRemoteClosed)
		}
	}
	return nil
}

func (s *Socket) handleConnectionRequest(addr net.Addr, c *Connection, msg *message.ConnectionRequest) error {
	if c != nil {
		// The accepted message got lost, answer the repeated request the same way.
		if c.incoming && c.State() == Connected {
			return s.accept(c, msg)
		}
		return nil
	}

	if msg.Protocol != protocol.PROTOCOL_VERSION {
		return s.writeTo(&message.IncompatibleProtocolVersion{
			ServerProtocol: protocol.PROTOCOL_VERSION,
			ServerGUID:     s.guid,
		}, addr)
	}

	if s.events.Approve != nil && !s.events.Approve(addr, msg.Approval) {
		s.log.Info("connection denied", "addr", addr.String())
		return s.writeTo(&message.ConnectionDenied{ServerGUID: s.guid}, addr)
	}

	c = newConn(s.env, s.nextID, addr, true)
	s.nextID++
	s.conns[addr.String()] = c

	if err := s.accept(c, msg); err != nil {
		return err
	}
	s.established(c)
	return nil
}

func (s *Socket) accept(c *Connection, msg *message.ConnectionRequest) error {
	return s.writeTo(&message.ConnectionAccepted{
		ServerGUID:       s.guid,
		ConnectionID:     c.id,
		RequestTimestamp: msg.RequestTimestamp,
	}, c.addr)
}

// Sends a connection request, and fails the attempt once it has gone unanswered for too long.
func (s *Socket) retry(c *Connection, now time.Time) {
	if now.Sub(c.requestedAt) > s.cfg.ConnectTimeout {
		s.fail(c, ErrConnectTimeout)
		return
	}
	if now.Sub(c.lastRequest) >= s.cfg.ConnectRetry {
		s.request(c, now)
	}
}

func (s *Socket) request(c *Connection, now time.Time) {
	c.lastRequest = now
	if err := s.writeTo(&message.ConnectionRequest{
		ClientGUID:       s.guid,
		RequestTimestamp: now.UnixMilli(),
		Protocol:         protocol.PROTOCOL_VERSION,
		Approval:         c.approval,
	}, c.addr); err != nil {
		s.log.Debug("sending connection request", "addr", c.addr.String(), "error", err)
	}
}

func (s *Socket) established(c *Connection) {
	c.establish()
	s.symbols.start()

	if s.events.Connected != nil {
		s.events.Connected(c)
	}
	s.symbols.connected(c)
}

func (s *Socket) fail(c *Connection, err error) {
	delete(s.conns, c.addr.String())
	c.state = Disconnected
	c.err = err

	s.log.Warn("connection attempt failed", "addr", c.addr.String(), "error", err)
	if s.events.Failed != nil {
		s.events.Failed(c.addr, err)
	}
}

// Writes an offline message to addr.
func (s *Socket) writeTo(msg message.Message, addr net.Addr) error {
	b, err := message.Encode(msg)
	if err != nil {
		return err
	}

	if _, err := s.pc.WriteTo(b, addr); err != nil {
		return err
	}
	s.metrics.sent(len(b))
	return nil
}

// Returns every connection including the ones being established.
func (s *Socket) all() []*Connection {
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (s *Socket) connections() []*Connection {
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		if c.State() == Connected {
			conns = append(conns, c)
		}
	}
	return conns
}

func (s *Socket) sendCommand(c *Connection, id uint16, params ...any) error {
	err := s.SendCommand(c, id, 0, true, params...)
	if err != nil {
		s.log.Warn("sending command", "addr", c.addr.String(), "id", id, "error", err)
	}
	return err
}

func (s *Socket) symbolsReady(c *Connection) {
	if s.events.Ready != nil {
		s.events.Ready(c)
	}
}

func (s *Socket) handleMessage(c *Connection, m *codec.Message) {
	if isCommand(m.ID) {
		if m.ID == cmdRequestResponse {
			s.resolve(c, m)
			return
		}
		if s.symbols.handle(c, m) {
			return
		}
		if cmd, ok := s.commands.lookup(m.ID); ok {
			cmd.handle(c, m)
		}
		return
	}

	name, _ := s.symbols.Name(m.ID)
	cl, ok := s.calls[name]
	switch {
	case !ok:
	case cl.request:
		s.answer(c, m, name, cl)
	case cl.handle != nil:
		cl.handle(c, m)
	}
}

func (s *Socket) handleDisconnect(c *Connection, err error) {
	delete(s.conns, c.addr.String())
	s.symbols.disconnected(c)
	s.requests.abort(c, err)

	if s.events.Disconnected != nil {
		s.events.Disconnected(c, err)
	}
}
