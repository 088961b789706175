package bitnet

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/gamevidea/bitnet/codec"
	"github.com/gamevidea/bitnet/internal/message"
	"github.com/gamevidea/bitnet/internal/protocol"
	"github.com/gamevidea/bitnet/stream"
)

// State represents the connection state of the connection.
type State = uint8

const (
	Connecting State = iota
	Connected
	Disconnected
)

// PacketWriter is the part of the socket that a connection writes its datagrams to.
type PacketWriter interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// handler receives the messages and the disconnect of a connection. The message is put back into
// the pool once handleMessage returns.
type handler interface {
	handleMessage(c *Connection, m *codec.Message)
	handleDisconnect(c *Connection, err error)
}

// connEnv is shared by every connection of a socket.
type connEnv struct {
	writer  PacketWriter
	handler handler
	codec   *codec.Codec
	streams *stream.Pool
	log     *slog.Logger
	metrics *Metrics
	clock   Clock
	mtu     int
	timeout time.Duration
	guid    int64
}

// Connection is an established bitnet connection. It batches outgoing messages into one reliable
// and one unreliable frame, which are sent when the socket ticks, and delivers the messages of
// incoming frames in the order they were sent.
//
// A connection is not safe for concurrent use. Every method must be called from the goroutine
// that runs the socket, or through Socket.Post.
type Connection struct {
	*connEnv

	id       uint32
	addr     net.Addr
	log      *slog.Logger
	incoming bool
	state    State
	err      error

	reliable   reliableChannel
	unreliable unreliableChannel

	ping        time.Duration
	pinged      bool
	lastReceive time.Time

	// Set while the connection is being established by this side.
	approval    []byte
	requestedAt time.Time
	lastRequest time.Time

	// Data is free for use by the application.
	Data any
}

// Creates and returns a new connection to addr.
func newConn(env *connEnv, id uint32, addr net.Addr, incoming bool) *Connection {
	now := env.clock.Now()

	c := &Connection{
		connEnv:     env,
		id:          id,
		addr:        addr,
		log:         env.log.With("addr", addr.String(), "conn", id),
		incoming:    incoming,
		state:       Connecting,
		lastReceive: now,
	}
	c.reliable.init(now)
	c.unreliable.lastSend = now
	return c
}

// Returns the id the accepting socket assigned to the connection.
func (c *Connection) ID() uint32 {
	return c.id
}

// Returns the address of the peer.
func (c *Connection) Addr() net.Addr {
	return c.addr
}

// Returns whether the peer connected to this socket, as opposed to this socket connecting to it.
func (c *Connection) Incoming() bool {
	return c.incoming
}

// Returns the connection state of the connection.
func (c *Connection) State() State {
	return c.state
}

// Returns the reason the connection was closed for, or nil while it is open.
func (c *Connection) Err() error {
	return c.err
}

// Ping returns the smoothed round trip time of reliable frames, without the time the peer held
// back its acks.
func (c *Connection) Ping() time.Duration {
	return c.ping
}

// Send encodes m into the reliable or the unreliable frame of the connection, depending on
// m.Reliable. The caller keeps ownership of m. Messages are sent when the socket next ticks.
func (c *Connection) Send(m *codec.Message) error {
	if c.state != Connected {
		return ErrNotConnected
	}

	var err error
	if m.Reliable {
		err = c.sendReliable(m)
	} else {
		err = c.sendUnreliable(m)
	}

	var closeErr *closeError
	if errors.As(err, &closeErr) {
		c.close(closeErr.err)
		return closeErr.err
	}
	return err
}

// Flush sends the pending frames of the connection without waiting for the next tick.
func (c *Connection) Flush() {
	if c.state != Connected {
		return
	}

	if _, err := c.flushReliable(); err != nil {
		c.close(err)
		return
	}
	c.flushUnreliable(false)
}

// Disconnect notifies the peer and closes the connection. Pending messages are discarded.
func (c *Connection) Disconnect() {
	if c.state == Disconnected {
		return
	}

	if c.state == Connected {
		c.writeMessage(&message.Disconnect{GUID: c.guid})
	}
	c.close(ErrClosed)
}

// closeError marks an error of the reliable channel that ends the connection.
type closeError struct {
	err error
}

func (e *closeError) Error() string {
	return e.err.Error()
}

func (e *closeError) Unwrap() error {
	return e.err
}

// receive handles a datagram that carries a frame of the connection.
func (c *Connection) receive(b []byte) {
	if c.state != Connected {
		return
	}
	c.lastReceive = c.clock.Now()

	s := c.streams.Get()
	if err := s.Load(b); err != nil {
		c.streams.Put(s)
		c.log.Debug("dropping oversized datagram", "size", len(b))
		return
	}

	bit, err := s.ReadBool()
	if err != nil {
		c.streams.Put(s)
		return
	}

	if protocol.ReliabilityOf(bit).Reliable() {
		if err := c.receiveReliable(s); err != nil {
			c.close(err)
		}
		return
	}

	c.deliver(s, protocol.Unreliable)
}

// deliver decodes every message of a frame and hands them to the handler. The frame is put back
// into the pool once it has been read. A message that cannot be decoded ends the reading of the
// frame, as the messages behind it cannot be located.
func (c *Connection) deliver(s *stream.BitStream, rlb protocol.Reliability) {
	defer c.streams.Put(s)

	for codec.CanReadMessage(s) && c.state == Connected {
		m, err := c.codec.ReadMessage(s)
		if err != nil {
			c.log.Warn("dropping rest of frame", "reliability", rlb, "error", err)
			c.metrics.drop("decode")
			return
		}

		m.Reliable = rlb.Reliable()
		c.metrics.Messages.WithLabelValues(rlb.String()).Inc()
		c.handler.handleMessage(c, m)
		c.codec.Messages.Put(m)
	}
}

// tick runs the end of frame work of the connection: it drops a connection that stopped
// answering, sends the pending frames, an ack-only frame or a heartbeat if nothing else was sent, and
// sends again the reliable frames that went unacknowledged for too long.
func (c *Connection) tick() {
	if c.state != Connected {
		return
	}
	now := c.clock.Now()

	if now.Sub(c.lastReceive) > c.timeout {
		c.close(ErrTimedOut)
		return
	}
	if c.reliable.window.Len() > protocol.MAX_SEND_WINDOW {
		c.close(ErrSendWindowFull)
		return
	}

	sent, err := c.flushReliable()
	if err != nil {
		c.close(err)
		return
	}
	if !sent {
		c.forceAck(now)
	}

	if !c.flushUnreliable(false) && now.Sub(c.unreliable.lastSend) > protocol.HEARTBEAT_INTERVAL {
		c.flushUnreliable(true)
	}

	c.checkTimeouts(now)
}

// Writes a datagram to the peer.
func (c *Connection) write(b []byte) {
	if _, err := c.writer.WriteTo(b, c.addr); err != nil {
		c.log.Debug("write failed", "error", err)
		return
	}
	c.metrics.sent(len(b))
}

// Writes an offline message to the peer.
func (c *Connection) writeMessage(msg message.Message) {
	b, err := message.Encode(msg)
	if err != nil {
		c.log.Error("encoding offline message", "id", msg.ID(), "error", err)
		return
	}
	c.write(b)
}

// close tears down the connection and puts every stream it holds back into the pool.
func (c *Connection) close(err error) {
	if c.state == Disconnected {
		return
	}
	established := c.state == Connected

	c.state = Disconnected
	c.err = err

	c.reliable.clear(c.streams)
	c.unreliable.clear(c.streams)

	if established {
		c.metrics.Connections.Dec()
	}
	c.metrics.Disconnects.WithLabelValues(reasonLabel(err)).Inc()

	if IsProtocolViolation(err) {
		c.log.Warn("connection closed", "error", err)
	} else {
		c.log.Info("connection closed", "error", err)
	}
	c.handler.handleDisconnect(c, err)
}

// establish marks the connection as connected.
func (c *Connection) establish() {
	if c.state != Connecting {
		return
	}

	now := c.clock.Now()
	c.state = Connected
	c.lastReceive = now
	c.unreliable.lastSend = now
	c.approval = nil
	c.metrics.Connections.Inc()
	c.log.Info("connection established", "incoming", c.incoming)
}
