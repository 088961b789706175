package bitnet

import (
	"errors"
	"fmt"
	"time"

	"github.com/gamevidea/bitnet/codec"
	"github.com/gamevidea/bitnet/internal/protocol"
	"github.com/gamevidea/bitnet/stream"
)

// unreliableChannel batches unreliable messages into one frame that is sent as it is: no sequence,
// no acks and no resends.
type unreliableChannel struct {
	out      *stream.BitStream
	lastSend time.Time
}

func (u *unreliableChannel) open(streams *stream.Pool, mtu int) error {
	s := streams.Get()
	s.Limit(mtu)

	if err := s.WriteBool(protocol.Unreliable.Bit()); err != nil {
		streams.Put(s)
		return err
	}

	u.out = s
	return nil
}

// Returns whether the outgoing frame holds any message.
func (u *unreliableChannel) pending() bool {
	return u.out != nil && u.out.Position() > 1
}

func (u *unreliableChannel) clear(streams *stream.Pool) {
	if u.out != nil {
		streams.Put(u.out)
		u.out = nil
	}
}

// sendUnreliable batches m into the outgoing unreliable frame, flushing the frame once if m does
// not fit into it.
func (c *Connection) sendUnreliable(m *codec.Message) error {
	u := &c.unreliable

	if u.out == nil {
		if err := u.open(c.streams, c.mtu); err != nil {
			return err
		}
	}

	err := c.codec.TryWriteMessage(u.out, m)
	if errors.Is(err, stream.ErrOverflow) && u.pending() {
		c.flushUnreliable(false)
		if err := u.open(c.streams, c.mtu); err != nil {
			return err
		}
		err = c.codec.TryWriteMessage(u.out, m)
	}

	if errors.Is(err, stream.ErrOverflow) {
		c.log.Warn("dropping unreliable message", "id", m.ID, "error", err)
		c.metrics.drop("too_large")
		return fmt.Errorf("%w: message %d", ErrMessageTooLarge, m.ID)
	}
	return err
}

// flushUnreliable sends the outgoing frame if it holds any message. With force set an empty frame
// is sent as a heartbeat. It reports whether a frame was sent.
func (c *Connection) flushUnreliable(force bool) bool {
	u := &c.unreliable

	if !u.pending() && !force {
		return false
	}
	if u.out == nil {
		if err := u.open(c.streams, c.mtu); err != nil {
			return false
		}
	}

	s := u.out
	u.out = nil
	defer c.streams.Put(s)

	c.write(s.Bytes())
	u.lastSend = c.clock.Now()
	return true
}
