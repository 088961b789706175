package bitnet

import (
	"errors"
	"fmt"
	"time"

	"github.com/gamevidea/bitnet/codec"
	"github.com/gamevidea/bitnet/internal/protocol"
	"github.com/gamevidea/bitnet/stream"
)

// reliableChannel is the state of the reliable side of a connection. Every reliable frame carries
// a header with its sequence and with the receive state of its sender, so that each frame
// acknowledges the frames received before it.
type reliableChannel struct {
	// localSequence is the sequence of the last frame sent.
	localSequence uint16

	// lastAccepted is the sequence of the last frame delivered. It only moves forward by one.
	lastAccepted uint16

	// acks records the frames received, up to 63 ahead of lastAccepted. newestAt is the time
	// acks.Newest arrived at.
	acks     protocol.AckWindow
	newestAt time.Time

	// unacked counts the frames received since the last frame was sent, the first of which
	// arrived at firstUnackedAt.
	unacked        int
	firstUnackedAt time.Time

	window  *protocol.SendWindow
	reorder *protocol.ReorderBuffer

	// out is the frame messages are batched into, nil until a message is sent. count is the
	// number of messages it holds.
	out   *stream.BitStream
	count int
}

func (r *reliableChannel) init(now time.Time) {
	r.window = protocol.CreateSendWindow()
	r.reorder = protocol.CreateReorderBuffer()
	r.newestAt = now
}

// header returns the header of a frame sent at now with the sequence seq.
func (r *reliableChannel) header(seq uint16, now time.Time) protocol.Header {
	delay := now.Sub(r.newestAt)
	delay = max(0, min(delay, protocol.MAX_ACK_DELAY))

	return protocol.Header{
		Sequence:    seq,
		AckSequence: r.acks.Newest,
		AckHistory:  r.acks.History,
		AckDelay:    uint16(delay.Milliseconds()),
	}
}

// open starts a new outgoing frame with room for its header.
func (r *reliableChannel) open(streams *stream.Pool, mtu int) error {
	s := streams.Get()
	s.Limit(mtu)

	if err := s.WriteBool(protocol.Reliable.Bit()); err != nil {
		streams.Put(s)
		return err
	}
	if err := s.Skip(protocol.HEADER_BITS); err != nil {
		streams.Put(s)
		return err
	}

	r.out = s
	r.count = 0
	return nil
}

// received records the arrival of the frame seq in the ack window.
func (r *reliableChannel) received(seq uint16, now time.Time) {
	if protocol.Newer(seq, r.acks.Newest) {
		r.newestAt = now
	}
	r.acks.Receive(seq)

	if r.unacked == 0 {
		r.firstUnackedAt = now
	}
	r.unacked++
}

func (r *reliableChannel) clear(streams *stream.Pool) {
	if r.out != nil {
		streams.Put(r.out)
		r.out = nil
	}
	r.window.Clear(streams.Put)
	r.reorder.Clear(streams.Put)
}

// sendReliable batches m into the outgoing reliable frame. A message that does not fit is sent in
// a new frame once the current one has been flushed, and dropped if it does not fit into an empty
// frame either.
func (c *Connection) sendReliable(m *codec.Message) error {
	r := &c.reliable

	if r.out == nil {
		if err := r.open(c.streams, c.mtu); err != nil {
			return err
		}
	}

	err := c.codec.TryWriteMessage(r.out, m)
	if errors.Is(err, stream.ErrOverflow) && r.count > 0 {
		if _, err := c.flushReliable(); err != nil {
			return &closeError{err}
		}
		if err := r.open(c.streams, c.mtu); err != nil {
			return err
		}
		err = c.codec.TryWriteMessage(r.out, m)
	}

	if errors.Is(err, stream.ErrOverflow) {
		c.log.Warn("dropping reliable message", "id", m.ID, "error", err)
		c.metrics.drop("too_large")
		return fmt.Errorf("%w: message %d", ErrMessageTooLarge, m.ID)
	}
	if err != nil {
		return err
	}

	r.count++
	return nil
}

// flushReliable finalizes the outgoing frame with the next sequence and sends it. It reports
// whether a frame was sent. An empty frame is discarded without using up a sequence.
func (c *Connection) flushReliable() (bool, error) {
	r := &c.reliable

	s := r.out
	if s == nil {
		return false, nil
	}
	r.out = nil

	if r.count == 0 {
		c.streams.Put(s)
		return false, nil
	}
	r.count = 0

	now := c.clock.Now()
	r.localSequence = protocol.Next(r.localSequence)
	h := r.header(r.localSequence, now)

	end := s.Position()
	s.SetPosition(1)
	if err := h.Write(s); err != nil {
		c.streams.Put(s)
		return false, err
	}
	s.SetPosition(end)

	r.window.Add(r.localSequence, s, now)
	c.write(s.Bytes())
	r.unacked = 0

	if r.window.Len() > protocol.MAX_SEND_WINDOW {
		return true, ErrSendWindowFull
	}
	return true, nil
}

// forceAck sends a frame that holds nothing but the header when the frames received have gone
// without an ack for too long. The header repeats the sequence of the last frame sent, which the
// peer ignores for a frame without messages.
func (c *Connection) forceAck(now time.Time) {
	r := &c.reliable

	if r.unacked == 0 {
		return
	}
	if r.unacked <= protocol.FORCE_ACK_COUNT && now.Sub(r.firstUnackedAt) <= protocol.FORCE_ACK_DELAY {
		return
	}

	s := c.streams.Get()
	defer c.streams.Put(s)

	h := r.header(r.localSequence, now)
	if err := s.WriteBool(protocol.Reliable.Bit()); err != nil {
		return
	}
	if err := h.Write(s); err != nil {
		return
	}

	c.write(s.Bytes())
	r.unacked = 0
}

// checkTimeouts sends again every reliable frame that has gone unacknowledged for too long. The
// frame is sent as it is, with its original sequence and header.
func (c *Connection) checkTimeouts(now time.Time) {
	entries := c.reliable.window.Entries
	for i := range entries {
		e := &entries[i]
		if now.Sub(e.SentAt) <= protocol.RESEND_TIMEOUT {
			continue
		}

		c.write(e.Frame.Bytes())
		e.SentAt = now
		c.metrics.Resends.Inc()
	}
}

// receiveReliable handles a reliable frame whose kind bit has been read. Frames are delivered in
// the order of their sequence: a frame that arrives ahead of the next expected one is buffered
// until the frames before it arrive. The returned error is a protocol violation that ends the
// connection.
func (c *Connection) receiveReliable(s *stream.BitStream) error {
	r := &c.reliable

	var h protocol.Header
	if err := h.Read(s); err != nil {
		c.streams.Put(s)
		c.log.Debug("dropping malformed reliable frame", "error", err)
		return nil
	}

	// A frame without messages only carries acks.
	if !codec.CanReadMessage(s) {
		c.streams.Put(s)
		return c.ackDelivered(&h)
	}

	d := protocol.Distance(h.Sequence, r.lastAccepted)
	if d <= 0 || d > protocol.MAX_REORDER_DISTANCE {
		c.streams.Put(s)
		return nil
	}

	now := c.clock.Now()

	if d == 1 {
		r.received(h.Sequence, now)
		err := c.ackDelivered(&h)

		r.lastAccepted = h.Sequence
		c.deliver(s, protocol.Reliable)
		if err != nil {
			return err
		}
		return c.advance(now)
	}

	if r.reorder.Contains(d) {
		c.streams.Put(s)
		return nil
	}

	// Frames too far ahead are acknowledged once they come within reach of the ack history, so
	// that the history never covers a frame the receiver has yet to see.
	acked := d < protocol.ACK_HISTORY_SIZE
	err := r.reorder.Add(protocol.ReorderEntry{
		Distance: d,
		Header:   h,
		Frame:    s,
		Acked:    acked,
	})
	if err != nil {
		c.streams.Put(s)
		return fmt.Errorf("%w: frame %d: %v", ErrReorderOverflow, h.Sequence, err)
	}

	if acked {
		r.received(h.Sequence, now)
		return c.ackDelivered(&h)
	}
	return nil
}

// advance delivers the buffered frames that have become next in line after the delivery cursor
// moved by one. Every step moves the buffered frames one place closer, and a frame that comes
// within reach of the ack history is acknowledged.
func (c *Connection) advance(now time.Time) error {
	r := &c.reliable

	for c.state == Connected {
		r.reorder.Shift()

		if e := r.reorder.Find(protocol.ACK_HISTORY_SIZE - 1); e != nil && !e.Acked {
			e.Acked = true
			r.received(e.Header.Sequence, now)
			if err := c.ackDelivered(&e.Header); err != nil {
				return err
			}
		}

		e, ok := r.reorder.Take(1)
		if !ok {
			return nil
		}

		r.lastAccepted = e.Header.Sequence
		c.deliver(e.Frame, protocol.Reliable)
	}
	return nil
}

// ackDelivered removes the frames acknowledged by the header from the send window and updates the
// round trip time with them. A frame that fell out of the ack history without being acknowledged
// is reported with ErrAckRollover.
func (c *Connection) ackDelivered(h *protocol.Header) error {
	now := c.clock.Now()
	delay := time.Duration(h.AckDelay) * time.Millisecond

	var err error
	c.reliable.window.Retain(func(e *protocol.SendEntry) bool {
		d := protocol.Distance(e.Sequence, h.AckSequence)

		switch {
		case d > 0:
			return true
		case d <= -protocol.ACK_HISTORY_SIZE:
			err = fmt.Errorf("%w: frame %d, ack %d", ErrAckRollover, e.Sequence, h.AckSequence)
			return true
		case h.Acked(e.Sequence):
			c.updatePing(now.Sub(e.SentAt), delay)
			c.streams.Put(e.Frame)
			c.metrics.Acked.Inc()
			return false
		default:
			return true
		}
	})
	return err
}

// updatePing folds a round trip into the smoothed ping. The time the peer held back its ack is
// taken off the round trip first.
func (c *Connection) updatePing(rtt, delay time.Duration) {
	adjusted := rtt - min(delay, rtt)
	c.metrics.rtt(adjusted)

	if !c.pinged {
		c.ping = adjusted
		c.pinged = true
		return
	}
	c.ping = time.Duration(0.9*float64(c.ping) + 0.1*float64(adjusted))
}
