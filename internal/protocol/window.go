package protocol

import (
	"errors"
	"time"

	"github.com/gamevidea/bitnet/stream"
)

// AckWindow records which reliable frames have been received. It holds the newest sequence seen
// and a history in which bit k stands for the sequence k places before it.
type AckWindow struct {
	Newest  uint16
	History uint64
}

// Receive marks seq as received. Sequences too old to fit into the history are ignored.
func (w *AckWindow) Receive(seq uint16) {
	d := Distance(seq, w.Newest)

	switch {
	case d > 0:
		if d >= ACK_HISTORY_SIZE {
			w.History = 1
		} else {
			w.History = w.History<<uint(d) | 1
		}
		w.Newest = seq
	case -d < ACK_HISTORY_SIZE:
		w.History |= 1 << uint(-d)
	}
}

// SendEntry is a finalized reliable frame that has been sent and is waiting for its ack.
type SendEntry struct {
	Sequence uint16
	Frame    *stream.BitStream
	SentAt   time.Time
}

// SendWindow holds the reliable frames that have been sent but not acknowledged, ordered by their
// sequence.
type SendWindow struct {
	Entries []SendEntry
}

func CreateSendWindow() *SendWindow {
	return &SendWindow{
		Entries: make([]SendEntry, 0, MAX_SEND_WINDOW+1),
	}
}

// Returns the number of frames waiting for an ack.
func (w *SendWindow) Len() int {
	return len(w.Entries)
}

// Adds a frame that has just been sent.
func (w *SendWindow) Add(seq uint16, frame *stream.BitStream, now time.Time) {
	w.Entries = append(w.Entries, SendEntry{
		Sequence: seq,
		Frame:    frame,
		SentAt:   now,
	})
}

// Retain keeps the entries that keep returns true for and drops the others, preserving the order.
// keep may modify the entry it is passed.
func (w *SendWindow) Retain(keep func(e *SendEntry) bool) {
	n := 0
	for i := range w.Entries {
		if keep(&w.Entries[i]) {
			w.Entries[n] = w.Entries[i]
			n++
		}
	}

	clear(w.Entries[n:])
	w.Entries = w.Entries[:n]
}

// Clear drops every entry and hands its frame to release.
func (w *SendWindow) Clear(release func(*stream.BitStream)) {
	for _, e := range w.Entries {
		release(e.Frame)
	}

	clear(w.Entries)
	w.Entries = w.Entries[:0]
}

// ErrReorderFull is returned when a frame is added to a reorder buffer that holds
// MAX_REORDER_ENTRIES frames.
var ErrReorderFull = errors.New("protocol: reorder buffer full")

// ReorderEntry is a reliable frame that arrived ahead of the frame the receiver is waiting for.
// Distance is the number of sequences between the frame and the last frame delivered.
type ReorderEntry struct {
	Distance int
	Header   Header
	Frame    *stream.BitStream

	// Acked is set once the frame has been recorded in the ack window.
	Acked bool
}

// ReorderBuffer holds frames that arrived out of order until the frames before them arrive.
type ReorderBuffer struct {
	Entries []ReorderEntry
}

func CreateReorderBuffer() *ReorderBuffer {
	return &ReorderBuffer{
		Entries: make([]ReorderEntry, 0, 64),
	}
}

// Returns the number of buffered frames.
func (b *ReorderBuffer) Len() int {
	return len(b.Entries)
}

// Returns whether a frame is buffered at the distance d.
func (b *ReorderBuffer) Contains(d int) bool {
	return b.Find(d) != nil
}

// Find returns the frame buffered at the distance d or nil.
func (b *ReorderBuffer) Find(d int) *ReorderEntry {
	for i := range b.Entries {
		if b.Entries[i].Distance == d {
			return &b.Entries[i]
		}
	}
	return nil
}

// Add buffers a frame. A full buffer takes no more frames.
func (b *ReorderBuffer) Add(e ReorderEntry) error {
	if len(b.Entries) >= MAX_REORDER_ENTRIES {
		return ErrReorderFull
	}
	b.Entries = append(b.Entries, e)
	return nil
}

// Shift moves every buffered frame one place closer to delivery.
func (b *ReorderBuffer) Shift() {
	for i := range b.Entries {
		b.Entries[i].Distance--
	}
}

// Take removes and returns the frame buffered at the distance d.
func (b *ReorderBuffer) Take(d int) (ReorderEntry, bool) {
	for i, e := range b.Entries {
		if e.Distance == d {
			last := len(b.Entries) - 1
			b.Entries[i] = b.Entries[last]
			b.Entries[last] = ReorderEntry{}
			b.Entries = b.Entries[:last]
			return e, true
		}
	}
	return ReorderEntry{}, false
}

// Clear drops every buffered frame and hands it to release.
func (b *ReorderBuffer) Clear(release func(*stream.BitStream)) {
	for _, e := range b.Entries {
		release(e.Frame)
	}

	clear(b.Entries)
	b.Entries = b.Entries[:0]
}
