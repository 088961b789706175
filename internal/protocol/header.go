package protocol

import "github.com/gamevidea/bitnet/stream"

// Header is written behind the frame kind bit of every reliable frame. It carries the sequence of
// the frame and the state of the sender's receive side so that every reliable frame acknowledges
// the frames received before it.
type Header struct {
	Sequence    uint16
	AckSequence uint16
	AckHistory  uint64

	// AckDelay is the time in milliseconds between the arrival of AckSequence and the sending of
	// this frame.
	AckDelay uint16
}

// Writes the header to the stream and returns an error if the operation has failed.
func (h *Header) Write(s *stream.BitStream) (err error) {
	if !s.CanWrite(HEADER_BITS) {
		return stream.ErrOverflow
	}

	if err = s.WriteUint(uint64(h.Sequence), SEQUENCE_BITS); err != nil {
		return
	}

	if err = s.WriteUint(uint64(h.AckSequence), SEQUENCE_BITS); err != nil {
		return
	}

	if err = s.WriteUint64(h.AckHistory); err != nil {
		return
	}

	if err = s.WriteUint(uint64(h.AckDelay), ACK_DELAY_BITS); err != nil {
		return
	}

	return
}

// Reads the header from the stream and returns an error if the operation has failed.
func (h *Header) Read(s *stream.BitStream) (err error) {
	var v uint64

	if v, err = s.ReadUint(SEQUENCE_BITS); err != nil {
		return
	}
	h.Sequence = uint16(v)

	if v, err = s.ReadUint(SEQUENCE_BITS); err != nil {
		return
	}
	h.AckSequence = uint16(v)

	if h.AckHistory, err = s.ReadUint64(); err != nil {
		return
	}

	if v, err = s.ReadUint(ACK_DELAY_BITS); err != nil {
		return
	}
	h.AckDelay = uint16(v)

	return
}

// Acked reports whether the frame with the given sequence is marked as received by the header.
// The ack history holds the ack sequence itself in bit 0 and the 63 sequences before it in the
// following bits. Frames older than that cannot be reported on.
func (h *Header) Acked(seq uint16) bool {
	d := Distance(seq, h.AckSequence)
	if d > 0 || d <= -ACK_HISTORY_SIZE {
		return false
	}
	return h.AckHistory&(1<<uint(-d)) != 0
}
