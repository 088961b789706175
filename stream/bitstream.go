// Package stream implements the bit addressable buffer that every frame, message and parameter is
// encoded into. Bits are packed starting at the least significant bit of each byte, and values
// wider than a byte are written low byte first.
package stream

import (
	"errors"
	"math"
	"unicode/utf8"
)

// This is the number of bits used by the length prefix of an embedded stream.
const LengthBits = 14

// This is the largest number of bits an embedded stream can have.
const MaxEmbeddedBits = 1<<LengthBits - 1

// This is the number of bits used by the length prefix of a string.
const StringLengthBits = 16

// This error is returned when a value does not fit into the remaining bits of the stream. The
// position of the stream is left untouched.
var ErrOverflow = errors.New("stream: not enough room to write value")

// This error is returned when a read would go past the length of the stream.
var ErrUnderflow = errors.New("stream: not enough bits to read value")

// This error is returned when a string or embedded stream is too long for its length prefix.
var ErrTooLong = errors.New("stream: value too long for its length prefix")

// This error is returned when a decoded string is not valid UTF-8.
var ErrInvalidString = errors.New("stream: string is not valid utf-8")

// BitStream is a byte buffer with a bit cursor and a bit length. A stream that is being written
// has its length set to the capacity of the buffer, a stream that is being read has its length
// set to the number of bits that were received. The cursor never passes the length.
type BitStream struct {
	data   []byte
	pos    int
	length int

	// HalfPrecision selects half precision for vectors and quaternions written to the stream.
	HalfPrecision bool

	reading bool

	// owner is the pool the stream was made by, nil for streams made with New.
	owner  *Pool
	pooled bool
}

// New creates a stream with a buffer of size bytes, ready to be written.
func New(size int) *BitStream {
	return &BitStream{
		data:   make([]byte, size),
		length: size << 3,
	}
}

// From creates a stream that reads the bits of b. The stream does not copy b.
func From(b []byte) *BitStream {
	return &BitStream{
		data:    b,
		length:  len(b) << 3,
		reading: true,
	}
}

// Reset clears the buffer and prepares the stream to be written from the start.
func (s *BitStream) Reset() {
	clear(s.data)
	s.pos = 0
	s.length = len(s.data) << 3
	s.reading = false
}

// Limit restricts the number of bytes the stream may be written up to.
func (s *BitStream) Limit(size int) {
	if size < len(s.data) {
		s.length = size << 3
	}
}

// Load copies b into the buffer and prepares the stream to be read from the start.
func (s *BitStream) Load(b []byte) error {
	if len(b) > len(s.data) {
		return ErrOverflow
	}

	copy(s.data, b)
	s.pos = 0
	s.length = len(b) << 3
	s.reading = true
	return nil
}

// Returns the bit position of the cursor.
func (s *BitStream) Position() int {
	return s.pos
}

// SetPosition moves the cursor. Positions outside of the stream are clamped to its bounds.
func (s *BitStream) SetPosition(pos int) {
	s.pos = max(0, min(pos, s.length))
}

// Rewind moves the cursor back to pos and clears every bit written after it.
func (s *BitStream) Rewind(pos int) {
	if pos >= s.pos {
		return
	}

	for i := pos; i < s.pos && i&7 != 0; i++ {
		s.data[i>>3] &^= 1 << (i & 7)
	}
	if start := (pos + 7) >> 3; start < (s.pos+7)>>3 {
		clear(s.data[start : (s.pos+7)>>3])
	}
	s.pos = pos
}

// Returns the length of the stream in bits.
func (s *BitStream) Len() int {
	return s.length
}

// Returns the number of bits that are left between the cursor and the length of the stream.
func (s *BitStream) Remaining() int {
	return s.length - s.pos
}

// Returns whether bits more bits can be written or read.
func (s *BitStream) CanWrite(bits int) bool {
	return s.pos+bits <= s.length
}

// Bytes returns the bytes written so far. The last byte is padded with zero bits.
func (s *BitStream) Bytes() []byte {
	return s.data[:(s.pos+7)>>3]
}

// Skip advances the cursor by bits without writing them.
func (s *BitStream) Skip(bits int) error {
	if !s.CanWrite(bits) {
		return ErrOverflow
	}
	s.pos += bits
	return nil
}

// WriteUint writes the low bits of v. bits must be between 1 and 64.
func (s *BitStream) WriteUint(v uint64, bits int) error {
	if !s.CanWrite(bits) {
		return ErrOverflow
	}
	s.writeBits(v, bits)
	return nil
}

func (s *BitStream) writeBits(v uint64, bits int) {
	for bits > 0 {
		p := s.pos >> 3
		used := s.pos & 7
		n := min(8-used, bits)
		mask := byte((1<<n - 1) << used)
		s.data[p] = s.data[p]&^mask | byte(v<<used)&mask
		v >>= n
		bits -= n
		s.pos += n
	}
}

// ReadUint reads bits bits as an unsigned value. bits must be between 1 and 64.
func (s *BitStream) ReadUint(bits int) (uint64, error) {
	if !s.CanWrite(bits) {
		return 0, ErrUnderflow
	}
	return s.readBits(bits), nil
}

func (s *BitStream) readBits(bits int) uint64 {
	var v uint64
	shift := 0
	for bits > 0 {
		p := s.pos >> 3
		used := s.pos & 7
		n := min(8-used, bits)
		v |= uint64(s.data[p]>>used) & (1<<n - 1) << shift
		shift += n
		bits -= n
		s.pos += n
	}
	return v
}

// WriteInt writes the low bits of v in two's complement.
func (s *BitStream) WriteInt(v int64, bits int) error {
	return s.WriteUint(uint64(v), bits)
}

// ReadInt reads bits bits and sign extends them.
func (s *BitStream) ReadInt(bits int) (int64, error) {
	v, err := s.ReadUint(bits)
	if err != nil {
		return 0, err
	}
	shift := 64 - bits
	return int64(v<<shift) >> shift, nil
}

func (s *BitStream) WriteBool(v bool) error {
	var b uint64
	if v {
		b = 1
	}
	return s.WriteUint(b, 1)
}

func (s *BitStream) ReadBool() (bool, error) {
	v, err := s.ReadUint(1)
	return v == 1, err
}

func (s *BitStream) WriteUint8(v uint8) error   { return s.WriteUint(uint64(v), 8) }
func (s *BitStream) WriteUint16(v uint16) error { return s.WriteUint(uint64(v), 16) }
func (s *BitStream) WriteUint32(v uint32) error { return s.WriteUint(uint64(v), 32) }
func (s *BitStream) WriteUint64(v uint64) error { return s.WriteUint(v, 64) }
func (s *BitStream) WriteInt8(v int8) error     { return s.WriteInt(int64(v), 8) }
func (s *BitStream) WriteInt16(v int16) error   { return s.WriteInt(int64(v), 16) }
func (s *BitStream) WriteInt32(v int32) error   { return s.WriteInt(int64(v), 32) }
func (s *BitStream) WriteInt64(v int64) error   { return s.WriteInt(v, 64) }

func (s *BitStream) ReadUint8() (uint8, error) {
	v, err := s.ReadUint(8)
	return uint8(v), err
}

func (s *BitStream) ReadUint16() (uint16, error) {
	v, err := s.ReadUint(16)
	return uint16(v), err
}

func (s *BitStream) ReadUint32() (uint32, error) {
	v, err := s.ReadUint(32)
	return uint32(v), err
}

func (s *BitStream) ReadUint64() (uint64, error) {
	return s.ReadUint(64)
}

func (s *BitStream) ReadInt8() (int8, error) {
	v, err := s.ReadInt(8)
	return int8(v), err
}

func (s *BitStream) ReadInt16() (int16, error) {
	v, err := s.ReadInt(16)
	return int16(v), err
}

func (s *BitStream) ReadInt32() (int32, error) {
	v, err := s.ReadInt(32)
	return int32(v), err
}

func (s *BitStream) ReadInt64() (int64, error) {
	return s.ReadInt(64)
}

func (s *BitStream) WriteFloat32(v float32) error {
	return s.WriteUint(uint64(math.Float32bits(v)), 32)
}

func (s *BitStream) ReadFloat32() (float32, error) {
	v, err := s.ReadUint(32)
	return math.Float32frombits(uint32(v)), err
}

func (s *BitStream) WriteFloat64(v float64) error {
	return s.WriteUint(math.Float64bits(v), 64)
}

func (s *BitStream) ReadFloat64() (float64, error) {
	v, err := s.ReadUint(64)
	return math.Float64frombits(v), err
}

// WriteHalf writes v as a 16 bit half precision float.
func (s *BitStream) WriteHalf(v float32) error {
	return s.WriteUint(uint64(HalfFromFloat(v)), 16)
}

// ReadHalf reads a 16 bit half precision float.
func (s *BitStream) ReadHalf() (float32, error) {
	v, err := s.ReadUint(16)
	return HalfToFloat(uint16(v)), err
}

// WriteFloat writes v in half precision when the stream is set to, otherwise in single precision.
func (s *BitStream) WriteFloat(v float32) error {
	if s.HalfPrecision {
		return s.WriteHalf(v)
	}
	return s.WriteFloat32(v)
}

// ReadFloat reads a float written by WriteFloat on a stream with the same precision.
func (s *BitStream) ReadFloat() (float32, error) {
	if s.HalfPrecision {
		return s.ReadHalf()
	}
	return s.ReadFloat32()
}

// WriteBytes writes b without a length prefix. Aligned writes are copied directly.
func (s *BitStream) WriteBytes(b []byte) error {
	if !s.CanWrite(len(b) << 3) {
		return ErrOverflow
	}

	if s.pos&7 == 0 {
		copy(s.data[s.pos>>3:], b)
		s.pos += len(b) << 3
		return nil
	}

	for _, v := range b {
		s.writeBits(uint64(v), 8)
	}
	return nil
}

// ReadBytes fills b from the stream.
func (s *BitStream) ReadBytes(b []byte) error {
	if !s.CanWrite(len(b) << 3) {
		return ErrUnderflow
	}

	if s.pos&7 == 0 {
		copy(b, s.data[s.pos>>3:])
		s.pos += len(b) << 3
		return nil
	}

	for i := range b {
		b[i] = byte(s.readBits(8))
	}
	return nil
}

// WriteString writes the UTF-8 bytes of v behind a 16 bit byte count.
func (s *BitStream) WriteString(v string) error {
	if len(v) > 1<<StringLengthBits-1 {
		return ErrTooLong
	}
	if !s.CanWrite(StringLengthBits + len(v)<<3) {
		return ErrOverflow
	}

	s.writeBits(uint64(len(v)), StringLengthBits)
	if s.pos&7 == 0 {
		copy(s.data[s.pos>>3:], v)
		s.pos += len(v) << 3
		return nil
	}
	for i := 0; i < len(v); i++ {
		s.writeBits(uint64(v[i]), 8)
	}
	return nil
}

// ReadString reads a string written by WriteString.
func (s *BitStream) ReadString() (string, error) {
	n, err := s.ReadUint(StringLengthBits)
	if err != nil {
		return "", err
	}

	b := make([]byte, n)
	if err := s.ReadBytes(b); err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrInvalidString
	}
	return string(b), nil
}

// Returns the number of bits the stream holds: the bits written so far for a stream that is being
// written, its whole length for a stream that is being read.
func (s *BitStream) Size() int {
	if s.reading {
		return s.length
	}
	return s.pos
}

// CopyTo appends the bits held by s to dst. Whole bytes are copied in bulk and the final partial
// byte is merged bit by bit.
func (s *BitStream) CopyTo(dst *BitStream) error {
	n := s.Size()
	if !dst.CanWrite(n) {
		return ErrOverflow
	}

	whole := n >> 3
	if dst.pos&7 == 0 {
		copy(dst.data[dst.pos>>3:], s.data[:whole])
		dst.pos += whole << 3
	} else {
		for _, v := range s.data[:whole] {
			dst.writeBits(uint64(v), 8)
		}
	}

	if rest := n & 7; rest > 0 {
		dst.writeBits(uint64(s.data[whole]), rest)
	}
	return nil
}

// WriteStream embeds the bits held by sub behind a 14 bit length prefix.
func (s *BitStream) WriteStream(sub *BitStream) error {
	n := sub.Size()
	if n > MaxEmbeddedBits {
		return ErrTooLong
	}
	if !s.CanWrite(LengthBits + n) {
		return ErrOverflow
	}

	s.writeBits(uint64(n), LengthBits)
	return sub.CopyTo(s)
}

// ReadStream reads a stream embedded by WriteStream into dst and seals dst so that it can be
// read from the start.
func (s *BitStream) ReadStream(dst *BitStream) error {
	n, err := s.ReadUint(LengthBits)
	if err != nil {
		return err
	}

	bits := int(n)
	if !s.CanWrite(bits) {
		return ErrUnderflow
	}
	if !dst.CanWrite(bits) {
		return ErrOverflow
	}

	for bits >= 8 {
		dst.writeBits(s.readBits(8), 8)
		bits -= 8
	}
	if bits > 0 {
		dst.writeBits(s.readBits(bits), bits)
	}
	dst.Seal()
	return nil
}

// Seal ends the writing of the stream and prepares the bits written to be read from the start.
func (s *BitStream) Seal() {
	s.length = s.pos
	s.pos = 0
	s.reading = true
}
