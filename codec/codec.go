// Package codec encodes messages into bit streams. A message is written as an 11 bit id, a target
// flag with an optional 20 bit target, and its parameters one after the other. The parameters carry
// no type information on the wire: the receiver decodes them with the parameter tags it has
// declared for the id.
package codec

import (
	"errors"
	"fmt"

	"github.com/gamevidea/bitnet/internal/protocol"
	"github.com/gamevidea/bitnet/stream"
)

// MaxDepth limits how deeply messages can be nested in the parameters of other messages.
const MaxDepth = 8

// This error is returned when a parameter has a type that no tag is registered for. It is a
// mistake of the caller and the message is never sent.
var ErrUnknownType = errors.New("codec: parameter type is not registered")

// This error is returned when a message id has no parameter tags declared for it.
var ErrUnknownID = errors.New("codec: message id is not registered")

// This error is returned when the parameters of a message do not match the tags declared for it.
var ErrSchemaMismatch = errors.New("codec: parameters do not match the declared tags")

// This error is returned when an encoder is handed a value of the wrong type.
var ErrTypeMismatch = errors.New("codec: value does not match its tag")

// This error is returned when a message id does not fit into 11 bits.
var ErrInvalidID = errors.New("codec: message id out of range")

// This error is returned when a message target does not fit into 20 bits.
var ErrInvalidTarget = errors.New("codec: message target out of range")

// This error is returned when an array has more elements than its count prefix can hold.
var ErrArrayTooLong = errors.New("codec: array too long")

// This error is returned when messages are nested deeper than MaxDepth.
var ErrMaxDepthExceeded = errors.New("codec: messages nested too deeply")

// This error is returned when a custom type is registered with a built in or array tag.
var ErrInvalidTag = errors.New("codec: tag is not available for custom types")

// This error is returned when a tag is registered twice.
var ErrTagRegistered = errors.New("codec: tag already registered")

// DecodeError is returned when the parameters of a message could not be decoded. The rest of the
// frame the message was read from cannot be decoded either.
type DecodeError struct {
	ID  uint16
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: decoding message %d: %v", e.ID, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Schemas resolves the parameter tags declared for a message id.
type Schemas interface {
	Params(id uint16) ([]Tag, bool)
}

// SchemaMap is a fixed set of parameter declarations.
type SchemaMap map[uint16][]Tag

func (m SchemaMap) Params(id uint16) ([]Tag, bool) {
	tags, ok := m[id]
	return tags, ok
}

// Codec writes and reads messages. Custom types must be registered before the codec is used, as
// the codec is not safe for concurrent registration.
type Codec struct {
	schemas Schemas
	streams *stream.Pool
	custom  map[Tag]typeCodec
	order   []Tag

	// Messages is the pool decoded messages are taken from.
	Messages *MessagePool
}

// New creates a codec that decodes messages with the tags resolved by schemas. Embedded streams
// are decoded into streams taken from streams.
func New(schemas Schemas, streams *stream.Pool) *Codec {
	if schemas == nil {
		schemas = SchemaMap{}
	}

	return &Codec{
		schemas:  schemas,
		streams:  streams,
		custom:   map[Tag]typeCodec{},
		Messages: NewMessagePool(streams),
	}
}

// Register adds a custom type under tag. Values of type T, and slices of T, can then be used as
// parameters and are decoded for parameters declared with tag or ArrayOf(tag).
func Register[T any](c *Codec, tag Tag, encode func(s *stream.BitStream, v T) error, decode func(s *stream.BitStream) (T, error)) error {
	if tag < TagCustom || tag.IsArray() {
		return ErrInvalidTag
	}
	if _, ok := c.custom[tag]; ok {
		return ErrTagRegistered
	}

	c.custom[tag] = entry(
		func(e *env, v T) error { return encode(e.s, v) },
		func(e *env) (T, error) { return decode(e.s) },
	)
	c.order = append(c.order, tag)
	return nil
}

// TagOf returns the tag that v is written with.
func (c *Codec) TagOf(v any) (Tag, bool) {
	if tag, ok := builtinTag(v); ok {
		return tag, true
	}

	for _, tag := range c.order {
		tc := c.custom[tag]
		if tc.match(v) {
			return tag, true
		}
		if tc.matchArray(v) {
			return ArrayOf(tag), true
		}
	}
	return TagInvalid, false
}

func (c *Codec) lookup(tag Tag) (typeCodec, bool) {
	elem := tag.Elem()
	if elem > TagInvalid && int(elem) < len(builtins) {
		return builtins[elem], true
	}
	tc, ok := c.custom[elem]
	return tc, ok
}

func (c *Codec) write(e *env, tag Tag, v any) error {
	tc, ok := c.lookup(tag)
	if !ok {
		return ErrUnknownType
	}
	if tag.IsArray() {
		return tc.writeArray(e, v)
	}
	return tc.write(e, v)
}

func (c *Codec) read(e *env, tag Tag) (any, error) {
	tc, ok := c.lookup(tag)
	if !ok {
		return nil, ErrUnknownType
	}
	if tag.IsArray() {
		return tc.readArray(e)
	}
	return tc.read(e)
}

// WriteParams writes params with the given tags and without a message header. The reader has to
// know the tags from elsewhere, as it does for the answer to a request.
func (c *Codec) WriteParams(s *stream.BitStream, tags []Tag, params []any) error {
	if len(tags) != len(params) {
		return fmt.Errorf("%w: %d tags for %d values", ErrSchemaMismatch, len(tags), len(params))
	}

	e := &env{c: c, s: s}
	for i, p := range params {
		tag, ok := c.TagOf(p)
		if !ok {
			return fmt.Errorf("%w: value %d is %T", ErrUnknownType, i, p)
		}
		if tag != tags[i] {
			return fmt.Errorf("%w: value %d is %T", ErrSchemaMismatch, i, p)
		}
		if err := c.write(e, tag, p); err != nil {
			return err
		}
	}
	return nil
}

// ReadParams reads values written by WriteParams with the same tags. Streams and messages among
// the values are taken from the pools of the codec and belong to the caller.
func (c *Codec) ReadParams(s *stream.BitStream, tags []Tag) ([]any, error) {
	e := &env{c: c, s: s}
	params := make([]any, 0, len(tags))
	for _, tag := range tags {
		p, err := c.read(e, tag)
		if err != nil {
			c.Messages.PutParams(params)
			return nil, err
		}
		params = append(params, p)
	}
	return params, nil
}

// CanReadMessage reports whether the stream has enough bits left to hold another message.
func CanReadMessage(s *stream.BitStream) bool {
	return s.Remaining() >= protocol.MESSAGE_HEADER_BITS
}

// WriteMessage writes m to the stream. On failure part of the message may have been written; use
// TryWriteMessage to batch messages into a frame.
func (c *Codec) WriteMessage(s *stream.BitStream, m *Message) error {
	if !s.CanWrite(protocol.MESSAGE_MIN_WRITE_BITS) {
		return stream.ErrOverflow
	}

	e := env{c: c, s: s}
	return e.writeMessage(m)
}

// TryWriteMessage writes m to the stream, or leaves the stream as it was if any part of the
// message could not be written. An error wrapping stream.ErrOverflow means the message did not fit.
func (c *Codec) TryWriteMessage(s *stream.BitStream, m *Message) error {
	pos := s.Position()
	if err := c.WriteMessage(s, m); err != nil {
		s.Rewind(pos)
		return err
	}
	return nil
}

// ReadMessage reads the next message from the stream. The message is taken from the message pool
// and must be put back by the caller.
func (c *Codec) ReadMessage(s *stream.BitStream) (*Message, error) {
	e := env{c: c, s: s}
	return e.readMessage()
}

func (e *env) enter() error {
	if e.depth >= MaxDepth {
		return ErrMaxDepthExceeded
	}
	e.depth++
	return nil
}

func (e *env) leave() {
	e.depth--
}

func (e *env) writeMessage(m *Message) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.leave()

	if m.ID > protocol.MAX_MESSAGE_ID {
		return ErrInvalidID
	}
	if m.Target > protocol.MAX_TARGET {
		return ErrInvalidTarget
	}

	tags, known := e.c.schemas.Params(m.ID)
	if known && len(tags) != len(m.Params) {
		return fmt.Errorf("%w: message %d takes %d parameters, got %d", ErrSchemaMismatch, m.ID, len(tags), len(m.Params))
	}

	if err := e.s.WriteUint(uint64(m.ID), protocol.MESSAGE_ID_BITS); err != nil {
		return err
	}
	if err := e.s.WriteBool(m.Target != 0); err != nil {
		return err
	}
	if m.Target != 0 {
		if err := e.s.WriteUint(uint64(m.Target), protocol.TARGET_BITS); err != nil {
			return err
		}
	}

	for i, p := range m.Params {
		tag, ok := e.c.TagOf(p)
		if !ok {
			return fmt.Errorf("%w: parameter %d of message %d is %T", ErrUnknownType, i, m.ID, p)
		}
		if known && tags[i] != tag {
			return fmt.Errorf("%w: parameter %d of message %d is %T", ErrSchemaMismatch, i, m.ID, p)
		}
		if err := e.c.write(e, tag, p); err != nil {
			return err
		}
	}
	return nil
}

func (e *env) readMessage() (*Message, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.leave()

	v, err := e.s.ReadUint(protocol.MESSAGE_ID_BITS)
	if err != nil {
		return nil, err
	}
	id := uint16(v)

	hasTarget, err := e.s.ReadBool()
	if err != nil {
		return nil, &DecodeError{ID: id, Err: err}
	}

	var target uint32
	if hasTarget {
		if v, err = e.s.ReadUint(protocol.TARGET_BITS); err != nil {
			return nil, &DecodeError{ID: id, Err: err}
		}
		target = uint32(v)
	}

	tags, ok := e.c.schemas.Params(id)
	if !ok {
		return nil, &DecodeError{ID: id, Err: ErrUnknownID}
	}

	m := e.c.Messages.Get()
	m.ID = id
	m.Target = target

	for _, tag := range tags {
		p, err := e.c.read(e, tag)
		if err != nil {
			e.c.Messages.Put(m)

			var de *DecodeError
			if errors.As(err, &de) {
				return nil, err
			}
			return nil, &DecodeError{ID: id, Err: err}
		}
		m.Params = append(m.Params, p)
	}
	return m, nil
}

func (e *env) readStream() (*stream.BitStream, error) {
	sub := e.c.streams.Get()
	if err := e.s.ReadStream(sub); err != nil {
		e.c.streams.Put(sub)
		return nil, err
	}
	return sub, nil
}
