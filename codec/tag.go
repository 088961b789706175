package codec

import (
	"math"

	"github.com/gamevidea/bitnet/internal/protocol"
	"github.com/gamevidea/bitnet/stream"
)

// Tag identifies the type of a message parameter. Tags below TagCustom are built in, tags from
// TagCustom up to but excluding 128 are free for types registered by the application, and the
// high bit marks an array of the tagged type.
type Tag uint8

const (
	TagInvalid Tag = iota
	TagBool
	TagUint8
	TagInt8
	TagUint16
	TagInt16
	TagUint32
	TagInt32
	TagUint64
	TagInt64
	TagFloat32
	TagFloat64
	TagString
	TagVector2
	TagVector3
	TagQuaternion
	TagMessage
	TagStream
)

// TagCustom is the first tag available to types registered with Register.
const TagCustom Tag = 64

const tagArray Tag = 0x80

// ArrayOf returns the tag of an array of elem.
func ArrayOf(elem Tag) Tag {
	return elem | tagArray
}

// IsArray reports whether t is the tag of an array.
func (t Tag) IsArray() bool {
	return t&tagArray != 0
}

// Elem returns the tag of the elements of an array tag.
func (t Tag) Elem() Tag {
	return t &^ tagArray
}

// Vector2 is a two component vector. Its components are written in half precision by streams set
// to it.
type Vector2 struct {
	X, Y float32
}

// Vector3 is a three component vector.
type Vector3 struct {
	X, Y, Z float32
}

// Quaternion is a four component rotation.
type Quaternion struct {
	X, Y, Z, W float32
}

// env is the state shared by the encoders and decoders of one top level message.
type env struct {
	c     *Codec
	s     *stream.BitStream
	depth int
}

// typeCodec holds the functions that encode and decode one type and arrays of it. match reports
// whether a value is of the type without encoding it.
type typeCodec struct {
	match      func(v any) bool
	matchArray func(v any) bool
	write      func(e *env, v any) error
	read       func(e *env) (any, error)
	writeArray func(e *env, v any) error
	readArray  func(e *env) (any, error)
}

// entry builds the type codec of T from an encoder and a decoder of single values.
func entry[T any](write func(e *env, v T) error, read func(e *env) (T, error)) typeCodec {
	return typeCodec{
		match: func(v any) bool {
			_, ok := v.(T)
			return ok
		},
		matchArray: func(v any) bool {
			_, ok := v.([]T)
			return ok
		},
		write: func(e *env, v any) error {
			t, ok := v.(T)
			if !ok {
				return ErrTypeMismatch
			}
			return write(e, t)
		},
		read: func(e *env) (any, error) {
			return read(e)
		},
		writeArray: func(e *env, v any) error {
			arr, ok := v.([]T)
			if !ok {
				return ErrTypeMismatch
			}
			if len(arr) > math.MaxUint16 {
				return ErrArrayTooLong
			}
			if err := e.s.WriteUint(uint64(len(arr)), protocol.ARRAY_LENGTH_BITS); err != nil {
				return err
			}
			for _, t := range arr {
				if err := write(e, t); err != nil {
					return err
				}
			}
			return nil
		},
		readArray: func(e *env) (any, error) {
			n, err := e.s.ReadUint(protocol.ARRAY_LENGTH_BITS)
			if err != nil {
				return nil, err
			}
			// Every element takes at least one bit, which bounds the allocation by the frame.
			if int(n) > e.s.Remaining() {
				return nil, stream.ErrUnderflow
			}
			arr := make([]T, n)
			for i := range arr {
				if arr[i], err = read(e); err != nil {
					e.c.Messages.PutParams([]any{arr[:i]})
					return nil, err
				}
			}
			return arr, nil
		},
	}
}

// builtins are the codecs of the built in tags, indexed by tag. They are set up in init as the
// message codec refers back to the table.
var builtins [TagStream + 1]typeCodec

func init() {
	builtins = [...]typeCodec{
		TagBool: entry(
			func(e *env, v bool) error { return e.s.WriteBool(v) },
			func(e *env) (bool, error) { return e.s.ReadBool() },
		),
		TagUint8: entry(
			func(e *env, v uint8) error { return e.s.WriteUint8(v) },
			func(e *env) (uint8, error) { return e.s.ReadUint8() },
		),
		TagInt8: entry(
			func(e *env, v int8) error { return e.s.WriteInt8(v) },
			func(e *env) (int8, error) { return e.s.ReadInt8() },
		),
		TagUint16: entry(
			func(e *env, v uint16) error { return e.s.WriteUint16(v) },
			func(e *env) (uint16, error) { return e.s.ReadUint16() },
		),
		TagInt16: entry(
			func(e *env, v int16) error { return e.s.WriteInt16(v) },
			func(e *env) (int16, error) { return e.s.ReadInt16() },
		),
		TagUint32: entry(
			func(e *env, v uint32) error { return e.s.WriteUint32(v) },
			func(e *env) (uint32, error) { return e.s.ReadUint32() },
		),
		TagInt32: entry(
			func(e *env, v int32) error { return e.s.WriteInt32(v) },
			func(e *env) (int32, error) { return e.s.ReadInt32() },
		),
		TagUint64: entry(
			func(e *env, v uint64) error { return e.s.WriteUint64(v) },
			func(e *env) (uint64, error) { return e.s.ReadUint64() },
		),
		TagInt64: entry(
			func(e *env, v int64) error { return e.s.WriteInt64(v) },
			func(e *env) (int64, error) { return e.s.ReadInt64() },
		),
		TagFloat32: entry(
			func(e *env, v float32) error { return e.s.WriteFloat32(v) },
			func(e *env) (float32, error) { return e.s.ReadFloat32() },
		),
		TagFloat64: entry(
			func(e *env, v float64) error { return e.s.WriteFloat64(v) },
			func(e *env) (float64, error) { return e.s.ReadFloat64() },
		),
		TagString: entry(
			func(e *env, v string) error { return e.s.WriteString(v) },
			func(e *env) (string, error) { return e.s.ReadString() },
		),
		TagVector2:    entry(writeVector2, readVector2),
		TagVector3:    entry(writeVector3, readVector3),
		TagQuaternion: entry(writeQuaternion, readQuaternion),
		TagMessage: entry(
			func(e *env, v *Message) error { return e.writeMessage(v) },
			func(e *env) (*Message, error) { return e.readMessage() },
		),
		TagStream: entry(
			func(e *env, v *stream.BitStream) error { return e.s.WriteStream(v) },
			func(e *env) (*stream.BitStream, error) { return e.readStream() },
		),
	}
}

// floatBits returns the number of bits a float component of a vector takes on s.
func floatBits(s *stream.BitStream) int {
	if s.HalfPrecision {
		return 16
	}
	return 32
}

// writeFloats writes the components of a vector, all of them or none.
func writeFloats(s *stream.BitStream, fs ...float32) error {
	if !s.CanWrite(len(fs) * floatBits(s)) {
		return stream.ErrOverflow
	}
	for _, f := range fs {
		if err := s.WriteFloat(f); err != nil {
			return err
		}
	}
	return nil
}

func readFloats(s *stream.BitStream, fs ...*float32) (err error) {
	for _, f := range fs {
		if *f, err = s.ReadFloat(); err != nil {
			return
		}
	}
	return
}

func writeVector2(e *env, v Vector2) error {
	return writeFloats(e.s, v.X, v.Y)
}

func readVector2(e *env) (v Vector2, err error) {
	err = readFloats(e.s, &v.X, &v.Y)
	return
}

func writeVector3(e *env, v Vector3) error {
	return writeFloats(e.s, v.X, v.Y, v.Z)
}

func readVector3(e *env) (v Vector3, err error) {
	err = readFloats(e.s, &v.X, &v.Y, &v.Z)
	return
}

func writeQuaternion(e *env, v Quaternion) error {
	return writeFloats(e.s, v.X, v.Y, v.Z, v.W)
}

func readQuaternion(e *env) (v Quaternion, err error) {
	err = readFloats(e.s, &v.X, &v.Y, &v.Z, &v.W)
	return
}

// builtinTag returns the tag of a value of a built in type. Plain int and uint have no tag as
// their width depends on the platform.
func builtinTag(v any) (Tag, bool) {
	switch v.(type) {
	case bool:
		return TagBool, true
	case uint8:
		return TagUint8, true
	case int8:
		return TagInt8, true
	case uint16:
		return TagUint16, true
	case int16:
		return TagInt16, true
	case uint32:
		return TagUint32, true
	case int32:
		return TagInt32, true
	case uint64:
		return TagUint64, true
	case int64:
		return TagInt64, true
	case float32:
		return TagFloat32, true
	case float64:
		return TagFloat64, true
	case string:
		return TagString, true
	case Vector2:
		return TagVector2, true
	case Vector3:
		return TagVector3, true
	case Quaternion:
		return TagQuaternion, true
	case *Message:
		return TagMessage, true
	case *stream.BitStream:
		return TagStream, true
	case []bool:
		return ArrayOf(TagBool), true
	case []uint8:
		return ArrayOf(TagUint8), true
	case []int8:
		return ArrayOf(TagInt8), true
	case []uint16:
		return ArrayOf(TagUint16), true
	case []int16:
		return ArrayOf(TagInt16), true
	case []uint32:
		return ArrayOf(TagUint32), true
	case []int32:
		return ArrayOf(TagInt32), true
	case []uint64:
		return ArrayOf(TagUint64), true
	case []int64:
		return ArrayOf(TagInt64), true
	case []float32:
		return ArrayOf(TagFloat32), true
	case []float64:
		return ArrayOf(TagFloat64), true
	case []string:
		return ArrayOf(TagString), true
	case []Vector2:
		return ArrayOf(TagVector2), true
	case []Vector3:
		return ArrayOf(TagVector3), true
	case []Quaternion:
		return ArrayOf(TagQuaternion), true
	case []*Message:
		return ArrayOf(TagMessage), true
	case []*stream.BitStream:
		return ArrayOf(TagStream), true
	default:
		return TagInvalid, false
	}
}
