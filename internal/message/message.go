package message

import (
	"errors"

	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/binary/byteorder"
	"github.com/gamevidea/bitnet/internal/protocol"
)

// ID represents an offline message ID. Offline messages are exchanged before a connection exists
// and are told apart from frames by the magic that follows the ID.
type ID = uint8

const (
	IDUnconnectedPing             ID = 0x01
	IDConnectionRequest           ID = 0x09
	IDConnectionAccepted          ID = 0x10
	IDDisconnectNotification      ID = 0x15
	IDConnectionDenied            ID = 0x17
	IDIncompatibleProtocolVersion ID = 0x19
	IDUnconnectedPong             ID = 0x1c
)

// This error is returned when a datagram has an ID that is not an offline message ID.
var ErrUnknownID = errors.New("message: unknown offline message id")

// Message represents an offline message. Write encodes the ID and the magic followed by the fields
// of the message, Read decodes the fields once the ID and the magic have been consumed.
type Message interface {
	ID() ID
	Read(buf *buffer.Buffer) (err error)
	Write(buf *buffer.Buffer) (err error)
}

// Returns a new message for the ID or nil if the ID is not an offline message ID.
func New(id ID) Message {
	switch id {
	case IDUnconnectedPing:
		return &UnconnectedPing{}
	case IDUnconnectedPong:
		return &UnconnectedPong{}
	case IDConnectionRequest:
		return &ConnectionRequest{}
	case IDConnectionAccepted:
		return &ConnectionAccepted{}
	case IDConnectionDenied:
		return &ConnectionDenied{}
	case IDIncompatibleProtocolVersion:
		return &IncompatibleProtocolVersion{}
	case IDDisconnectNotification:
		return &Disconnect{}
	default:
		return nil
	}
}

// Decode reads an offline message from the datagram. It returns ErrUnknownID or the error of the
// magic check for datagrams that are not offline messages.
func Decode(b []byte) (msg Message, err error) {
	buf := buffer.From(b)

	id, err := buf.ReadUint8()
	if err != nil {
		return
	}

	if msg = New(id); msg == nil {
		return nil, ErrUnknownID
	}

	if err = buf.ReadMagic(); err != nil {
		return nil, err
	}

	if err = msg.Read(buf); err != nil {
		return nil, err
	}

	return
}

// Encode writes the message into a new buffer and returns its bytes.
func Encode(msg Message) ([]byte, error) {
	buf := buffer.New(protocol.MAX_MTU_SIZE)
	if err := msg.Write(buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Writes the ID of the message followed by the magic.
func writeHeader(buf *buffer.Buffer, id ID) (err error) {
	if err = buf.WriteUint8(id); err != nil {
		return
	}

	if err = buf.WriteMagic(); err != nil {
		return
	}

	return
}

// Writes a byte slice prefixed with its length.
func writeData(buf *buffer.Buffer, data []byte) (err error) {
	if err = buf.WriteUint16(uint16(len(data)), byteorder.BigEndian); err != nil {
		return
	}

	if err = buf.Write(data); err != nil {
		return
	}

	return
}

// Reads a byte slice prefixed with its length.
func readData(buf *buffer.Buffer) (data []byte, err error) {
	n, err := buf.ReadUint16(byteorder.BigEndian)
	if err != nil {
		return
	}

	if int(n) > buf.Remaining() {
		return nil, buffer.ErrEndOfFile
	}

	data = make([]byte, n)
	if err = buf.Read(data); err != nil {
		return nil, err
	}

	return
}
