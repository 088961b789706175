package message

import (
	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/binary/byteorder"
)

// UnconnectedPong is sent by a socket in response to the UnconnectedPing message. It echoes the
// timestamp of the ping and carries the pong data configured by the application.
type UnconnectedPong struct {
	SendTimestamp int64
	ServerGUID    int64
	Data          []byte
}

func (pk *UnconnectedPong) ID() ID {
	return IDUnconnectedPong
}

// Reads unconnected pong from the underlying buffer and returns an error if the operation
// failed.
func (pk *UnconnectedPong) Read(buf *buffer.Buffer) (err error) {
	if pk.SendTimestamp, err = buf.ReadInt64(byteorder.BigEndian); err != nil {
		return
	}

	if pk.ServerGUID, err = buf.ReadInt64(byteorder.BigEndian); err != nil {
		return
	}

	if pk.Data, err = readData(buf); err != nil {
		return
	}

	return
}

// Writes an Unconnected Pong message to the underlying buffer and returns an error if the operation
// failed.
func (pk *UnconnectedPong) Write(buf *buffer.Buffer) (err error) {
	if err = writeHeader(buf, IDUnconnectedPong); err != nil {
		return
	}

	if err = buf.WriteInt64(pk.SendTimestamp, byteorder.BigEndian); err != nil {
		return
	}

	if err = buf.WriteInt64(pk.ServerGUID, byteorder.BigEndian); err != nil {
		return
	}

	if err = writeData(buf, pk.Data); err != nil {
		return
	}

	return
}
