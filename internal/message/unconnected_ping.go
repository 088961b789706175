package message

import (
	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/binary/byteorder"
)

// UnconnectedPing is sent by a client to discover a socket and query its pong data without
// connecting to it.
type UnconnectedPing struct {
	SendTimestamp int64
	ClientGUID    int64
}

func (pk *UnconnectedPing) ID() ID {
	return IDUnconnectedPing
}

// Reads an unconnected ping message from the buffer and returns an error if the operation
// failed.
func (pk *UnconnectedPing) Read(buf *buffer.Buffer) (err error) {
	if pk.SendTimestamp, err = buf.ReadInt64(byteorder.BigEndian); err != nil {
		return
	}

	if pk.ClientGUID, err = buf.ReadInt64(byteorder.BigEndian); err != nil {
		return
	}

	return
}

// Writes an unconnected ping message into the buffer and returns an error if the operation
// failed.
func (pk *UnconnectedPing) Write(buf *buffer.Buffer) (err error) {
	if err = writeHeader(buf, IDUnconnectedPing); err != nil {
		return
	}

	if err = buf.WriteInt64(pk.SendTimestamp, byteorder.BigEndian); err != nil {
		return
	}

	if err = buf.WriteInt64(pk.ClientGUID, byteorder.BigEndian); err != nil {
		return
	}

	return
}
