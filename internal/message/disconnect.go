package message

import (
	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/binary/byteorder"
)

// Disconnect can be used to close a connection. It can be sent by either the client or the
// server, and is sent in reply to frames from an address that has no connection.
type Disconnect struct {
	GUID int64
}

func (pk *Disconnect) ID() ID {
	return IDDisconnectNotification
}

// Reads a disconnect message from the buffer and returns an error if the operation
// has failed
func (pk *Disconnect) Read(buf *buffer.Buffer) (err error) {
	pk.GUID, err = buf.ReadInt64(byteorder.BigEndian)
	return
}

// Writes a disconnect message to the buffer and returns an error if the operation
// has failed
func (pk *Disconnect) Write(buf *buffer.Buffer) (err error) {
	if err = writeHeader(buf, IDDisconnectNotification); err != nil {
		return
	}

	err = buf.WriteInt64(pk.GUID, byteorder.BigEndian)
	return
}
