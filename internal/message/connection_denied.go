package message

import (
	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/binary/byteorder"
)

// ConnectionDenied is sent by the socket when the approval hook rejects a connection request.
type ConnectionDenied struct {
	ServerGUID int64
}

func (pk *ConnectionDenied) ID() ID {
	return IDConnectionDenied
}

// Reads a connection denied message from the buffer and returns an error if the operation
// has failed
func (pk *ConnectionDenied) Read(buf *buffer.Buffer) (err error) {
	pk.ServerGUID, err = buf.ReadInt64(byteorder.BigEndian)
	return
}

// Writes a connection denied message to the buffer and returns an error if the operation
// has failed
func (pk *ConnectionDenied) Write(buf *buffer.Buffer) (err error) {
	if err = writeHeader(buf, IDConnectionDenied); err != nil {
		return
	}

	err = buf.WriteInt64(pk.ServerGUID, byteorder.BigEndian)
	return
}
