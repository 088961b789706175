package message

import (
	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/binary/byteorder"
)

// ConnectionAccepted is sent by the socket after accepting the connection request sent by the
// client. It is sent again if the same client repeats its request.
type ConnectionAccepted struct {
	ServerGUID       int64
	ConnectionID     uint32
	RequestTimestamp int64
}

func (pk *ConnectionAccepted) ID() ID {
	return IDConnectionAccepted
}

// Reads the connection accepted message from the buffer and returns an error if the
// operation has failed.
func (pk *ConnectionAccepted) Read(buf *buffer.Buffer) (err error) {
	if pk.ServerGUID, err = buf.ReadInt64(byteorder.BigEndian); err != nil {
		return
	}

	if pk.ConnectionID, err = buf.ReadUint32(byteorder.BigEndian); err != nil {
		return
	}

	if pk.RequestTimestamp, err = buf.ReadInt64(byteorder.BigEndian); err != nil {
		return
	}

	return
}

// Writes a connection accepted message to the underlying buffer and returns an error if
// the operation has failed
func (pk *ConnectionAccepted) Write(buf *buffer.Buffer) (err error) {
	if err = writeHeader(buf, IDConnectionAccepted); err != nil {
		return
	}

	if err = buf.WriteInt64(pk.ServerGUID, byteorder.BigEndian); err != nil {
		return
	}

	if err = buf.WriteUint32(pk.ConnectionID, byteorder.BigEndian); err != nil {
		return
	}

	if err = buf.WriteInt64(pk.RequestTimestamp, byteorder.BigEndian); err != nil {
		return
	}

	return
}
