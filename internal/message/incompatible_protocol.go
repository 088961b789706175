package message

import (
	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/binary/byteorder"
)

// IncompatibleProtocolVersion is sent by the socket in response to the ConnectionRequest message
// if the protocol version sent by the client is not the one the socket speaks.
type IncompatibleProtocolVersion struct {
	ServerProtocol byte
	ServerGUID     int64
}

func (pk *IncompatibleProtocolVersion) ID() ID {
	return IDIncompatibleProtocolVersion
}

// Reads an incompatible protocol version message from the buffer and returns an error if
// the operation has failed
func (pk *IncompatibleProtocolVersion) Read(buf *buffer.Buffer) (err error) {
	if pk.ServerProtocol, err = buf.ReadUint8(); err != nil {
		return
	}

	if pk.ServerGUID, err = buf.ReadInt64(byteorder.BigEndian); err != nil {
		return
	}

	return
}

// Writes an incompatible protocol version message to the buffer and returns an error if the operation
// has failed
func (pk *IncompatibleProtocolVersion) Write(buf *buffer.Buffer) (err error) {
	if err = writeHeader(buf, IDIncompatibleProtocolVersion); err != nil {
		return
	}

	if err = buf.WriteUint8(pk.ServerProtocol); err != nil {
		return
	}

	if err = buf.WriteInt64(pk.ServerGUID, byteorder.BigEndian); err != nil {
		return
	}

	return
}
