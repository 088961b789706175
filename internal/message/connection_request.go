package message

import (
	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/binary/byteorder"
)

// ConnectionRequest is sent by the client to request a connection. It is sent again until the
// socket answers it or the attempt times out.
type ConnectionRequest struct {
	ClientGUID       int64
	RequestTimestamp int64
	Protocol         byte

	// Approval is handed to the approval hook of the socket, which decides whether the
	// connection is accepted.
	Approval []byte
}

func (pk *ConnectionRequest) ID() ID {
	return IDConnectionRequest
}

// Reads a connection request message from the buffer and returns an error if the operation
// has failed
func (pk *ConnectionRequest) Read(buf *buffer.Buffer) (err error) {
	if pk.ClientGUID, err = buf.ReadInt64(byteorder.BigEndian); err != nil {
		return
	}

	if pk.RequestTimestamp, err = buf.ReadInt64(byteorder.BigEndian); err != nil {
		return
	}

	if pk.Protocol, err = buf.ReadUint8(); err != nil {
		return
	}

	if pk.Approval, err = readData(buf); err != nil {
		return
	}

	return
}

// Writes a connection request message to the buffer and returns an error if the operation
// has failed
func (pk *ConnectionRequest) Write(buf *buffer.Buffer) (err error) {
	if err = writeHeader(buf, IDConnectionRequest); err != nil {
		return
	}

	if err = buf.WriteInt64(pk.ClientGUID, byteorder.BigEndian); err != nil {
		return
	}

	if err = buf.WriteInt64(pk.RequestTimestamp, byteorder.BigEndian); err != nil {
		return
	}

	if err = buf.WriteUint8(pk.Protocol); err != nil {
		return
	}

	if err = writeData(buf, pk.Approval); err != nil {
		return
	}

	return
}
