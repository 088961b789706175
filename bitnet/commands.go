package bitnet

import (
	"fmt"

	"github.com/gamevidea/bitnet/codec"
	"github.com/gamevidea/bitnet/internal/protocol"
)

// HandlerFunc handles a message received on a connection. The message and its parameters are only
// valid until the function returns.
type HandlerFunc func(c *Connection, m *codec.Message)

// This is the first command id reserved for the symbol negotiation and the answers to requests.
// Applications register their commands below it.
const reservedCommandBase uint16 = 2040

type command struct {
	params []codec.Tag
	handle HandlerFunc
}

// commands holds the handlers of the messages with ids fixed at build time. Their ids lie in
// [1800, 2048) and are never negotiated.
type commands struct {
	entries map[uint16]command
}

func newCommands() *commands {
	return &commands{entries: map[uint16]command{}}
}

func (cs *commands) register(id uint16, params []codec.Tag, h HandlerFunc) error {
	if id < protocol.COMMAND_ID_BASE || id > protocol.MAX_MESSAGE_ID {
		return fmt.Errorf("%w: %d", ErrCommandRange, id)
	}
	if _, ok := cs.entries[id]; ok {
		return fmt.Errorf("%w: command %d", ErrDuplicate, id)
	}

	cs.entries[id] = command{params: params, handle: h}
	return nil
}

func (cs *commands) lookup(id uint16) (command, bool) {
	cmd, ok := cs.entries[id]
	return cmd, ok
}

// isCommand reports whether id belongs to the ids fixed at build time.
func isCommand(id uint16) bool {
	return id >= protocol.COMMAND_ID_BASE
}
