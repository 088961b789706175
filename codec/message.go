package codec

import (
	"sync"

	"github.com/gamevidea/bitnet/stream"
)

// Message is the unit of application data: an id, an optional target and the parameters of the
// call. A target of zero means the message has none.
type Message struct {
	ID       uint16
	Target   uint32
	Params   []any
	Reliable bool
}

// MessagePool hands out messages so that decoding does not allocate one per message. Put gives
// back a message together with the streams and messages held by its parameters, as decoded
// messages own those. Release gives back only the message, for messages whose parameters belong
// to someone else.
type MessagePool struct {
	streams *stream.Pool
	pool    sync.Pool
}

func NewMessagePool(streams *stream.Pool) *MessagePool {
	p := &MessagePool{streams: streams}
	p.pool.New = func() any {
		return &Message{Params: make([]any, 0, 8)}
	}
	return p
}

// Get takes an empty message from the pool.
func (p *MessagePool) Get() *Message {
	return p.pool.Get().(*Message)
}

// New takes a message from the pool and fills it.
func (p *MessagePool) New(id uint16, target uint32, reliable bool, params ...any) *Message {
	m := p.Get()
	m.ID = id
	m.Target = target
	m.Reliable = reliable
	m.Params = append(m.Params, params...)
	return m
}

// Put clears the message and gives it back to the pool along with everything its parameters own.
func (p *MessagePool) Put(m *Message) {
	if m == nil {
		return
	}

	p.PutParams(m.Params)
	p.Release(m)
}

// Release clears the message and gives it back to the pool. Its parameters are left alone.
func (p *MessagePool) Release(m *Message) {
	if m == nil {
		return
	}

	clear(m.Params)
	*m = Message{Params: m.Params[:0]}
	p.pool.Put(m)
}

// PutParams gives back the streams and messages held by params.
func (p *MessagePool) PutParams(params []any) {
	for _, v := range params {
		switch v := v.(type) {
		case *stream.BitStream:
			p.streams.Put(v)
		case []*stream.BitStream:
			for _, s := range v {
				p.streams.Put(s)
			}
		case *Message:
			p.Put(v)
		case []*Message:
			for _, n := range v {
				p.Put(n)
			}
		}
	}
}
