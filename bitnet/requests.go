package bitnet

import (
	"fmt"
	"time"

	"github.com/gamevidea/bitnet/codec"
	"github.com/gamevidea/bitnet/stream"
	"github.com/someonegg/gox/syncx"
)

// The command that carries the answer to a request.
const cmdRequestResponse = cmdRequirementsMet + 1 // id uint16, ok bool, result stream

var responseParams = []codec.Tag{codec.TagUint16, codec.TagBool, codec.TagStream}

// RequestFunc answers a request. The values it returns are sent back with the result tags the
// request was registered with, and an error is reported to the requester as ErrRequestFailed.
type RequestFunc func(c *Connection, m *codec.Message) ([]any, error)

// Request is a call that waits for an answer from the peer it was sent to. It completes when the
// answer arrives, when the peer fails to answer it, when it times out or when its connection is
// closed, whichever happens first.
type Request struct {
	id     uint16
	conn   *Connection
	name   string
	result []codec.Tag
	sentAt time.Time

	done   syncx.DoneChan
	values []any
	err    error
	then   []func(r *Request)
}

// Returns the id that the request is sent with.
func (r *Request) ID() uint16 {
	return r.id
}

// Returns the connection the request was sent on.
func (r *Request) Conn() *Connection {
	return r.conn
}

// Done is closed once the request has completed.
func (r *Request) Done() syncx.DoneChanR {
	return r.done.R()
}

// Result returns the values of the answer, or the reason the request failed. Streams and messages
// among the values belong to the caller.
func (r *Request) Result() ([]any, error) {
	if !r.done.R().Done() {
		return nil, ErrRequestPending
	}
	return r.values, r.err
}

// Then calls fn on the goroutine that runs the socket once the request has completed, or at once
// if it already has.
func (r *Request) Then(fn func(r *Request)) {
	if r.done.R().Done() {
		fn(r)
		return
	}
	r.then = append(r.then, fn)
}

func (r *Request) finish(values []any, err error) {
	r.values = values
	r.err = err
	r.done.SetDone()

	for _, fn := range r.then {
		fn(r)
	}
	r.then = nil
}

// requests holds the requests that are waiting for their answer, by request id.
type requests struct {
	pending map[uint16]*Request
	next    uint16
}

func newRequests() *requests {
	return &requests{pending: map[uint16]*Request{}, next: 1}
}

// allocate returns the next request id. Ids wrap around and skip zero.
func (rs *requests) allocate() (uint16, error) {
	id := rs.next
	rs.next++
	if rs.next == 0 {
		rs.next = 1
	}

	if _, ok := rs.pending[id]; ok {
		return 0, fmt.Errorf("%w: %d", ErrRequestIDInUse, id)
	}
	return id, nil
}

// take removes and returns the request id sent on c.
func (rs *requests) take(c *Connection, id uint16) (*Request, bool) {
	r, ok := rs.pending[id]
	if !ok || r.conn != c {
		return nil, false
	}
	delete(rs.pending, id)
	return r, true
}

// expire fails the requests sent before deadline.
func (rs *requests) expire(deadline time.Time) {
	for id, r := range rs.pending {
		if r.sentAt.Before(deadline) {
			delete(rs.pending, id)
			r.finish(nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, r.name, deadline.Sub(r.sentAt)))
		}
	}
}

// abort fails the requests sent on c.
func (rs *requests) abort(c *Connection, err error) {
	for id, r := range rs.pending {
		if r.conn == c {
			delete(rs.pending, id)
			r.finish(nil, err)
		}
	}
}

// RegisterRequest adds a call that is answered with values of the result tags. A peer that only
// sends the request registers it with a nil handler, so that it knows how to read the answer.
func (s *Socket) RegisterRequest(name string, params, result []codec.Tag, h RequestFunc) error {
	wire := append(params[:len(params):len(params)], codec.TagUint16)
	return s.register(name, call{params: wire, result: result, answer: h, request: true})
}

// SendRequest sends a request to c. The request id travels as the last parameter of the call.
func (s *Socket) SendRequest(c *Connection, name string, params ...any) (*Request, error) {
	cl, ok := s.calls[name]
	if ok && !cl.request {
		return nil, fmt.Errorf("%w: %q", ErrNotRequest, name)
	}
	id, known := s.symbols.ID(name)
	if !ok || !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCall, name)
	}

	rid, err := s.requests.allocate()
	if err != nil {
		return nil, err
	}

	m := s.codec.Messages.New(id, 0, true, params...)
	m.Params = append(m.Params, rid)
	defer s.codec.Messages.Release(m)

	if err := c.Send(m); err != nil {
		return nil, err
	}

	r := &Request{
		id:     rid,
		conn:   c,
		name:   name,
		result: cl.result,
		sentAt: s.clock.Now(),
		done:   syncx.NewDoneChan(),
	}
	s.requests.pending[rid] = r
	return r, nil
}

// answer runs the handler of a request received from c and sends its result back.
func (s *Socket) answer(c *Connection, m *codec.Message, name string, cl call) {
	last := len(m.Params) - 1
	rid := m.Params[last].(uint16)
	m.Params = m.Params[:last]

	var values []any
	var err error
	if cl.answer == nil {
		err = fmt.Errorf("%q has no handler", name)
	} else {
		values, err = cl.answer(c, m)
	}

	body := s.streams.Get()
	defer s.streams.Put(body)

	if err == nil {
		err = s.codec.WriteParams(body, cl.result, values)
	}
	if err != nil {
		s.log.Warn("request failed", "addr", c.addr.String(), "call", name, "request", rid, "error", err)
		body.Reset()
	}

	ok := err == nil
	if err := s.SendCommand(c, cmdRequestResponse, m.Target, true, rid, ok, body); err != nil {
		s.log.Warn("answering request", "addr", c.addr.String(), "call", name, "request", rid, "error", err)
	}
}

// resolve completes the request that an answer received from c belongs to.
func (s *Socket) resolve(c *Connection, m *codec.Message) {
	rid := m.Params[0].(uint16)
	ok := m.Params[1].(bool)
	body := m.Params[2].(*stream.BitStream)

	r, found := s.requests.take(c, rid)
	if !found {
		s.log.Debug("dropping answer without request", "addr", c.addr.String(), "request", rid)
		return
	}

	if !ok {
		r.finish(nil, fmt.Errorf("%w: %s", ErrRequestFailed, r.name))
		return
	}
	r.finish(s.codec.ReadParams(body, r.result))
}
