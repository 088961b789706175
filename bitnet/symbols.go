package bitnet

import (
	"context"
	"log/slog"
	"slices"

	"github.com/gamevidea/bitnet/codec"
	"github.com/gamevidea/bitnet/internal/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Commands of the symbol negotiation.
const (
	cmdSymbolCount        uint16 = reservedCommandBase + iota // count uint16
	cmdAssignmentRequest                                      // name string
	cmdAssignmentResponse                                     // id uint16, name string
	cmdRemoteAssignment                                       // id uint16, name string
	cmdRequirementsMet
)

// SymbolState is the negotiation state of a symbol table.
type SymbolState uint8

const (
	// SymbolsIdle is the state of a table that has not heard from the authority yet.
	SymbolsIdle SymbolState = iota

	// SymbolsAwaiting is the state of a table waiting for assignments from its upstream peer.
	SymbolsAwaiting

	// SymbolsReady is the state of a table that has an id for every locally registered call.
	SymbolsReady
)

func (s SymbolState) String() string {
	switch s {
	case SymbolsIdle:
		return "idle"
	case SymbolsAwaiting:
		return "awaiting"
	default:
		return "ready"
	}
}

// symbolHost is the part of the socket the symbol table talks to its peers through.
type symbolHost interface {
	sendCommand(c *Connection, id uint16, params ...any) error
	connections() []*Connection
	symbolsReady(c *Connection)
}

type withheldRequest struct {
	conn *Connection
	name string
}

// SymbolTable maps the names of remote calls to the compact ids they are sent with. The authority
// owns the canonical table and assigns the ids. Every other peer first receives the table from its
// upstream peer, then requests an id for each call it knows that is missing from it. A peer that
// is not the authority but has peers of its own forwards the requests it cannot answer upstream
// and holds back its answers until every request it forwarded has been answered.
type SymbolTable struct {
	host      symbolHost
	authority bool
	log       *slog.Logger
	tracer    trace.Tracer

	local map[string]struct{}
	ids   map[string]uint16
	names map[uint16]string
	next  uint16

	state    SymbolState
	pending  int
	syncing  bool
	upstream *Connection
	withheld []withheldRequest

	// Incoming connections that arrived before the table was ready.
	waiting []*Connection

	span trace.Span
}

func newSymbolTable(host symbolHost, authority bool, log *slog.Logger, tracer trace.Tracer) *SymbolTable {
	return &SymbolTable{
		host:      host,
		authority: authority,
		log:       log.With("component", "symbols"),
		tracer:    tracer,
		local:     map[string]struct{}{},
		ids:       map[string]uint16{},
		names:     map[uint16]string{},
		next:      1,
	}
}

// Returns the negotiation state and the number of answers still expected from upstream.
func (t *SymbolTable) State() (SymbolState, int) {
	return t.state, t.pending
}

// Returns the id assigned to name.
func (t *SymbolTable) ID(name string) (uint16, bool) {
	id, ok := t.ids[name]
	return id, ok
}

// Returns the name that id is assigned to.
func (t *SymbolTable) Name(id uint16) (string, bool) {
	name, ok := t.names[id]
	return name, ok
}

// Returns the number of assigned ids.
func (t *SymbolTable) Len() int {
	return len(t.ids)
}

// Mapping returns a copy of the table.
func (t *SymbolTable) Mapping() map[string]uint16 {
	m := make(map[string]uint16, len(t.ids))
	for name, id := range t.ids {
		m[name] = id
	}
	return m
}

// add registers a call known to this peer. An authority assigns it an id at once, a peer that
// is ready requests one.
func (t *SymbolTable) add(name string) {
	if _, ok := t.local[name]; ok {
		return
	}
	t.local[name] = struct{}{}

	switch {
	case t.authority && t.state == SymbolsReady:
		if id, ok := t.mint(name); ok {
			t.broadcast(nil, id, name)
		}
	case !t.authority && t.state == SymbolsReady && t.upstream != nil:
		if _, ok := t.ids[name]; !ok {
			t.request(name)
		}
	}
}

// start assigns ids to the calls of an authority and makes its table ready.
func (t *SymbolTable) start() {
	if !t.authority || t.state == SymbolsReady {
		return
	}

	for _, name := range sortedNames(t.local) {
		t.mint(name)
	}
	t.state = SymbolsReady
	t.log.Debug("symbol table ready", "symbols", len(t.ids))
}

// mint returns the id of name, assigning the lowest free id if it has none.
func (t *SymbolTable) mint(name string) (uint16, bool) {
	if id, ok := t.ids[name]; ok {
		return id, true
	}

	for ; t.next < protocol.COMMAND_ID_BASE; t.next++ {
		if _, used := t.names[t.next]; !used {
			id := t.next
			t.next++
			t.ids[name] = id
			t.names[id] = name
			return id, true
		}
	}

	t.log.Error("no call id left", "name", name, "error", ErrSymbolsExhausted)
	return 0, false
}

// record stores an assignment received from a peer and reports whether it was new. An assignment
// that conflicts with the table is ignored.
func (t *SymbolTable) record(id uint16, name string) bool {
	if id == 0 || id >= protocol.COMMAND_ID_BASE {
		t.log.Warn("ignoring assignment out of range", "id", id, "name", name)
		return false
	}

	known, hasName := t.ids[name]
	owner, hasID := t.names[id]
	switch {
	case hasName && known == id:
		return false
	case hasName || hasID:
		t.log.Warn("ignoring conflicting assignment", "id", id, "name", name, "known_id", known, "owner", owner)
		return false
	}

	t.ids[name] = id
	t.names[id] = name
	return true
}

// connected is called when a connection has been established.
func (t *SymbolTable) connected(c *Connection) {
	if !c.Incoming() {
		t.upstream = c
		_, t.span = t.tracer.Start(context.Background(), "bitnet.symbols.negotiate",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("bitnet.peer", c.Addr().String()),
				attribute.Int("bitnet.symbols.local", len(t.local)),
			),
		)
		return
	}

	if t.state != SymbolsReady {
		t.waiting = append(t.waiting, c)
		return
	}
	t.sync(c)
}

// disconnected is called when a connection has been closed.
func (t *SymbolTable) disconnected(c *Connection) {
	t.waiting = slices.DeleteFunc(t.waiting, func(w *Connection) bool { return w == c })
	t.withheld = slices.DeleteFunc(t.withheld, func(w withheldRequest) bool { return w.conn == c })

	if c == t.upstream {
		t.upstream = nil
		if t.state != SymbolsReady {
			t.endSpan(c.Err())
		}
	}
}

// sync sends the whole table to a peer that connected to this one.
func (t *SymbolTable) sync(c *Connection) {
	ids := make([]uint16, 0, len(t.names))
	for id := range t.names {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	t.host.sendCommand(c, cmdSymbolCount, uint16(len(ids)))
	for _, id := range ids {
		t.host.sendCommand(c, cmdRemoteAssignment, id, t.names[id])
	}
}

// handle processes a negotiation command. It reports false for any other message.
func (t *SymbolTable) handle(c *Connection, m *codec.Message) bool {
	switch m.ID {
	case cmdSymbolCount:
		t.onSymbolCount(c, int(m.Params[0].(uint16)))
	case cmdRemoteAssignment:
		t.onRemoteAssignment(c, m.Params[0].(uint16), m.Params[1].(string))
	case cmdAssignmentRequest:
		t.onAssignmentRequest(c, m.Params[0].(string))
	case cmdAssignmentResponse:
		t.onAssignmentResponse(c, m.Params[0].(uint16), m.Params[1].(string))
	case cmdRequirementsMet:
		if c.Incoming() {
			t.host.symbolsReady(c)
		}
	default:
		return false
	}
	return true
}

func (t *SymbolTable) onSymbolCount(c *Connection, n int) {
	if c != t.upstream || t.state == SymbolsReady {
		return
	}

	t.state = SymbolsAwaiting
	t.syncing = true
	t.pending = n
	if n == 0 {
		t.requestMissing()
	}
}

func (t *SymbolTable) onRemoteAssignment(c *Connection, id uint16, name string) {
	if c != t.upstream {
		t.log.Warn("ignoring assignment from downstream peer", "addr", c.Addr().String(), "name", name)
		return
	}

	if t.record(id, name) {
		t.broadcast(nil, id, name)
	}

	if t.syncing {
		t.pending--
		if t.pending <= 0 {
			t.requestMissing()
		}
	}
}

func (t *SymbolTable) onAssignmentRequest(c *Connection, name string) {
	if !c.Incoming() {
		return
	}

	if id, ok := t.ids[name]; ok {
		t.host.sendCommand(c, cmdAssignmentResponse, id, name)
		return
	}

	if t.authority {
		id, ok := t.mint(name)
		if !ok {
			return
		}
		t.broadcast(c, id, name)
		t.host.sendCommand(c, cmdAssignmentResponse, id, name)
		return
	}

	if t.upstream == nil {
		t.log.Warn("cannot resolve call without upstream peer", "name", name)
		return
	}

	forwarded := slices.ContainsFunc(t.withheld, func(w withheldRequest) bool { return w.name == name })
	t.withheld = append(t.withheld, withheldRequest{conn: c, name: name})
	if !forwarded {
		t.request(name)
	}
}

func (t *SymbolTable) onAssignmentResponse(c *Connection, id uint16, name string) {
	if c != t.upstream {
		return
	}

	if t.record(id, name) {
		t.broadcast(nil, id, name, t.requesters(name)...)
	}

	if t.pending > 0 {
		t.pending--
	}
	if t.pending > 0 {
		return
	}

	if t.state != SymbolsReady {
		t.ready()
	}
	t.answerWithheld()
}

// request asks upstream for the id of name.
func (t *SymbolTable) request(name string) {
	t.pending++
	t.host.sendCommand(t.upstream, cmdAssignmentRequest, name)
}

// requestMissing ends the sync phase and requests an id for every local call the table lacks.
func (t *SymbolTable) requestMissing() {
	t.syncing = false
	t.pending = 0

	for _, name := range sortedNames(t.local) {
		if _, ok := t.ids[name]; !ok {
			t.request(name)
		}
	}

	if t.span != nil {
		t.span.AddEvent("synced", trace.WithAttributes(
			attribute.Int("bitnet.symbols.known", len(t.ids)),
			attribute.Int("bitnet.symbols.requested", t.pending),
		))
	}

	if t.pending == 0 {
		t.ready()
	}
}

// ready marks the table as ready and tells upstream that every local call has an id.
func (t *SymbolTable) ready() {
	t.state = SymbolsReady
	t.log.Debug("symbol table ready", "symbols", len(t.ids))

	for _, c := range t.waiting {
		if c.State() == Connected {
			t.sync(c)
		}
	}
	t.waiting = nil

	t.endSpan(nil)

	if t.upstream != nil {
		t.host.sendCommand(t.upstream, cmdRequirementsMet)
		t.host.symbolsReady(t.upstream)
	}
}

// answerWithheld answers the requests forwarded upstream once all of them have been answered.
func (t *SymbolTable) answerWithheld() {
	withheld := t.withheld
	t.withheld = nil

	for _, w := range withheld {
		if id, ok := t.ids[w.name]; ok {
			t.host.sendCommand(w.conn, cmdAssignmentResponse, id, w.name)
		} else {
			t.log.Warn("call left without id", "name", w.name)
		}
	}
}

// Returns the connections waiting for an answer about name.
func (t *SymbolTable) requesters(name string) []*Connection {
	var conns []*Connection
	for _, w := range t.withheld {
		if w.name == name {
			conns = append(conns, w.conn)
		}
	}
	return conns
}

// broadcast sends an assignment to every connected downstream peer but the excluded ones.
func (t *SymbolTable) broadcast(except *Connection, id uint16, name string, more ...*Connection) {
	for _, c := range t.host.connections() {
		if !c.Incoming() || c == except || slices.Contains(more, c) || slices.Contains(t.waiting, c) {
			continue
		}
		t.host.sendCommand(c, cmdRemoteAssignment, id, name)
	}
}

func (t *SymbolTable) endSpan(err error) {
	if t.span == nil {
		return
	}

	t.span.SetAttributes(attribute.Int("bitnet.symbols.count", len(t.ids)))
	if err != nil {
		t.span.RecordError(err)
		t.span.SetStatus(codes.Error, err.Error())
	} else {
		t.span.SetStatus(codes.Ok, "")
	}
	t.span.End()
	t.span = nil
}

func sortedNames(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// symbolSchemas holds the parameters of the negotiation commands.
var symbolSchemas = map[uint16][]codec.Tag{
	cmdSymbolCount:        {codec.TagUint16},
	cmdAssignmentRequest:  {codec.TagString},
	cmdAssignmentResponse: {codec.TagUint16, codec.TagString},
	cmdRemoteAssignment:   {codec.TagUint16, codec.TagString},
	cmdRequirementsMet:    {},
}
