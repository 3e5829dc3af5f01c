package sensorhub

import (
	"sync"

	"github.com/sagernet/sing/common/logger"
	"github.com/sagernet/sing/common/x/list"
)

// StreamDescription identifies a stream by its (type, subtype) pair
// (§3).
type StreamDescription struct {
	Type    uint32
	Subtype uint32
}

// StreamCallbacks is the plugin-supplied side of a Stream: the host
// routes consumer requests to these (§4.2).
type StreamCallbacks struct {
	OnSetParameter func(id uint32, value []byte) Status
	OnGetParameter func(id uint32) (value []byte, deferred bool)
	OnInvoke       func(cmd uint32, in []byte) (value []byte, deferred bool)
}

// pendingToken is an outstanding get_parameter/invoke call awaiting
// completion via PluginService.CompleteResult.
type pendingToken struct {
	bytes []byte
	ready bool
}

// Stream is the producer-side object: one FrameBin, the set of
// connections consuming it, and the plugin callback table routing
// commands. Grounded on the teacher's per-id stream object referenced
// throughout session.go (streams map[uint32]*stream), generalized from
// byte-stream window bookkeeping to frame-bin bookkeeping.
type Stream struct {
	desc      StreamDescription
	bin       *FrameBin
	callbacks StreamCallbacks
	log       logger.Logger

	mu          sync.Mutex
	placeholder bool
	connections *list.List[*StreamConnection]
}

func newStream(desc StreamDescription, slots, slotLen int, log logger.Logger) *Stream {
	return &Stream{
		desc:        desc,
		bin:         NewFrameBin(slots, slotLen),
		log:         log,
		placeholder: true,
		connections: list.New[*StreamConnection](),
	}
}

// Description returns the stream's (type, subtype).
func (s *Stream) Description() StreamDescription {
	return s.desc
}

// upgrade installs callbacks on a placeholder stream, promoting it to an
// active producer without disturbing any existing connection (§4.4,
// "placeholder promotion").
func (s *Stream) upgrade(callbacks StreamCallbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = callbacks
	s.placeholder = false
}

func (s *Stream) isPlaceholder() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placeholder
}

// attach registers a connection against this stream, auto-starting it
// per §4.3 ("newly added connections are automatically started").
func (s *Stream) attach(c *StreamConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.element = s.connections.PushBack(c)
	c.started = true
}

// detach removes a connection from this stream's set. A connection never
// outlives its stream, but a stream outlives a stopped connection, so
// this is also used when the connection itself is destroyed.
func (s *Stream) detach(c *StreamConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.element != nil {
		s.connections.Remove(c.element)
		c.element = nil
	}
}

// PublishFrame performs begin_write -> fill -> end_write and notifies
// every started connection that a new frame is ready (§4.2, §5:
// publish-then-notify).
func (s *Stream) PublishFrame(payload, metadata []byte) (uint64, error) {
	slot, err := s.bin.BeginWrite()
	if err != nil {
		return 0, err
	}
	s.bin.Fill(slot, payload, metadata)
	seq := s.bin.EndWrite(slot)

	s.mu.Lock()
	snapshot := make([]*StreamConnection, 0, s.connections.Len())
	for e := s.connections.Front(); e != nil; e = e.Next() {
		snapshot = append(snapshot, e.Value)
	}
	s.mu.Unlock()

	for _, c := range snapshot {
		c.onPublished(seq)
	}
	return seq, nil
}

// CompleteGetParameter deposits result bytes for a prior deferred
// get_parameter call into the originating connection's inbox (§4.2).
func (s *Stream) CompleteGetParameter(conn *StreamConnection, token uint64, bytes []byte) {
	conn.completeToken(token, bytes)
}

// CompleteInvoke deposits result bytes for a prior deferred invoke call.
func (s *Stream) CompleteInvoke(conn *StreamConnection, token uint64, bytes []byte) {
	conn.completeToken(token, bytes)
}

// StreamConnection is the consumer-side view of a Stream: start/stop
// state, the last sequence delivered to the owning Reader, and a
// command-response inbox keyed by token (§3).
type StreamConnection struct {
	stream *Stream

	mu           sync.Mutex
	started      bool
	lastDelivered uint64
	hasNew       bool
	nextToken    uint64
	pending      map[uint64]*pendingToken

	element *list.Element[*StreamConnection]

	onFrameReady func(seq uint64) // set by the owning Reader
}

func newStreamConnection(stream *Stream) *StreamConnection {
	return &StreamConnection{
		stream:  stream,
		pending: make(map[uint64]*pendingToken),
	}
}

// Stream returns the stream this connection views.
func (c *StreamConnection) Stream() *Stream { return c.stream }

// Start begins delivering frame-ready notifications. Idempotent (§4.2).
func (c *StreamConnection) Start() {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
}

// Stop halts frame-ready notifications without destroying the
// connection (§4.2). The source's apparent bug — stream_stop calling
// start() — is not reproduced; this actually stops (§9 open question).
func (c *StreamConnection) Stop() {
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
}

func (c *StreamConnection) onPublished(seq uint64) {
	c.mu.Lock()
	started := c.started
	if started {
		c.hasNew = true
	}
	notify := c.onFrameReady
	c.mu.Unlock()

	if started && notify != nil {
		notify(seq)
	}
}

// SetParameter forwards synchronously to the plugin (§4.2).
func (c *StreamConnection) SetParameter(id uint32, value []byte) Status {
	c.stream.mu.Lock()
	cb := c.stream.callbacks.OnSetParameter
	c.stream.mu.Unlock()
	if cb == nil {
		return StatusInvalidOperation
	}
	return cb(id, value)
}

// GetParameter asks the plugin for a parameter's value. If the plugin
// answers synchronously, byteLength > 0 and the token is already
// resolvable; otherwise the token stays open until CompleteGetParameter
// is called (§4.2).
func (c *StreamConnection) GetParameter(id uint32) (byteLength int, token uint64) {
	c.stream.mu.Lock()
	cb := c.stream.callbacks.OnGetParameter
	c.stream.mu.Unlock()
	if cb == nil {
		return 0, 0
	}
	value, deferred := cb(id)
	token = c.newToken()
	if deferred {
		return 0, token
	}
	c.completeToken(token, value)
	return len(value), token
}

// Invoke issues a command to the plugin; same synchronous-or-deferred
// contract as GetParameter (§4.2).
func (c *StreamConnection) Invoke(cmd uint32, in []byte) (byteLength int, token uint64) {
	c.stream.mu.Lock()
	cb := c.stream.callbacks.OnInvoke
	c.stream.mu.Unlock()
	if cb == nil {
		return 0, 0
	}
	value, deferred := cb(cmd, in)
	token = c.newToken()
	if deferred {
		return 0, token
	}
	c.completeToken(token, value)
	return len(value), token
}

// GetResult copies a completed token's bytes into dst. Returns
// InvalidOperation for an unknown or not-yet-ready token (§4.2).
func (c *StreamConnection) GetResult(token uint64, dst []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[token]
	if !ok || !p.ready {
		return 0, newStatus(StatusInvalidOperation, "unknown or unready token")
	}
	n := copy(dst, p.bytes)
	delete(c.pending, token)
	return n, nil
}

func (c *StreamConnection) newToken() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextToken++
	t := c.nextToken
	c.pending[t] = &pendingToken{}
	return t
}

func (c *StreamConnection) completeToken(token uint64, bytes []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[token]
	if !ok {
		// Token unknown (connection destroyed and recreated, or plugin
		// misbehaving): per §4.2 this is discarded silently.
		return
	}
	p.bytes = bytes
	p.ready = true
}

// destroy discards any outstanding tokens silently (§4.2 edge case) and
// detaches from the stream.
func (c *StreamConnection) destroy() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
	c.stream.detach(c)
}
