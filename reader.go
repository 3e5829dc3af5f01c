package sensorhub

import (
	"sync"
	"time"

	"github.com/sagernet/sing/common/x/list"
)

// SubFrame is one connection's contribution to a composite FrameHandle:
// the payload/metadata snapshot pinned at lock time, plus the sequence
// number it carries.
type SubFrame struct {
	Description StreamDescription
	Sequence    uint64
	Payload     []byte
	Metadata    []byte

	slot int
	conn *StreamConnection
}

// FrameHandle is the composite snapshot returned by StreamReader.Lock:
// one internally-consistent view across every connection that has ever
// published, as of the moment of the snapshot (§4.3).
type FrameHandle struct {
	reader *StreamReader
	subs   map[StreamDescription]*SubFrame
}

// Get returns the sub-frame for desc, or (nil, false) if that connection
// has never published.
func (f *FrameHandle) Get(desc StreamDescription) (*SubFrame, bool) {
	s, ok := f.subs[desc]
	return s, ok
}

type readerCallback struct {
	id  uint64
	fn  func(desc StreamDescription, seq uint64, tag any)
	tag any
}

// StreamReader groups connections for one client and provides an atomic
// multi-stream lock with timeout (§4.3). Grounded on the teacher's
// AcceptStream deadline handling (session.go), generalized from "wait
// for one stream to open" to "wait for any of N connections to have a
// new frame", and from a single die channel to a per-reader wake
// broadcast.
type StreamReader struct {
	catalog *SetCatalog
	set     *StreamSet

	mu        sync.Mutex
	byDesc    map[StreamDescription]*StreamConnection
	order     []*StreamConnection
	wake      *sync.Cond
	shutdown  bool
	nextCbID  uint64
	callbacks *list.List[*readerCallback]
	cbByID    map[uint64]*list.Element[*readerCallback]
}

func newStreamReader(catalog *SetCatalog, set *StreamSet) *StreamReader {
	r := &StreamReader{
		catalog:   catalog,
		set:       set,
		byDesc:    make(map[StreamDescription]*StreamConnection),
		callbacks: list.New[*readerCallback](),
		cbByID:    make(map[uint64]*list.Element[*readerCallback]),
	}
	r.wake = sync.NewCond(&r.mu)
	return r
}

// GetStream returns the connection for desc against the set this reader
// was created over, creating it (possibly as a placeholder) on first
// call (§4.3). Subsequent calls return the same object.
func (r *StreamReader) GetStream(desc StreamDescription) *StreamConnection {
	r.mu.Lock()
	if c, ok := r.byDesc[desc]; ok {
		r.mu.Unlock()
		return c
	}
	r.mu.Unlock()

	stream := r.set.resolveOrPlaceholder(desc)
	conn := newStreamConnection(stream)
	stream.attach(conn)
	conn.onFrameReady = func(seq uint64) { r.onConnectionFrameReady(conn, desc, seq) }

	r.mu.Lock()
	r.byDesc[desc] = conn
	r.order = append(r.order, conn)
	r.mu.Unlock()
	return conn
}

// onConnectionFrameReady runs synchronously inside the caller's call to
// Stream.PublishFrame -> StreamConnection.onPublished, on whatever
// goroutine published. Each publish to a started connection invokes every
// registered callback once with that publish's sequence number; callbacks
// are not coalesced, and nothing in this package enforces a single
// producer per Stream, so overlapping publishes run their callbacks
// concurrently. TestReaderConcurrentPublishDoesNotRaceOrDeadlock drives
// concurrent PublishFrame calls (including two goroutines racing on one
// Stream) through a slow callback to confirm dispatch is race-free,
// every publish's callback eventually runs, and Lock/Unlock stays
// correct regardless of how dispatch interleaves.
func (r *StreamReader) onConnectionFrameReady(conn *StreamConnection, desc StreamDescription, seq uint64) {
	r.mu.Lock()
	r.wake.Broadcast()
	r.mu.Unlock()

	// Dispatch happens in the publisher's context (§4.3): callbacks are
	// invoked here, snapshotting the list under lock then releasing it,
	// so a callback may re-register/unregister without deadlocking
	// (§9 "callback re-entrance").
	r.mu.Lock()
	snapshot := make([]*readerCallback, 0, r.callbacks.Len())
	for e := r.callbacks.Front(); e != nil; e = e.Next() {
		snapshot = append(snapshot, e.Value)
	}
	r.mu.Unlock()

	for _, cb := range snapshot {
		cb.fn(desc, seq, cb.tag)
	}
}

// Lock waits per the timeout contract in §4.3 and, on success, snapshots
// the ready slot of every started connection whose stream has ever
// published.
func (r *StreamReader) Lock(timeoutMs int) (*FrameHandle, error) {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil, newStatus(StatusShutdown, "reader shut down")
	}

	deadline, hasDeadline := deadlineFor(timeoutMs)
	var timedOut bool
	for !r.hasAnyNew() {
		if timeoutMs == 0 {
			r.mu.Unlock()
			return nil, newStatus(StatusTimeout, "no new frame ready")
		}
		if r.shutdown {
			r.mu.Unlock()
			return nil, newStatus(StatusShutdown, "reader shut down")
		}
		if !hasDeadline {
			r.wake.Wait()
			continue
		}
		if timedOut = !r.waitUntil(deadline); timedOut {
			break
		}
	}
	if timedOut && !r.hasAnyNew() {
		r.mu.Unlock()
		return nil, newStatus(StatusTimeout, "lock timed out")
	}

	handle := &FrameHandle{reader: r, subs: make(map[StreamDescription]*SubFrame)}
	for desc, conn := range r.byDesc {
		conn.mu.Lock()
		started := conn.started
		conn.hasNew = false
		conn.mu.Unlock()
		if !started {
			continue
		}
		slot, seq, payload, metadata, ok := conn.stream.bin.AcquireRead()
		if !ok {
			continue
		}
		handle.subs[desc] = &SubFrame{
			Description: desc,
			Sequence:    seq,
			Payload:     payload,
			Metadata:    metadata,
			slot:        slot,
			conn:        conn,
		}
		conn.mu.Lock()
		conn.lastDelivered = seq
		conn.mu.Unlock()
	}
	r.mu.Unlock()
	return handle, nil
}

// Unlock releases every pin acquired by a successful Lock. Must be
// called exactly once per successful Lock (§4.3 invariant).
func (r *StreamReader) Unlock(handle *FrameHandle) {
	if handle == nil {
		return
	}
	for _, sub := range handle.subs {
		sub.conn.stream.bin.ReleaseRead(sub.slot)
	}
}

func (r *StreamReader) hasAnyNew() bool {
	for _, c := range r.order {
		c.mu.Lock()
		has := c.started && c.hasNew
		c.mu.Unlock()
		if has {
			return true
		}
	}
	return false
}

// waitUntil blocks on the reader's condition until woken or deadline
// passes, returning false on timeout. sync.Cond has no deadline-aware
// Wait, so a watcher goroutine broadcasts once the deadline elapses,
// following the teacher's timer-as-a-channel idiom (session.go
// AcceptStream) adapted to a condvar instead of a channel select.
func (r *StreamReader) waitUntil(deadline time.Time) bool {
	timer := time.AfterFunc(time.Until(deadline), func() {
		r.mu.Lock()
		r.wake.Broadcast()
		r.mu.Unlock()
	})
	defer timer.Stop()

	r.wake.Wait()
	return time.Now().Before(deadline)
}

func deadlineFor(timeoutMs int) (time.Time, bool) {
	if timeoutMs <= 0 {
		return time.Time{}, false
	}
	return time.Now().Add(time.Duration(timeoutMs) * time.Millisecond), true
}

// RegisterFrameReadyCallback installs fn, invoked after each publication
// affecting any of this reader's connections (§4.3).
func (r *StreamReader) RegisterFrameReadyCallback(fn func(desc StreamDescription, seq uint64, tag any), tag any) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextCbID++
	id := r.nextCbID
	cb := &readerCallback{id: id, fn: fn, tag: tag}
	r.cbByID[id] = r.callbacks.PushBack(cb)
	return id
}

// UnregisterFrameReadyCallback removes a previously registered callback.
// Idempotent: removing an already-removed id is a no-op (§4.3).
func (r *StreamReader) UnregisterFrameReadyCallback(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.cbByID[id]; ok {
		r.callbacks.Remove(e)
		delete(r.cbByID, id)
	}
}

// triggerShutdown wakes every blocked Lock with Status Shutdown (§5
// cancellation model: Context termination drains waiters).
func (r *StreamReader) triggerShutdown() {
	r.mu.Lock()
	r.shutdown = true
	r.wake.Broadcast()
	r.mu.Unlock()
}

// connectionsSnapshot returns every connection this reader has ever
// handed out via GetStream, used by Context to invalidate their handles
// on ReaderDestroy.
func (r *StreamReader) connectionsSnapshot() []*StreamConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*StreamConnection(nil), r.order...)
}

// destroy detaches every connection this reader created.
func (r *StreamReader) destroy() {
	r.triggerShutdown()
	r.mu.Lock()
	conns := append([]*StreamConnection(nil), r.order...)
	r.mu.Unlock()
	for _, c := range conns {
		c.destroy()
	}
}
