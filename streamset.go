package sensorhub

import (
	"sync"

	"github.com/sagernet/sing/common/logger"
)

// StreamSet is a named container of streams, unique per (type, subtype)
// (§3, §4.4). Grounded almost directly on
// original_source/src/SenseKit/StreamSet.h.
type StreamSet struct {
	uri string
	log logger.Logger

	mu      sync.Mutex
	streams map[StreamDescription]*Stream
	slots   int
	slotLen int
}

func newStreamSet(uri string, slots int, log logger.Logger) *StreamSet {
	return &StreamSet{
		uri:     uri,
		log:     log,
		streams: make(map[StreamDescription]*Stream),
		slots:   slots,
		slotLen: 0,
	}
}

// URI returns the set's catalog key.
func (s *StreamSet) URI() string { return s.uri }

// CreateStream creates (or, if a placeholder already exists for desc,
// promotes) the stream at desc with the given plugin callbacks. At most
// one Stream exists per (type, subtype) within a set (§4.4 invariant).
func (s *StreamSet) CreateStream(desc StreamDescription, callbacks StreamCallbacks) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.streams[desc]; ok {
		existing.upgrade(callbacks)
		return existing
	}
	st := newStream(desc, s.slots, s.slotLen, s.log)
	st.upgrade(callbacks)
	s.streams[desc] = st
	return st
}

// CreatePlaceholder registers desc with no producer callbacks yet; any
// connection to it is valid but receives no frames until a matching
// CreateStream promotes it in place (§4.4).
func (s *StreamSet) CreatePlaceholder(desc StreamDescription) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.streams[desc]; ok {
		return existing
	}
	st := newStream(desc, s.slots, s.slotLen, s.log)
	s.streams[desc] = st
	return st
}

// resolveOrPlaceholder is CreatePlaceholder's internal counterpart used
// by StreamReader.GetStream, which must never fail to hand back a
// connection even for a not-yet-registered stream.
func (s *StreamSet) resolveOrPlaceholder(desc StreamDescription) *Stream {
	return s.CreatePlaceholder(desc)
}

// DestroyStream removes a stream from the set.
func (s *StreamSet) DestroyStream(st *Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streams[st.desc] == st {
		delete(s.streams, st.desc)
	}
}

// FindByTypeSubtype looks up a stream without creating a placeholder
// (§4.4).
func (s *StreamSet) FindByTypeSubtype(desc StreamDescription) (*Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[desc]
	return st, ok
}

// IsMember reports whether st belongs to this set — supplemented from
// the original's StreamSet::is_member. Nothing in this package calls it.
func (s *StreamSet) IsMember(st *Stream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[st.desc] == st
}

// Visit walks every stream currently in the set — supplemented from the
// original's StreamSet::visit_streams, used by Context teardown instead
// of ranging the internal map directly.
func (s *StreamSet) Visit(fn func(*Stream)) {
	s.mu.Lock()
	snapshot := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		snapshot = append(snapshot, st)
	}
	s.mu.Unlock()

	for _, st := range snapshot {
		fn(st)
	}
}
