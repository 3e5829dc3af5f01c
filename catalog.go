package sensorhub

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/sagernet/sing/common/logger"
)

// SetCatalog is the process-wide, reference-counted registry of
// StreamSets by URI (§3, §4.4). A StreamSet exists in the catalog iff
// its refcount is >= 1.
type SetCatalog struct {
	log logger.Logger

	mu      sync.Mutex
	entries map[string]*catalogEntry
	slots   int
}

type catalogEntry struct {
	set   *StreamSet
	count int
}

func newSetCatalog(defaultSlots int, log logger.Logger) *SetCatalog {
	return &SetCatalog{
		log:     log,
		entries: make(map[string]*catalogEntry),
		slots:   defaultSlots,
	}
}

// Open returns the StreamSet for uri, creating it on first open.
// Reopening an existing URI increments the refcount and returns the
// same object (§3, scenario 4 in §8).
func (c *SetCatalog) Open(uri string) *StreamSet {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[uri]; ok {
		e.count++
		return e.set
	}
	set := newStreamSet(uri, c.slots, c.log)
	c.entries[uri] = &catalogEntry{set: set, count: 1}
	return set
}

// Close decrements uri's refcount, destroying the StreamSet once it
// reaches zero (§3). destroyed reports whether this call was the one
// that brought the refcount to zero — callers that mirror catalog
// membership through their own handle (e.g. Context's registry) use it
// to know exactly when to invalidate that handle, not on every partial
// close.
func (c *SetCatalog) Close(set *StreamSet) (destroyed bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[set.uri]
	if !ok || e.set != set {
		return false, newStatus(StatusInvalidParameter, "unknown stream set")
	}
	e.count--
	if e.count <= 0 {
		delete(c.entries, set.uri)
		return true, nil
	}
	return false, nil
}

// refcount exposes the current refcount for uri, 0 if absent — used by
// tests exercising the round-trip law in §8.
func (c *SetCatalog) refcount(uri string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[uri]; ok {
		return e.count
	}
	return 0
}

// closeAll tears down every set in the catalog, in no particular order,
// used by Context.Terminate.
func (c *SetCatalog) closeAll() {
	c.mu.Lock()
	sets := make([]*StreamSet, 0, len(c.entries))
	for _, e := range c.entries {
		sets = append(sets, e.set)
	}
	c.entries = make(map[string]*catalogEntry)
	c.mu.Unlock()

	for _, set := range sets {
		set.Visit(func(st *Stream) { st.detachAll() })
	}
}

// detachAll drops every connection currently attached to the stream,
// used during full-catalog teardown.
func (s *Stream) detachAll() {
	s.mu.Lock()
	conns := make([]*StreamConnection, 0, s.connections.Len())
	for e := s.connections.Front(); e != nil; e = e.Next() {
		conns = append(conns, e.Value)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.destroy()
	}
}

// ParseUSBURI parses the reserved "usb/<vid>/<pid>/<bus>/<address>" URI
// form (§6) into its decimal components. Supplemented from the
// original's device-URI handling intent in SenseKitContextImpl.cpp.
func ParseUSBURI(uri string) (vid, pid, bus, address int, err error) {
	parts := strings.Split(uri, "/")
	if len(parts) != 5 || parts[0] != "usb" {
		return 0, 0, 0, 0, newStatus(StatusInvalidParameter, "not a usb uri: "+uri)
	}
	vals := make([]int, 4)
	for i, p := range parts[1:] {
		n, convErr := strconv.Atoi(p)
		if convErr != nil {
			return 0, 0, 0, 0, newStatus(StatusInvalidParameter, "non-decimal usb uri component: "+p)
		}
		vals[i] = n
	}
	return vals[0], vals[1], vals[2], vals[3], nil
}

// FormatUSBURI is ParseUSBURI's inverse.
func FormatUSBURI(vid, pid, bus, address int) string {
	return fmt.Sprintf("usb/%d/%d/%d/%d", vid, pid, bus, address)
}
