/*
ubee - ZigBee NWK/APS stack on Go
Copyright (c) 2022-2024 GSB, Georgii Batanov gbatanov@yandex.ru
MIT License
*/

// Package addr keeps the extended to short address map and next hops.
package addr

import (
	"errors"
	"sort"
	"sync"

	"ubee/zigbee/frame"
)

var (
	ErrUnresolved      = errors.New("addr: unresolved")
	ErrAddressConflict = errors.New("addr: short address already in use")
	ErrTableFull       = errors.New("addr: table full")
)

// Entry is one known device.
type Entry struct {
	Extended uint64
	Short    uint16
	NextHop  uint16
}

// Table is read concurrently but written only by the stack owner.
type Table struct {
	mu           sync.RWMutex
	capacity     int
	byExt        map[uint64]uint16
	byShort      map[uint16]uint64
	routes       map[uint16]uint16
	defaultRoute uint16
	discovering  map[uint64]bool
}

// NewTable allocates a table bounded to capacity devices.
func NewTable(capacity int) *Table {
	return &Table{
		capacity:     capacity,
		byExt:        make(map[uint64]uint16),
		byShort:      make(map[uint16]uint64),
		routes:       make(map[uint16]uint16),
		defaultRoute: frame.InvalidShortAddress,
		discovering:  make(map[uint64]bool),
	}
}

// Add binds ext to short. Re-adding an identical pair is a no-op, moving an
// extended address to a new short address drops the old binding.
func (t *Table) Add(ext uint64, short uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if owner, ok := t.byShort[short]; ok && owner != ext {
		return ErrAddressConflict
	}
	old, known := t.byExt[ext]
	if known && old == short {
		return nil
	}
	if !known && len(t.byExt) >= t.capacity {
		return ErrTableFull
	}
	if known {
		delete(t.byShort, old)
		delete(t.routes, old)
	}
	t.byExt[ext] = short
	t.byShort[short] = ext
	delete(t.discovering, ext)
	return nil
}

// Resolve returns the network address for a destination. Short and group
// addresses resolve to themselves.
func (t *Table) Resolve(a frame.Address) (uint16, error) {
	switch d := a.(type) {
	case frame.ShortAddress:
		return d.Addr, nil
	case frame.GroupAddress:
		return d.Group, nil
	case frame.ExtendedAddress:
		return t.Lookup(d.Addr)
	}
	return 0, ErrUnresolved
}

// Lookup maps an extended address to its short address.
func (t *Table) Lookup(ext uint64) (uint16, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	short, ok := t.byExt[ext]
	if !ok {
		return 0, ErrUnresolved
	}
	return short, nil
}

// Extended is the reverse lookup.
func (t *Table) Extended(short uint16) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ext, ok := t.byShort[short]
	return ext, ok
}

// Conflicts reports whether short is bound to some other device than ext.
func (t *Table) Conflicts(ext uint64, short uint16) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	owner, ok := t.byShort[short]
	return ok && owner != ext
}

// RecordRoute sets the next hop towards dst.
func (t *Table) RecordRoute(dst, nextHop uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[dst] = nextHop
}

// SetDefaultRoute is the hop used when nothing better is known, normally
// the parent of an end device or router.
func (t *Table) SetDefaultRoute(hop uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultRoute = hop
}

// NextHop picks the MAC destination for a network destination. Broadcasts
// and unknown routes go direct unless a default route exists.
func (t *Table) NextHop(dst uint16) uint16 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if frame.IsBroadcast(dst) {
		return dst
	}
	if hop, ok := t.routes[dst]; ok {
		return hop
	}
	if _, ok := t.byShort[dst]; ok || t.defaultRoute == frame.InvalidShortAddress {
		return dst
	}
	return t.defaultRoute
}

// Invalidate forgets everything about a short or extended address.
func (t *Table) Invalidate(a frame.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch d := a.(type) {
	case frame.ShortAddress:
		t.dropShort(d.Addr)
	case frame.ExtendedAddress:
		if short, ok := t.byExt[d.Addr]; ok {
			t.dropShort(short)
		}
		delete(t.discovering, d.Addr)
	}
}

func (t *Table) dropShort(short uint16) {
	if ext, ok := t.byShort[short]; ok {
		delete(t.byExt, ext)
	}
	delete(t.byShort, short)
	delete(t.routes, short)
	for dst, hop := range t.routes {
		if hop == short {
			delete(t.routes, dst)
		}
	}
}

// BeginDiscovery marks a route discovery towards ext as in progress.
func (t *Table) BeginDiscovery(ext uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discovering[ext] = true
}

// EndDiscovery clears the in-progress mark.
func (t *Table) EndDiscovery(ext uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.discovering, ext)
}

// Discovering reports whether a discovery towards ext is running.
func (t *Table) Discovering(ext uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.discovering[ext]
}

// Clear empties the table.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byExt = make(map[uint64]uint16)
	t.byShort = make(map[uint16]uint64)
	t.routes = make(map[uint16]uint16)
	t.discovering = make(map[uint64]bool)
	t.defaultRoute = frame.InvalidShortAddress
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byExt)
}

// Full reports whether a new device can no longer be added.
func (t *Table) Full() bool {
	return t.Len() >= t.capacity
}

// Entries lists the table ordered by short address.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.byExt))
	for ext, short := range t.byExt {
		hop, ok := t.routes[short]
		if !ok {
			hop = short
		}
		out = append(out, Entry{Extended: ext, Short: short, NextHop: hop})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Short < out[j].Short })
	return out
}
