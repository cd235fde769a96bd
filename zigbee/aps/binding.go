package aps

import (
	"errors"
	"sync"

	"ubee/zigbee/frame"
)

var (
	ErrBindingTarget = errors.New("aps: binding needs a group, short or extended destination")
	ErrBindingFull   = errors.New("aps: binding table full")
)

type bindKey struct {
	endpoint uint8
	cluster  uint16
}

// BindingTable resolves requests sent without a destination address. Each
// (source endpoint, cluster) pair binds to one destination.
type BindingTable struct {
	mu       sync.RWMutex
	capacity int
	m        map[bindKey]frame.Address
}

func NewBindingTable(capacity int) *BindingTable {
	return &BindingTable{capacity: capacity, m: make(map[bindKey]frame.Address)}
}

func (b *BindingTable) Bind(srcEndpoint uint8, cluster uint16, dst frame.Address) error {
	switch dst.(type) {
	case frame.GroupAddress, frame.ShortAddress, frame.ExtendedAddress:
	default:
		return ErrBindingTarget
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	k := bindKey{srcEndpoint, cluster}
	if _, ok := b.m[k]; !ok && len(b.m) >= b.capacity {
		return ErrBindingFull
	}
	b.m[k] = dst
	return nil
}

func (b *BindingTable) Unbind(srcEndpoint uint8, cluster uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.m, bindKey{srcEndpoint, cluster})
}

func (b *BindingTable) Lookup(srcEndpoint uint8, cluster uint16) (frame.Address, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	dst, ok := b.m[bindKey{srcEndpoint, cluster}]
	return dst, ok
}
