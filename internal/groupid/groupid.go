// Package groupid allocates channel group ids and per-group channel
// ids. A single GroupId instance may be shared across multiple channel
// factories on the same host, so every allocation is guarded by a
// mutex held only for the duration of the increment.
package groupid

import "sync"

// GroupId issues unique group ids and, within a group, unique channel
// ids.
type GroupId struct {
	mu         sync.Mutex
	nextGroup  uint32
	nextPerGrp map[uint32]uint32
}

// New creates an allocator. Group 0 is reserved for channels that are
// not part of any miner-visible group (the common case for extended
// channels opened directly against a pool).
func New() *GroupId {
	return &GroupId{
		nextGroup:  1,
		nextPerGrp: map[uint32]uint32{0: 1},
	}
}

// NewGroupId allocates and returns a fresh group id.
func (g *GroupId) NewGroupId() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.nextGroup
	g.nextGroup++
	if _, ok := g.nextPerGrp[id]; !ok {
		g.nextPerGrp[id] = 1
	}
	return id
}

// NewChannelId allocates and returns a fresh channel id within group.
func (g *GroupId) NewChannelId(group uint32) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.nextPerGrp[group]
	g.nextPerGrp[group] = id + 1
	return id
}
