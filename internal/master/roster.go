package master

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// roster indexes active systems by logical name, spread across hash shards so
// lookups for one system do not contend with another.
type roster struct {
	shards []rosterShard
	count  uint64
}

type rosterShard struct {
	mu      sync.RWMutex
	systems map[string]*DistributedSystem
}

func newRoster(shardCount int) *roster {
	if shardCount <= 0 {
		shardCount = 16
	}
	r := &roster{
		shards: make([]rosterShard, shardCount),
		count:  uint64(shardCount),
	}
	for i := range r.shards {
		r.shards[i].systems = make(map[string]*DistributedSystem)
	}
	return r
}

func (r *roster) shard(name string) *rosterShard {
	return &r.shards[xxhash.Sum64String(name)%r.count]
}

func (r *roster) get(name string) *DistributedSystem {
	s := r.shard(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.systems[name]
}

func (r *roster) put(sys *DistributedSystem) {
	s := r.shard(sys.name)
	s.mu.Lock()
	s.systems[sys.name] = sys
	s.mu.Unlock()
}

// remove deletes name only while it still maps to sys.
func (r *roster) remove(sys *DistributedSystem) bool {
	s := r.shard(sys.name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.systems[sys.name] != sys {
		return false
	}
	delete(s.systems, sys.name)
	return true
}

func (r *roster) len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.systems)
		s.mu.RUnlock()
	}
	return n
}

// snapshot returns the active systems ordered by name.
func (r *roster) snapshot() []*DistributedSystem {
	out := make([]*DistributedSystem, 0)
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, sys := range s.systems {
			out = append(out, sys)
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
