package master

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zeusync/distmaster/internal/core/protocol"
	"github.com/zeusync/distmaster/internal/core/storage"
)

// DistributedSystem is a connected, registered slave. It exclusively owns its roles.
//
// mu is the single writer lock for the roles; round snapshots copy the roles under it
// and never hold it across I/O.
type DistributedSystem struct {
	session     string
	name        string
	channel     protocol.Channel
	bridged     bool
	connectedAt time.Time

	lastSeen atomic.Int64

	mu    sync.Mutex
	roles []*DistributedSystemRole

	closeOnce sync.Once
	done      chan struct{}
}

func newDistributedSystem(name string, channel protocol.Channel, bridged bool) *DistributedSystem {
	s := &DistributedSystem{
		session:     uuid.NewString(),
		name:        name,
		channel:     channel,
		bridged:     bridged,
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
	s.touch()
	return s
}

// Session is unique per connection, even when a logical name reconnects.
func (s *DistributedSystem) Session() string           { return s.session }
func (s *DistributedSystem) Name() string              { return s.name }
func (s *DistributedSystem) Bridged() bool             { return s.bridged }
func (s *DistributedSystem) Channel() protocol.Channel { return s.channel }
func (s *DistributedSystem) ConnectedAt() time.Time    { return s.connectedAt }
func (s *DistributedSystem) Done() <-chan struct{}     { return s.done }
func (s *DistributedSystem) LastSeen() time.Time       { return time.Unix(0, s.lastSeen.Load()) }
func (s *DistributedSystem) touch()                    { s.lastSeen.Store(time.Now().UnixNano()) }

// Roles returns a copy of the roles in registration order.
func (s *DistributedSystem) Roles() []DistributedSystemRole {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DistributedSystemRole, len(s.roles))
	for i, r := range s.roles {
		out[i] = r.clone()
	}
	return out
}

// Role returns a copy of the named role.
func (s *DistributedSystem) Role(name string) (DistributedSystemRole, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.roleLocked(name); r != nil {
		return r.clone(), true
	}
	return DistributedSystemRole{}, false
}

// AggregatePerformance combines the role performances under policy.
func (s *DistributedSystem) AggregatePerformance(policy AggregatePolicy) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return aggregate(s.roles, policy)
}

func aggregate(roles []*DistributedSystemRole, policy AggregatePolicy) float64 {
	var total float64
	for _, r := range roles {
		if policy == AggregateMax {
			if r.Performance > total {
				total = r.Performance
			}
			continue
		}
		total += r.Performance
	}
	return total
}

// Send writes one message to the slave.
func (s *DistributedSystem) Send(ctx context.Context, msgType protocol.MessageType, payload any) error {
	return protocol.WriteMessage(ctx, s.channel, msgType, payload)
}

// Close closes the channel. It is idempotent.
func (s *DistributedSystem) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.channel.Close()
	})
	return err
}

func (s *DistributedSystem) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *DistributedSystem) roleLocked(name string) *DistributedSystemRole {
	for _, r := range s.roles {
		if r.Name == name {
			return r
		}
	}
	return nil
}

func (s *DistributedSystem) historyLocked() storage.History {
	h := make(storage.History, len(s.roles))
	for _, r := range s.roles {
		h[r.Name] = r.Performance
	}
	return h
}

func (s *DistributedSystem) history() storage.History {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyLocked()
}

func (s *DistributedSystem) performancesLocked() []protocol.RolePerformance {
	out := make([]protocol.RolePerformance, len(s.roles))
	for i, r := range s.roles {
		out[i] = protocol.RolePerformance{Name: r.Name, Performance: r.Performance}
	}
	return out
}
