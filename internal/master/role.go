package master

import (
	"maps"
	"sync/atomic"
)

// roleSeq orders role registrations across all systems; lower means registered earlier.
var roleSeq atomic.Uint64

func nextRoleSeq() uint64 {
	return roleSeq.Add(1)
}

// ExternalSystemRole is a role as a slave declares it.
type ExternalSystemRole struct {
	Name       string
	Attributes map[string]string
}

// DistributedSystemRole is a role owned by a connected system, with its current
// performance estimate in units per second.
type DistributedSystemRole struct {
	ExternalSystemRole
	Performance float64
	// System is the logical name of the owning system.
	System string

	seq uint64
}

// Seq is the registration order of the role.
func (r DistributedSystemRole) Seq() uint64 {
	return r.seq
}

func (r DistributedSystemRole) clone() DistributedSystemRole {
	r.Attributes = maps.Clone(r.Attributes)
	return r
}
