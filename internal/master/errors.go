package master

import (
	"errors"

	"github.com/zeusync/distmaster/internal/core/protocol"
)

var (
	ErrNoCapacity      = errors.New("no eligible capacity")
	ErrInvalidWorkload = errors.New("invalid workload")
	ErrUnknownSystem   = errors.New("unknown system")
	ErrUnknownRole     = errors.New("unknown role")
	ErrRegistryClosed  = errors.New("registry is closed")
	ErrInvalidName     = errors.New("invalid name")
	ErrInvalidPerf     = errors.New("invalid performance")
	ErrRoundLimit      = errors.New("round limit reached")
)

// Shared with the wire protocol so a rejected slave matches the same sentinels.
var (
	ErrInvalidState      = protocol.ErrInvalidState
	ErrDuplicateIdentity = protocol.ErrDuplicateIdentity
	ErrDuplicateRole     = protocol.ErrDuplicateRole
	ErrIdentityMismatch  = protocol.ErrIdentityMismatch
	ErrTimeout           = protocol.ErrTimeout
)
