package mediator

import (
	"errors"

	"github.com/zeusync/distmaster/internal/core/protocol"
)

var (
	ErrUnknownIdentity = errors.New("unknown bridge identity")
	ErrMediatorClosed  = errors.New("mediator is closed")
)

var (
	ErrIdentityMismatch  = protocol.ErrIdentityMismatch
	ErrDuplicateIdentity = protocol.ErrDuplicateIdentity
)
