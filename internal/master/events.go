package master

import (
	"github.com/zeusync/distmaster/internal/core/events/bus"
	"github.com/zeusync/distmaster/internal/core/protocol"
)

// Event kinds published by the master.
const (
	EventSystemConnected    = "system.connected"
	EventSystemRegistered   = "system.registered"
	EventSystemDisconnected = "system.disconnected"
	EventProgress           = bus.KindProgress
)

// Connection is the payload of EventSystemConnected: a channel whose peer has not declared yet.
type Connection struct {
	// Identity is the logical name a mediator bridge was reserved for. Empty for direct connections.
	Identity string
	Channel  protocol.Channel
	Bridged  bool
}

// Registered is the payload of EventSystemRegistered.
type Registered struct {
	Name    string
	Session string
	Bridged bool
	Roles   []protocol.RolePerformance
}

// Disconnected is the payload of EventSystemDisconnected.
type Disconnected struct {
	Name    string
	Session string
	Reason  string
}
