package storage

import (
	"context"
	"errors"
	"maps"
	"time"
)

var (
	ErrNotFound    = errors.New("history not found")
	ErrStoreClosed = errors.New("store is closed")
	ErrInvalidName = errors.New("invalid logical name")
)

// History maps role names of one logical system to their last known performance.
type History map[string]float64

// Clone returns an independent copy.
func (h History) Clone() History {
	if h == nil {
		return nil
	}
	return maps.Clone(h)
}

// Record is a persisted History with its last update time.
type Record struct {
	Roles     History   `json:"roles"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryStore persists performance histories keyed by logical system name.
// Implementations must be safe for concurrent use.
type HistoryStore interface {
	Load(ctx context.Context, name string) (Record, error)
	Save(ctx context.Context, name string, history History) error
	Delete(ctx context.Context, name string) error
	All(ctx context.Context) (map[string]Record, error)
	Close() error
}
