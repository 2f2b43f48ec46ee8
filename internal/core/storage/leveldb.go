package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var historyPrefix = []byte("history/")

// LevelDBStore persists histories in a LevelDB database as JSON records under the
// "history/" key prefix, so they survive a master restart.
type LevelDBStore struct {
	db     *leveldb.DB
	closed atomic.Bool
}

var _ HistoryStore = (*LevelDBStore)(nil)

// NewLevelDBStore opens (or creates) the database at path.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		WriteBuffer:            4 * opt.MiB,
		OpenFilesCacheCapacity: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

// OpenLevelDBMemory opens a LevelDB store backed by memory.
func OpenLevelDBMemory() (*LevelDBStore, error) {
	db, err := leveldb.Open(lvlstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

func historyKey(name string) []byte {
	key := make([]byte, 0, len(historyPrefix)+len(name))
	key = append(key, historyPrefix...)
	return append(key, name...)
}

func (s *LevelDBStore) Load(ctx context.Context, name string) (Record, error) {
	if s.closed.Load() {
		return Record{}, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	value, err := s.db.Get(historyKey(name), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to read history %q: %w", name, err)
	}

	var rec Record
	if err = json.Unmarshal(value, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to decode history %q: %w", name, err)
	}
	return rec, nil
}

func (s *LevelDBStore) Save(ctx context.Context, name string, history History) error {
	if name == "" {
		return ErrInvalidName
	}
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(Record{Roles: history, UpdatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to encode history %q: %w", name, err)
	}
	if err = s.db.Put(historyKey(name), value, nil); err != nil {
		return fmt.Errorf("failed to store history %q: %w", name, err)
	}
	return nil
}

func (s *LevelDBStore) Delete(ctx context.Context, name string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Delete(historyKey(name), nil); err != nil {
		return fmt.Errorf("failed to delete history %q: %w", name, err)
	}
	return nil
}

func (s *LevelDBStore) All(ctx context.Context) (map[string]Record, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	iter := s.db.NewIterator(util.BytesPrefix(historyPrefix), nil)
	defer iter.Release()

	out := make(map[string]Record)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := string(iter.Key()[len(historyPrefix):])
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode history %q: %w", name, err)
		}
		out[name] = rec
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate histories: %w", err)
	}
	return out, nil
}

func (s *LevelDBStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
