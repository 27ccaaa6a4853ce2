package cache

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Config holds the tunables for the durable cache.
type Config struct {
	Dir        string
	SyncWrites bool
	InMemory   bool
}

// DefaultConfig returns a configuration suitable for a single-process
// deployment rooted at dir.
func DefaultConfig(dir string) *Config {
	return &Config{
		Dir:        dir,
		SyncWrites: false,
	}
}

// Badger is a correlation cache backed by an embedded badger key-value
// store. It is the durable option: unless InMemory is set, entries are
// kept on disk under Dir and survive a component restart. Components
// share it by sharing one *Badger handle within a process.
type Badger struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// NewBadger opens (or creates) the store described by config.
func NewBadger(config *Config) (*Badger, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	opts := badger.DefaultOptions(config.Dir)
	opts.SyncWrites = config.SyncWrites
	opts.InMemory = config.InMemory
	opts.Logger = nil
	if !config.InMemory {
		if err := os.MkdirAll(config.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	} else {
		opts.Dir = ""
		opts.ValueDir = ""
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache store: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Put(key string, value []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (b *Badger) Get(key string) ([]byte, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (b *Badger) Delete(key string) error {
	if b.isClosed() {
		return ErrClosed
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (b *Badger) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func (b *Badger) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}
