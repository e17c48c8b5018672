package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

const badgerKeyPrefix = "secengine/"

// BadgerStore persists component snapshots in a local BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	logger zerolog.Logger
}

// OpenBadgerStore opens (or creates) a BadgerDB at cfg.Path.
func OpenBadgerStore(cfg StorageConfig, logger zerolog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		logger: logger.With().Str("component", "badger_store").Logger(),
	}
	s.logger.Info().Str("path", cfg.Path).Msg("state store opened")
	return s, nil
}

// OpenInMemoryBadgerStore opens a BadgerDB without a backing directory.
func OpenInMemoryBadgerStore(logger zerolog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory BadgerDB: %w", err)
	}
	return &BadgerStore{db: db, logger: logger.With().Str("component", "badger_store").Logger()}, nil
}

func (s *BadgerStore) Load(ctx context.Context, key string, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "load", Key: key, Err: err}
	}

	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return &StorageError{Op: "load", Key: key, Err: err}
	}
	if err := decodeEnvelope(key, raw, v); err != nil {
		return &StorageError{Op: "load", Key: key, Err: err}
	}
	return nil
}

func (s *BadgerStore) Save(ctx context.Context, key string, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "save", Key: key, Err: err}
	}

	raw, err := encodeEnvelope(v)
	if err != nil {
		return &StorageError{Op: "save", Key: key, Err: err}
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(badgerKeyPrefix+key), raw))
	})
	if err != nil {
		return &StorageError{Op: "save", Key: key, Err: err}
	}
	return nil
}

// Keys lists the component keys currently stored.
func (s *BadgerStore) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(badgerKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return keys, err
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing BadgerDB: %w", err)
	}
	return nil
}

// OpenStore opens the backend selected by cfg. The returned close function is
// never nil.
func OpenStore(cfg StorageConfig, logger zerolog.Logger) (Store, func() error, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(), func() error { return nil }, nil
	case "badger", "":
		bs, err := OpenBadgerStore(cfg, logger)
		if err != nil {
			return nil, func() error { return nil }, err
		}
		return bs, bs.Close, nil
	default:
		return nil, func() error { return nil }, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
