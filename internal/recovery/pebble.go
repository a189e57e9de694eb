package recovery

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"
)

const pebblePrefix = "recovery:"

// PebbleStore persists recovery records on local disk.
type PebbleStore struct {
	db     *pebble.DB
	logger *zap.Logger
}

func OpenPebble(path string, logger *zap.Logger) (*PebbleStore, error) {
	return openPebble(path, &pebble.Options{}, logger)
}

// OpenPebbleFS opens a store on an explicit filesystem, e.g. vfs.NewMem() in tests.
func OpenPebbleFS(path string, fs vfs.FS, logger *zap.Logger) (*PebbleStore, error) {
	return openPebble(path, &pebble.Options{FS: fs}, logger)
}

func openPebble(path string, opts *pebble.Options, logger *zap.Logger) (*PebbleStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		logger.Error("pebble_open_failed", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	logger.Info("pebble_opened", zap.String("path", path))
	return &PebbleStore{db: db, logger: logger}, nil
}

func (s *PebbleStore) Get(key string) (string, bool, error) {
	value, closer, err := s.db.Get([]byte(pebblePrefix + key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	defer closer.Close()
	return string(value), true, nil
}

func (s *PebbleStore) Set(key, value string) error {
	if err := s.db.Set([]byte(pebblePrefix+key), []byte(value), pebble.Sync); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) Remove(key string) error {
	if err := s.db.Delete([]byte(pebblePrefix+key), pebble.Sync); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) Keys(prefix string) ([]string, error) {
	lower := []byte(pebblePrefix + prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upperBound(lower)})
	if err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	defer iter.Close()

	keys := []string{}
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()[len(pebblePrefix):]))
	}
	return keys, iter.Error()
}

func (s *PebbleStore) Close() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	s.logger.Info("pebble_closed")
	return nil
}

// upperBound returns the smallest key greater than every key with the prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
