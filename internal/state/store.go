// Package state persists what sherlock last applied, so a restart does not
// rewrite and reload an identical configuration.
package state

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

const FileName = "sherlock-state.db"

var (
	keyFingerprint = []byte("last_fingerprint")
	keyAppliedAt   = []byte("last_applied_unix_ms")
)

// Store keeps the applied fingerprint in a raft stable store, normally the
// bolt-backed one from Open.
type Store struct {
	stable hraft.StableStore
	closer io.Closer
	path   string
}

// New wraps an existing stable store. Close closes it if it is an io.Closer.
func New(stable hraft.StableStore) *Store {
	s := &Store{stable: stable}
	if c, ok := stable.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Open creates dir if needed and opens the store file inside it.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, FileName)
	b, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, fmt.Errorf("open state %s: %w", path, err)
	}
	s := New(b)
	s.path = path
	return s, nil
}

func (s *Store) Path() string { return s.path }

// Load returns the last saved fingerprint and when it was applied. An empty
// store yields "" and the zero time.
func (s *Store) Load() (string, time.Time, error) {
	fp, err := s.stable.Get(keyFingerprint)
	if err != nil {
		if isNotFound(err) {
			return "", time.Time{}, nil
		}
		return "", time.Time{}, err
	}
	ms, err := s.stable.GetUint64(keyAppliedAt)
	if err != nil && !isNotFound(err) {
		return "", time.Time{}, err
	}
	var at time.Time
	if ms > 0 {
		at = time.UnixMilli(int64(ms))
	}
	return string(fp), at, nil
}

func (s *Store) Save(fingerprint string, at time.Time) error {
	if err := s.stable.Set(keyFingerprint, []byte(fingerprint)); err != nil {
		return err
	}
	return s.stable.SetUint64(keyAppliedAt, uint64(at.UnixMilli()))
}

func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// isNotFound also matches hraft.InmemStore, which returns an unexported
// error with the same text.
func isNotFound(err error) bool {
	return errors.Is(err, raftboltdb.ErrKeyNotFound) || err.Error() == raftboltdb.ErrKeyNotFound.Error()
}
