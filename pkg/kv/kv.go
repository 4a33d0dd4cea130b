// Package kv abstracts the shared ephemeral key-value store that every
// gateway instance reads and writes. Production binds it to a NATS JetStream
// KV bucket; tests and single-process runs use the in-memory implementation.
package kv

import (
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

var (
	// ErrNotFound is returned when a key is absent (or expired out of the bucket).
	ErrNotFound = errors.New("kv: key not found")
	// ErrUnavailable is returned when the backing store cannot be reached.
	// Callers are expected to degrade, not crash.
	ErrUnavailable = errors.New("kv: store unavailable")
	// ErrConflict is returned by Update and DeleteRev when the key moved past
	// the given revision. Callers re-read and retry.
	ErrConflict = errors.New("kv: revision conflict")
)

// Store is the subset of bucket operations the presence and typing layers
// need. All operations are atomic at the key level; the revisioned forms
// carry the bucket's compare-and-swap so read-modify-write sequences do not
// clobber concurrent writers.
type Store interface {
	Get(key string) ([]byte, error)
	// GetRev is Get plus the entry's revision for a later Update or DeleteRev.
	GetRev(key string) ([]byte, uint64, error)
	Put(key string, value []byte) error
	// Update writes only if the key is still at rev, else ErrConflict.
	Update(key string, value []byte, rev uint64) error
	Delete(key string) error
	// DeleteRev deletes only if the key is still at rev, else ErrConflict.
	DeleteRev(key string, rev uint64) error
	Keys() ([]string, error)
}

type natsStore struct {
	bucket nats.KeyValue
}

// NewNATS wraps a JetStream KV bucket. TTL is enforced server-side by the
// bucket configuration; expired keys read as ErrNotFound.
func NewNATS(bucket nats.KeyValue) Store {
	return &natsStore{bucket: bucket}
}

func (s *natsStore) Get(key string) ([]byte, error) {
	entry, err := s.bucket.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	return entry.Value(), nil
}

func (s *natsStore) GetRev(key string) ([]byte, uint64, error) {
	entry, err := s.bucket.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	return entry.Value(), entry.Revision(), nil
}

func (s *natsStore) Put(key string, value []byte) error {
	if _, err := s.bucket.Put(key, value); err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *natsStore) Update(key string, value []byte, rev uint64) error {
	if _, err := s.bucket.Update(key, value, rev); err != nil {
		if isWrongRevision(err) {
			return ErrConflict
		}
		return fmt.Errorf("%w: update %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *natsStore) Delete(key string) error {
	if err := s.bucket.Delete(key); err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *natsStore) DeleteRev(key string, rev uint64) error {
	if err := s.bucket.Delete(key, nats.LastRevision(rev)); err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil
		}
		if isWrongRevision(err) {
			return ErrConflict
		}
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// isWrongRevision detects the server rejecting a stale revision.
func isWrongRevision(err error) bool {
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

func (s *natsStore) Keys() ([]string, error) {
	keys, err := s.bucket.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: keys: %v", ErrUnavailable, err)
	}
	return keys, nil
}
