// Package idempotency persists batch outcomes keyed by caller-supplied
// idempotency keys so resends replay the recorded outcome instead of
// re-executing mutations. Records survive process restarts.
package idempotency

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/batch"
	"github.com/wehubfusion/Talos/pkg/errors"
)

// openTimeout bounds how long Open waits on the store file lock
const openTimeout = 5 * time.Second

// Store is a durable write-once outcome map backed by a single on-disk
// file. Records are namespaced per operation kind so the same key can be
// reused across kinds without collision. Store implements batch.Store.
type Store struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// record is the persisted envelope around an outcome
type record struct {
	Outcome  batch.Outcome `json:"outcome"`
	StoredAt time.Time     `json:"stored_at"`
}

// Open opens or creates the store file at path
func Open(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.NewInputError("store path is required", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.NewStoreError("failed to create store directory", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, errors.NewStoreError(fmt.Sprintf("failed to open store at %s", path), err)
	}

	logger.Info("Idempotency store opened", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Get returns the recorded outcome for (kind, key), reporting whether a
// record exists.
func (s *Store) Get(kind batch.Kind, key string) (*batch.Outcome, bool, error) {
	if key == "" {
		return nil, false, nil
	}

	var rec *record
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(kind))
		if bucket == nil {
			return nil
		}
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		rec = &record{}
		return json.Unmarshal(raw, rec)
	})
	if err != nil {
		return nil, false, errors.NewStoreError("failed to read outcome record", err)
	}
	if rec == nil {
		return nil, false, nil
	}
	return &rec.Outcome, true, nil
}

// Put records the outcome for (kind, key). The first successful write is
// authoritative; writes against an existing record are no-ops so a retry
// race can never overwrite the outcome already replayed to callers.
func (s *Store) Put(kind batch.Kind, key string, outcome *batch.Outcome) error {
	if key == "" {
		return errors.NewInputError("idempotency key is required", nil)
	}
	if outcome == nil {
		return errors.NewInputError("outcome is required", nil)
	}

	raw, err := json.Marshal(record{Outcome: *outcome, StoredAt: time.Now().UTC()})
	if err != nil {
		return errors.NewStoreError("failed to encode outcome record", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(kind))
		if err != nil {
			return err
		}
		if bucket.Get([]byte(key)) != nil {
			s.logger.Debug("Outcome already recorded, keeping first write",
				zap.String("kind", string(kind)),
				zap.String("key", key))
			return nil
		}
		return bucket.Put([]byte(key), raw)
	})
	if err != nil {
		return errors.NewStoreError("failed to persist outcome record", err)
	}
	return nil
}

// Close releases the store file
func (s *Store) Close() error {
	return s.db.Close()
}
