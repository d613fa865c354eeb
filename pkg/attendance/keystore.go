package attendance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/markus-lassfolk/fieldclock/pkg/logx"
)

// KeyStore hands out idempotency keys per subject, event kind and local
// day. A reserved key is returned again until released, so a re-submit of
// an event whose outcome was ambiguous reuses the key of the first try.
type KeyStore interface {
	Reserve(subjectID, kind, day string) (string, error)
	Release(subjectID, kind, day string) error
}

const idempotencyBucket = "idempotency_keys"

type reservation struct {
	Key        string    `json:"key"`
	ReservedAt time.Time `json:"reserved_at"`
}

// BoltKeyStore persists reservations in a bbolt file
type BoltKeyStore struct {
	db     *bolt.DB
	logger *logx.Logger
	now    func() time.Time
}

// OpenBoltKeyStore opens or creates the key store at path
func OpenBoltKeyStore(path string, logger *logx.Logger) (*BoltKeyStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create key store directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(idempotencyBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize key store bucket: %w", err)
	}

	return &BoltKeyStore{db: db, logger: logger, now: time.Now}, nil
}

func reservationKey(subjectID, kind, day string) []byte {
	return []byte(subjectID + "|" + kind + "|" + day)
}

// Reserve returns the outstanding key for the slot or records a new one
func (s *BoltKeyStore) Reserve(subjectID, kind, day string) (string, error) {
	var key string
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(idempotencyBucket))
		slot := reservationKey(subjectID, kind, day)

		if raw := bucket.Get(slot); raw != nil {
			var existing reservation
			if err := json.Unmarshal(raw, &existing); err == nil && existing.Key != "" {
				key = existing.Key
				return nil
			}
		}

		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate idempotency key: %w", err)
		}
		key = id.String()

		raw, err := json.Marshal(reservation{Key: key, ReservedAt: s.now().UTC()})
		if err != nil {
			return err
		}
		return bucket.Put(slot, raw)
	})
	if err != nil {
		return "", fmt.Errorf("reserve idempotency key: %w", err)
	}
	return key, nil
}

// Release forgets the slot's key
func (s *BoltKeyStore) Release(subjectID, kind, day string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(idempotencyBucket)).Delete(reservationKey(subjectID, kind, day))
	})
}

// Purge drops reservations older than maxAge and returns how many went
func (s *BoltKeyStore) Purge(maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge)
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(idempotencyBucket))
		var stale [][]byte
		if err := bucket.ForEach(func(k, v []byte) error {
			var r reservation
			if err := json.Unmarshal(v, &r); err != nil || r.ReservedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}

	if removed > 0 {
		s.logger.Info("purged stale idempotency keys", "removed", removed, "max_age", maxAge.String())
	}
	return removed, nil
}

// Close closes the underlying database
func (s *BoltKeyStore) Close() error {
	return s.db.Close()
}
