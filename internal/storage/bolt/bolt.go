package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/trailcam-labs/trailcam-bridge/internal/model"
	"github.com/trailcam-labs/trailcam-bridge/internal/storage"
	bolt "go.etcd.io/bbolt"
)

var _ storage.Store = (*Store)(nil)

var (
	bucketTokens   = []byte("tokens")
	bucketImages   = []byte("images")
	bucketEventLog = []byte("event_logs")
)

// Store is a BoltDB-backed Store implementation.
type Store struct {
	db *bolt.DB
}

// New initialises the Bolt store.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTokens, bucketImages, bucketEventLog} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying Bolt DB.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveToken atomically replaces the token pair for an account.
func (s *Store) SaveToken(ctx context.Context, accountID string, token *model.Token) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(token)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokens).Put([]byte(accountID), payload)
	})
}

// LoadToken fetches the persisted token pair for an account.
func (s *Store) LoadToken(ctx context.Context, accountID string) (*model.Token, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var token *model.Token
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTokens).Get([]byte(accountID))
		if raw == nil {
			return nil
		}
		token = &model.Token{}
		return json.Unmarshal(raw, token)
	})
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, storage.ErrNotFound
	}
	return token, nil
}

// ClearToken drops the token pair for an account.
func (s *Store) ClearToken(ctx context.Context, accountID string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete([]byte(accountID))
	})
}

// UpsertImage stores the most recent image record for a device. The slot is
// keyed by device id, so each device keeps exactly one record.
func (s *Store) UpsertImage(ctx context.Context, image *model.ImageRecord) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(image)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).Put(deviceKey(image.DeviceID), payload)
	})
}

// ListImages returns the cached latest image per device.
func (s *Store) ListImages(ctx context.Context) ([]*model.ImageRecord, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var images []*model.ImageRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).ForEach(func(_, v []byte) error {
			var image model.ImageRecord
			if err := json.Unmarshal(v, &image); err != nil {
				return err
			}
			images = append(images, &image)
			return nil
		})
	})
	return images, err
}

// DeleteImage drops the cached image for a removed device.
func (s *Store) DeleteImage(ctx context.Context, deviceID int64) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).Delete(deviceKey(deviceID))
	})
}

// AppendEventLog stores one coordinator event.
func (s *Store) AppendEventLog(ctx context.Context, entry *model.EventLogEntry) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketEventLog)
		id, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		entry.ID = id
		payload, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, id)
		return bkt.Put(key, payload)
	})
}

// ListEventLogs returns all recorded events in insertion order.
func (s *Store) ListEventLogs(ctx context.Context) ([]*model.EventLogEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var entries []*model.EventLogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEventLog).ForEach(func(_, v []byte) error {
			var entry model.EventLogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

func deviceKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
