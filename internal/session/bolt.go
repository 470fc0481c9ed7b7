package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names; one logical dataset per bucket in a single DB file.
var (
	bucketSessions = []byte("sessions")
	bucketRuns     = []byte("runs")
	bucketUpdates  = []byte("updates")
)

// BoltKV persists sessions on disk so in-flight reviews survive a process
// restart. Values are JSON; malformed entries are skipped on read instead
// of failing the lookup.
type BoltKV struct {
	db     *bolt.DB
	logger *slog.Logger
}

func OpenBoltKV(path string, logger *slog.Logger) (*BoltKV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir session db dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSessions, bucketRuns, bucketUpdates} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create session buckets: %w", err)
	}
	return &BoltKV{db: db, logger: logger}, nil
}

func (b *BoltKV) Close() error {
	return b.db.Close()
}

func (b *BoltKV) get(bucket []byte, id string, out any) bool {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucket).Get([]byte(id)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || data == nil {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		b.logger.Warn("skipping malformed session entry", "bucket", string(bucket), "id", id, "error", err)
		return false
	}
	return true
}

func (b *BoltKV) put(bucket []byte, id string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("marshal session entry", "bucket", string(bucket), "id", id, "error", err)
		return
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(id), data)
	})
	if err != nil {
		b.logger.Error("write session entry", "bucket", string(bucket), "id", id, "error", err)
	}
}

func (b *BoltKV) delete(bucket []byte, id string) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(id))
	})
	if err != nil {
		b.logger.Error("delete session entry", "bucket", string(bucket), "id", id, "error", err)
	}
}

func (b *BoltKV) GetSession(id string) (*ReviewSession, bool) {
	var s ReviewSession
	if !b.get(bucketSessions, id, &s) {
		return nil, false
	}
	return &s, true
}

func (b *BoltKV) PutSession(s *ReviewSession) { b.put(bucketSessions, s.ID, s) }

func (b *BoltKV) DeleteSession(id string) { b.delete(bucketSessions, id) }

func (b *BoltKV) GetRun(id string) (*HandsFreeRun, bool) {
	var r HandsFreeRun
	if !b.get(bucketRuns, id, &r) {
		return nil, false
	}
	return &r, true
}

func (b *BoltKV) PutRun(r *HandsFreeRun) { b.put(bucketRuns, r.ID, r) }

func (b *BoltKV) GetUpdate(id string) (*CategoryUpdateSession, bool) {
	var u CategoryUpdateSession
	if !b.get(bucketUpdates, id, &u) {
		return nil, false
	}
	return &u, true
}

func (b *BoltKV) PutUpdate(u *CategoryUpdateSession) { b.put(bucketUpdates, u.ID, u) }

func (b *BoltKV) DeleteUpdate(id string) { b.delete(bucketUpdates, id) }
