// Package storage persists control-plane state so the orchestrator can
// recover its node and task records after a restart.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/web4ai/orchestrator/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// Store is the persistence interface used by the orchestrator.
type Store interface {
	SaveNode(n *types.Node) error
	DeleteNode(id string) error
	LoadNodes() ([]*types.Node, error)

	SaveTask(t *types.Task) error
	LoadTasks() ([]*types.Task, error)

	SaveConfigPatch(patch map[string]any) error
	LoadConfigPatch() (map[string]any, error)

	Close() error
}

var (
	nodesBucket  = []byte("nodes")
	tasksBucket  = []byte("tasks")
	configBucket = []byte("config")

	configPatchKey = []byte("runtime_patch")
)

// BoltStore persists state to a single bbolt file with one bucket per
// record type and JSON values.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	path := filepath.Join(dataDir, "orchestrator.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{nodesBucket, tasksBucket, configBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveNode upserts a node record.
func (s *BoltStore) SaveNode(n *types.Node) error {
	return s.put(nodesBucket, []byte(n.ID), n)
}

// DeleteNode removes a node record.
func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(nodesBucket).Delete([]byte(id))
	})
}

// LoadNodes returns every persisted node.
func (s *BoltStore) LoadNodes() ([]*types.Node, error) {
	var out []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(nodesBucket).ForEach(func(_, v []byte) error {
			var n types.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return fmt.Errorf("failed to decode node record: %w", err)
			}
			out = append(out, &n)
			return nil
		})
	})
	return out, err
}

// SaveTask upserts a task record.
func (s *BoltStore) SaveTask(t *types.Task) error {
	return s.put(tasksBucket, []byte(t.ID), t)
}

// LoadTasks returns every persisted task.
func (s *BoltStore) LoadTasks() ([]*types.Task, error) {
	var out []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tasksBucket).ForEach(func(_, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("failed to decode task record: %w", err)
			}
			out = append(out, &t)
			return nil
		})
	})
	return out, err
}

// SaveConfigPatch merges patch into the persisted runtime overrides so
// they survive a restart.
func (s *BoltStore) SaveConfigPatch(patch map[string]any) error {
	existing, err := s.LoadConfigPatch()
	if err != nil {
		return err
	}
	if existing == nil {
		existing = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		existing[k] = v
	}
	return s.put(configBucket, configPatchKey, existing)
}

// LoadConfigPatch returns the persisted runtime overrides, or nil.
func (s *BoltStore) LoadConfigPatch() (map[string]any, error) {
	var out map[string]any
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(configBucket).Get(configPatchKey)
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &out); err != nil {
			return fmt.Errorf("failed to decode config patch: %w", err)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) put(bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}
