package models

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cfilipov/kiln/internal/db"
)

// Build status values.
const (
	BuildStatusRunning = "running"
	BuildStatusSuccess = "success"
	BuildStatusFailed  = "failed"
)

// BuildRecord is one persisted build: what was built, how it ended, and
// the layer digests it produced along the way.
type BuildRecord struct {
	ID         int       `json:"id"`
	Project    string    `json:"project"`
	Tags       []string  `json:"tags,omitempty"`
	ImageID    string    `json:"imageId,omitempty"`
	Layers     []string  `json:"layers,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// BuildStore persists build records in bbolt, keyed by sequence number
// so iteration order is creation order.
type BuildStore struct {
	db *bolt.DB
}

func NewBuildStore(database *bolt.DB) *BuildStore {
	return &BuildStore{db: database}
}

// Create inserts a new record in the running state and assigns its ID.
func (s *BuildStore) Create(project string, tags []string) (*BuildRecord, error) {
	var rec *BuildRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(db.BucketBuilds)
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}

		rec = &BuildRecord{
			ID:        int(seq),
			Project:   project,
			Tags:      tags,
			Status:    BuildStatusRunning,
			StartedAt: time.Now().UTC(),
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal build record: %w", err)
		}
		return bucket.Put(itob(seq), data)
	})
	if err != nil {
		return nil, fmt.Errorf("create build record: %w", err)
	}
	return rec, nil
}

// Finish marks a running record as succeeded or failed.
func (s *BuildStore) Finish(id int, imageID string, layers []string, buildErr error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(db.BucketBuilds)
		key := itob(uint64(id))
		v := bucket.Get(key)
		if v == nil {
			return fmt.Errorf("build %d not found", id)
		}

		var rec BuildRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal build record: %w", err)
		}

		rec.ImageID = imageID
		rec.Layers = layers
		rec.FinishedAt = time.Now().UTC()
		if buildErr != nil {
			rec.Status = BuildStatusFailed
			rec.Error = buildErr.Error()
		} else {
			rec.Status = BuildStatusSuccess
		}

		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshal build record: %w", err)
		}
		return bucket.Put(key, data)
	})
}

// Get returns the record or nil if not found.
func (s *BuildStore) Get(id int) (*BuildRecord, error) {
	var rec *BuildRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(db.BucketBuilds).Get(itob(uint64(id)))
		if v == nil {
			return nil
		}
		rec = &BuildRecord{}
		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("get build record: %w", err)
	}
	return rec, nil
}

// List returns up to limit records, newest first. limit <= 0 means all.
func (s *BuildStore) List(limit int) ([]BuildRecord, error) {
	var records []BuildRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(db.BucketBuilds).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var rec BuildRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal build record %d: %w", len(records), err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListForProject returns all records for one project, newest first.
func (s *BuildStore) ListForProject(project string) ([]BuildRecord, error) {
	all, err := s.List(0)
	if err != nil {
		return nil, err
	}
	records := make([]BuildRecord, 0, len(all))
	for _, rec := range all {
		if rec.Project == project {
			records = append(records, rec)
		}
	}
	return records, nil
}
