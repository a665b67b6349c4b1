// Package state persists run records, stage fingerprints and failures in a
// bbolt database.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bucketRuns         = "runs"
	bucketFingerprints = "fingerprints"
	bucketFailures     = "failures"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("state: not found")

// Store is a bbolt-backed state database. Every write is a single bbolt
// transaction, so a crash never leaves a half-written record.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("state db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketRuns, bucketFingerprints, bucketFailures} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveRun(run Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	return s.put(bucketRuns, run.RunID, run)
}

func (s *Store) LoadRun(runID string) (Run, error) {
	var run Run
	err := s.get(bucketRuns, runID, &run)
	return run, err
}

// ListRuns returns every run ordered by start time, oldest first.
func (s *Store) ListRuns() ([]Run, error) {
	var runs []Run
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRuns)).ForEach(func(k, v []byte) error {
			var r Run
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode run %s: %w", k, err)
			}
			runs = append(runs, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].StartTime.Equal(runs[j].StartTime) {
			return runs[i].RunID < runs[j].RunID
		}
		return runs[i].StartTime.Before(runs[j].StartTime)
	})
	return runs, nil
}

// LatestRun returns the most recently started run of pipeline.
func (s *Store) LatestRun(pipeline string) (Run, error) {
	runs, err := s.ListRuns()
	if err != nil {
		return Run{}, err
	}
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].Pipeline == pipeline {
			return runs[i], nil
		}
	}
	return Run{}, ErrNotFound
}

func (s *Store) SaveStage(rec StageRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid stage record: %w", err)
	}
	return s.put(bucketFingerprints, rec.Stage, rec)
}

func (s *Store) LoadStage(stage string) (StageRecord, error) {
	var rec StageRecord
	err := s.get(bucketFingerprints, stage, &rec)
	return rec, err
}

// ForgetStage drops the stored fingerprint so the next incremental run
// executes the stage.
func (s *Store) ForgetStage(stage string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketFingerprints)).Delete([]byte(stage))
	})
}

func (s *Store) SaveFailure(runID string, f Failure) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid failure: %w", err)
	}
	return s.put(bucketFailures, runID, f)
}

func (s *Store) LoadFailure(runID string) (Failure, error) {
	var f Failure
	err := s.get(bucketFailures, runID, &f)
	return f, err
}

func (s *Store) put(bucket, key string, v any) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%s: empty key", bucket)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", bucket, key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
	})
}

func (s *Store) get(bucket, key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
		}
		return json.Unmarshal(data, v)
	})
}
