package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mqic/communicator/pkg/types"
)

const schemaVersion = 1

var (
	bucketCases     = []byte("cases")
	bucketCasePaths = []byte("case_paths")
	bucketGpus      = []byte("gpus")
	bucketSteps     = []byte("workflow_steps")
	bucketMeta      = []byte("meta")

	keySchemaVersion = []byte("schema_version")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store at the given path
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrUnavailable, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCases, bucketCasePaths, bucketGpus, bucketSteps, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return migrate(tx)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// migrate backfills fields added after the first release. Version 0 rows
// predate priority scheduling and carry no priority, created_at, or
// last_updated values.
func migrate(tx *bolt.Tx) error {
	meta := tx.Bucket(bucketMeta)
	version := 0
	if v := meta.Get(keySchemaVersion); v != nil {
		version = int(binary.BigEndian.Uint64(v))
	}
	if version >= schemaVersion {
		return nil
	}

	now := time.Now().UTC()
	cases := tx.Bucket(bucketCases)
	cur := cases.Cursor()
	for k, v := cur.First(); k != nil; k, v = cur.Next() {
		var c types.Case
		if err := json.Unmarshal(v, &c); err != nil {
			return fmt.Errorf("migrate case %x: %w", k, err)
		}
		changed := false
		if c.Priority == 0 {
			c.Priority = types.PriorityNormal
			changed = true
		}
		if c.CreatedAt.IsZero() {
			if !c.SubmittedAt.IsZero() {
				c.CreatedAt = c.SubmittedAt
			} else {
				c.CreatedAt = now
			}
			changed = true
		}
		if c.LastUpdated.IsZero() {
			c.LastUpdated = now
			changed = true
		}
		if changed {
			data, err := json.Marshal(&c)
			if err != nil {
				return err
			}
			if err := cases.Put(k, data); err != nil {
				return err
			}
		}
	}

	return meta.Put(keySchemaVersion, itob(schemaVersion))
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == bolt.ErrTimeout || err == bolt.ErrDatabaseNotOpen {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// AddCase registers a new case directory for processing
func (s *BoltStore) AddCase(path string, priority types.Priority) (*types.Case, error) {
	if priority == 0 {
		priority = types.PriorityNormal
	}
	now := time.Now().UTC()
	c := &types.Case{
		Path:        path,
		Status:      types.CaseStatusSubmitted,
		Priority:    priority,
		SubmittedAt: now,
		CreatedAt:   now,
		LastUpdated: now,
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		paths := tx.Bucket(bucketCasePaths)
		if paths.Get([]byte(path)) != nil {
			return ErrDuplicatePath
		}

		cases := tx.Bucket(bucketCases)
		id, err := cases.NextSequence()
		if err != nil {
			return err
		}
		c.ID = int64(id)

		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := cases.Put(itob(c.ID), data); err != nil {
			return err
		}
		return paths.Put([]byte(path), itob(c.ID))
	})
	if err != nil {
		if err == ErrDuplicatePath {
			return nil, ErrDuplicatePath
		}
		return nil, wrapErr("add case", err)
	}
	return c, nil
}

// GetCase retrieves a case by ID
func (s *BoltStore) GetCase(id int64) (*types.Case, error) {
	var c *types.Case
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCases).Get(itob(id))
		if data == nil {
			return ErrNotFound
		}
		c = &types.Case{}
		return json.Unmarshal(data, c)
	})
	if err != nil {
		if err == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, wrapErr("get case", err)
	}
	return c, nil
}

// GetCaseByPath retrieves a case by its directory path
func (s *BoltStore) GetCaseByPath(path string) (*types.Case, error) {
	var c *types.Case
	err := s.db.View(func(tx *bolt.Tx) error {
		idBytes := tx.Bucket(bucketCasePaths).Get([]byte(path))
		if idBytes == nil {
			return ErrNotFound
		}
		data := tx.Bucket(bucketCases).Get(idBytes)
		if data == nil {
			return ErrNotFound
		}
		c = &types.Case{}
		return json.Unmarshal(data, c)
	})
	if err != nil {
		if err == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, wrapErr("get case by path", err)
	}
	return c, nil
}

// ListCases returns all cases ordered by ID
func (s *BoltStore) ListCases() ([]*types.Case, error) {
	var out []*types.Case
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCases).ForEach(func(k, v []byte) error {
			c := &types.Case{}
			if err := json.Unmarshal(v, c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	if err != nil {
		return nil, wrapErr("list cases", err)
	}
	return out, nil
}

// ListCasesByStatus returns cases in any of the given statuses, ordered by
// priority descending then registration time ascending
func (s *BoltStore) ListCasesByStatus(statuses ...types.CaseStatus) ([]*types.Case, error) {
	want := make(map[types.CaseStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []*types.Case
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCases).ForEach(func(k, v []byte) error {
			c := &types.Case{}
			if err := json.Unmarshal(v, c); err != nil {
				return err
			}
			if want[c.Status] {
				out = append(out, c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapErr("list cases by status", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CountCasesByStatus returns the number of cases in the given status
func (s *BoltStore) CountCasesByStatus(status types.CaseStatus) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCases).ForEach(func(k, v []byte) error {
			c := &types.Case{}
			if err := json.Unmarshal(v, c); err != nil {
				return err
			}
			if c.Status == status {
				count++
			}
			return nil
		})
	})
	if err != nil {
		return 0, wrapErr("count cases", err)
	}
	return count, nil
}

// updateCase loads, mutates, and persists one case row in a single transaction
func (s *BoltStore) updateCase(id int64, mutate func(*types.Case)) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		cases := tx.Bucket(bucketCases)
		data := cases.Get(itob(id))
		if data == nil {
			return ErrNotFound
		}
		c := &types.Case{}
		if err := json.Unmarshal(data, c); err != nil {
			return err
		}
		mutate(c)
		c.LastUpdated = time.Now().UTC()
		updated, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return cases.Put(itob(id), updated)
	})
	if err == ErrNotFound {
		return ErrNotFound
	}
	return wrapErr("update case", err)
}

// UpdateCaseStatus sets the case status and progress. Progress is clamped
// monotone: a value lower than the stored one is ignored. Negative progress
// leaves the stored value untouched.
func (s *BoltStore) UpdateCaseStatus(id int64, status types.CaseStatus, progress int) error {
	return s.updateCase(id, func(c *types.Case) {
		c.Status = status
		if progress >= 0 && progress > c.Progress {
			if progress > 100 {
				progress = 100
			}
			c.Progress = progress
		}
	})
}

// UpdateCaseError records a failure message on the case
func (s *BoltStore) UpdateCaseError(id int64, message string) error {
	return s.updateCase(id, func(c *types.Case) {
		c.ErrorMessage = message
	})
}

// UpdateCaseGpuGroup records the GPU group assigned to the case
func (s *BoltStore) UpdateCaseGpuGroup(id int64, group string) error {
	return s.updateCase(id, func(c *types.Case) {
		c.PueueGroup = group
	})
}

// UpdateCaseRemoteTask records the remote Pueue task ID for the case
func (s *BoltStore) UpdateCaseRemoteTask(id int64, taskID *int64) error {
	return s.updateCase(id, func(c *types.Case) {
		c.PueueTaskID = taskID
	})
}

// UpdateCaseCompletion marks the case terminal. Historical fields
// (pueue_group, pueue_task_id, timestamps) are preserved so the record
// remains useful for audit after completion.
func (s *BoltStore) UpdateCaseCompletion(id int64, success bool) error {
	return s.updateCase(id, func(c *types.Case) {
		now := time.Now().UTC()
		if success {
			c.Status = types.CaseStatusCompleted
			c.Progress = 100
		} else {
			c.Status = types.CaseStatusFailed
		}
		c.CompletedAt = &now
	})
}

// EnsureGpuExists creates an available GPU row if the group is unknown
func (s *BoltStore) EnsureGpuExists(group string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		gpus := tx.Bucket(bucketGpus)
		if gpus.Get([]byte(group)) != nil {
			return nil
		}
		g := &types.GpuResource{
			PueueGroup:  group,
			Status:      types.GpuStatusAvailable,
			LastUpdated: time.Now().UTC(),
		}
		data, err := json.Marshal(g)
		if err != nil {
			return err
		}
		return gpus.Put([]byte(group), data)
	})
	return wrapErr("ensure gpu", err)
}

// GetGpu retrieves a GPU resource by group name
func (s *BoltStore) GetGpu(group string) (*types.GpuResource, error) {
	var g *types.GpuResource
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketGpus).Get([]byte(group))
		if data == nil {
			return ErrNotFound
		}
		g = &types.GpuResource{}
		return json.Unmarshal(data, g)
	})
	if err != nil {
		if err == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, wrapErr("get gpu", err)
	}
	return g, nil
}

// GetGpuByCase returns the GPU currently associated with the case
func (s *BoltStore) GetGpuByCase(caseID int64) (*types.GpuResource, error) {
	var found *types.GpuResource
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGpus).ForEach(func(k, v []byte) error {
			g := &types.GpuResource{}
			if err := json.Unmarshal(v, g); err != nil {
				return err
			}
			if g.CaseID != nil && *g.CaseID == caseID {
				found = g
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapErr("get gpu by case", err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// ListGpus returns all GPU resources ordered by group name
func (s *BoltStore) ListGpus() ([]*types.GpuResource, error) {
	var out []*types.GpuResource
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGpus).ForEach(func(k, v []byte) error {
			g := &types.GpuResource{}
			if err := json.Unmarshal(v, g); err != nil {
				return err
			}
			out = append(out, g)
			return nil
		})
	})
	if err != nil {
		return nil, wrapErr("list gpus", err)
	}
	return out, nil
}

// ListGpusByStatus returns GPU resources in the given status
func (s *BoltStore) ListGpusByStatus(status types.GpuStatus) ([]*types.GpuResource, error) {
	all, err := s.ListGpus()
	if err != nil {
		return nil, err
	}
	var out []*types.GpuResource
	for _, g := range all {
		if g.Status == status {
			out = append(out, g)
		}
	}
	return out, nil
}

// SetGpuStatus forces a GPU row into the given status
func (s *BoltStore) SetGpuStatus(group string, status types.GpuStatus, caseID *int64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		gpus := tx.Bucket(bucketGpus)
		data := gpus.Get([]byte(group))
		if data == nil {
			return ErrNotFound
		}
		g := &types.GpuResource{}
		if err := json.Unmarshal(data, g); err != nil {
			return err
		}
		g.Status = status
		g.CaseID = caseID
		g.LastUpdated = time.Now().UTC()
		updated, err := json.Marshal(g)
		if err != nil {
			return err
		}
		return gpus.Put([]byte(group), updated)
	})
	if err == ErrNotFound {
		return ErrNotFound
	}
	return wrapErr("set gpu status", err)
}

// UpdateGpuObservation records refresh telemetry for a GPU row. Rows that
// are assigned or zombie keep their lock state; only telemetry is updated.
func (s *BoltStore) UpdateGpuObservation(group string, status types.GpuStatus, utilization, memoryUsed float64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		gpus := tx.Bucket(bucketGpus)
		data := gpus.Get([]byte(group))
		if data == nil {
			return ErrNotFound
		}
		g := &types.GpuResource{}
		if err := json.Unmarshal(data, g); err != nil {
			return err
		}
		if g.Status != types.GpuStatusAssigned && g.Status != types.GpuStatusZombie {
			g.Status = status
		}
		g.Utilization = utilization
		g.MemoryUsed = memoryUsed
		g.LastUpdated = time.Now().UTC()
		updated, err := json.Marshal(g)
		if err != nil {
			return err
		}
		return gpus.Put([]byte(group), updated)
	})
	if err == ErrNotFound {
		return ErrNotFound
	}
	return wrapErr("update gpu observation", err)
}

// FindAndLockAnyAvailableGpu atomically selects an available GPU, marks it
// assigned to the case, and stamps the group onto the case row. Groups in
// preferred order are tried first. Returns nil when no GPU is available.
func (s *BoltStore) FindAndLockAnyAvailableGpu(caseID int64, preferred []string) (*types.GpuResource, error) {
	var locked *types.GpuResource
	err := s.db.Update(func(tx *bolt.Tx) error {
		gpus := tx.Bucket(bucketGpus)

		load := func(group string) (*types.GpuResource, error) {
			data := gpus.Get([]byte(group))
			if data == nil {
				return nil, nil
			}
			g := &types.GpuResource{}
			if err := json.Unmarshal(data, g); err != nil {
				return nil, err
			}
			return g, nil
		}

		var chosen *types.GpuResource
		for _, group := range preferred {
			g, err := load(group)
			if err != nil {
				return err
			}
			if g != nil && g.Status == types.GpuStatusAvailable {
				chosen = g
				break
			}
		}
		if chosen == nil {
			var groups []string
			if err := gpus.ForEach(func(k, v []byte) error {
				groups = append(groups, string(k))
				return nil
			}); err != nil {
				return err
			}
			sort.Strings(groups)
			for _, group := range groups {
				g, err := load(group)
				if err != nil {
					return err
				}
				if g != nil && g.Status == types.GpuStatusAvailable {
					chosen = g
					break
				}
			}
		}
		if chosen == nil {
			return nil
		}

		id := caseID
		chosen.Status = types.GpuStatusAssigned
		chosen.CaseID = &id
		chosen.LastUpdated = time.Now().UTC()
		data, err := json.Marshal(chosen)
		if err != nil {
			return err
		}
		if err := gpus.Put([]byte(chosen.PueueGroup), data); err != nil {
			return err
		}

		// Stamp the assignment onto the case in the same transaction.
		cases := tx.Bucket(bucketCases)
		if caseData := cases.Get(itob(caseID)); caseData != nil {
			c := &types.Case{}
			if err := json.Unmarshal(caseData, c); err != nil {
				return err
			}
			c.PueueGroup = chosen.PueueGroup
			c.LastUpdated = time.Now().UTC()
			updated, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if err := cases.Put(itob(caseID), updated); err != nil {
				return err
			}
		}

		locked = chosen
		return nil
	})
	if err != nil {
		return nil, wrapErr("find and lock gpu", err)
	}
	return locked, nil
}

// ReleaseGpu returns an assigned GPU to the available pool. Zombie rows are
// preserved; they require an explicit status reset after reclaim.
func (s *BoltStore) ReleaseGpu(group string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		gpus := tx.Bucket(bucketGpus)
		data := gpus.Get([]byte(group))
		if data == nil {
			return ErrNotFound
		}
		g := &types.GpuResource{}
		if err := json.Unmarshal(data, g); err != nil {
			return err
		}
		if g.Status == types.GpuStatusZombie {
			return nil
		}
		g.Status = types.GpuStatusAvailable
		g.CaseID = nil
		g.LastUpdated = time.Now().UTC()
		updated, err := json.Marshal(g)
		if err != nil {
			return err
		}
		return gpus.Put([]byte(group), updated)
	})
	if err == ErrNotFound {
		return ErrNotFound
	}
	return wrapErr("release gpu", err)
}

// RecordWorkflowStep appends a step attempt record to the audit log
func (s *BoltStore) RecordWorkflowStep(rec *types.WorkflowStepRecord) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		steps := tx.Bucket(bucketSteps)
		seq, err := steps.NextSequence()
		if err != nil {
			return err
		}
		if rec.ID == "" {
			rec.ID = fmt.Sprintf("%d-%d", rec.CaseID, seq)
		}
		key := append(itob(rec.CaseID), itob(int64(seq))...)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return steps.Put(key, data)
	})
	return wrapErr("record workflow step", err)
}

// ListWorkflowSteps returns the step records for a case in append order
func (s *BoltStore) ListWorkflowSteps(caseID int64) ([]*types.WorkflowStepRecord, error) {
	prefix := itob(caseID)
	var out []*types.WorkflowStepRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketSteps).Cursor()
		for k, v := cur.Seek(prefix); k != nil && len(k) >= 8 && string(k[:8]) == string(prefix); k, v = cur.Next() {
			rec := &types.WorkflowStepRecord{}
			if err := json.Unmarshal(v, rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("list workflow steps", err)
	}
	return out, nil
}

var _ Store = (*BoltStore)(nil)
