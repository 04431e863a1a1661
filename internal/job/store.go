package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	bolt "go.etcd.io/bbolt"

	"github.com/cronfire/cronfire/internal/config"
	"github.com/cronfire/cronfire/internal/pkg/logs"
)

// Index buckets alongside the two record buckets. Keys:
//
//	idxUUID        job_uuid -> id
//	idxOrg         org_id/id -> nil
//	idxIdem        org_id/idempotency_key -> id
//	idxFingerprint fingerprint/created_at_nano -> id
//	idxExecJob     job_id/executed_at_nano/execution_uuid -> execution_uuid
//	idxExecOrg     org_id/executed_at_nano/execution_uuid -> execution_uuid
var (
	idxUUID        = []byte("idx_job_uuid")
	idxOrg         = []byte("idx_job_org")
	idxIdem        = []byte("idx_job_idem")
	idxFingerprint = []byte("idx_job_fingerprint")
	idxExecJob     = []byte("idx_exec_job")
	idxExecOrg     = []byte("idx_exec_org")
)

// Store persists jobs and executions in an embedded bbolt database.
type Store struct {
	db    *bolt.DB
	jobs  []byte
	execs []byte
}

// OpenStore opens (creating if needed) the database at cfg.Path.
func OpenStore(cfg config.DatabaseConfig) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, jobs: []byte(cfg.JobsBucket), execs: []byte(cfg.ExecutionsBucket)}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{s.jobs, s.execs, idxUUID, idxOrg, idxIdem, idxFingerprint, idxExecJob, idxExecOrg} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(s.jobs) == nil {
			return errors.New("jobs bucket missing")
		}
		return nil
	})
}

// CreateJob inserts a job and all its index entries in one transaction.
// Fails if the job uuid is already present.
func (s *Store) CreateJob(j *Job) error {
	data, err := sonic.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(idxUUID).Get([]byte(j.JobUUID)) != nil {
			return fmt.Errorf("%w: job uuid %s", ErrDuplicate, j.JobUUID)
		}
		if err := tx.Bucket(s.jobs).Put([]byte(j.ID), data); err != nil {
			return err
		}
		if err := tx.Bucket(idxUUID).Put([]byte(j.JobUUID), []byte(j.ID)); err != nil {
			return err
		}
		if err := tx.Bucket(idxOrg).Put(scopedKey(j.OrgID, j.ID), nil); err != nil {
			return err
		}
		if j.IdempotencyKey != "" {
			if err := tx.Bucket(idxIdem).Put(scopedKey(j.OrgID, j.IdempotencyKey), []byte(j.ID)); err != nil {
				return err
			}
		}
		fpKey := scopedKey(j.Fingerprint, nanoKey(j.CreatedAt))
		return tx.Bucket(idxFingerprint).Put(fpKey, []byte(j.ID))
	})
}

// GetJob returns the job by surrogate id.
func (s *Store) GetJob(id string) (*Job, error) {
	var j *Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(s.jobs).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		j = new(Job)
		return sonic.Unmarshal(data, j)
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// GetJobByUUID returns the job bearing the queue deduplication key.
func (s *Store) GetJobByUUID(jobUUID string) (*Job, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(idxUUID).Get([]byte(jobUUID))
		if v == nil {
			return ErrNotFound
		}
		id = string(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetJob(id)
}

// UpdateJob applies mutate to the stored job inside a single write
// transaction and returns the updated record.
func (s *Store) UpdateJob(id string, mutate func(*Job) error) (*Job, error) {
	var out *Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.jobs)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		j := new(Job)
		if err := sonic.Unmarshal(data, j); err != nil {
			return err
		}
		oldFingerprint := j.Fingerprint
		if err := mutate(j); err != nil {
			return err
		}
		if j.Fingerprint != oldFingerprint {
			idx := tx.Bucket(idxFingerprint)
			if err := idx.Delete(scopedKey(oldFingerprint, nanoKey(j.CreatedAt))); err != nil {
				return err
			}
			if err := idx.Put(scopedKey(j.Fingerprint, nanoKey(j.CreatedAt)), []byte(j.ID)); err != nil {
				return err
			}
		}
		j.UpdatedAt = time.Now().UTC()
		updated, err := sonic.Marshal(j)
		if err != nil {
			return err
		}
		out = j
		return b.Put([]byte(id), updated)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteJob removes the job, its indexes and, when cascade is set, its
// execution history.
func (s *Store) DeleteJob(id string, cascade bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.jobs)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		j := new(Job)
		if err := sonic.Unmarshal(data, j); err != nil {
			return err
		}

		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket(idxUUID).Delete([]byte(j.JobUUID)); err != nil {
			return err
		}
		if err := tx.Bucket(idxOrg).Delete(scopedKey(j.OrgID, j.ID)); err != nil {
			return err
		}
		if j.IdempotencyKey != "" {
			if err := tx.Bucket(idxIdem).Delete(scopedKey(j.OrgID, j.IdempotencyKey)); err != nil {
				return err
			}
		}
		if err := tx.Bucket(idxFingerprint).Delete(scopedKey(j.Fingerprint, nanoKey(j.CreatedAt))); err != nil {
			return err
		}

		if !cascade {
			return nil
		}
		return s.deleteExecutionsTx(tx, j.ID)
	})
}

// ListJobs returns the tenant's jobs matching filter, fully loaded; callers
// sort and paginate.
func (s *Store) ListJobs(orgID string, filter ListFilter) ([]*Job, error) {
	var out []*Job
	err := s.db.View(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(s.jobs)
		c := tx.Bucket(idxOrg).Cursor()
		prefix := []byte(orgID + "/")
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			id := k[len(prefix):]
			data := jobs.Get(id)
			if data == nil {
				continue
			}
			j := new(Job)
			if err := sonic.Unmarshal(data, j); err != nil {
				return err
			}
			if matchFilter(j, filter) {
				out = append(out, j)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindByIdempotencyKey returns the id of the tenant's job carrying the key.
func (s *Store) FindByIdempotencyKey(orgID, key string) (string, bool) {
	var id string
	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(idxIdem).Get(scopedKey(orgID, key)); v != nil {
			id = string(v)
		}
		return nil
	})
	return id, id != ""
}

// FingerprintSeenSince reports whether any job with the fingerprint was
// created at or after since.
func (s *Store) FingerprintSeenSince(fingerprint string, since time.Time) (bool, error) {
	seen := false
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(idxFingerprint).Cursor()
		// Seek directly to the first entry in the window.
		from := scopedKey(fingerprint, nanoKey(since))
		prefix := []byte(fingerprint + "/")
		k, _ := c.Seek(from)
		seen = k != nil && bytes.HasPrefix(k, prefix)
		return nil
	})
	return seen, err
}

// AppendExecution stores an execution record and its indexes.
func (s *Store) AppendExecution(e *Execution) error {
	data, err := sonic.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	nano := nanoKey(e.ExecutedAt)
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(s.execs).Put([]byte(e.ExecutionUUID), data); err != nil {
			return err
		}
		jk := scopedKey(e.JobID, nano+"/"+e.ExecutionUUID)
		if err := tx.Bucket(idxExecJob).Put(jk, []byte(e.ExecutionUUID)); err != nil {
			return err
		}
		ok := scopedKey(e.OrgID, nano+"/"+e.ExecutionUUID)
		return tx.Bucket(idxExecOrg).Put(ok, []byte(e.ExecutionUUID))
	})
}

// UpdateExecution rewrites an existing record (used to close out a pending
// execution). Index keys do not change: ExecutedAt is immutable.
func (s *Store) UpdateExecution(e *Execution) error {
	data, err := sonic.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.execs)
		if b.Get([]byte(e.ExecutionUUID)) == nil {
			return ErrNotFound
		}
		return b.Put([]byte(e.ExecutionUUID), data)
	})
}

// ListExecutions returns the job's executions ordered by ExecutedAt
// descending.
func (s *Store) ListExecutions(jobID string) ([]*Execution, error) {
	var out []*Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		execs := tx.Bucket(s.execs)
		c := tx.Bucket(idxExecJob).Cursor()
		prefix := []byte(jobID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			data := execs.Get(v)
			if data == nil {
				continue
			}
			e := new(Execution)
			if err := sonic.Unmarshal(data, e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Index iterates oldest first; history reads newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// OrgExecutions returns the tenant's executions at or after since, newest
// last.
func (s *Store) OrgExecutions(orgID string, since time.Time) ([]*Execution, error) {
	var out []*Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		execs := tx.Bucket(s.execs)
		c := tx.Bucket(idxExecOrg).Cursor()
		prefix := []byte(orgID + "/")
		from := scopedKey(orgID, nanoKey(since))
		for k, v := c.Seek(from); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			data := execs.Get(v)
			if data == nil {
				continue
			}
			e := new(Execution)
			if err := sonic.Unmarshal(data, e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SweepExpiredExecutions deletes execution records executed before the
// cutoff. Returns the number removed.
func (s *Store) SweepExpiredExecutions(before time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.execs)
		c := b.Cursor()
		var expired []*Execution
		for k, v := c.First(); k != nil; k, v = c.Next() {
			e := new(Execution)
			if err := sonic.Unmarshal(v, e); err != nil {
				logs.Warn("[store] skipping corrupt execution record %s: %v", k, err)
				continue
			}
			if e.ExecutedAt.Before(before) {
				expired = append(expired, e)
			}
		}
		for _, e := range expired {
			if err := b.Delete([]byte(e.ExecutionUUID)); err != nil {
				return err
			}
			nano := nanoKey(e.ExecutedAt)
			if err := tx.Bucket(idxExecJob).Delete(scopedKey(e.JobID, nano+"/"+e.ExecutionUUID)); err != nil {
				return err
			}
			if err := tx.Bucket(idxExecOrg).Delete(scopedKey(e.OrgID, nano+"/"+e.ExecutionUUID)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (s *Store) deleteExecutionsTx(tx *bolt.Tx, jobID string) error {
	execs := tx.Bucket(s.execs)
	orgIdx := tx.Bucket(idxExecOrg)
	c := tx.Bucket(idxExecJob).Cursor()
	prefix := []byte(jobID + "/")

	type entry struct {
		key  []byte
		uuid string
	}
	var doomed []entry
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		doomed = append(doomed, entry{key: append([]byte(nil), k...), uuid: string(v)})
	}
	for _, d := range doomed {
		data := execs.Get([]byte(d.uuid))
		if data != nil {
			e := new(Execution)
			if err := sonic.Unmarshal(data, e); err == nil {
				nano := nanoKey(e.ExecutedAt)
				_ = orgIdx.Delete(scopedKey(e.OrgID, nano+"/"+e.ExecutionUUID))
			}
		}
		if err := execs.Delete([]byte(d.uuid)); err != nil {
			return err
		}
		if err := tx.Bucket(idxExecJob).Delete(d.key); err != nil {
			return err
		}
	}
	return nil
}

func matchFilter(j *Job, f ListFilter) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.ScheduleType != "" && j.Schedule.Type != f.ScheduleType {
		return false
	}
	if f.ProjectID != "" && j.ProjectID != f.ProjectID {
		return false
	}
	if f.SkillID != "" && j.SkillID != f.SkillID {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(j.Name), needle) &&
			!strings.Contains(strings.ToLower(j.Prompt), needle) {
			return false
		}
	}
	if f.FromDate != nil && j.CreatedAt.Before(*f.FromDate) {
		return false
	}
	if f.ToDate != nil && j.CreatedAt.After(*f.ToDate) {
		return false
	}
	return true
}

// nanoKey renders an instant as a fixed-width sortable key segment.
func nanoKey(t time.Time) string {
	return fmt.Sprintf("%020d", t.UTC().UnixNano())
}

func scopedKey(scope, rest string) []byte {
	return []byte(scope + "/" + rest)
}
