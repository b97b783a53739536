package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"sender/internal/broadcast"
	logx "sender/pkg/logx"
)

// fileStore keeps jobs in memory and makes every mutation durable in an
// append-only journal.
//
// Files:
//   - <prefix>.jobs.snapshot.json (compacted state)
//   - <prefix>.jobs.journal.jsonl (mutations since the snapshot)
type fileStore struct {
	*Memory
	log logx.Logger

	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalRecord struct {
	Op     string               `json:"op"`
	ID     string               `json:"id"`
	Job    *broadcast.Job       `json:"job,omitempty"`
	Update *broadcast.JobUpdate `json:"update,omitempty"`
	Line   string               `json:"line,omitempty"`
}

const (
	opCreate = "create"
	opUpdate = "update"
	opLog    = "log"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		Memory:       NewMemory(),
		log:          log,
		snapshotPath: prefix + ".jobs.snapshot.json",
		compactEvery: cfg.CompactEvery,
	}
	if s.compactEvery <= 0 {
		s.compactEvery = 1000
	}
	journalPath := prefix + ".jobs.journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	replayed, err := s.replay(journalPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	s.log.Info("file store opened", logx.String("path", prefix),
		logx.Int("jobs", len(s.jobs)), logx.Int("replayed", replayed))
	return s, nil
}

func (s *fileStore) CreateJob(ctx context.Context, job broadcast.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.createLocked(job); err != nil {
		return err
	}
	stored := cloneJob(*s.jobs[strings.TrimSpace(job.ID)])
	return s.writeLocked(journalRecord{Op: opCreate, ID: stored.ID, Job: &stored})
}

func (s *fileStore) UpdateJob(ctx context.Context, id string, u broadcast.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.updateLocked(id, u); err != nil {
		return err
	}
	return s.writeLocked(journalRecord{Op: opUpdate, ID: id, Update: &u})
}

func (s *fileStore) AppendJobLog(ctx context.Context, id, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(id, line); err != nil {
		return err
	}
	return s.writeLocked(journalRecord{Op: opLog, ID: id, Line: line})
}

func (s *fileStore) writeLocked(rec journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	s.closed = true
	return errors.Join(cerr, err)
}

// compactLocked writes the full state to the snapshot and truncates the journal.
func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.snapshotLocked()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]broadcast.Job
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for id, j := range m {
		s.jobs[id] = &j
	}
	return nil
}

// replay applies journal records on top of the snapshot. Undecodable lines
// (a torn final write) and records that no longer apply are skipped.
func (s *fileStore) replay(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil || rec.ID == "" {
			continue
		}
		var aerr error
		switch rec.Op {
		case opCreate:
			if rec.Job != nil {
				j := cloneJob(*rec.Job)
				s.jobs[rec.ID] = &j
			}
		case opUpdate:
			if rec.Update != nil {
				aerr = s.updateLocked(rec.ID, *rec.Update)
			}
		case opLog:
			aerr = s.appendLocked(rec.ID, rec.Line)
		default:
			continue
		}
		if aerr != nil {
			s.log.Debug("journal record skipped", logx.String("op", rec.Op), logx.Err(aerr))
			continue
		}
		n++
	}
	return n, sc.Err()
}
