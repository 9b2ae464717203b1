package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zjrosen/maestro/internal/log"
)

// debounceWindow coalesces bursts of mutations into one disk write.
const debounceWindow = time.Second

// Store persists the whole orchestrator table as a single JSON array.
// Writes are debounced and coalesced; Flush forces the latest snapshot to
// disk with an fsync barrier.
type Store struct {
	path string

	mu      sync.Mutex
	pending []*Orchestrator
	dirty   bool
	timer   *time.Timer
}

// NewStore creates a store writing to path. The parent directory is created
// on first write.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// LoadAll reads every persisted orchestrator. A missing file yields an
// empty table. Records failing invariant checks are skipped with a warning
// so one corrupt entry cannot block startup.
func (s *Store) LoadAll() ([]*Orchestrator, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("orchestrator store: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var records []*Orchestrator
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("orchestrator store: decode %s: %w", s.path, err)
	}

	valid := records[:0]
	for _, rec := range records {
		if err := rec.validateInvariants(); err != nil {
			log.Warn(log.CatStore, "skipping invalid orchestrator record", "error", err)
			continue
		}
		valid = append(valid, rec)
	}
	log.Info(log.CatStore, "orchestrators loaded", "count", len(valid))
	return valid, nil
}

// Schedule queues a snapshot for writing. Later snapshots within the
// debounce window replace earlier ones.
func (s *Store) Schedule(records []*Orchestrator) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = records
	s.dirty = true
	if s.timer == nil {
		s.timer = time.AfterFunc(debounceWindow, s.flushTimer)
	} else {
		s.timer.Reset(debounceWindow)
	}
}

func (s *Store) flushTimer() {
	if err := s.Flush(); err != nil {
		log.ErrorErr(log.CatStore, "debounced write failed", err)
	}
}

// Flush writes the latest snapshot immediately and fsyncs it. No-op when
// nothing changed since the last write.
func (s *Store) Flush() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	records := s.pending
	s.dirty = false
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	return s.write(records)
}

// write performs an atomic replace: temp file, fsync, rename.
func (s *Store) write(records []*Orchestrator) error {
	if records == nil {
		records = []*Orchestrator{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator store: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("orchestrator store: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".orchestrators-*.json")
	if err != nil {
		return fmt.Errorf("orchestrator store: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("orchestrator store: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("orchestrator store: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("orchestrator store: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("orchestrator store: rename: %w", err)
	}

	log.Debug(log.CatStore, "orchestrators persisted", "count", len(records), "path", s.path)
	return nil
}
