// Package journal implements the single-slot crash-recovery record for
// in-flight byte-copy operations (move, copy, flash, backup). Writes are
// atomic (temp file + rename), the same pattern the teacher's db package
// uses transactions for: never leave the slot in a half-written state.
package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oxidisk/oxidiskd/internal/model"
)

// Store owns the single on-disk journal slot.
type Store struct {
	path string

	mu                 sync.Mutex
	checkpointInterval time.Duration
	checkpointBytes    int64
	lastCheckpoint     time.Time
	lastCopiedAtFlush  int64
}

// New builds a Store backed by the file at path. checkpointInterval and
// checkpointBytes rate-limit Checkpoint writes.
func New(path string, checkpointInterval time.Duration, checkpointBytes int64) *Store {
	return &Store{
		path:               path,
		checkpointInterval: checkpointInterval,
		checkpointBytes:    checkpointBytes,
	}
}

// Begin atomically writes a fresh journal record before any destructive
// write starts.
func (s *Store) Begin(rec model.JournalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.UpdatedAt = time.Now()
	s.lastCheckpoint = time.Time{}
	s.lastCopiedAtFlush = rec.LastCopied
	return s.writeAtomic(&rec)
}

// Checkpoint persists progress, rate-limited to at most once per
// checkpointInterval or checkpointBytes, whichever triggers first. Callers
// should still call it after every block; Checkpoint silently no-ops when
// called too soon unless force is true (used for the final flush).
func (s *Store) Checkpoint(lastCopied int64, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if !force &&
		now.Sub(s.lastCheckpoint) < s.checkpointInterval &&
		lastCopied-s.lastCopiedAtFlush < s.checkpointBytes {
		return nil
	}

	rec, err := s.peekLocked()
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	rec.LastCopied = lastCopied
	rec.UpdatedAt = now

	if err := s.writeAtomic(rec); err != nil {
		return err
	}
	s.lastCheckpoint = now
	s.lastCopiedAtFlush = lastCopied
	return nil
}

// Commit and Abort both clear the slot; the distinction exists for callers
// (and for future audit logging) even though the on-disk effect is
// identical.
func (s *Store) Commit() error { return s.clear() }
func (s *Store) Abort() error  { return s.clear() }

func (s *Store) clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Peek returns the current journal record, or nil if the slot is empty.
func (s *Store) Peek() (*model.JournalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peekLocked()
}

func (s *Store) peekLocked() (*model.JournalRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var rec model.JournalRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) writeAtomic(rec *model.JournalRecord) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".journal-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}
