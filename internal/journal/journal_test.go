package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/oxidisk/oxidiskd/internal/model"
)

func TestBeginPeekCommit(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "journal.json"), 0, 0)

	if rec, err := s.Peek(); err != nil || rec != nil {
		t.Fatalf("expected empty slot, got %+v err=%v", rec, err)
	}

	rec := model.JournalRecord{
		Operation: model.JournalMove,
		Device:    "disk0s2",
		Disk:      "disk0",
		SrcOffset: 1024,
		DstOffset: 2048,
		SizeBytes: 4096,
		BlockSize: 4 * 1024 * 1024,
	}
	if err := s.Begin(rec); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	got, err := s.Peek()
	if err != nil || got == nil {
		t.Fatalf("Peek after Begin: %+v err=%v", got, err)
	}
	if got.Device != rec.Device || got.LastCopied != 0 {
		t.Fatalf("unexpected record: %+v", got)
	}

	if err := s.Checkpoint(2048, true); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	got, _ = s.Peek()
	if got.LastCopied != 2048 {
		t.Fatalf("expected LastCopied=2048, got %d", got.LastCopied)
	}

	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if rec, err := s.Peek(); err != nil || rec != nil {
		t.Fatalf("expected empty slot after commit, got %+v err=%v", rec, err)
	}
}

func TestCheckpointRateLimited(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "journal.json"), time.Hour, 1024*1024*1024)

	if err := s.Begin(model.JournalRecord{Operation: model.JournalCopy, Device: "d", Disk: "disk"}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := s.Checkpoint(10, false); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	got, _ := s.Peek()
	if got.LastCopied != 0 {
		t.Fatalf("expected rate-limited checkpoint to no-op, got LastCopied=%d", got.LastCopied)
	}
}

func TestAbortOnEmptySlotIsNoop(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "journal.json"), 0, 0)
	if err := s.Abort(); err != nil {
		t.Fatalf("Abort on empty slot should be a no-op, got %v", err)
	}
}
