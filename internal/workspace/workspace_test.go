package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBeginCommit_WritesFileAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	m := New(dir)
	if _, err := m.Begin("task-1"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.AddEdit("task-1", Edit{Path: path, Type: EditCreate, Content: []byte("hello")}); err != nil {
		t.Fatalf("AddEdit: %v", err)
	}
	if _, err := m.Prepare("task-1"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := m.Commit("task-1"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
	if m.Active("task-1") {
		t.Fatalf("expected no active transaction after commit")
	}
}

func TestPrepare_DetectsExternalModificationAsConflict(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(path, []byte("original"), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	m := New(dir)
	if _, err := m.Begin("task-1"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.AddEdit("task-1", Edit{Path: path, Type: EditModify, OldHash: hashContent([]byte("original")), Content: []byte("changed by task")}); err != nil {
		t.Fatalf("AddEdit: %v", err)
	}

	// Simulate an external write between snapshot and prepare.
	if err := os.WriteFile(path, []byte("modified externally"), 0644); err != nil {
		t.Fatalf("external write: %v", err)
	}

	txn, err := m.Prepare("task-1")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(txn.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(txn.Conflicts))
	}
	if txn.Status != StatusAborted {
		t.Fatalf("expected aborted status on conflict, got %s", txn.Status)
	}
}

func TestCommitFailure_RollsBackToSnapshot(t *testing.T) {
	dir := t.TempDir()
	okPath := filepath.Join(dir, "ok.txt")
	if err := os.WriteFile(okPath, []byte("original"), 0644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// A path whose parent cannot be created (file, not dir) to force a commit failure.
	blockerFile := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blockerFile, []byte("x"), 0644); err != nil {
		t.Fatalf("seed blocker: %v", err)
	}
	badPath := filepath.Join(blockerFile, "child.txt")

	m := New(dir)
	if _, err := m.Begin("task-1"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.AddEdit("task-1", Edit{Path: okPath, Type: EditModify, OldHash: hashContent([]byte("original")), Content: []byte("changed")}); err != nil {
		t.Fatalf("AddEdit ok: %v", err)
	}
	if err := m.AddEdit("task-1", Edit{Path: badPath, Type: EditCreate, Content: []byte("nope")}); err != nil {
		t.Fatalf("AddEdit bad: %v", err)
	}
	if _, err := m.Prepare("task-1"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := m.Commit("task-1"); err == nil {
		t.Fatalf("expected Commit to fail due to bad path")
	}

	got, err := os.ReadFile(okPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "original" {
		t.Fatalf("expected rollback to restore original content, got %q", got)
	}
}

func TestAbort_LeavesFilesUntouched(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")

	m := New(dir)
	if _, err := m.Begin("task-1"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.AddEdit("task-1", Edit{Path: path, Type: EditCreate, Content: []byte("should not appear")}); err != nil {
		t.Fatalf("AddEdit: %v", err)
	}
	if err := m.Abort("task-1", "cancelled"); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file to not exist after abort")
	}
}

func TestStagedContent_SeesPriorEditInSameTransaction(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(path, []byte("original"), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	m := New(dir)
	if _, err := m.Begin("task-1"); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	if _, ok := m.StagedContent("task-1", path); ok {
		t.Fatalf("expected no staged content before any edit")
	}

	firstHash, err := m.SnapshotHash("task-1", path)
	if err != nil {
		t.Fatalf("SnapshotHash: %v", err)
	}
	if firstHash != hashContent([]byte("original")) {
		t.Fatalf("expected first SnapshotHash to reflect on-disk content")
	}
	if err := m.AddEdit("task-1", Edit{Path: path, Type: EditModify, OldHash: firstHash, Content: []byte("first edit")}); err != nil {
		t.Fatalf("AddEdit first: %v", err)
	}

	staged, ok := m.StagedContent("task-1", path)
	if !ok || string(staged) != "first edit" {
		t.Fatalf("expected StagedContent to see the first edit, got %q ok=%v", staged, ok)
	}

	// A second edit's OldHash must still reflect the true pre-transaction
	// content, not the intermediate staged value, so Prepare's conflict
	// check compares against the file's real starting point.
	secondHash, err := m.SnapshotHash("task-1", path)
	if err != nil {
		t.Fatalf("SnapshotHash second: %v", err)
	}
	if secondHash != firstHash {
		t.Fatalf("expected SnapshotHash to stay stable across edits: first=%s second=%s", firstHash, secondHash)
	}
	if err := m.AddEdit("task-1", Edit{Path: path, Type: EditModify, OldHash: secondHash, Content: []byte("second edit")}); err != nil {
		t.Fatalf("AddEdit second: %v", err)
	}

	txn, err := m.Prepare("task-1")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(txn.Conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %+v", txn.Conflicts)
	}
}

func TestBegin_RejectsSecondActiveTransactionForSameTask(t *testing.T) {
	m := New(t.TempDir())
	if _, err := m.Begin("task-1"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := m.Begin("task-1"); err == nil {
		t.Fatalf("expected second Begin for same task to fail")
	}
}
