// Package workspace implements the TaskWorkspace transactional overlay: a
// snapshot of the files a task is allowed to touch, staged edits that only
// become visible to the rest of the project on Commit, and a rollback path
// that restores every touched file to a bitwise-identical copy of what it
// held at snapshot time. Commit and rollback follow a Two-Phase Commit
// shape: Prepare stages and validates, Commit applies, Abort/Rollback
// discards.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"merlin/internal/logging"
)

// Status represents where a transaction is in the 2PC protocol.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPreparing  Status = "preparing"
	StatusReady      Status = "ready"
	StatusCommitting Status = "committing"
	StatusCommitted  Status = "committed"
	StatusAborted    Status = "aborted"
)

// EditType categorizes a staged file edit.
type EditType string

const (
	EditModify EditType = "modify"
	EditCreate EditType = "create"
	EditDelete EditType = "delete"
)

// Edit represents a proposed change to a single file.
type Edit struct {
	Path      string
	OldHash   string // expected hash at snapshot time, for conflict detection
	Content   []byte
	Type      EditType
	Timestamp time.Time
}

// ConflictError indicates a file changed on disk between snapshot and
// commit time: the orchestrator's error taxonomy treats this as a
// Conflict, deferring the task rather than surfacing it to the user.
type ConflictError struct {
	Path   string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Path, e.Reason)
}

// Transaction is one task's atomic unit of work across one or more files.
type Transaction struct {
	ID           string
	TaskID       string
	SnapshotTime time.Time
	CommitTime   time.Time
	Status       Status
	Edits        []Edit
	snapshots    map[string][]byte
	Conflicts    []ConflictError
	Err          error
}

// Manager coordinates TaskWorkspace transactions. One transaction may be
// active per task at a time; the manager itself supports many tasks
// concurrently, each with its own active transaction.
type Manager struct {
	mu          sync.RWMutex
	projectRoot string
	txns        map[string]*Transaction // by transaction ID
	activeByTask map[string]string      // taskID -> active transaction ID
}

// New creates a workspace manager rooted at projectRoot.
func New(projectRoot string) *Manager {
	return &Manager{
		projectRoot:  projectRoot,
		txns:         make(map[string]*Transaction),
		activeByTask: make(map[string]string),
	}
}

// Begin opens a transaction for taskID. Only one transaction may be active
// per task; a second Begin for the same task fails until the first is
// committed or aborted.
func (m *Manager) Begin(taskID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.activeByTask[taskID]; ok {
		return nil, fmt.Errorf("task %s already has an active transaction: %s", taskID, existing)
	}

	txnID := fmt.Sprintf("txn_%s_%d", taskID, time.Now().UnixNano())
	txn := &Transaction{
		ID:           txnID,
		TaskID:       taskID,
		SnapshotTime: time.Now(),
		Status:       StatusPending,
		Edits:        make([]Edit, 0),
		snapshots:    make(map[string][]byte),
	}

	m.txns[txnID] = txn
	m.activeByTask[taskID] = txnID

	logging.WorkspaceDebug("transaction started: %s (task=%s)", txnID, taskID)
	return txn, nil
}

// AddEdit stages a file edit against the task's active transaction,
// snapshotting the file's original content the first time it's touched.
func (m *Manager) AddEdit(taskID string, edit Edit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, err := m.activeTxnLocked(taskID)
	if err != nil {
		return err
	}
	if txn.Status != StatusPending {
		return fmt.Errorf("transaction %s not pending: %s", txn.ID, txn.Status)
	}

	absPath := edit.Path
	if !filepath.IsAbs(absPath) {
		return fmt.Errorf("edit path must be absolute: %s", edit.Path)
	}

	if edit.Type != EditCreate {
		if _, exists := txn.snapshots[absPath]; !exists {
			content, readErr := os.ReadFile(absPath)
			if readErr != nil && edit.Type == EditModify {
				return fmt.Errorf("snapshot failed for %s: %w", absPath, readErr)
			}
			txn.snapshots[absPath] = content
		}
	}

	edit.Path = absPath
	edit.Timestamp = time.Now()
	txn.Edits = append(txn.Edits, edit)

	logging.WorkspaceDebug("staged edit in %s: %s (%s)", txn.ID, absPath, edit.Type)
	return nil
}

// Prepare validates that every touched file is still at the hash it was
// snapshotted at (Phase 1 of 2PC). Any mismatch is a Conflict, not a hard
// failure: the caller defers the task and retries later.
func (m *Manager) Prepare(taskID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, err := m.activeTxnLocked(taskID)
	if err != nil {
		return nil, err
	}
	if txn.Status != StatusPending {
		return nil, fmt.Errorf("transaction %s not pending: %s", txn.ID, txn.Status)
	}

	txn.Status = StatusPreparing
	logging.WorkspaceDebug("preparing transaction %s", txn.ID)

	var conflicts []ConflictError
	for _, edit := range txn.Edits {
		if edit.Type != EditModify || edit.OldHash == "" {
			continue
		}
		current, readErr := os.ReadFile(edit.Path)
		if readErr != nil {
			conflicts = append(conflicts, ConflictError{Path: edit.Path, Reason: fmt.Sprintf("read failed: %v", readErr)})
			continue
		}
		if hashContent(current) != edit.OldHash {
			conflicts = append(conflicts, ConflictError{Path: edit.Path, Reason: "file modified externally since snapshot"})
		}
	}

	txn.Conflicts = conflicts
	if len(conflicts) > 0 {
		txn.Status = StatusAborted
		logging.WorkspaceDebug("transaction %s has %d conflicts", txn.ID, len(conflicts))
		return txn, nil
	}

	txn.Status = StatusReady
	logging.WorkspaceDebug("transaction %s ready to commit", txn.ID)
	return txn, nil
}

// Commit applies staged edits atomically using a temp-file-then-rename
// pattern per file (Phase 2 of 2PC). On any write failure, every file
// already committed in this call is rolled back to its snapshot content.
func (m *Manager) Commit(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, err := m.activeTxnLocked(taskID)
	if err != nil {
		return err
	}
	if txn.Status != StatusReady {
		return fmt.Errorf("transaction %s not ready to commit: %s", txn.ID, txn.Status)
	}

	txn.Status = StatusCommitting
	logging.WorkspaceDebug("committing transaction %s", txn.ID)

	var committed []string
	for _, edit := range txn.Edits {
		switch edit.Type {
		case EditModify, EditCreate:
			if mkErr := os.MkdirAll(filepath.Dir(edit.Path), 0755); mkErr != nil {
				m.rollback(txn, committed)
				txn.Status = StatusAborted
				txn.Err = fmt.Errorf("mkdir failed for %s: %w", edit.Path, mkErr)
				return txn.Err
			}
			if writeErr := atomicWrite(edit.Path, edit.Content); writeErr != nil {
				m.rollback(txn, committed)
				txn.Status = StatusAborted
				txn.Err = fmt.Errorf("write failed for %s: %w", edit.Path, writeErr)
				return txn.Err
			}
			committed = append(committed, edit.Path)

		case EditDelete:
			if rmErr := os.Remove(edit.Path); rmErr != nil && !os.IsNotExist(rmErr) {
				m.rollback(txn, committed)
				txn.Status = StatusAborted
				txn.Err = fmt.Errorf("delete failed for %s: %w", edit.Path, rmErr)
				return txn.Err
			}
			committed = append(committed, edit.Path)
		}
	}

	txn.Status = StatusCommitted
	txn.CommitTime = time.Now()
	delete(m.activeByTask, taskID)

	logging.WorkspaceDebug("transaction %s committed (%d files)", txn.ID, len(committed))
	return nil
}

// Abort discards the active transaction without touching the filesystem.
func (m *Manager) Abort(taskID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, err := m.activeTxnLocked(taskID)
	if err != nil {
		return err
	}
	if txn.Status == StatusCommitted {
		return fmt.Errorf("cannot abort committed transaction %s", txn.ID)
	}

	txn.Status = StatusAborted
	txn.Err = fmt.Errorf("aborted: %s", reason)
	delete(m.activeByTask, taskID)

	logging.WorkspaceDebug("transaction %s aborted: %s", txn.ID, reason)
	return nil
}

// rollback restores already-committed files to their snapshot content.
// Restoration is bitwise-identical: files that didn't exist at snapshot
// time are removed rather than written as empty.
func (m *Manager) rollback(txn *Transaction, committed []string) {
	logging.WorkspaceDebug("rolling back transaction %s (%d files)", txn.ID, len(committed))
	for _, path := range committed {
		original, existed := txn.snapshots[path]
		if !existed {
			_ = os.Remove(path)
			continue
		}
		if original == nil {
			_ = os.Remove(path)
			continue
		}
		if err := atomicWrite(path, original); err != nil {
			logging.Get(logging.CategoryWorkspace).Error("rollback failed for %s: %v", path, err)
		}
	}
}

// activeTxnLocked resolves a task's active transaction. Caller must hold m.mu.
func (m *Manager) activeTxnLocked(taskID string) (*Transaction, error) {
	txnID, ok := m.activeByTask[taskID]
	if !ok {
		return nil, fmt.Errorf("no active transaction for task %s", taskID)
	}
	txn, ok := m.txns[txnID]
	if !ok {
		return nil, fmt.Errorf("transaction not found: %s", txnID)
	}
	return txn, nil
}

// Transaction returns a transaction by ID, regardless of whether it's
// still active.
func (m *Manager) Transaction(txnID string) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txn, ok := m.txns[txnID]
	return txn, ok
}

// StagedContent returns the most recently staged content for absPath under
// taskID's active transaction, so a tool that edits the same file twice in
// one attempt reads its own prior write instead of what's still on disk
// (read-committed within a task). ok is false if no edit has touched
// absPath yet in this transaction.
func (m *Manager) StagedContent(taskID, absPath string) (content []byte, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, err := m.activeTxnLocked(taskID)
	if err != nil {
		return nil, false
	}
	for i := len(txn.Edits) - 1; i >= 0; i-- {
		if txn.Edits[i].Path != absPath {
			continue
		}
		if txn.Edits[i].Type == EditDelete {
			return nil, true
		}
		return txn.Edits[i].Content, true
	}
	return nil, false
}

// SnapshotHash returns the conflict-detection hash of absPath's content as
// of the start of taskID's transaction: the snapshot already captured by
// an earlier AddEdit if one touched this path, or a fresh read of the
// still-untouched file otherwise. Callers use this for an Edit's OldHash
// instead of hashing whatever staged content they're about to replace, so
// Prepare's conflict check always compares against the true pre-transaction
// content regardless of how many times the task has edited the path.
func (m *Manager) SnapshotHash(taskID, absPath string) (string, error) {
	m.mu.RLock()
	txn, err := m.activeTxnLocked(taskID)
	if err != nil {
		m.mu.RUnlock()
		return "", err
	}
	content, exists := txn.snapshots[absPath]
	createdByTask := false
	if !exists {
		for _, e := range txn.Edits {
			if e.Path == absPath && e.Type == EditCreate {
				createdByTask = true
				break
			}
		}
	}
	m.mu.RUnlock()

	if exists {
		return hashContent(content), nil
	}
	if createdByTask {
		// No pre-transaction content exists for a file this task itself
		// created: nothing to detect a conflict against.
		return "", nil
	}

	disk, readErr := os.ReadFile(absPath)
	if readErr != nil {
		return "", fmt.Errorf("snapshot hash for %s: %w", absPath, readErr)
	}
	return hashContent(disk), nil
}

// Active reports whether taskID currently has an open transaction.
func (m *Manager) Active(taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.activeByTask[taskID]
	return ok
}

// atomicWrite writes content to a temp file in the same directory as path
// and renames it into place, so a concurrent reader never observes a
// partially written file.
func atomicWrite(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".workspace-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// hashContent computes a conflict-detection hash for file content. It is
// not cryptographic; it only needs to detect accidental external edits
// between snapshot and commit time.
func hashContent(content []byte) string {
	if len(content) == 0 {
		return "empty"
	}
	hash := uint64(1469598103934665603)
	for _, b := range content {
		hash ^= uint64(b)
		hash *= 1099511628211
	}
	return fmt.Sprintf("%016x", hash)
}
