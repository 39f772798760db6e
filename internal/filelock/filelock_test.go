package filelock

import (
	"path/filepath"
	"testing"
)

func TestAcquire_GrantsExclusiveOwnership(t *testing.T) {
	m := New()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")

	if err := m.Acquire("task-1", []string{path}); err != nil {
		t.Fatalf("Acquire(task-1): %v", err)
	}
	if err := m.Acquire("task-2", []string{path}); err == nil {
		t.Fatalf("expected task-2 to be denied the lock task-1 holds")
	}

	owner, ok := m.Owner(path)
	if !ok || owner != "task-1" {
		t.Fatalf("Owner() = %q, %v; want task-1, true", owner, ok)
	}
}

func TestAcquire_IsAllOrNothing(t *testing.T) {
	m := New()
	dir := t.TempDir()
	p1 := filepath.Join(dir, "a.txt")
	p2 := filepath.Join(dir, "b.txt")

	if err := m.Acquire("task-1", []string{p1}); err != nil {
		t.Fatalf("Acquire(task-1): %v", err)
	}
	if err := m.Acquire("task-2", []string{p2, p1}); err == nil {
		t.Fatalf("expected task-2's batch acquire to fail entirely")
	}

	if _, held := m.Owner(p2); held {
		t.Fatalf("expected p2 to remain unlocked after failed batch acquire")
	}
}

func TestRelease_FreesPathForOtherTasks(t *testing.T) {
	m := New()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")

	if err := m.Acquire("task-1", []string{path}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m.Release("task-1", []string{path})

	if err := m.Acquire("task-2", []string{path}); err != nil {
		t.Fatalf("expected task-2 to acquire freed path: %v", err)
	}
}

func TestReleaseAll_DropsEveryLockForTask(t *testing.T) {
	m := New()
	dir := t.TempDir()
	p1 := filepath.Join(dir, "a.txt")
	p2 := filepath.Join(dir, "b.txt")

	if err := m.Acquire("task-1", []string{p1, p2}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m.ReleaseAll("task-1")

	if _, held := m.Owner(p1); held {
		t.Fatalf("expected p1 freed after ReleaseAll")
	}
	if _, held := m.Owner(p2); held {
		t.Fatalf("expected p2 freed after ReleaseAll")
	}
}

func TestReacquire_BySameOwnerSucceeds(t *testing.T) {
	m := New()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")

	if err := m.Acquire("task-1", []string{path}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := m.Acquire("task-1", []string{path}); err != nil {
		t.Fatalf("re-acquire by same owner should succeed: %v", err)
	}
}
