package toolcall

import (
	"path/filepath"
	"testing"

	"merlin/internal/tools"
	"merlin/internal/workspace"
)

func TestParse_ExtractsToolCallFromSurroundingProse(t *testing.T) {
	text := `Sure, here you go:
{"tool":"write_file","input":{"file_path":"a.go","content":"package a"}}
Done.`

	call, ok := Parse(text)
	if !ok {
		t.Fatalf("expected a parsed call")
	}
	if call.Name != "write_file" {
		t.Fatalf("expected tool write_file, got %s", call.Name)
	}
	if call.Input["file_path"] != "a.go" {
		t.Fatalf("expected file_path a.go, got %v", call.Input["file_path"])
	}
}

func TestParse_PlainTextHasNoToolCall(t *testing.T) {
	if _, ok := Parse("just a plain response, no JSON at all"); ok {
		t.Fatalf("expected no tool call parsed from plain text")
	}
}

func TestResolvePath_JoinsRelativeAgainstRoot(t *testing.T) {
	root := "/project/root"

	if got := ResolvePath(root, "src/main.go"); got != filepath.Join(root, "src/main.go") {
		t.Fatalf("ResolvePath relative = %q", got)
	}
	if got := ResolvePath(root, "/elsewhere/file.go"); got != filepath.Clean("/elsewhere/file.go") {
		t.Fatalf("ResolvePath absolute = %q", got)
	}
}

func TestExecute_WriteFileJoinsRelativePathAgainstProjectRoot(t *testing.T) {
	root := t.TempDir()
	ws := workspace.New(root)
	if _, err := ws.Begin("task-1"); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	d := New(tools.NewRegistry(), ws, root)
	call := Call{ID: "c1", Name: "write_file", Input: map[string]any{
		"file_path": "pkg/new.go",
		"content":   "package pkg",
	}}

	if _, err := d.Execute(t.Context(), "task-1", call); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	txn, err := ws.Prepare("task-1")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(txn.Edits) != 1 {
		t.Fatalf("expected 1 staged edit, got %d", len(txn.Edits))
	}
	wantPath := filepath.Join(root, "pkg", "new.go")
	if txn.Edits[0].Path != wantPath {
		t.Fatalf("staged edit path = %q, want %q (tool layer must never see a relative path)", txn.Edits[0].Path, wantPath)
	}
}

func TestExecute_EditFileReadsItsOwnPriorStagedWrite(t *testing.T) {
	root := t.TempDir()
	ws := workspace.New(root)
	if _, err := ws.Begin("task-1"); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	d := New(tools.NewRegistry(), ws, root)

	if _, err := d.Execute(t.Context(), "task-1", Call{Name: "write_file", Input: map[string]any{
		"file_path": "note.txt",
		"content":   "line one\nline two\n",
	}}); err != nil {
		t.Fatalf("write_file: %v", err)
	}

	// A second edit_file call against the same path, before commit, must
	// see the first call's staged content rather than the (nonexistent)
	// on-disk file.
	if _, err := d.Execute(t.Context(), "task-1", Call{Name: "edit_file", Input: map[string]any{
		"file_path": "note.txt",
		"old_text":  "line two",
		"new_text":  "line two, edited",
	}}); err != nil {
		t.Fatalf("edit_file: %v", err)
	}

	txn, err := ws.Prepare("task-1")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(txn.Conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %+v", txn.Conflicts)
	}

	last := txn.Edits[len(txn.Edits)-1]
	want := "line one\nline two, edited\n"
	if string(last.Content) != want {
		t.Fatalf("final staged content = %q, want %q", last.Content, want)
	}
}
