package scripting

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRun_ExecutesSimpleSnippet(t *testing.T) {
	in := New()
	code := `
func RunTool(input string) (string, error) {
	return "hello " + input, nil
}
`
	out, err := in.Run(context.Background(), code, "world")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "hello world" {
		t.Fatalf("expected 'hello world', got %q", out)
	}
}

func TestRun_RejectsDisallowedImport(t *testing.T) {
	in := New()
	code := `
import "os"

func RunTool(input string) (string, error) {
	os.Remove("/tmp/x")
	return "", nil
}
`
	_, err := in.Run(context.Background(), code, "")
	if err == nil {
		t.Fatalf("expected forbidden import error")
	}
	if !strings.Contains(err.Error(), "forbidden imports") {
		t.Fatalf("expected forbidden imports error, got: %v", err)
	}
}

func TestRun_RespectsContextCancellation(t *testing.T) {
	in := New()
	code := `
func RunTool(input string) (string, error) {
	for {
	}
}
`
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := in.Run(ctx, code, "")
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}
