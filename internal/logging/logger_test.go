package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInitialize_DebugModeCreatesLogDir(t *testing.T) {
	root := t.TempDir()
	if err := Initialize(root, Config{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, ".merlin", "logs")); err != nil {
		t.Fatalf("expected logs directory to exist: %v", err)
	}
}

func TestInitialize_ProductionModeIsNoop(t *testing.T) {
	root := t.TempDir()
	if err := Initialize(root, Config{DebugMode: false}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, ".merlin", "logs")); err == nil {
		t.Fatalf("expected no logs directory in production mode")
	}
}

func TestIsCategoryEnabled_RespectsFilter(t *testing.T) {
	root := t.TempDir()
	if err := Initialize(root, Config{
		DebugMode:  true,
		Categories: map[string]bool{string(CategoryRouter): false},
	}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if IsCategoryEnabled(CategoryRouter) {
		t.Errorf("expected router category to be disabled")
	}
	if !IsCategoryEnabled(CategoryAnalyzer) {
		t.Errorf("expected analyzer category to default to enabled")
	}
}

func TestGet_ReturnsSameLoggerPerCategory(t *testing.T) {
	root := t.TempDir()
	if err := Initialize(root, Config{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	a := Get(CategoryScheduler)
	b := Get(CategoryScheduler)
	if a != b {
		t.Errorf("expected Get to return a cached logger instance")
	}
}
