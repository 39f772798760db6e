// Package scripting provides the embedded sandboxed scripting tool: Go
// source interpreted with yaegi rather than compiled with `go build`, so
// a model-authored snippet can't hang on a missing dependency, crash the
// host process, or touch the network or filesystem.
package scripting

import (
	"context"
	"fmt"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"merlin/internal/logging"
)

// allowedPackages is the stdlib import whitelist. Anything that reaches
// the filesystem, network, or process table is excluded: os, os/exec,
// net, net/http, syscall, unsafe.
var allowedPackages = map[string]bool{
	"strings":         true,
	"strconv":         true,
	"fmt":             true,
	"math":            true,
	"regexp":          true,
	"encoding/json":   true,
	"encoding/base64": true,
	"time":            true,
	"sort":            true,
	"bytes":           true,
	"path":            true,
	"errors":          true,
	"unicode":         true,
	"unicode/utf8":    true,
}

// Interpreter runs Go snippets in a sandboxed yaegi interpreter. One
// Interpreter is safe for concurrent use; each Run call gets its own
// interp.Interpreter so snippets can't see each other's state.
type Interpreter struct{}

// New creates a scripting interpreter.
func New() *Interpreter {
	return &Interpreter{}
}

// Run evaluates code, which must define `func RunTool(input string)
// (string, error)`, and calls it with input. Execution is bounded by
// ctx: if ctx is cancelled before RunTool returns, Run returns ctx.Err()
// but the goroutine running the snippet is abandoned (yaegi has no
// native preemption point to cancel mid-evaluation).
func (in *Interpreter) Run(ctx context.Context, code string, input string) (string, error) {
	if err := validateImports(code); err != nil {
		return "", fmt.Errorf("invalid imports: %w", err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return "", fmt.Errorf("load stdlib symbols: %w", err)
	}

	if _, err := i.Eval(wrapCode(code)); err != nil {
		return "", fmt.Errorf("evaluate code: %w", err)
	}

	fn, err := i.Eval("main.RunTool")
	if err != nil {
		return "", fmt.Errorf("RunTool not found: %w", err)
	}
	runTool, ok := fn.Interface().(func(string) (string, error))
	if !ok {
		return "", fmt.Errorf("RunTool has the wrong signature, want func(string) (string, error)")
	}

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := runTool(input)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return "", o.err
		}
		logging.ScriptingDebug("ran snippet (input len=%d, output len=%d)", len(input), len(o.result))
		return o.result, nil
	case <-ctx.Done():
		return "", fmt.Errorf("script execution cancelled: %w", ctx.Err())
	}
}

func validateImports(code string) error {
	var imports []string
	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			imports = append(imports, strings.Trim(trimmed, `"`))
		case strings.HasPrefix(trimmed, "import "):
			imports = append(imports, strings.Trim(strings.TrimPrefix(trimmed, "import "), `"`))
		}
	}

	var forbidden []string
	for _, pkg := range imports {
		if pkg == "" {
			continue
		}
		if !allowedPackages[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %v", forbidden)
	}
	return nil
}

func wrapCode(code string) string {
	if strings.Contains(code, "package main") {
		return code
	}
	return "package main\n\n" + code
}
