// Package build provides the IsolatedBuildEnv environment construction used
// by the validation pipeline: a scoped working directory, populated with a
// copy of the project plus a task's staged-but-uncommitted edits, and an
// environment-variable subset assembled the same way regardless of which
// stage invokes it. This is what lets Build and Test (and, since they run
// against the same directory, Syntax and Lint too) see what a task is
// about to commit without the live project tree ever being touched.
package build

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"merlin/internal/config"
	"merlin/internal/logging"
	"merlin/internal/workspace"
)

// BuildConfig holds project-specific build environment additions.
type BuildConfig struct {
	// EnvVars are additional environment variables for builds.
	// Key examples: CGO_CFLAGS, CGO_LDFLAGS, CGO_ENABLED, CC, CXX
	EnvVars map[string]string `json:"env_vars,omitempty"`

	// GoFlags are additional flags for go build/test commands.
	GoFlags []string `json:"go_flags,omitempty"`

	// CGOPackages lists packages that require CGO (for documentation/detection).
	CGOPackages []string `json:"cgo_packages,omitempty"`
}

// DefaultBuildConfig returns sensible defaults.
func DefaultBuildConfig() *BuildConfig {
	return &BuildConfig{
		EnvVars:     make(map[string]string),
		GoFlags:     []string{},
		CGOPackages: []string{},
	}
}

// GetBuildEnv returns the proper environment for go build/test commands.
// It merges:
// 1. Current process environment (filtered)
// 2. Whitelisted env vars from config
// 3. Project-specific build config (CGO_CFLAGS, etc.)
//
// This is the single source of truth for build environment.
// All components should use this instead of raw os.Environ().
func GetBuildEnv(cfg *config.Config, workspaceRoot string) []string {
	logging.BuildDebug("Building environment for workspace: %s", workspaceRoot)

	// Start with essential Go environment
	env := getBaseGoEnv()

	// Add whitelisted vars from execution config
	if cfg != nil {
		for _, key := range cfg.Execution.AllowedEnvVars {
			if val := os.Getenv(key); val != "" {
				env = append(env, key+"="+val)
				logging.BuildDebug("Added whitelisted env: %s", key)
			}
		}
	}

	// Add project-specific build config
	buildCfg := loadBuildConfig(workspaceRoot)
	for key, val := range buildCfg.EnvVars {
		env = append(env, key+"="+val)
		logging.BuildDebug("Added build config env: %s=%s", key, val)
	}

	// Auto-detect CGO requirements if not explicitly set
	if !hasEnvKey(env, "CGO_CFLAGS") {
		if cgoFlags := detectCGOFlags(workspaceRoot); cgoFlags != "" {
			env = append(env, "CGO_CFLAGS="+cgoFlags)
			logging.BuildDebug("Auto-detected CGO_CFLAGS: %s", cgoFlags)
		}
	}

	logging.BuildDebug("Final build environment has %d vars", len(env))
	return env
}

// GetBuildEnvForTest returns environment for go test commands.
// It returns the same environment as GetBuildEnv; no test-specific
// settings are added.
func GetBuildEnvForTest(cfg *config.Config, workspaceRoot string) []string {
	env := GetBuildEnv(cfg, workspaceRoot)

	// The race detector is not enabled here, in CI or otherwise
	if !hasEnvKey(env, "GOFLAGS") && os.Getenv("CI") == "" {
		// Don't force race detector as it's slower
		// Let callers add -race flag explicitly if needed
	}

	return env
}

// getBaseGoEnv returns essential Go environment variables.
func getBaseGoEnv() []string {
	env := []string{}

	// Always include PATH for finding go binary
	if path := os.Getenv("PATH"); path != "" {
		env = append(env, "PATH="+path)
	}

	// Go-specific essential vars
	essentialVars := []string{
		"GOPATH",
		"GOROOT",
		"GOCACHE",
		"GOMODCACHE",
		"HOME",        // Required on Unix
		"USERPROFILE", // Required on Windows
		"LOCALAPPDATA", // Required for GOCACHE default on Windows
		"TEMP",        // Required for go build temp files
		"TMP",
		"TMPDIR",
	}

	for _, key := range essentialVars {
		if val := os.Getenv(key); val != "" {
			env = append(env, key+"="+val)
		}
	}

	// Ensure GOCACHE is set - Go requires this for builds
	// If not set in environment, provide a sensible default
	if !hasEnvKey(env, "GOCACHE") {
		gocache := deriveGOCACHE()
		if gocache != "" {
			env = append(env, "GOCACHE="+gocache)
			logging.BuildDebug("Derived GOCACHE: %s", gocache)
		}
	}

	return env
}

// deriveGOCACHE determines a sensible GOCACHE path when not explicitly set.
// This prevents "GOCACHE is not defined" errors in subprocess builds.
func deriveGOCACHE() string {
	// Try standard locations in order of preference

	// 1. Check if LocalAppData is available (Windows standard)
	if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
		return filepath.Join(localAppData, "go-build")
	}

	// 2. Check USERPROFILE (Windows fallback)
	if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
		return filepath.Join(userProfile, ".cache", "go-build")
	}

	// 3. Check HOME (Unix standard)
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".cache", "go-build")
	}

	// 4. Use temp directory as last resort
	if tmp := os.Getenv("TEMP"); tmp != "" {
		return filepath.Join(tmp, "go-build")
	}
	if tmp := os.Getenv("TMP"); tmp != "" {
		return filepath.Join(tmp, "go-build")
	}
	if tmp := os.Getenv("TMPDIR"); tmp != "" {
		return filepath.Join(tmp, "go-build")
	}

	// Give up - Go will error but at least we tried
	return ""
}

// loadBuildConfig resolves project-specific build configuration.
func loadBuildConfig(workspaceRoot string) *BuildConfig {
	cfg := DefaultBuildConfig()

	absRoot := workspaceRoot
	if !filepath.IsAbs(workspaceRoot) {
		if abs, err := filepath.Abs(workspaceRoot); err == nil {
			absRoot = abs
		}
	}

	headerDir := filepath.Join(absRoot, "include")
	if info, err := os.Stat(headerDir); err == nil && info.IsDir() {
		cfg.EnvVars["CGO_CFLAGS"] = "-I" + headerDir
		logging.BuildDebug("Detected header include dir at: %s", headerDir)
	}

	return cfg
}

// detectCGOFlags attempts to auto-detect required CGO_CFLAGS.
// This is a fallback when no explicit config is provided.
func detectCGOFlags(workspaceRoot string) string {
	var flags []string

	// Resolve to absolute path for reliable detection
	absRoot := workspaceRoot
	if !filepath.IsAbs(workspaceRoot) {
		if abs, err := filepath.Abs(workspaceRoot); err == nil {
			absRoot = abs
		}
	}

	// Check common header locations
	headerDirs := []string{
		"include",
	}

	for _, dir := range headerDirs {
		fullPath := filepath.Join(absRoot, dir)
		if info, err := os.Stat(fullPath); err == nil && info.IsDir() {
			flags = append(flags, "-I"+fullPath)
		}
	}

	if len(flags) > 0 {
		return strings.Join(flags, " ")
	}
	return ""
}

// hasEnvKey checks if an environment key is already set.
func hasEnvKey(env []string, key string) bool {
	prefix := key + "="
	for _, e := range env {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}

// setEnvKey sets or updates an environment variable.
func setEnvKey(env []string, key, value string) []string {
	prefix := key + "="
	for i, e := range env {
		if strings.HasPrefix(e, prefix) {
			env[i] = key + "=" + value
			return env
		}
	}
	return append(env, key+"="+value)
}

// IsolatedBuildEnv is a throwaway copy of a project tree, with a task's
// staged edits applied on top, plus the environment to run stage commands
// in it.
type IsolatedBuildEnv struct {
	Dir string
	Env []string
}

// NewIsolatedBuildEnv copies workspaceRoot into a new temp directory and
// applies edits on top of that copy, so the validation pipeline can build
// and test what a task is about to commit without ever writing to the live
// project tree. The returned cleanup function removes the temp directory;
// callers must call it once validation finishes.
func NewIsolatedBuildEnv(cfg *config.Config, workspaceRoot string, edits []workspace.Edit) (*IsolatedBuildEnv, func(), error) {
	dir, err := os.MkdirTemp("", "merlin-validate-*")
	if err != nil {
		return nil, nil, fmt.Errorf("create isolated build dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	if err := copyTree(workspaceRoot, dir); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("copy workspace into isolated dir: %w", err)
	}

	for _, edit := range edits {
		rel, relErr := filepath.Rel(workspaceRoot, edit.Path)
		if relErr != nil || strings.HasPrefix(rel, "..") {
			logging.BuildDebug("skipping edit outside workspace root: %s", edit.Path)
			continue
		}
		dst := filepath.Join(dir, rel)

		switch edit.Type {
		case workspace.EditDelete:
			_ = os.Remove(dst)
		case workspace.EditCreate, workspace.EditModify:
			if mkErr := os.MkdirAll(filepath.Dir(dst), 0755); mkErr != nil {
				cleanup()
				return nil, nil, fmt.Errorf("stage %s in isolated dir: %w", rel, mkErr)
			}
			if writeErr := os.WriteFile(dst, edit.Content, 0644); writeErr != nil {
				cleanup()
				return nil, nil, fmt.Errorf("stage %s in isolated dir: %w", rel, writeErr)
			}
		}
	}

	return &IsolatedBuildEnv{Dir: dir, Env: GetBuildEnv(cfg, dir)}, cleanup, nil
}

// copyTree recursively copies src into dst, which must already exist.
// Symlinks are skipped rather than followed or recreated, since a
// validation run has no business resolving links outside the tree it's
// copying.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == ".git" {
			return filepath.SkipDir
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			return nil
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
