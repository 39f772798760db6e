//go:build darwin

package tactile

import (
	"syscall"
)

// createRlimits generates rlimit values from ResourceLimits (macOS version).
// Returns a map of resource type to rlimit struct.
// Note: macOS doesn't have RLIMIT_NPROC, and some limits behave differently.
func createRlimits(limits *ResourceLimits) map[int]syscall.Rlimit {
	return createRlimitsCommon(limits)
}

// GetPlatformExecutor returns the best executor for macOS.
// macOS doesn't support Linux namespaces or cgroups; this returns the
// direct executor, which enforces timeouts and output limits but sets no
// rlimits.
func GetPlatformExecutor(config ExecutorConfig) Executor {
	return NewDirectExecutorWithConfig(config)
}
