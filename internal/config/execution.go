package config

// ExecutionConfig scopes what the IsolatedBuildEnv exposes to spawned
// processes: the allowed environment-variable subset, the working
// directory, and which binaries may be invoked by the shell tool.
type ExecutionConfig struct {
	AllowedBinaries  []string `yaml:"allowed_binaries,omitempty"`
	WorkingDirectory string   `yaml:"working_directory,omitempty"`
	AllowedEnvVars   []string `yaml:"allowed_env_vars,omitempty"`
}

// DefaultExecutionConfig allows the common build/test/vcs toolchain.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		AllowedBinaries: []string{
			"go", "git", "grep", "ls", "mkdir", "cp", "mv",
			"npm", "npx", "node", "python", "python3", "pip",
			"cargo", "rustc", "make", "cmake",
		},
		WorkingDirectory: ".",
		AllowedEnvVars:   []string{"PATH", "HOME", "GOPATH", "GOROOT", "GOCACHE", "GOMODCACHE"},
	}
}
