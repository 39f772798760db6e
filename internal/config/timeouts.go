package config

import "time"

// TimeoutsConfig bounds every process-spawning tool call and stage.
type TimeoutsConfig struct {
	ToolDefaultSecs int `yaml:"tool_default_secs"`
	BuildSecs       int `yaml:"build_secs"`
	TestSecs        int `yaml:"test_secs"`
}

// DefaultTimeoutsConfig matches the 30s tool default named in the
// concurrency & resource model.
func DefaultTimeoutsConfig() TimeoutsConfig {
	return TimeoutsConfig{
		ToolDefaultSecs: 30,
		BuildSecs:       120,
		TestSecs:        180,
	}
}

func (t TimeoutsConfig) ToolDefault() time.Duration {
	return time.Duration(t.ToolDefaultSecs) * time.Second
}

func (t TimeoutsConfig) Build() time.Duration {
	return time.Duration(t.BuildSecs) * time.Second
}

func (t TimeoutsConfig) Test() time.Duration {
	return time.Duration(t.TestSecs) * time.Second
}
