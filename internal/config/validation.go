package config

// ValidationConfig gates the syntax/build/test/lint stages of the
// validation pipeline and controls early-exit behavior.
type ValidationConfig struct {
	Syntax    StageConfig `yaml:"syntax"`
	Build     StageConfig `yaml:"build"`
	Test      StageConfig `yaml:"test"`
	Lint      StageConfig `yaml:"lint"`
	EarlyExit bool        `yaml:"early_exit"`
}

// StageConfig toggles a single validation stage.
type StageConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultValidationConfig enables every stage with early exit, matching
// the pipeline's documented default behavior.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		Syntax:    StageConfig{Enabled: true},
		Build:     StageConfig{Enabled: true},
		Test:      StageConfig{Enabled: true},
		Lint:      StageConfig{Enabled: true},
		EarlyExit: true,
	}
}
