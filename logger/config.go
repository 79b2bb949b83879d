package logger

import (
	"go.uber.org/zap/zapcore"
)

// Supported values of Config.Format.
const (
	FormatAuto    = "auto"
	FormatConsole = "console"
	FormatJSON    = "json"
	FormatLogfmt  = "logfmt"
)

// Config selects the encoding and the minimum level of the process logger.
type Config struct {
	Format string        `toml:"format" yaml:"format"`
	Level  zapcore.Level `toml:"level" yaml:"level"`
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{
		Format: FormatAuto,
		Level:  zapcore.InfoLevel,
	}
}
