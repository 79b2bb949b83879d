package logger_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/influxdata/docmigrate/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestConfig_New(t *testing.T) {
	tests := []struct {
		name     string
		format   string
		contains []string
	}{
		{
			name:     "json",
			format:   logger.FormatJSON,
			contains: []string{`"msg":"Migration completed"`, `"migration_version":"v1"`},
		},
		{
			name:     "logfmt",
			format:   logger.FormatLogfmt,
			contains: []string{`msg="Migration completed"`, `migration_version=v1`},
		},
		{
			name:     "auto is logfmt off a terminal",
			format:   logger.FormatAuto,
			contains: []string{`msg="Migration completed"`},
		},
		{
			name:     "console",
			format:   logger.FormatConsole,
			contains: []string{"Migration completed", `{"migration_version": "v1"}`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			c := logger.Config{Format: tt.format, Level: zapcore.InfoLevel}
			log, err := c.New(&buf)
			require.NoError(t, err)

			log.Debug("hidden")
			log.Info("Migration completed", zap.String("migration_version", "v1"))
			require.NoError(t, log.Sync())

			out := buf.String()
			assert.NotContains(t, out, "hidden")
			for _, s := range tt.contains {
				assert.Contains(t, out, s)
			}
		})
	}
}

func TestConfig_UnknownFormat(t *testing.T) {
	c := logger.Config{Format: "xml"}
	_, err := c.New(&bytes.Buffer{})
	assert.EqualError(t, err, "unknown logging format: xml")
}

func TestConfig_DecodeTOML(t *testing.T) {
	var c logger.Config
	_, err := toml.Decode("format = \"json\"\nlevel = \"warn\"\n", &c)
	require.NoError(t, err)
	assert.Equal(t, logger.Config{Format: logger.FormatJSON, Level: zapcore.WarnLevel}, c)
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, logger.FromContext(context.Background()))

	log := zap.NewExample()
	ctx := logger.NewContextWithLogger(context.Background(), log)
	assert.Same(t, log, logger.FromContext(ctx))
}
