package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"kcore/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"debug", zapcore.DebugLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"WARN", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"chatty", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "chatty"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNewHonoursLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "warn"
	log, err := New(cfg)
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.WarnLevel))
}

func TestFromLogConfig(t *testing.T) {
	cfg := FromLogConfig(config.LogConfig{Level: "debug", Development: true})
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.Development)
	assert.Equal(t, []string{"stderr"}, cfg.OutputPaths)
	assert.Equal(t, "console", encodingFormat(cfg.Development))
}

func TestFallbackLoggers(t *testing.T) {
	assert.NotNil(t, NewDefault().Logger)
	dev := NewDevelopment()
	require.NotNil(t, dev.Logger)
	assert.True(t, dev.Core().Enabled(zapcore.DebugLevel))
	assert.NotNil(t, dev.Kernel("demo"))
}
