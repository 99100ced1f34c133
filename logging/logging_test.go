package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want logrus.Level
		ok   bool
	}{
		{"", logrus.InfoLevel, false},
		{"debug", logrus.DebugLevel, true},
		{" WARN ", logrus.WarnLevel, true},
		{"trace", logrus.TraceLevel, true},
		{"off", logrus.PanicLevel, true},
		{"loud", logrus.InfoLevel, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig(ProfileRuntime)
	ApplyEnv(&cfg, env(map[string]string{
		EnvLogLevel:     "debug",
		EnvLogFormat:    "json",
		EnvLogTimestamp: "false",
	}))
	assert.Equal(t, logrus.DebugLevel, cfg.Level)
	assert.True(t, cfg.JSON)
	assert.False(t, cfg.Timestamp)

	cfg = DefaultConfig(ProfileTest)
	ApplyEnv(&cfg, env(map[string]string{EnvLogLevel: "nonsense", EnvLogTimestamp: "maybe"}))
	assert.Equal(t, logrus.WarnLevel, cfg.Level)
	assert.False(t, cfg.Timestamp)
}

func TestApplyJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	Config{Level: logrus.InfoLevel, JSON: true, Output: &buf}.Apply(logger)

	logger.WithField("transaction", "1:2").Debug("hidden")
	logger.WithField("transaction", "1:2").Info("shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "1:2", entry["transaction"])
	assert.NotContains(t, entry, "time")
}
