// Package logging configures the process-wide logrus logger from the
// environment.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	EnvLogLevel     = "CFDP_LOG_LEVEL"
	EnvLogFormat    = "CFDP_LOG_FORMAT"
	EnvLogTimestamp = "CFDP_LOG_TIMESTAMP"
)

// Profile selects the defaults before environment overrides.
type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Config is the resolved logger configuration.
type Config struct {
	Level     logrus.Level
	JSON      bool
	Timestamp bool
	Output    io.Writer
}

var configureOnce sync.Once

// ConfigureRuntime applies the runtime profile to the standard logger.
func ConfigureRuntime() {
	Configure(ProfileRuntime)
}

// ConfigureTests applies the test profile to the standard logger.
func ConfigureTests() {
	Configure(ProfileTest)
}

// Configure applies profile and environment overrides to the standard
// logger. Only the first call has an effect.
func Configure(profile Profile) {
	configureOnce.Do(func() {
		cfg := DefaultConfig(profile)
		ApplyEnv(&cfg, os.Getenv)
		cfg.Apply(logrus.StandardLogger())
	})
}

// DefaultConfig returns the defaults of profile.
func DefaultConfig(profile Profile) Config {
	switch profile {
	case ProfileTest:
		return Config{Level: logrus.WarnLevel, Output: os.Stderr}
	default:
		return Config{Level: logrus.InfoLevel, Timestamp: true, Output: os.Stderr}
	}
}

// ApplyEnv overrides cfg with the CFDP_LOG_* variables found through getenv.
// Unparseable values are ignored.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if lvl, ok := ParseLevel(getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	switch strings.ToLower(strings.TrimSpace(getenv(EnvLogFormat))) {
	case "json":
		cfg.JSON = true
	case "text":
		cfg.JSON = false
	}
	if v, ok := parseBool(getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
}

// Apply configures logger.
func (c Config) Apply(logger *logrus.Logger) {
	logger.SetLevel(c.Level)
	if c.Output != nil {
		logger.SetOutput(c.Output)
	}
	if c.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{
			DisableTimestamp: !c.Timestamp,
			TimestampFormat:  "2006-01-02T15:04:05.000Z07:00",
		})
		return
	}
	logger.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: !c.Timestamp,
		FullTimestamp:    c.Timestamp,
	})
}

// ParseLevel accepts logrus level names plus "off" and its aliases, which
// map to PanicLevel.
func ParseLevel(raw string) (logrus.Level, bool) {
	switch s := strings.ToLower(strings.TrimSpace(raw)); s {
	case "":
		return logrus.InfoLevel, false
	case "off", "none", "disabled":
		return logrus.PanicLevel, true
	default:
		lvl, err := logrus.ParseLevel(s)
		if err != nil {
			return logrus.InfoLevel, false
		}
		return lvl, true
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
