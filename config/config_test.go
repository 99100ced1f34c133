package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/cfdp/checksum"
	"github.com/opd-ai/cfdp/factory"
	"github.com/opd-ai/cfdp/fault"
	"github.com/opd-ai/cfdp/mib"
	"github.com/opd-ai/cfdp/pdu"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlConfig = `
entity:
  id: 7
  fault_handlers:
    file_checksum_failure: ignore
    nak_limit_reached: abandon
  indications: [eof_sent, transaction_finished]
filestore:
  root: /srv/cfdp
bindings:
  - name: ground
    kind: udp
    listen: ":5000"
    key: "000102030405060708090a0b0c0d0e0f"
remotes:
  - id: 9
    binding: ground
    address: "10.0.0.9:5000"
    mode: acknowledged
    closure_requested: true
    checksum: crc32
    max_segment_length: 512
    ack_timer_interval: 2s
    ack_timer_limit: 0
    inactivity_timeout: 0s
log:
  level: debug
  format: json
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigYAML(t *testing.T) {
	c, err := LoadConfig(nil, writeTemp(t, "cfdp.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, uint64(7), c.Entity.ID)
	assert.Equal(t, "/srv/cfdp", c.Filestore.Root)
	require.Len(t, c.Remotes, 1)
	assert.Equal(t, "debug", c.Log.Level)

	m, err := c.MIB()
	require.NoError(t, err)

	local := m.Local()
	assert.Equal(t, pdu.EntityID(7), local.ID)
	assert.Equal(t, fault.Ignore, local.FaultHandlers.Handler(pdu.FileChecksumFailure))
	assert.Equal(t, fault.Abandon, local.FaultHandlers.Handler(pdu.NakLimitReached))
	assert.Equal(t, fault.Cancel, local.FaultHandlers.Handler(pdu.PositiveAckLimitReached))
	assert.Equal(t, fault.Abandon, local.FaultHandlers.Handler(pdu.InactivityDetected))
	assert.True(t, local.Indications.EOFSent)
	assert.True(t, local.Indications.TransactionFinished)
	assert.False(t, local.Indications.FileSegmentReceived)

	r, ok := m.Remote(9)
	require.True(t, ok)
	assert.Equal(t, pdu.Acknowledged, r.DefaultMode)
	assert.True(t, r.ClosureRequested)
	assert.Equal(t, checksum.CRC32, r.ChecksumType)
	assert.Equal(t, 512, r.MaxFileSegmentLength)
	assert.Equal(t, 2*time.Second, r.AckTimerInterval)
	assert.Zero(t, r.AckTimerLimit)
	assert.Zero(t, r.InactivityTimeout)
	// Unset fields keep their defaults.
	def := mib.DefaultRemote(9)
	assert.Equal(t, def.NakTimerInterval, r.NakTimerInterval)
	assert.Equal(t, def.NakTimerLimit, r.NakTimerLimit)

	bindings, err := c.TransportBindings()
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, "ground", bindings[0].Name)
	assert.Equal(t, factory.KindUDP, bindings[0].Kind)
	assert.Equal(t, map[pdu.EntityID]string{9: "10.0.0.9:5000"}, bindings[0].Peers)
	assert.Len(t, bindings[0].Key, 16)

	lc := c.Logging()
	assert.Equal(t, logrus.DebugLevel, lc.Level)
	assert.True(t, lc.JSON)
}

func TestLoadConfigTOML(t *testing.T) {
	const tomlConfig = `
[entity]
id = 3

[filestore]
memory = true

[[remotes]]
id = 4
mode = "unacknowledged"
`
	c, err := LoadConfig(nil, writeTemp(t, "cfdp.toml", tomlConfig))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), c.Entity.ID)
	assert.True(t, c.Filestore.Memory)

	m, err := c.MIB()
	require.NoError(t, err)
	assert.Equal(t, mib.AllIndications(), m.Local().Indications)
	r, ok := m.Remote(4)
	require.True(t, ok)
	assert.Equal(t, "default", r.Binding)

	bindings, err := c.TransportBindings()
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, "default", bindings[0].Name)
	assert.Empty(t, bindings[0].Peers)
}

func TestEnvironmentAndFlagsOverrideFile(t *testing.T) {
	path := writeTemp(t, "cfdp.yaml", yamlConfig)
	t.Setenv("CFDP_FILESTORE_ROOT", "/from/env")

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("log-level", "info", "")
	cmd.Flags().Uint64("entity-id", 1, "")
	require.NoError(t, cmd.Flags().Set("log-level", "warn"))

	c, err := LoadConfig(cmd, path)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", c.Filestore.Root)
	assert.Equal(t, "warn", c.Log.Level)
	// An unset flag does not shadow the file.
	assert.Equal(t, uint64(7), c.Entity.ID)
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(nil, filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero entity id", func(c *Config) { c.Entity.ID = 0 }},
		{"duplicate binding", func(c *Config) { c.Bindings = append(c.Bindings, c.Bindings[0]) }},
		{"duplicate remote", func(c *Config) { c.Remotes = append(c.Remotes, c.Remotes[0]) }},
		{"unknown binding", func(c *Config) { c.Remotes[0].Binding = "nowhere" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Template()
			tt.mutate(&c)
			assert.True(t, errors.Is(c.Validate(), ErrInvalidConfig))
		})
	}

	mibErrors := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad condition", func(c *Config) { c.Entity.FaultHandlers = map[string]string{"sunspots": "cancel"} }},
		{"bad handler", func(c *Config) { c.Entity.FaultHandlers = map[string]string{"nak_limit_reached": "panic"} }},
		{"bad indication", func(c *Config) { c.Entity.Indications = []string{"fireworks"} }},
		{"bad duration", func(c *Config) { c.Remotes[0].AckTimerInterval = "soon" }},
		{"bad checksum", func(c *Config) { c.Remotes[0].Checksum = "sha1" }},
		{"bad segment length", func(c *Config) { n := 0; c.Remotes[0].MaxSegmentLength = &n }},
		{"zero send retry", func(c *Config) { c.Remotes[0].SendRetryInitial = "0s" }},
	}
	for _, tt := range mibErrors {
		t.Run(tt.name, func(t *testing.T) {
			c := Template()
			tt.mutate(&c)
			_, err := c.MIB()
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cfdp.yaml")
	require.NoError(t, WriteFile(path, Template()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	c, err := LoadConfig(nil, path)
	require.NoError(t, err)
	assert.Equal(t, Template().Entity.ID, c.Entity.ID)
	require.Len(t, c.Remotes, 1)
	assert.Equal(t, "127.0.0.1:4557", c.Remotes[0].Address)

	m, err := c.MIB()
	require.NoError(t, err)
	r, ok := m.Remote(2)
	require.True(t, ok)
	assert.Equal(t, pdu.Acknowledged, r.DefaultMode)
	assert.Equal(t, time.Minute, r.InactivityTimeout)
}

func TestOpenFilestore(t *testing.T) {
	c := Config{Filestore: FilestoreConfig{Memory: true}}
	fs := c.OpenFilestore()
	require.NoError(t, fs.CreateFile("a.txt"))

	size, err := fs.FileSize("a.txt")
	require.NoError(t, err)
	assert.Zero(t, size)
}
