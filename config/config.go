// Package config loads the configuration of a CFDP entity and converts it
// into the MIB, filestore and transport bindings the entity runs with.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/opd-ai/cfdp/checksum"
	"github.com/opd-ai/cfdp/factory"
	"github.com/opd-ai/cfdp/fault"
	"github.com/opd-ai/cfdp/filestore"
	"github.com/opd-ai/cfdp/logging"
	"github.com/opd-ai/cfdp/mib"
	"github.com/opd-ai/cfdp/pdu"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ErrInvalidConfig wraps every semantic configuration error.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the on-disk configuration of one entity.
type Config struct {
	Entity    EntityConfig    `mapstructure:"entity" yaml:"entity"`
	Filestore FilestoreConfig `mapstructure:"filestore" yaml:"filestore"`
	Bindings  []BindingConfig `mapstructure:"bindings" yaml:"bindings"`
	Remotes   []RemoteConfig  `mapstructure:"remotes" yaml:"remotes"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// EntityConfig describes the local entity.
type EntityConfig struct {
	ID            uint64 `mapstructure:"id" yaml:"id"`
	SequenceStart uint64 `mapstructure:"sequence_start" yaml:"sequence_start,omitempty"`
	// FaultHandlers maps condition names such as "nak_limit_reached" to
	// handler names such as "cancel".
	FaultHandlers map[string]string `mapstructure:"fault_handlers" yaml:"fault_handlers,omitempty"`
	// Indications lists the optional indications to raise. Empty enables
	// all of them.
	Indications []string `mapstructure:"indications" yaml:"indications,omitempty"`
}

// FilestoreConfig selects the virtual filestore.
type FilestoreConfig struct {
	Root   string `mapstructure:"root" yaml:"root"`
	Memory bool   `mapstructure:"memory" yaml:"memory,omitempty"`
}

// BindingConfig describes one UT binding.
type BindingConfig struct {
	Name   string `mapstructure:"name" yaml:"name"`
	Kind   string `mapstructure:"kind" yaml:"kind"`
	Listen string `mapstructure:"listen" yaml:"listen,omitempty"`
	// Key is a hex encoded pre-shared key that seals UDP datagrams.
	Key string `mapstructure:"key" yaml:"key,omitempty"`
}

// RemoteConfig overrides the defaults of one remote entity. Unset fields
// keep the values of mib.DefaultRemote. Durations use time.ParseDuration
// syntax and "0s" disables a timer.
type RemoteConfig struct {
	ID                        uint64 `mapstructure:"id" yaml:"id"`
	Binding                   string `mapstructure:"binding" yaml:"binding"`
	Address                   string `mapstructure:"address" yaml:"address,omitempty"`
	Mode                      string `mapstructure:"mode" yaml:"mode,omitempty"`
	ClosureRequested          *bool  `mapstructure:"closure_requested" yaml:"closure_requested,omitempty"`
	Checksum                  string `mapstructure:"checksum" yaml:"checksum,omitempty"`
	MaxSegmentLength          *int   `mapstructure:"max_segment_length" yaml:"max_segment_length,omitempty"`
	CRCRequired               bool   `mapstructure:"crc_required" yaml:"crc_required,omitempty"`
	AcknowledgedModeSupported *bool  `mapstructure:"acknowledged_mode_supported" yaml:"acknowledged_mode_supported,omitempty"`

	AckTimerInterval   string `mapstructure:"ack_timer_interval" yaml:"ack_timer_interval,omitempty"`
	AckTimerLimit      *int   `mapstructure:"ack_timer_limit" yaml:"ack_timer_limit,omitempty"`
	NakTimerInterval   string `mapstructure:"nak_timer_interval" yaml:"nak_timer_interval,omitempty"`
	NakTimerLimit      *int   `mapstructure:"nak_timer_limit" yaml:"nak_timer_limit,omitempty"`
	InactivityTimeout  string `mapstructure:"inactivity_timeout" yaml:"inactivity_timeout,omitempty"`
	CheckTimerInterval string `mapstructure:"check_timer_interval" yaml:"check_timer_interval,omitempty"`
	CheckTimerLimit    *int   `mapstructure:"check_timer_limit" yaml:"check_timer_limit,omitempty"`

	MaxSendAttempts  *int   `mapstructure:"max_send_attempts" yaml:"max_send_attempts,omitempty"`
	SendRetryInitial string `mapstructure:"send_retry_initial" yaml:"send_retry_initial,omitempty"`
	SendRetryMax     string `mapstructure:"send_retry_max" yaml:"send_retry_max,omitempty"`
}

// LogConfig configures the standard logger.
type LogConfig struct {
	Level     string `mapstructure:"level" yaml:"level"`
	Format    string `mapstructure:"format" yaml:"format,omitempty"`
	Timestamp bool   `mapstructure:"timestamp" yaml:"timestamp,omitempty"`
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"entity-id":      "entity.id",
	"filestore-root": "filestore.root",
	"memory":         "filestore.memory",
	"log-level":      "log.level",
	"log-format":     "log.format",
}

func defaults() map[string]any {
	return map[string]any{
		"entity.id":        1,
		"filestore.root":   ".",
		"filestore.memory": false,
		"log.level":        "info",
		"log.format":       "text",
		"log.timestamp":    true,
	}
}

// LoadConfig reads the configuration. Values are layered, lowest first:
// defaults, the file at path (YAML or TOML by extension, or cfdp.yaml in
// the user config directory or the working directory when path is empty),
// CFDP_* environment variables, then the flags of cmd listed in flagKeys.
func LoadConfig(cmd *cobra.Command, path string) (Config, error) {
	var c Config
	v := viper.New()

	for key, value := range defaults() {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cfdp")
		v.SetConfigType("yaml")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "cfdp"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return c, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("cfdp")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		for flag, key := range flagKeys {
			f := cmd.Flags().Lookup(flag)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return c, err
			}
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("decode config: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "LoadConfig",
		"file":     v.ConfigFileUsed(),
		"entity":   c.Entity.ID,
		"remotes":  len(c.Remotes),
		"bindings": len(c.Bindings),
	}).Debug("Configuration loaded")

	return c, c.Validate()
}

// Validate checks the configuration without building anything.
func (c Config) Validate() error {
	if c.Entity.ID == 0 {
		return fmt.Errorf("%w: entity id must be non-zero", ErrInvalidConfig)
	}
	names := make(map[string]bool, len(c.Bindings))
	for _, b := range c.Bindings {
		if b.Name == "" {
			return fmt.Errorf("%w: binding without a name", ErrInvalidConfig)
		}
		if names[b.Name] {
			return fmt.Errorf("%w: duplicate binding %q", ErrInvalidConfig, b.Name)
		}
		names[b.Name] = true
	}
	seen := make(map[uint64]bool, len(c.Remotes))
	for _, r := range c.Remotes {
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate remote %d", ErrInvalidConfig, r.ID)
		}
		seen[r.ID] = true
		if r.Binding != "" && len(c.Bindings) > 0 && !names[r.Binding] {
			return fmt.Errorf("%w: remote %d uses unknown binding %q", ErrInvalidConfig, r.ID, r.Binding)
		}
	}
	return nil
}

// DefaultFaultHandlers resolves limit faults by cancelling and inactivity by
// abandoning. Conditions not listed are ignored.
func DefaultFaultHandlers() fault.HandlerMap {
	return fault.HandlerMap{
		pdu.PositiveAckLimitReached: fault.Cancel,
		pdu.KeepAliveLimitReached:   fault.Cancel,
		pdu.NakLimitReached:         fault.Cancel,
		pdu.CheckLimitReached:       fault.Cancel,
		pdu.FilestoreRejection:      fault.Cancel,
		pdu.InactivityDetected:      fault.Abandon,
	}
}

// MIB builds the management information base.
func (c Config) MIB() (*mib.Static, error) {
	handlers := DefaultFaultHandlers()
	for cond, handler := range c.Entity.FaultHandlers {
		cc, err := pdu.ParseConditionCode(cond)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		h, err := fault.ParseHandler(handler)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		handlers[cc] = h
	}

	indications, err := parseIndications(c.Entity.Indications)
	if err != nil {
		return nil, err
	}

	m := mib.NewStatic(mib.LocalEntity{
		ID:            pdu.EntityID(c.Entity.ID),
		FaultHandlers: handlers,
		Indications:   indications,
	})
	for _, rc := range c.Remotes {
		r, err := rc.remote()
		if err != nil {
			return nil, err
		}
		if err := m.AddRemote(r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return m, nil
}

func parseIndications(names []string) (mib.Indications, error) {
	if len(names) == 0 {
		return mib.AllIndications(), nil
	}
	var ind mib.Indications
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "eof_sent":
			ind.EOFSent = true
		case "eof_received":
			ind.EOFReceived = true
		case "file_segment_received":
			ind.FileSegmentReceived = true
		case "transaction_finished":
			ind.TransactionFinished = true
		case "suspended":
			ind.Suspended = true
		case "resumed":
			ind.Resumed = true
		case "none":
		default:
			return ind, fmt.Errorf("%w: unknown indication %q", ErrInvalidConfig, name)
		}
	}
	return ind, nil
}

func (rc RemoteConfig) remote() (mib.RemoteEntity, error) {
	r := mib.DefaultRemote(pdu.EntityID(rc.ID))
	fail := func(err error) (mib.RemoteEntity, error) {
		return r, fmt.Errorf("%w: remote %d: %v", ErrInvalidConfig, rc.ID, err)
	}

	if rc.Binding != "" {
		r.Binding = rc.Binding
	}
	r.Address = rc.Address
	r.CRCRequired = rc.CRCRequired
	if rc.Mode != "" {
		mode, err := pdu.ParseTransmissionMode(rc.Mode)
		if err != nil {
			return fail(err)
		}
		r.DefaultMode = mode
	}
	if rc.Checksum != "" {
		t, err := checksum.ParseType(rc.Checksum)
		if err != nil {
			return fail(err)
		}
		r.ChecksumType = t
	}
	setBool(&r.ClosureRequested, rc.ClosureRequested)
	setBool(&r.AcknowledgedModeSupported, rc.AcknowledgedModeSupported)
	setInt(&r.MaxFileSegmentLength, rc.MaxSegmentLength)
	setInt(&r.AckTimerLimit, rc.AckTimerLimit)
	setInt(&r.NakTimerLimit, rc.NakTimerLimit)
	setInt(&r.CheckTimerLimit, rc.CheckTimerLimit)
	setInt(&r.MaxSendAttempts, rc.MaxSendAttempts)

	for _, d := range []struct {
		raw    string
		target *time.Duration
	}{
		{rc.AckTimerInterval, &r.AckTimerInterval},
		{rc.NakTimerInterval, &r.NakTimerInterval},
		{rc.InactivityTimeout, &r.InactivityTimeout},
		{rc.CheckTimerInterval, &r.CheckTimerInterval},
		{rc.SendRetryInitial, &r.SendRetryInitial},
		{rc.SendRetryMax, &r.SendRetryMax},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fail(err)
		}
		if parsed < 0 {
			return fail(fmt.Errorf("negative duration %q", d.raw))
		}
		*d.target = parsed
	}
	return r, nil
}

func setBool(target *bool, v *bool) {
	if v != nil {
		*target = *v
	}
}

func setInt(target *int, v *int) {
	if v != nil {
		*target = *v
	}
}

// OpenFilestore returns the configured virtual filestore.
func (c Config) OpenFilestore() *filestore.Afero {
	if c.Filestore.Memory {
		return filestore.NewMemory()
	}
	return filestore.NewOS(c.Filestore.Root)
}

// TransportBindings returns the bindings to create. Peers of each binding
// are the remotes that name it and carry an address. Without configured
// bindings a single UDP binding named "default" is returned.
func (c Config) TransportBindings() ([]factory.Binding, error) {
	configs := c.Bindings
	if len(configs) == 0 {
		configs = []BindingConfig{{Name: "default", Kind: factory.KindUDP}}
	}

	out := make([]factory.Binding, 0, len(configs))
	for _, bc := range configs {
		b := factory.Binding{
			Name:   bc.Name,
			Kind:   bc.Kind,
			Listen: bc.Listen,
			Peers:  make(map[pdu.EntityID]string),
		}
		if bc.Key != "" {
			key, err := hex.DecodeString(strings.TrimSpace(bc.Key))
			if err != nil {
				return nil, fmt.Errorf("%w: binding %q key: %v", ErrInvalidConfig, bc.Name, err)
			}
			b.Key = key
		}
		for _, rc := range c.Remotes {
			binding := rc.Binding
			if binding == "" {
				binding = mib.DefaultRemote(0).Binding
			}
			if binding == bc.Name && rc.Address != "" {
				b.Peers[pdu.EntityID(rc.ID)] = rc.Address
			}
		}
		out = append(out, b)
	}
	return out, nil
}

// Logging converts the log section into a logger configuration.
func (c Config) Logging() logging.Config {
	lc := logging.DefaultConfig(logging.ProfileRuntime)
	if lvl, ok := logging.ParseLevel(c.Log.Level); ok {
		lc.Level = lvl
	}
	lc.JSON = strings.EqualFold(strings.TrimSpace(c.Log.Format), "json")
	lc.Timestamp = c.Log.Timestamp
	return lc
}

// Template returns an example configuration for a two-entity deployment.
func Template() Config {
	closure := true
	return Config{
		Entity: EntityConfig{
			ID: 1,
			FaultHandlers: map[string]string{
				pdu.FileChecksumFailure.String(): fault.Ignore.String(),
			},
		},
		Filestore: FilestoreConfig{Root: "./cfdp-files"},
		Bindings: []BindingConfig{
			{Name: "default", Kind: factory.KindUDP, Listen: ":4556"},
		},
		Remotes: []RemoteConfig{
			{
				ID:                2,
				Binding:           "default",
				Address:           "127.0.0.1:4557",
				Mode:              pdu.Acknowledged.String(),
				ClosureRequested:  &closure,
				Checksum:          checksum.Modular.String(),
				AckTimerInterval:  "10s",
				NakTimerInterval:  "10s",
				InactivityTimeout: "1m",
			},
		},
		Log: LogConfig{Level: "info", Format: "text", Timestamp: true},
	}
}

// WriteFile renders c as YAML at path, creating parent directories.
func WriteFile(path string, c Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", dir, err)
	}
	// Keys may be present.
	return os.WriteFile(path, data, 0o600)
}

// RemoteIDs returns the configured remote ids in ascending order.
func (c Config) RemoteIDs() []pdu.EntityID {
	ids := make([]pdu.EntityID, 0, len(c.Remotes))
	for _, r := range c.Remotes {
		ids = append(ids, pdu.EntityID(r.ID))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
