package factory

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/opd-ai/cfdp/pdu"
	"github.com/opd-ai/cfdp/transport"
	"github.com/sirupsen/logrus"
)

// Validation constants for configuration bounds checking.
const (
	// MinRate and MaxRate bound the simulated link impairment probabilities.
	MinRate = 0.0
	MaxRate = 1.0
	// MaxCapacity is the largest per-window capacity of a simulated link.
	MaxCapacity = 1 << 16
)

// Binding kinds understood by CreateTransport.
const (
	KindUDP      = "udp"
	KindLoopback = "loopback"
)

// ErrUnknownKind indicates a binding kind the factory cannot build.
var ErrUnknownKind = errors.New("unknown binding kind")

// Binding describes one UT binding to construct.
type Binding struct {
	Name   string
	Kind   string
	Listen string
	Peers  map[pdu.EntityID]string
	Key    []byte
}

// Settings are the factory defaults. Listen is used by UDP bindings that do
// not name an address; Link configures simulated links.
type Settings struct {
	Listen string
	Link   transport.LinkConfig
}

// TransportFactory creates UT bindings from configuration. It is safe for
// concurrent use; all methods are protected by an internal mutex.
type TransportFactory struct {
	mu       sync.RWMutex
	settings Settings
}

// LinkOption customizes a simulated link.
type LinkOption func(*transport.LinkConfig)

// NewTransportFactory creates a factory with default settings and applies
// CFDP_* environment overrides.
func NewTransportFactory() *TransportFactory {
	s := createDefaultSettings()
	applyEnvironmentOverrides(&s)
	logSettings(s)
	return &TransportFactory{settings: s}
}

// createDefaultSettings listens on the standard CFDP port and simulates a
// perfect link.
func createDefaultSettings() Settings {
	return Settings{Listen: ":4556"}
}

// applyEnvironmentOverrides updates settings from CFDP_* environment
// variables. Invalid values are logged and ignored.
func applyEnvironmentOverrides(s *Settings) {
	if v := os.Getenv("CFDP_LISTEN"); v != "" {
		s.Listen = v
	}
	parseRate("CFDP_SIM_LOSS_RATE", &s.Link.LossRate)
	parseRate("CFDP_SIM_DUPLICATE_RATE", &s.Link.DuplicateRate)
	parseRate("CFDP_SIM_REORDER_RATE", &s.Link.ReorderRate)
	parseCapacity(&s.Link.Capacity)
	parseSeed(&s.Link.Seed)
}

// parseRate reads a probability in [MinRate, MaxRate] from envVar.
func parseRate(envVar string, target *float64) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return
	}
	rate, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseRate",
			"env_var":     envVar,
			"value":       raw,
			"error":       err.Error(),
			"using_value": *target,
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	if rate < MinRate || rate > MaxRate {
		logrus.WithFields(logrus.Fields{
			"function":    "parseRate",
			"env_var":     envVar,
			"value":       rate,
			"min":         MinRate,
			"max":         MaxRate,
			"using_value": *target,
		}).Warn("Environment variable out of bounds, using default")
		return
	}
	*target = rate
}

func parseCapacity(target *int) {
	raw := os.Getenv("CFDP_SIM_CAPACITY")
	if raw == "" {
		return
	}
	capacity, err := strconv.Atoi(raw)
	if err != nil || capacity < 0 || capacity > MaxCapacity {
		logrus.WithFields(logrus.Fields{
			"function":    "parseCapacity",
			"env_var":     "CFDP_SIM_CAPACITY",
			"value":       raw,
			"max":         MaxCapacity,
			"using_value": *target,
		}).Warn("Invalid CFDP_SIM_CAPACITY environment variable, using default")
		return
	}
	*target = capacity
}

func parseSeed(target *int64) {
	raw := os.Getenv("CFDP_SIM_SEED")
	if raw == "" {
		return
	}
	seed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "parseSeed",
			"env_var":  "CFDP_SIM_SEED",
			"value":    raw,
			"error":    err.Error(),
		}).Warn("Failed to parse CFDP_SIM_SEED environment variable, using default")
		return
	}
	*target = seed
}

func logSettings(s Settings) {
	logrus.WithFields(logrus.Fields{
		"function":           "NewTransportFactory",
		"listen":             s.Listen,
		"sim_loss_rate":      s.Link.LossRate,
		"sim_duplicate_rate": s.Link.DuplicateRate,
		"sim_reorder_rate":   s.Link.ReorderRate,
		"sim_capacity":       s.Link.Capacity,
	}).Info("Created transport factory with configuration")
}

// Validate checks the settings against the factory bounds.
func (s Settings) Validate() error {
	for name, rate := range map[string]float64{
		"loss rate":      s.Link.LossRate,
		"duplicate rate": s.Link.DuplicateRate,
		"reorder rate":   s.Link.ReorderRate,
	} {
		if rate < MinRate || rate > MaxRate {
			return fmt.Errorf("%s %v outside [%v, %v]", name, rate, MinRate, MaxRate)
		}
	}
	if s.Link.Capacity < 0 || s.Link.Capacity > MaxCapacity {
		return fmt.Errorf("capacity %d outside [0, %d]", s.Link.Capacity, MaxCapacity)
	}
	return nil
}

// CreateTransport builds the binding b describes.
func (f *TransportFactory) CreateTransport(b Binding) (transport.Transport, error) {
	f.mu.RLock()
	s := f.settings
	f.mu.RUnlock()

	if b.Name == "" {
		return nil, fmt.Errorf("binding name is required")
	}
	logrus.WithFields(logrus.Fields{
		"function": "CreateTransport",
		"name":     b.Name,
		"kind":     b.Kind,
		"peers":    len(b.Peers),
		"sealed":   len(b.Key) > 0,
	}).Info("Creating transport")

	switch b.Kind {
	case KindUDP, "":
		listen := b.Listen
		if listen == "" {
			listen = s.Listen
		}
		udp, err := transport.NewUDP(transport.UDPConfig{
			Name:   b.Name,
			Listen: listen,
			Peers:  b.Peers,
			Key:    b.Key,
		})
		if err != nil {
			return nil, err
		}
		return udp, nil
	case KindLoopback:
		return transport.NewLoopback(b.Name), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, b.Kind)
	}
}

// WithLossRate sets the drop probability of a simulated link.
func WithLossRate(rate float64) LinkOption {
	return func(c *transport.LinkConfig) { c.LossRate = rate }
}

// WithDuplicateRate sets the duplication probability of a simulated link.
func WithDuplicateRate(rate float64) LinkOption {
	return func(c *transport.LinkConfig) { c.DuplicateRate = rate }
}

// WithReorderRate sets the reordering probability of a simulated link.
func WithReorderRate(rate float64) LinkOption {
	return func(c *transport.LinkConfig) { c.ReorderRate = rate }
}

// WithCapacity sets the per-window capacity of a simulated link.
func WithCapacity(n int) LinkOption {
	return func(c *transport.LinkConfig) { c.Capacity = n }
}

// WithSeed makes the impairments of a simulated link reproducible.
func WithSeed(seed int64) LinkOption {
	return func(c *transport.LinkConfig) { c.Seed = seed }
}

// CreateLink creates a simulated link between two in-process entities using
// the factory's link settings, adjusted by opts.
func (f *TransportFactory) CreateLink(nameA, nameB string, opts ...LinkOption) *transport.Link {
	f.mu.RLock()
	cfg := f.settings.Link
	f.mu.RUnlock()

	for _, opt := range opts {
		opt(&cfg)
	}
	logrus.WithFields(logrus.Fields{
		"function":  "CreateLink",
		"loss_rate": cfg.LossRate,
		"capacity":  cfg.Capacity,
	}).Info("Creating simulated link")
	return transport.NewLink(nameA, nameB, cfg)
}

// GetCurrentConfig returns a copy of the current settings.
func (f *TransportFactory) GetCurrentConfig() Settings {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.settings
}

// UpdateConfig replaces the factory settings after validating them.
func (f *TransportFactory) UpdateConfig(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "UpdateConfig",
		"old_listen":    f.settings.Listen,
		"new_listen":    s.Listen,
		"old_loss_rate": f.settings.Link.LossRate,
		"new_loss_rate": s.Link.LossRate,
	}).Info("Updating factory configuration")
	f.settings = s
	return nil
}

var (
	defaultOnce    sync.Once
	defaultFactory *TransportFactory
)

// NewTransport builds b with a process-wide factory.
func NewTransport(b Binding) (transport.Transport, error) {
	defaultOnce.Do(func() { defaultFactory = NewTransportFactory() })
	return defaultFactory.CreateTransport(b)
}
