package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/muon.report/internal/acquire"
	"github.com/banshee-data/muon.report/internal/daq"
	"github.com/banshee-data/muon.report/internal/measure"
	"github.com/banshee-data/muon.report/internal/serialmux"
	"github.com/banshee-data/muon.report/internal/timing"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/muond.defaults.json"

// Config is the daemon configuration. Every field is optional; the Get*
// methods fall back to the built-in defaults for fields left out, so partial
// files are safe.
type Config struct {
	// Serial port
	Serial       *serialmux.PortOptions `json:"serial,omitempty"`
	InitCommands []string               `json:"init_commands,omitempty"`

	// Card clocks
	CPLDBinNS  *float64 `json:"cpld_bin_ns,omitempty"`
	TMCBinNS   *float64 `json:"tmc_bin_ns,omitempty"`
	TMCPerCPLD *int     `json:"tmc_per_cpld,omitempty"`

	// Rate pipeline
	Coincidences [][]int `json:"coincidences,omitempty"`

	// Pulse pipeline
	PulseBufferSize *int `json:"pulse_buffer_size,omitempty"`

	// Decay pipeline
	DecayStopChannels   []int    `json:"decay_stop_channels,omitempty"`
	DecayChannels       []int    `json:"decay_channels,omitempty"`
	DecayVetoChannel    *int     `json:"decay_veto_channel,omitempty"` // -1 disables
	DecayMinNS          *float64 `json:"decay_min_ns,omitempty"`
	DecayMaxNS          *float64 `json:"decay_max_ns,omitempty"`
	DecayBinNS          *float64 `json:"decay_bin_ns,omitempty"`
	DecayStopMinWidthNS *float64 `json:"decay_stop_min_width_ns,omitempty"`
	DecayStopMaxWidthNS *float64 `json:"decay_stop_max_width_ns,omitempty"`
	DecayMinWidthNS     *float64 `json:"decay_min_width_ns,omitempty"`
	DecayMaxWidthNS     *float64 `json:"decay_max_width_ns,omitempty"`
	DecayMaxPending     *int     `json:"decay_max_pending,omitempty"`
	// DecayCardSetup widens the card gate for decay runs and restores the
	// previous registers on shutdown.
	DecayCardSetup *bool `json:"decay_card_setup,omitempty"`

	// Velocity pipeline
	VelocityUpperChannels []int    `json:"velocity_upper_channels,omitempty"`
	VelocityLowerChannels []int    `json:"velocity_lower_channels,omitempty"`
	VelocityWindowNS      *float64 `json:"velocity_window_ns,omitempty"`
	VelocityBinNS         *float64 `json:"velocity_bin_ns,omitempty"`
	PlaneDistanceM        *float64 `json:"plane_distance_m,omitempty"`

	// Runtime
	ReportInterval          *string `json:"report_interval,omitempty"`      // duration string like "10s"
	ScalerPollInterval      *string `json:"scaler_poll_interval,omitempty"` // "0s" disables DS polling
	WorkerQueueDepth        *int    `json:"worker_queue_depth,omitempty"`
	SinkBufferSize          *int    `json:"sink_buffer_size,omitempty"`
	ReconnectInitialBackoff *string `json:"reconnect_initial_backoff,omitempty"`
	ReconnectMaxBackoff     *string `json:"reconnect_max_backoff,omitempty"`
	ReconnectMaxAttempts    *int    `json:"reconnect_max_attempts,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrBool(v bool) *bool          { return &v }

// Built-in defaults.
const (
	defaultPulseBufferSize  = measure.DefaultPulseBufferSize
	defaultPlaneDistanceM   = 1.0
	defaultReportInterval   = measure.DefaultReportInterval
	defaultScalerPoll       = 5 * time.Second
	defaultWorkerQueueDepth = 0
	defaultSinkBufferSize   = 1024
)

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() *Config {
	decay := measure.DefaultDecayConfig()
	velocity := measure.DefaultVelocityConfig()
	serial, _ := serialmux.PortOptions{}.Normalize()
	return &Config{
		Serial:                  &serial,
		InitCommands:            append([]string(nil), serialmux.DefaultInitCommands...),
		CPLDBinNS:               ptrFloat64(timing.CPLDBinNS),
		TMCBinNS:                ptrFloat64(timing.TMCBinNS),
		TMCPerCPLD:              ptrInt(daq.TMCPerCPLD),
		Coincidences:            [][]int{},
		PulseBufferSize:         ptrInt(defaultPulseBufferSize),
		DecayStopChannels:       decay.StopChannels,
		DecayChannels:           decay.DecayChannels,
		DecayVetoChannel:        ptrInt(decay.VetoChannel),
		DecayMinNS:              ptrFloat64(decay.MinDecayNS),
		DecayMaxNS:              ptrFloat64(decay.MaxDecayNS),
		DecayBinNS:              ptrFloat64(decay.BinWidthNS),
		DecayStopMinWidthNS:     ptrFloat64(0),
		DecayStopMaxWidthNS:     ptrFloat64(0),
		DecayMinWidthNS:         ptrFloat64(0),
		DecayMaxWidthNS:         ptrFloat64(0),
		DecayMaxPending:         ptrInt(decay.MaxPending),
		DecayCardSetup:          ptrBool(false),
		VelocityUpperChannels:   velocity.UpperChannels,
		VelocityLowerChannels:   velocity.LowerChannels,
		VelocityWindowNS:        ptrFloat64(velocity.WindowNS),
		VelocityBinNS:           ptrFloat64(velocity.BinWidthNS),
		PlaneDistanceM:          ptrFloat64(defaultPlaneDistanceM),
		ReportInterval:          ptrString(defaultReportInterval.String()),
		ScalerPollInterval:      ptrString(defaultScalerPoll.String()),
		WorkerQueueDepth:        ptrInt(defaultWorkerQueueDepth),
		SinkBufferSize:          ptrInt(defaultSinkBufferSize),
		ReconnectInitialBackoff: ptrString(acquire.DefaultInitialBackoff.String()),
		ReconnectMaxBackoff:     ptrString(acquire.DefaultMaxBackoff.String()),
		ReconnectMaxAttempts:    ptrInt(0),
	}
}

// Load loads a Config from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func Load(path string) (*Config, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid. Pipeline
// constructors check the combined settings again.
func (c *Config) Validate() error {
	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}

	for name, v := range map[string]*float64{
		"cpld_bin_ns":        c.CPLDBinNS,
		"tmc_bin_ns":         c.TMCBinNS,
		"decay_bin_ns":       c.DecayBinNS,
		"decay_max_ns":       c.DecayMaxNS,
		"velocity_window_ns": c.VelocityWindowNS,
		"velocity_bin_ns":    c.VelocityBinNS,
		"plane_distance_m":   c.PlaneDistanceM,
	} {
		if v != nil && !(*v > 0) {
			return fmt.Errorf("%s must be positive, got %v", name, *v)
		}
	}

	for name, v := range map[string]*float64{
		"decay_min_ns":            c.DecayMinNS,
		"decay_stop_min_width_ns": c.DecayStopMinWidthNS,
		"decay_stop_max_width_ns": c.DecayStopMaxWidthNS,
		"decay_min_width_ns":      c.DecayMinWidthNS,
		"decay_max_width_ns":      c.DecayMaxWidthNS,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %v", name, *v)
		}
	}

	for name, v := range map[string]*int{
		"tmc_per_cpld":      c.TMCPerCPLD,
		"pulse_buffer_size": c.PulseBufferSize,
		"decay_max_pending": c.DecayMaxPending,
	} {
		if v != nil && *v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, *v)
		}
	}

	for name, v := range map[string]*int{
		"worker_queue_depth":     c.WorkerQueueDepth,
		"sink_buffer_size":       c.SinkBufferSize,
		"reconnect_max_attempts": c.ReconnectMaxAttempts,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %d", name, *v)
		}
	}

	for name, chs := range map[string][]int{
		"decay_stop_channels":     c.DecayStopChannels,
		"decay_channels":          c.DecayChannels,
		"velocity_upper_channels": c.VelocityUpperChannels,
		"velocity_lower_channels": c.VelocityLowerChannels,
	} {
		if err := checkChannels(name, chs); err != nil {
			return err
		}
	}
	for i, combo := range c.Coincidences {
		if len(combo) < 2 {
			return fmt.Errorf("coincidences[%d] needs at least two channels", i)
		}
		if err := checkChannels(fmt.Sprintf("coincidences[%d]", i), combo); err != nil {
			return err
		}
	}
	if c.DecayVetoChannel != nil && *c.DecayVetoChannel != measure.NoVeto {
		if err := checkChannels("decay_veto_channel", []int{*c.DecayVetoChannel}); err != nil {
			return err
		}
	}
	if c.DecayMinNS != nil && c.DecayMaxNS != nil && *c.DecayMinNS >= *c.DecayMaxNS {
		return fmt.Errorf("decay_min_ns %v must be below decay_max_ns %v", *c.DecayMinNS, *c.DecayMaxNS)
	}

	for name, v := range map[string]*string{
		"report_interval":           c.ReportInterval,
		"reconnect_initial_backoff": c.ReconnectInitialBackoff,
		"reconnect_max_backoff":     c.ReconnectMaxBackoff,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if v := c.ScalerPollInterval; v != nil && *v != "" {
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid scaler_poll_interval '%s': %w", *v, err)
		}
		if d < 0 {
			return fmt.Errorf("scaler_poll_interval must not be negative, got %s", d)
		}
	}

	return nil
}

func checkChannels(name string, chs []int) error {
	for _, ch := range chs {
		if ch < 0 || ch >= daq.NumChannels {
			return fmt.Errorf("%s: channel %d out of range [0, %d)", name, ch, daq.NumChannels)
		}
	}
	return nil
}

// GetSerialOptions returns the serial port settings with defaults applied.
func (c *Config) GetSerialOptions() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	normalized, err := opts.Normalize()
	if err != nil {
		// Validate rejects these; fall back to the defaults.
		normalized, _ = serialmux.PortOptions{}.Normalize()
	}
	return normalized
}

// GetInitCommands returns the commands written to the card after opening.
func (c *Config) GetInitCommands() []string {
	if c.InitCommands == nil {
		return append([]string(nil), serialmux.DefaultInitCommands...)
	}
	return append([]string(nil), c.InitCommands...)
}

// GetDecayCardSetup reports whether the card gate is widened for decay runs.
func (c *Config) GetDecayCardSetup() bool {
	return c.DecayCardSetup != nil && *c.DecayCardSetup
}

// GetNormalizer returns the bin widths used to convert counters to time.
func (c *Config) GetNormalizer() timing.Normalizer {
	n := timing.DefaultNormalizer()
	if c.CPLDBinNS != nil {
		n.CPLDBinNS = *c.CPLDBinNS
	}
	if c.TMCBinNS != nil {
		n.TMCBinNS = *c.TMCBinNS
	}
	return n
}

// GetTMCPerCPLD returns the number of TMC ticks per CPLD tick.
func (c *Config) GetTMCPerCPLD() uint64 {
	if c.TMCPerCPLD == nil {
		return daq.TMCPerCPLD
	}
	return uint64(*c.TMCPerCPLD)
}

// GetRateConfig returns the rate pipeline configuration.
func (c *Config) GetRateConfig() measure.RateConfig {
	combos := make([][]int, 0, len(c.Coincidences))
	for _, combo := range c.Coincidences {
		combos = append(combos, append([]int(nil), combo...))
	}
	return measure.RateConfig{Coincidences: combos}
}

// GetPulseBufferSize returns the number of events kept by the pulse pipeline.
func (c *Config) GetPulseBufferSize() int {
	if c.PulseBufferSize == nil {
		return defaultPulseBufferSize
	}
	return *c.PulseBufferSize
}

// GetDecayConfig returns the decay pipeline configuration.
func (c *Config) GetDecayConfig() measure.DecayConfig {
	cfg := measure.DefaultDecayConfig()
	if c.DecayStopChannels != nil {
		cfg.StopChannels = append([]int(nil), c.DecayStopChannels...)
	}
	if c.DecayChannels != nil {
		cfg.DecayChannels = append([]int(nil), c.DecayChannels...)
	}
	if c.DecayVetoChannel != nil {
		cfg.VetoChannel = *c.DecayVetoChannel
	}
	setFloat(&cfg.MinDecayNS, c.DecayMinNS)
	setFloat(&cfg.MaxDecayNS, c.DecayMaxNS)
	setFloat(&cfg.BinWidthNS, c.DecayBinNS)
	setFloat(&cfg.StopWidth.Min, c.DecayStopMinWidthNS)
	setFloat(&cfg.StopWidth.Max, c.DecayStopMaxWidthNS)
	setFloat(&cfg.DecayWidth.Min, c.DecayMinWidthNS)
	setFloat(&cfg.DecayWidth.Max, c.DecayMaxWidthNS)
	if c.DecayMaxPending != nil {
		cfg.MaxPending = *c.DecayMaxPending
	}
	return cfg
}

// GetVelocityConfig returns the time-of-flight pipeline configuration.
func (c *Config) GetVelocityConfig() measure.VelocityConfig {
	cfg := measure.DefaultVelocityConfig()
	if c.VelocityUpperChannels != nil {
		cfg.UpperChannels = append([]int(nil), c.VelocityUpperChannels...)
	}
	if c.VelocityLowerChannels != nil {
		cfg.LowerChannels = append([]int(nil), c.VelocityLowerChannels...)
	}
	setFloat(&cfg.WindowNS, c.VelocityWindowNS)
	setFloat(&cfg.BinWidthNS, c.VelocityBinNS)
	return cfg
}

// GetPlaneDistanceM returns the vertical separation of the velocity planes.
func (c *Config) GetPlaneDistanceM() float64 {
	if c.PlaneDistanceM == nil {
		return defaultPlaneDistanceM
	}
	return *c.PlaneDistanceM
}

// GetReportInterval returns how often snapshots are published.
func (c *Config) GetReportInterval() time.Duration {
	return parseDuration(c.ReportInterval, defaultReportInterval)
}

// GetScalerPollInterval returns how often the card scalers are queried. Zero
// disables polling.
func (c *Config) GetScalerPollInterval() time.Duration {
	if c.ScalerPollInterval == nil || *c.ScalerPollInterval == "" {
		return defaultScalerPoll
	}
	d, err := time.ParseDuration(*c.ScalerPollInterval)
	if err != nil || d < 0 {
		return defaultScalerPoll
	}
	return d
}

// GetWorkerQueueDepth returns the queue depth of worker subscriptions. Zero
// runs pipelines inline on the acquisition goroutine.
func (c *Config) GetWorkerQueueDepth() int {
	if c.WorkerQueueDepth == nil {
		return defaultWorkerQueueDepth
	}
	return *c.WorkerQueueDepth
}

// GetSinkBufferSize returns the capacity of the buffered sink.
func (c *Config) GetSinkBufferSize() int {
	if c.SinkBufferSize == nil {
		return defaultSinkBufferSize
	}
	return *c.SinkBufferSize
}

// GetReconnectInitialBackoff returns the first reconnect delay.
func (c *Config) GetReconnectInitialBackoff() time.Duration {
	return parseDuration(c.ReconnectInitialBackoff, acquire.DefaultInitialBackoff)
}

// GetReconnectMaxBackoff returns the reconnect delay cap.
func (c *Config) GetReconnectMaxBackoff() time.Duration {
	return parseDuration(c.ReconnectMaxBackoff, acquire.DefaultMaxBackoff)
}

// GetReconnectMaxAttempts returns the reconnect limit. Zero retries forever.
func (c *Config) GetReconnectMaxAttempts() int {
	if c.ReconnectMaxAttempts == nil {
		return 0
	}
	return *c.ReconnectMaxAttempts
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func parseDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
