package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// MinSendGapFloor is the safety floor for the global inter-send gap.
	// A misconfigured zero would let the gateway flood the channel.
	MinSendGapFloor = 250 * time.Millisecond

	defaultMinSendGap       = 2 * time.Second
	defaultPostDirectBcast  = 3 * time.Second
	defaultDirectToDirect   = 1 * time.Second
	defaultBroadcastDelay   = 5 * time.Second
	defaultTick             = 50 * time.Millisecond
	defaultMaxQueueDepth    = 256
	defaultAgeThreshold     = 30 * time.Second
	defaultStatsInterval    = 60 * time.Second
	defaultResendInterval   = 7 * time.Second
	defaultReadTimeout      = 500 * time.Millisecond
	defaultNodeSweepMaxDays = 7
)

var defaultBackoff = []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second}

type Config struct {
	Gateway   GatewayConfig   `toml:"gateway"`
	Device    DeviceConfig    `toml:"device"`
	Pacing    PacingConfig    `toml:"pacing"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Admin     AdminConfig     `toml:"admin"`
}

type GatewayConfig struct {
	Name string `toml:"name"`
}

type DeviceConfig struct {
	Port          string `toml:"port"`
	BaudRate      int    `toml:"baud_rate"`
	Framing       string `toml:"framing"`
	ReadTimeoutMS int    `toml:"read_timeout_ms"`
	NodeCachePath string `toml:"node_cache_path"`
	NodeMaxAgeDays int   `toml:"node_max_age_days"`
}

type PacingConfig struct {
	MinSendGapMS           int   `toml:"min_send_gap_ms"`
	PostDirectBroadcastMS  int   `toml:"post_direct_broadcast_gap_ms"`
	DirectToDirectGapMS    int   `toml:"direct_to_direct_gap_ms"`
	BroadcastDelayMS       int   `toml:"broadcast_delay_ms"`
	ResendBackoffS         []int `toml:"resend_backoff_s"`
	ConfigResendIntervalMS int   `toml:"config_resend_interval_ms"`
}

type SchedulerConfig struct {
	TickMS          int `toml:"tick_ms"`
	MaxQueueDepth   int `toml:"max_queue_depth"`
	AgeThresholdMS  int `toml:"age_threshold_ms"`
	StatsIntervalS  int `toml:"stats_interval_s"`
}

type AdminConfig struct {
	Listen      string   `toml:"listen"`
	CorsOrigins []string `toml:"cors_origins"`
}

func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the sanitized built-in configuration.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Gateway.Name) == "" {
		c.Gateway.Name = "meshboard"
	}
	if c.Device.BaudRate <= 0 {
		c.Device.BaudRate = 115200
	}
	if c.Device.Framing == "" {
		c.Device.Framing = "length-prefix"
	}
	if c.Device.ReadTimeoutMS <= 0 {
		c.Device.ReadTimeoutMS = int(defaultReadTimeout / time.Millisecond)
	}
	if strings.TrimSpace(c.Device.NodeCachePath) == "" {
		c.Device.NodeCachePath = "data/node_cache.json"
	}
	if c.Device.NodeMaxAgeDays <= 0 {
		c.Device.NodeMaxAgeDays = defaultNodeSweepMaxDays
	}
	if c.Pacing.MinSendGapMS <= 0 {
		c.Pacing.MinSendGapMS = int(defaultMinSendGap / time.Millisecond)
	}
	if c.Pacing.PostDirectBroadcastMS < 0 {
		c.Pacing.PostDirectBroadcastMS = 0
	}
	if c.Pacing.PostDirectBroadcastMS == 0 {
		c.Pacing.PostDirectBroadcastMS = int(defaultPostDirectBcast / time.Millisecond)
	}
	if c.Pacing.DirectToDirectGapMS <= 0 {
		c.Pacing.DirectToDirectGapMS = int(defaultDirectToDirect / time.Millisecond)
	}
	if c.Pacing.BroadcastDelayMS <= 0 {
		c.Pacing.BroadcastDelayMS = int(defaultBroadcastDelay / time.Millisecond)
	}
	if c.Pacing.ConfigResendIntervalMS <= 0 {
		c.Pacing.ConfigResendIntervalMS = int(defaultResendInterval / time.Millisecond)
	}
	if len(sanitizeBackoff(c.Pacing.ResendBackoffS)) == 0 {
		c.Pacing.ResendBackoffS = nil
	}
	if c.Scheduler.TickMS <= 0 {
		c.Scheduler.TickMS = int(defaultTick / time.Millisecond)
	}
	if c.Scheduler.MaxQueueDepth <= 0 {
		c.Scheduler.MaxQueueDepth = defaultMaxQueueDepth
	}
	if c.Scheduler.AgeThresholdMS <= 0 {
		c.Scheduler.AgeThresholdMS = int(defaultAgeThreshold / time.Millisecond)
	}
	if c.Scheduler.StatsIntervalS <= 0 {
		c.Scheduler.StatsIntervalS = int(defaultStatsInterval / time.Second)
	}
}

func (c Config) Validate() error {
	switch c.Device.Framing {
	case "length-prefix", "slip":
	default:
		return fmt.Errorf("config: unknown framing %q", c.Device.Framing)
	}
	return nil
}

// MinSendGap returns the configured gap clamped to the safety floor.
func (c Config) MinSendGap() time.Duration {
	gap := time.Duration(c.Pacing.MinSendGapMS) * time.Millisecond
	if gap < MinSendGapFloor {
		return MinSendGapFloor
	}
	return gap
}

func (c Config) PostDirectBroadcastGap() time.Duration {
	return time.Duration(c.Pacing.PostDirectBroadcastMS) * time.Millisecond
}

func (c Config) DirectToDirectGap() time.Duration {
	return time.Duration(c.Pacing.DirectToDirectGapMS) * time.Millisecond
}

// BroadcastDelay is the per-category hold applied to broadcast envelopes,
// never less than the composite gap a broadcast would have to wait anyway.
func (c Config) BroadcastDelay() time.Duration {
	composite := c.MinSendGap() + c.PostDirectBroadcastGap()
	configured := time.Duration(c.Pacing.BroadcastDelayMS) * time.Millisecond
	if configured < composite {
		return composite
	}
	return configured
}

// ResendBackoff returns the sanitized retransmission schedule; non-positive
// or missing entries fall back to the safe default.
func (c Config) ResendBackoff() []time.Duration {
	if out := sanitizeBackoff(c.Pacing.ResendBackoffS); len(out) > 0 {
		return out
	}
	out := make([]time.Duration, len(defaultBackoff))
	copy(out, defaultBackoff)
	return out
}

func (c Config) ConfigResendInterval() time.Duration {
	return time.Duration(c.Pacing.ConfigResendIntervalMS) * time.Millisecond
}

func (c Config) ReadTimeout() time.Duration {
	return time.Duration(c.Device.ReadTimeoutMS) * time.Millisecond
}

func (c Config) SchedulerTick() time.Duration {
	return time.Duration(c.Scheduler.TickMS) * time.Millisecond
}

func (c Config) AgeThreshold() time.Duration {
	return time.Duration(c.Scheduler.AgeThresholdMS) * time.Millisecond
}

func (c Config) StatsInterval() time.Duration {
	return time.Duration(c.Scheduler.StatsIntervalS) * time.Second
}

func (c Config) NodeMaxAge() time.Duration {
	return time.Duration(c.Device.NodeMaxAgeDays) * 24 * time.Hour
}

func sanitizeBackoff(entries []int) []time.Duration {
	var out []time.Duration
	for _, s := range entries {
		if s <= 0 {
			continue
		}
		out = append(out, time.Duration(s)*time.Second)
	}
	return out
}
