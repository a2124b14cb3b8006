package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PipelineConfig carries the business configuration for a transform/load run.
type PipelineConfig struct {
	Sources []string `mapstructure:"sources"`

	CanonicalCurrency string `mapstructure:"canonicalCurrency"`
	DefaultTimezone   string `mapstructure:"defaultTimezone"`

	ChunkSize           int   `mapstructure:"chunkSize"`
	AmountToleranceCent int64 `mapstructure:"amountToleranceCents"`

	Fraud FraudConfig `mapstructure:"fraud"`
	Rates RatesConfig `mapstructure:"rates"`
}

// FraudConfig tunes the deterministic fraud scorer.
type FraudConfig struct {
	HighValueThresholdCents int64         `mapstructure:"highValueThresholdCents"`
	VelocityLimit           int           `mapstructure:"velocityLimit"`
	VelocityWindow          time.Duration `mapstructure:"velocityWindow"`
	FlagThreshold           float64       `mapstructure:"flagThreshold"`
	SuspiciousEmailDomains  []string      `mapstructure:"suspiciousEmailDomains"`
}

// RatesConfig is the static FX rate table used when no live lookup is wired
// or the lookup times out.
type RatesConfig struct {
	Base          string             `mapstructure:"base"`
	AsOf          string             `mapstructure:"asOf"`
	Table         map[string]float64 `mapstructure:"table"`
	LookupTimeout time.Duration      `mapstructure:"lookupTimeout"`
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Sources:             []string{},
		CanonicalCurrency:   "USD",
		DefaultTimezone:     "UTC",
		ChunkSize:           500,
		AmountToleranceCent: 100,
		Fraud: FraudConfig{
			HighValueThresholdCents: 100_000,
			VelocityLimit:           5,
			VelocityWindow:          24 * time.Hour,
			FlagThreshold:           0.5,
			SuspiciousEmailDomains:  []string{"mailinator.com", "10minutemail.com", "tempmail.com", "trashmail.com"},
		},
		Rates: RatesConfig{
			Base:          "USD",
			Table:         map[string]float64{"USD": 1.0},
			LookupTimeout: 5 * time.Second,
		},
	}
}

// PipelineConfigHolder exposes the current pipeline config and hot-reloads it
// when the backing file changes. Runs snapshot the config once at start so a
// reload never changes behavior mid-run.
type PipelineConfigHolder struct {
	current atomic.Value // holds PipelineConfig
}

func NewPipelineConfigHolder() (*PipelineConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("pipeline")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/merchlytics/config") // Volume-mounted config
	v.AddConfigPath("/etc/merchlytics")            // System config
	v.AddConfigPath(".")                           // Current directory (dev mode)

	v.SetEnvPrefix("MERCHLYTICS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPipelineConfig()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}
	v.SetDefault("pipeline", defaults)

	var cfg PipelineConfig
	if err := v.UnmarshalKey("pipeline", &cfg); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if err := validatePipelineConfig(cfg); err != nil {
		return nil, err
	}

	holder := &PipelineConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PipelineConfig
		if err := v.UnmarshalKey("pipeline", &updated); err != nil {
			log.Printf("[pipeline-config] reload failed: %v", err)
			return
		}
		updated = updated.withDefaults()
		if err := validatePipelineConfig(updated); err != nil {
			log.Printf("[pipeline-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[pipeline-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticPipelineConfigHolder wraps a fixed config with no file watching.
func NewStaticPipelineConfigHolder(cfg PipelineConfig) *PipelineConfigHolder {
	holder := &PipelineConfigHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}

func (h *PipelineConfigHolder) Get() PipelineConfig {
	return h.current.Load().(PipelineConfig)
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	defaults := DefaultPipelineConfig()
	if strings.TrimSpace(c.CanonicalCurrency) == "" {
		c.CanonicalCurrency = defaults.CanonicalCurrency
	}
	c.CanonicalCurrency = strings.ToUpper(strings.TrimSpace(c.CanonicalCurrency))
	if strings.TrimSpace(c.DefaultTimezone) == "" {
		c.DefaultTimezone = defaults.DefaultTimezone
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaults.ChunkSize
	}
	if c.AmountToleranceCent < 0 {
		c.AmountToleranceCent = defaults.AmountToleranceCent
	}
	if c.Fraud.HighValueThresholdCents <= 0 {
		c.Fraud.HighValueThresholdCents = defaults.Fraud.HighValueThresholdCents
	}
	if c.Fraud.VelocityLimit <= 0 {
		c.Fraud.VelocityLimit = defaults.Fraud.VelocityLimit
	}
	if c.Fraud.VelocityWindow <= 0 {
		c.Fraud.VelocityWindow = defaults.Fraud.VelocityWindow
	}
	if c.Fraud.FlagThreshold <= 0 {
		c.Fraud.FlagThreshold = defaults.Fraud.FlagThreshold
	}
	if len(c.Fraud.SuspiciousEmailDomains) == 0 {
		c.Fraud.SuspiciousEmailDomains = defaults.Fraud.SuspiciousEmailDomains
	}
	if strings.TrimSpace(c.Rates.Base) == "" {
		c.Rates.Base = c.CanonicalCurrency
	}
	c.Rates.Base = strings.ToUpper(strings.TrimSpace(c.Rates.Base))
	if len(c.Rates.Table) == 0 {
		c.Rates.Table = map[string]float64{c.Rates.Base: 1.0}
	}
	if c.Rates.LookupTimeout <= 0 {
		c.Rates.LookupTimeout = defaults.Rates.LookupTimeout
	}
	return c
}

func validatePipelineConfig(cfg PipelineConfig) error {
	if cfg.Fraud.FlagThreshold > 1 {
		return errors.New("fraud.flagThreshold must be within (0, 1]")
	}
	for code, rate := range cfg.Rates.Table {
		if rate <= 0 {
			return errors.New("rates.table entry " + code + " must be positive")
		}
	}
	if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil {
		return errors.New("invalid defaultTimezone " + cfg.DefaultTimezone)
	}
	return nil
}
