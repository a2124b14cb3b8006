package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithDefaultsFillsGaps(t *testing.T) {
	cfg := PipelineConfig{
		Sources:           []string{"shopify"},
		CanonicalCurrency: " eur ",
	}.withDefaults()

	assert.Equal(t, "EUR", cfg.CanonicalCurrency)
	assert.Equal(t, "UTC", cfg.DefaultTimezone)
	assert.Equal(t, 500, cfg.ChunkSize)
	assert.Equal(t, 0.5, cfg.Fraud.FlagThreshold)
	// Rates default to identity on the canonical currency.
	assert.Equal(t, "EUR", cfg.Rates.Base)
	assert.Equal(t, 1.0, cfg.Rates.Table["EUR"])
	assert.Equal(t, 5*time.Second, cfg.Rates.LookupTimeout)
}

func TestValidatePipelineConfig(t *testing.T) {
	valid := DefaultPipelineConfig()
	assert.NoError(t, validatePipelineConfig(valid))

	badThreshold := DefaultPipelineConfig()
	badThreshold.Fraud.FlagThreshold = 1.5
	assert.Error(t, validatePipelineConfig(badThreshold))

	badRate := DefaultPipelineConfig()
	badRate.Rates.Table = map[string]float64{"EUR": -1}
	assert.Error(t, validatePipelineConfig(badRate))

	badZone := DefaultPipelineConfig()
	badZone.DefaultTimezone = "Mars/Olympus"
	assert.Error(t, validatePipelineConfig(badZone))
}

func TestStaticHolderSnapshots(t *testing.T) {
	holder := NewStaticPipelineConfigHolder(PipelineConfig{
		Sources: []string{"stripe"},
	})

	cfg := holder.Get()
	assert.Equal(t, []string{"stripe"}, cfg.Sources)
	assert.Equal(t, "USD", cfg.CanonicalCurrency)
}
