package fxrate

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/merchlytics/merchlytics/internal/config"
	"go.uber.org/zap"
)

var ErrUnknownCurrency = errors.New("unknown_currency")

// Table is a snapshot of conversion rates into the base currency. Rates[code]
// is how many base-currency units one unit of code is worth.
type Table struct {
	Base  string
	AsOf  string
	Rates map[string]float64
}

func (t Table) Rate(code string) (float64, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == t.Base {
		return 1.0, nil
	}
	rate, ok := t.Rates[code]
	if !ok {
		return 0, ErrUnknownCurrency
	}
	return rate, nil
}

// LookupFunc fetches a live rate table. It is optional; when absent or
// failing, the static table from config is used.
type LookupFunc func(ctx context.Context) (Table, error)

// Provider resolves the rate table for a run. Each run snapshots the table
// once so every record in the run converts with the same rates.
type Provider interface {
	Snapshot(ctx context.Context) Table
}

type provider struct {
	static  Table
	lookup  LookupFunc
	timeout time.Duration
	log     *zap.Logger
}

func NewProvider(cfg config.RatesConfig, lookup LookupFunc, log *zap.Logger) Provider {
	rates := make(map[string]float64, len(cfg.Table))
	for code, rate := range cfg.Table {
		rates[strings.ToUpper(strings.TrimSpace(code))] = rate
	}
	return &provider{
		static: Table{
			Base:  cfg.Base,
			AsOf:  cfg.AsOf,
			Rates: rates,
		},
		lookup:  lookup,
		timeout: cfg.LookupTimeout,
		log:     log.Named("fxrate"),
	}
}

func (p *provider) Snapshot(ctx context.Context) Table {
	if p.lookup == nil {
		return p.static
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	table, err := p.lookup(ctx)
	if err != nil {
		p.log.Warn("live rate lookup failed, using static table",
			zap.String("as_of", p.static.AsOf),
			zap.Error(err),
		)
		return p.static
	}
	if table.Base != p.static.Base {
		p.log.Warn("live rate table has wrong base, using static table",
			zap.String("got_base", table.Base),
			zap.String("want_base", p.static.Base),
		)
		return p.static
	}
	return table
}
