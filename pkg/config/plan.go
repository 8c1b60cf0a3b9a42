package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"risk-engine/pkg/errs"
)

// Plan is the YAML overlay for trading parameters. Keys that are absent keep the
// values loaded from the environment.
type Plan struct {
	Risk     *Risk     `yaml:"risk"`
	Signal   *Signal   `yaml:"signal"`
	Universe *Universe `yaml:"universe"`
	Guard    *Guard    `yaml:"guard"`
}

// ApplyPlan overlays the plan file at path onto c.
func (c *Config) ApplyPlan(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.E(errs.KindFatalConfig, "read plan", err)
	}
	return c.applyPlanBytes(data)
}

func (c *Config) applyPlanBytes(data []byte) error {
	plan := Plan{Risk: &c.Risk, Signal: &c.Signal, Universe: &c.Universe, Guard: &c.Guard}
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return errs.E(errs.KindFatalConfig, "parse plan", err)
	}
	return nil
}

// Validate rejects risk parameters the engine must never start with.
func (c *Config) Validate() error {
	r, s, u := c.Risk, c.Signal, c.Universe
	switch {
	case r.CapitalCap <= 0:
		return fatal("capital_cap must be > 0, got %v", r.CapitalCap)
	case r.PositionSizePct <= 0 || r.PositionSizePct > 1:
		return fatal("position_size_pct must be in (0, 1], got %v", r.PositionSizePct)
	case r.DailyProfitTarget <= 0:
		return fatal("daily_profit_target must be > 0, got %v", r.DailyProfitTarget)
	case r.MaxDailyLoss <= 0:
		return fatal("max_daily_loss must be > 0, got %v", r.MaxDailyLoss)
	case r.MaxConcurrentPositions < 1:
		return fatal("max_concurrent_positions must be >= 1, got %d", r.MaxConcurrentPositions)
	case r.MinNotional < 0:
		return fatal("min_notional must be >= 0, got %v", r.MinNotional)
	case s.ScoreThreshold <= 0 || s.ScoreThreshold > 1:
		return fatal("score_threshold must be in (0, 1], got %v", s.ScoreThreshold)
	case s.KSL <= 0:
		return fatal("k_sl must be > 0, got %v", s.KSL)
	case s.KTP <= s.KSL:
		return fatal("k_tp (%v) must be greater than k_sl (%v)", s.KTP, s.KSL)
	case s.SLMinPct <= 0 || s.SLMinPct > s.SLMaxPct:
		return fatal("invalid stop bounds [%v, %v]", s.SLMinPct, s.SLMaxPct)
	case s.TPMinPct <= 0 || s.TPMinPct > s.TPMaxPct:
		return fatal("invalid take-profit bounds [%v, %v]", s.TPMinPct, s.TPMaxPct)
	case s.EMAFast < 1 || s.EMASlow <= s.EMAFast:
		return fatal("ema periods must satisfy 1 <= fast < slow, got %d/%d", s.EMAFast, s.EMASlow)
	case s.RSIPeriod < 2 || s.ATRPeriod < 1:
		return fatal("invalid rsi/atr periods %d/%d", s.RSIPeriod, s.ATRPeriod)
	case s.MinBars < s.EMASlow+1:
		return fatal("min_bars (%d) must exceed ema_slow (%d)", s.MinBars, s.EMASlow)
	case u.K < 1:
		return fatal("universe k must be >= 1, got %d", u.K)
	case len(u.Symbols) == 0:
		return fatal("symbol universe is empty")
	case c.Lookback < s.MinBars:
		return fatal("lookback (%d) must be >= min_bars (%d)", c.Lookback, s.MinBars)
	case c.Workers < 1:
		return fatal("workers must be >= 1, got %d", c.Workers)
	case c.CycleInterval <= 0 || c.ExchangeTimeout <= 0:
		return fatal("cycle interval and exchange timeout must be positive")
	case c.CommandQueueSize < 1:
		return fatal("command queue size must be >= 1, got %d", c.CommandQueueSize)
	}
	if _, err := time.LoadLocation(r.Timezone); err != nil {
		return fatal("unknown timezone %q: %v", r.Timezone, err)
	}
	if !c.DryRun && (c.BinanceUSDTKey == "" || c.BinanceUSDTSecret == "") {
		return fatal("live trading requires BINANCE_USDT_KEY and BINANCE_USDT_SECRET")
	}
	return nil
}

func fatal(format string, args ...any) error {
	return errs.E(errs.KindFatalConfig, "config", fmt.Errorf("%w: %s", errs.ErrFatalConfig, fmt.Sprintf(format, args...)))
}
