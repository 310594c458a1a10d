// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	yaml "gopkg.in/yaml.v3"

	"github.com/mossriver/ironfly/internal/errs"
)

// Defaults for unset keys. Keys whose zero value is invalid are filled in
// by normalize; the two risk thresholds where 0 is a valid setting are
// seeded by Load before decoding instead.
const (
	defaultSessionStart    = "12:25"
	defaultSessionEnd      = "13:25"
	defaultCycleMinutes    = 5
	defaultCycles          = 10
	defaultQuantity        = "0.01"
	defaultStrikeDistance  = 10
	defaultStopLossPct     = 30.0
	defaultProfitTargetPct = 50.0
	defaultPortfolioPct    = 10.0
	defaultOrderTimeoutSec = 60
	defaultUpdateSec       = 1
	defaultUnderlying      = "BTC"

	minCredentialLen = 10
)

// Config represents the complete application configuration.
type Config struct {
	Venue    VenueConfig    `yaml:"venue"`
	Session  SessionConfig  `yaml:"session"`
	Strategy StrategyConfig `yaml:"strategy"`
	Risk     RiskConfig     `yaml:"risk"`
	Orders   OrdersConfig   `yaml:"orders"`
	Telegram TelegramConfig `yaml:"telegram"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// VenueConfig defines the options venue API settings.
type VenueConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	// DryRun logs order mutations instead of sending them.
	DryRun bool `yaml:"dry_run"`
}

// SessionConfig defines the intraday trading window and cycle cadence.
type SessionConfig struct {
	Start                string `yaml:"start"`    // "HH:MM", local to Timezone
	End                  string `yaml:"end"`      // half-open [start, end)
	Timezone             string `yaml:"timezone"` // IANA name; empty means host local
	CycleIntervalMinutes int    `yaml:"cycle_interval_minutes"`
	NumberOfCycles       int    `yaml:"number_of_cycles"`
}

// StrategyConfig defines butterfly construction parameters.
// PositionQuantity is kept as a string in YAML and parsed exactly; floats
// would lose precision before the decimal conversion.
type StrategyConfig struct {
	Underlying       string `yaml:"underlying"`
	PositionQuantity string `yaml:"position_quantity"`
	// StrikeDistance is the wing offset in strike-grid steps from ATM.
	StrikeDistance int `yaml:"strike_distance"`

	quantity decimal.Decimal
}

// RiskConfig defines the three risk thresholds, all percentages.
type RiskConfig struct {
	StopLossPct      float64 `yaml:"stop_loss_pct"`
	ProfitTargetPct  float64 `yaml:"profit_target_pct"`
	PortfolioRiskPct float64 `yaml:"portfolio_risk_pct"`
}

// OrdersConfig defines fill-driver timing.
type OrdersConfig struct {
	TimeoutSeconds        int `yaml:"timeout_seconds"`
	UpdateIntervalSeconds int `yaml:"update_interval_seconds"`
}

// TelegramConfig defines the optional alert channel. Both keys must be set
// together or left empty together.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// LoggingConfig defines the optional rotating log file.
type LoggingConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int64  `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Load reads, expands, parses, and validates the configuration file.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	// Risk defaults are seeded before decoding: 0 is a valid setting for
	// stop_loss_pct and portfolio_risk_pct, so normalize cannot tell an
	// explicit 0 from an absent key.
	config := Config{Risk: RiskConfig{
		StopLossPct:      defaultStopLossPct,
		ProfitTargetPct:  defaultProfitTargetPct,
		PortfolioRiskPct: defaultPortfolioPct,
	}}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate applies defaults and checks every value. The first violation is
// returned as a *errs.ConfigError naming the offending key; the process must
// not start on any error.
func (c *Config) Validate() error {
	c.normalize()

	if len(c.Venue.APIKey) < minCredentialLen {
		return &errs.ConfigError{Key: "venue.api_key",
			Msg: fmt.Sprintf("must be at least %d characters", minCredentialLen)}
	}
	if len(c.Venue.APISecret) < minCredentialLen {
		return &errs.ConfigError{Key: "venue.api_secret",
			Msg: fmt.Sprintf("must be at least %d characters", minCredentialLen)}
	}
	if c.Venue.BaseURL == "" {
		return &errs.ConfigError{Key: "venue.base_url", Msg: "is required"}
	}

	loc := c.Location()
	start, err := time.ParseInLocation("15:04", c.Session.Start, loc)
	if err != nil {
		return &errs.ConfigError{Key: "session.start", Msg: "must be HH:MM"}
	}
	end, err := time.ParseInLocation("15:04", c.Session.End, loc)
	if err != nil {
		return &errs.ConfigError{Key: "session.end", Msg: "must be HH:MM"}
	}
	if !start.Before(end) {
		return &errs.ConfigError{Key: "session.start", Msg: "must be before session.end"}
	}
	if c.Session.CycleIntervalMinutes <= 0 {
		return &errs.ConfigError{Key: "session.cycle_interval_minutes", Msg: "must be > 0"}
	}
	if c.Session.NumberOfCycles <= 0 {
		return &errs.ConfigError{Key: "session.number_of_cycles", Msg: "must be > 0"}
	}

	qty, err := decimal.NewFromString(c.Strategy.PositionQuantity)
	if err != nil {
		return &errs.ConfigError{Key: "strategy.position_quantity", Msg: "must be a decimal"}
	}
	if qty.Sign() <= 0 {
		return &errs.ConfigError{Key: "strategy.position_quantity", Msg: "must be > 0"}
	}
	c.Strategy.quantity = qty
	if c.Strategy.StrikeDistance <= 0 {
		return &errs.ConfigError{Key: "strategy.strike_distance", Msg: "must be > 0"}
	}

	if c.Risk.StopLossPct < 0 || c.Risk.StopLossPct >= 100 {
		return &errs.ConfigError{Key: "risk.stop_loss_pct", Msg: "must be in [0, 100)"}
	}
	if c.Risk.ProfitTargetPct <= 0 {
		return &errs.ConfigError{Key: "risk.profit_target_pct", Msg: "must be > 0"}
	}
	if c.Risk.PortfolioRiskPct < 0 || c.Risk.PortfolioRiskPct >= 100 {
		return &errs.ConfigError{Key: "risk.portfolio_risk_pct", Msg: "must be in [0, 100)"}
	}

	if c.Orders.TimeoutSeconds <= 0 {
		return &errs.ConfigError{Key: "orders.timeout_seconds", Msg: "must be > 0"}
	}
	if c.Orders.UpdateIntervalSeconds <= 0 {
		return &errs.ConfigError{Key: "orders.update_interval_seconds", Msg: "must be > 0"}
	}

	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == "") {
		return &errs.ConfigError{Key: "telegram",
			Msg: "bot_token and chat_id must be set together"}
	}

	return nil
}

// Location resolves the configured timezone, falling back to the host's
// local zone when the name is empty or unknown.
func (c *Config) Location() *time.Location {
	if c.Session.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Session.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// SessionWindow returns today's [start, end) instants in the configured zone.
func (c *Config) SessionWindow(now time.Time) (time.Time, time.Time) {
	loc := c.Location()
	today := now.In(loc)

	startClock, _ := time.ParseInLocation("15:04", c.Session.Start, loc)
	endClock, _ := time.ParseInLocation("15:04", c.Session.End, loc)

	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)
	return start, end
}

// IsWithinSession reports whether now falls inside [start, end).
func (c *Config) IsWithinSession(now time.Time) bool {
	start, end := c.SessionWindow(now)
	return !now.Before(start) && now.Before(end)
}

// Quantity returns the parsed per-leg quantity. Valid only after Validate.
func (c *Config) Quantity() decimal.Decimal {
	return c.Strategy.quantity
}

// CycleInterval returns the cycle cadence as a duration.
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Session.CycleIntervalMinutes) * time.Minute
}

// OrderTimeout returns the per-order fill deadline.
func (c *Config) OrderTimeout() time.Duration {
	return time.Duration(c.Orders.TimeoutSeconds) * time.Second
}

// OrderUpdateInterval returns the fill-driver poll cadence.
func (c *Config) OrderUpdateInterval() time.Duration {
	return time.Duration(c.Orders.UpdateIntervalSeconds) * time.Second
}

// TelegramEnabled reports whether the alert channel is configured.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != "" && c.Telegram.ChatID != ""
}

func (c *Config) normalize() {
	if c.Session.Start == "" {
		c.Session.Start = defaultSessionStart
	}
	if c.Session.End == "" {
		c.Session.End = defaultSessionEnd
	}
	if c.Session.CycleIntervalMinutes == 0 {
		c.Session.CycleIntervalMinutes = defaultCycleMinutes
	}
	if c.Session.NumberOfCycles == 0 {
		c.Session.NumberOfCycles = defaultCycles
	}
	if c.Strategy.Underlying == "" {
		c.Strategy.Underlying = defaultUnderlying
	}
	if c.Strategy.PositionQuantity == "" {
		c.Strategy.PositionQuantity = defaultQuantity
	}
	if c.Strategy.StrikeDistance == 0 {
		c.Strategy.StrikeDistance = defaultStrikeDistance
	}
	if c.Risk.ProfitTargetPct == 0 {
		c.Risk.ProfitTargetPct = defaultProfitTargetPct
	}
	if c.Orders.TimeoutSeconds == 0 {
		c.Orders.TimeoutSeconds = defaultOrderTimeoutSec
	}
	if c.Orders.UpdateIntervalSeconds == 0 {
		c.Orders.UpdateIntervalSeconds = defaultUpdateSec
	}
}
