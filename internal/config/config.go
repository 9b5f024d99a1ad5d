// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	yaml "gopkg.in/yaml.v3"

	"github.com/eddiefleurent/nifty_strangler/internal/models"
)

const defaultTimezone = "Asia/Kolkata"

// Config represents the complete application configuration.
type Config struct {
	Environment    EnvironmentConfig    `yaml:"environment"`
	Broker         BrokerConfig         `yaml:"broker"`
	Schedule       ScheduleConfig       `yaml:"schedule"`
	Strategy       StrategyConfig       `yaml:"strategy"`
	Risk           RiskConfig           `yaml:"risk"`
	Monitor        MonitorConfig        `yaml:"monitor"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Orders         OrdersConfig         `yaml:"orders"`
	Storage        StorageConfig        `yaml:"storage"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings. Credentials live in the secrets
// file, not here.
type BrokerConfig struct {
	Provider        string `yaml:"provider"` // kite | paper
	Exchange        string `yaml:"exchange"`
	Underlying      string `yaml:"underlying"`
	UnderlyingQuote string `yaml:"underlying_quote"`
	VolatilityQuote string `yaml:"volatility_quote"`
	Product         string `yaml:"product"`
	OrderTag        string `yaml:"order_tag"`
	RequestTimeout  string `yaml:"request_timeout"`
}

// ScheduleConfig defines the trading day in exchange time. Clock values are "HH:MM".
type ScheduleConfig struct {
	Timezone      string `yaml:"timezone"`
	MarketOpen    string `yaml:"market_open"`
	MarketClose   string `yaml:"market_close"`
	EntryStart    string `yaml:"entry_start"`
	Cutoff        string `yaml:"cutoff"`
	PollInterval  string `yaml:"poll_interval"`
	ReselectDelay string `yaml:"reselect_delay"`
}

// VWAPConfig defines the VWAP filter.
type VWAPConfig struct {
	Enabled         *bool `yaml:"enabled"`
	Priority        *bool `yaml:"priority"`
	LookbackMinutes int   `yaml:"lookback_minutes"`
}

// StrategyConfig defines strike selection parameters.
type StrategyConfig struct {
	VolatilityTTL         string     `yaml:"volatility_ttl"`
	CloseOnDeltaBreach    *bool      `yaml:"close_on_delta_breach"`
	VWAP                  VWAPConfig `yaml:"vwap"`
	DeltaLow              float64    `yaml:"delta_low"`
	DeltaHigh             float64    `yaml:"delta_high"`
	DeltaTolerance        float64    `yaml:"delta_tolerance"`
	StrikeStep            float64    `yaml:"strike_step"`
	ATMHalfWidth          float64    `yaml:"atm_half_width"`
	PriceDiffTolerancePct float64    `yaml:"price_diff_tolerance_pct"`
	RiskFreeRate          float64    `yaml:"risk_free_rate"`
	ExpiryRolloverDays    int        `yaml:"expiry_rollover_days"`
	CallQuantity          int        `yaml:"call_quantity"`
	PutQuantity           int        `yaml:"put_quantity"`
}

// RiskConfig defines profit locks, hedging and stop-loss parameters.
type RiskConfig struct {
	StopLossTable        map[string]float64 `yaml:"stop_loss_table"`
	ProfitLockT1         float64            `yaml:"profit_lock_t1"`
	ProfitLockT2         float64            `yaml:"profit_lock_t2"`
	HedgeThreshold       float64            `yaml:"hedge_threshold"`
	HedgeOffset          float64            `yaml:"hedge_offset"`
	DefaultStopLossPct   float64            `yaml:"default_stop_loss_pct"`
	TightenTriggerOffset float64            `yaml:"tighten_trigger_offset"`
	TightenLimitOffset   float64            `yaml:"tighten_limit_offset"`
	StopLimitGap         float64            `yaml:"stop_limit_gap"`
	MaxStopLossTriggers  int                `yaml:"max_stop_loss_triggers"`
}

// MonitorConfig defines the order of the monitoring checks.
type MonitorConfig struct {
	ReplaceBeforeTighten bool `yaml:"replace_before_tighten"`
}

// RetryConfig defines retries of broker calls.
type RetryConfig struct {
	Backoff     string  `yaml:"backoff"`
	MaxBackoff  string  `yaml:"max_backoff"`
	Multiplier  float64 `yaml:"multiplier"`
	MaxAttempts int     `yaml:"max_attempts"`
	Jitter      bool    `yaml:"jitter"`
}

// CircuitBreakerConfig defines when broker calls are short-circuited.
type CircuitBreakerConfig struct {
	Interval     string  `yaml:"interval"`
	Timeout      string  `yaml:"timeout"`
	FailureRatio float64 `yaml:"failure_ratio"`
	MaxRequests  uint32  `yaml:"max_requests"`
	MinRequests  uint32  `yaml:"min_requests"`
}

// OrdersConfig defines fill polling.
type OrdersConfig struct {
	FillPollInterval string `yaml:"fill_poll_interval"`
	FillTimeout      string `yaml:"fill_timeout"`
}

// StorageConfig defines the session journal.
type StorageConfig struct {
	Backend string `yaml:"backend"` // json | sqlite
	Path    string `yaml:"path"`
}

// LoggingConfig defines the optional rotating log file.
type LoggingConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Load reads and parses the configuration file from the specified path.
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

	var config Config
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

// Validate fills defaults for unset values and checks that the rest are
// valid and consistent.
func (c *Config) Validate() error {
	c.normalize()

	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch c.Broker.Provider {
	case "kite", "paper":
	default:
		return fmt.Errorf("broker.provider must be 'kite' or 'paper'")
	}
	if c.Broker.Product != "NRML" && c.Broker.Product != "MIS" {
		return fmt.Errorf("broker.product must be 'NRML' or 'MIS'")
	}

	// Strategy validation
	s := c.Strategy
	if s.DeltaLow <= 0 || s.DeltaHigh >= 1 || s.DeltaLow > s.DeltaHigh {
		return fmt.Errorf("strategy delta band must satisfy 0 < delta_low <= delta_high < 1")
	}
	if s.DeltaTolerance < 0 {
		return fmt.Errorf("strategy.delta_tolerance must be >= 0")
	}
	if s.StrikeStep <= 0 || s.ATMHalfWidth < s.StrikeStep {
		return fmt.Errorf("strategy.atm_half_width must be >= strategy.strike_step > 0")
	}
	if s.PriceDiffTolerancePct <= 0 {
		return fmt.Errorf("strategy.price_diff_tolerance_pct must be > 0")
	}
	if s.ExpiryRolloverDays < 0 {
		return fmt.Errorf("strategy.expiry_rollover_days must be >= 0")
	}
	if s.CallQuantity <= 0 || s.PutQuantity <= 0 {
		return fmt.Errorf("strategy.call_quantity and strategy.put_quantity must be > 0")
	}
	if s.VWAP.LookbackMinutes <= 0 {
		return fmt.Errorf("strategy.vwap.lookback_minutes must be > 0")
	}

	// Risk validation
	r := c.Risk
	if r.ProfitLockT1 <= 0 || r.ProfitLockT2 < r.ProfitLockT1 {
		return fmt.Errorf("risk.profit_lock_t2 (%.2f) must be >= risk.profit_lock_t1 (%.2f) > 0", r.ProfitLockT2, r.ProfitLockT1)
	}
	if r.HedgeThreshold < 0 || r.HedgeOffset <= 0 {
		return fmt.Errorf("risk.hedge_threshold must be >= 0 and risk.hedge_offset > 0")
	}
	if r.MaxStopLossTriggers <= 0 {
		return fmt.Errorf("risk.max_stop_loss_triggers must be > 0")
	}
	if r.TightenLimitOffset < r.TightenTriggerOffset {
		return fmt.Errorf("risk.tighten_limit_offset must be >= risk.tighten_trigger_offset")
	}
	if _, err := c.StopLossTable(); err != nil {
		return err
	}

	// Durations
	for name, v := range map[string]string{
		"broker.request_timeout":    c.Broker.RequestTimeout,
		"schedule.poll_interval":    c.Schedule.PollInterval,
		"schedule.reselect_delay":   c.Schedule.ReselectDelay,
		"strategy.volatility_ttl":   c.Strategy.VolatilityTTL,
		"retry.backoff":             c.Retry.Backoff,
		"retry.max_backoff":         c.Retry.MaxBackoff,
		"circuit_breaker.interval":  c.CircuitBreaker.Interval,
		"circuit_breaker.timeout":   c.CircuitBreaker.Timeout,
		"orders.fill_poll_interval": c.Orders.FillPollInterval,
		"orders.fill_timeout":       c.Orders.FillTimeout,
	} {
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			return fmt.Errorf("%s invalid: %q", name, v)
		}
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.CircuitBreaker.FailureRatio <= 0 || c.CircuitBreaker.FailureRatio > 1 {
		return fmt.Errorf("circuit_breaker.failure_ratio must be in (0,1]")
	}

	// Schedule validation
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}
	clocks := []struct {
		name, value string
	}{
		{"schedule.market_open", c.Schedule.MarketOpen},
		{"schedule.entry_start", c.Schedule.EntryStart},
		{"schedule.cutoff", c.Schedule.Cutoff},
		{"schedule.market_close", c.Schedule.MarketClose},
	}
	var prev time.Duration = -1
	for _, clk := range clocks {
		d, err := parseClock(clk.value)
		if err != nil {
			return fmt.Errorf("%s invalid: %w", clk.name, err)
		}
		if d < prev {
			return fmt.Errorf("schedule must satisfy market_open <= entry_start <= cutoff <= market_close")
		}
		prev = d
	}

	if c.Storage.Backend != "json" && c.Storage.Backend != "sqlite" {
		return fmt.Errorf("storage.backend must be 'json' or 'sqlite'")
	}
	return nil
}

// normalize sets default values for anything left unset.
func (c *Config) normalize() {
	setString := func(p *string, v string) {
		if *p == "" {
			*p = v
		}
	}
	setFloat := func(p *float64, v float64) {
		if *p == 0 {
			*p = v
		}
	}
	setInt := func(p *int, v int) {
		if *p == 0 {
			*p = v
		}
	}
	setBool := func(p **bool, v bool) {
		if *p == nil {
			*p = &v
		}
	}

	setString(&c.Environment.Mode, "paper")
	setString(&c.Environment.LogLevel, "info")

	setString(&c.Broker.Provider, "paper")
	setString(&c.Broker.Exchange, "NFO")
	setString(&c.Broker.Underlying, "NIFTY")
	setString(&c.Broker.UnderlyingQuote, "NSE:NIFTY 50")
	setString(&c.Broker.VolatilityQuote, "NSE:INDIA VIX")
	setString(&c.Broker.Product, "NRML")
	setString(&c.Broker.OrderTag, "Automation")
	setString(&c.Broker.RequestTimeout, "10s")

	setString(&c.Schedule.Timezone, defaultTimezone)
	setString(&c.Schedule.MarketOpen, "09:15")
	setString(&c.Schedule.MarketClose, "15:30")
	setString(&c.Schedule.EntryStart, "09:45")
	setString(&c.Schedule.Cutoff, "14:50")
	setString(&c.Schedule.PollInterval, "3s")
	setString(&c.Schedule.ReselectDelay, "10s")

	setFloat(&c.Strategy.DeltaLow, 0.29)
	setFloat(&c.Strategy.DeltaHigh, 0.35)
	setFloat(&c.Strategy.DeltaTolerance, 0.1)
	setFloat(&c.Strategy.StrikeStep, 50)
	setFloat(&c.Strategy.ATMHalfWidth, 500)
	setFloat(&c.Strategy.PriceDiffTolerancePct, 1.5)
	setFloat(&c.Strategy.RiskFreeRate, 0.05)
	setInt(&c.Strategy.ExpiryRolloverDays, 2)
	setInt(&c.Strategy.CallQuantity, 25)
	setInt(&c.Strategy.PutQuantity, 25)
	setInt(&c.Strategy.VWAP.LookbackMinutes, 5)
	setString(&c.Strategy.VolatilityTTL, "2m")
	setBool(&c.Strategy.CloseOnDeltaBreach, true)
	setBool(&c.Strategy.VWAP.Enabled, true)
	setBool(&c.Strategy.VWAP.Priority, true)

	setFloat(&c.Risk.ProfitLockT1, 14)
	setFloat(&c.Risk.ProfitLockT2, 28)
	setFloat(&c.Risk.HedgeThreshold, 10)
	setFloat(&c.Risk.HedgeOffset, 100)
	setFloat(&c.Risk.DefaultStopLossPct, 35)
	setFloat(&c.Risk.TightenTriggerOffset, 1)
	setFloat(&c.Risk.TightenLimitOffset, 2)
	setFloat(&c.Risk.StopLimitGap, 1)
	setInt(&c.Risk.MaxStopLossTriggers, 3)
	if len(c.Risk.StopLossTable) == 0 {
		c.Risk.StopLossTable = map[string]float64{
			"monday": 30, "tuesday": 32, "wednesday": 25, "thursday": 25, "friday": 27,
		}
	}

	setInt(&c.Retry.MaxAttempts, 3)
	setString(&c.Retry.Backoff, "1s")
	setString(&c.Retry.MaxBackoff, "10s")
	setFloat(&c.Retry.Multiplier, 1)

	if c.CircuitBreaker.MaxRequests == 0 {
		c.CircuitBreaker.MaxRequests = 3
	}
	if c.CircuitBreaker.MinRequests == 0 {
		c.CircuitBreaker.MinRequests = 5
	}
	setString(&c.CircuitBreaker.Interval, "60s")
	setString(&c.CircuitBreaker.Timeout, "30s")
	setFloat(&c.CircuitBreaker.FailureRatio, 0.6)

	setString(&c.Orders.FillPollInterval, "500ms")
	setString(&c.Orders.FillTimeout, "30s")

	setString(&c.Storage.Backend, "json")
	setString(&c.Storage.Path, "data/journal.json")

	setInt(&c.Logging.MaxSizeMB, 50)
	setInt(&c.Logging.MaxBackups, 7)
	setInt(&c.Logging.MaxAgeDays, 30)
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Location returns the exchange time zone, falling back to a fixed IST
// offset on systems without tzdata.
func (c *Config) Location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}

// parseClock turns "HH:MM" into an offset from midnight.
func parseClock(v string) (time.Duration, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (c *Config) clockOffset(v string, fallback time.Duration) time.Duration {
	d, err := parseClock(v)
	if err != nil {
		return fallback
	}
	return d
}

// EntryStartOffset is entry_start as an offset from midnight.
func (c *Config) EntryStartOffset() time.Duration {
	return c.clockOffset(c.Schedule.EntryStart, 9*time.Hour+45*time.Minute)
}

// CutoffOffset is cutoff as an offset from midnight.
func (c *Config) CutoffOffset() time.Duration {
	return c.clockOffset(c.Schedule.Cutoff, 14*time.Hour+50*time.Minute)
}

func (c *Config) on(t time.Time, offset time.Duration) time.Time {
	loc := c.Location()
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).Add(offset)
}

// EntryStartOn returns the entry start time on t's trading day.
func (c *Config) EntryStartOn(t time.Time) time.Time {
	return c.on(t, c.EntryStartOffset())
}

// CutoffOn returns the session cutoff on t's trading day.
func (c *Config) CutoffOn(t time.Time) time.Time {
	return c.on(t, c.CutoffOffset())
}

// IsWithinMarketHours reports whether t falls in the regular session on a
// weekday. Exchange holidays are not modelled.
func (c *Config) IsWithinMarketHours(t time.Time) bool {
	local := t.In(c.Location())
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	open := c.on(t, c.clockOffset(c.Schedule.MarketOpen, 9*time.Hour+15*time.Minute))
	end := c.on(t, c.clockOffset(c.Schedule.MarketClose, 15*time.Hour+30*time.Minute))
	// Inclusive start, exclusive end
	return !local.Before(open) && local.Before(end)
}

// StopLossTable builds the weekday stop-loss table.
func (c *Config) StopLossTable() (models.DailyStopLossTable, error) {
	table := models.DailyStopLossTable{
		ByDay:   make(map[time.Weekday]float64, len(c.Risk.StopLossTable)),
		Default: c.Risk.DefaultStopLossPct,
	}
	for name, pct := range c.Risk.StopLossTable {
		day, err := models.ParseWeekday(name)
		if err != nil {
			return table, fmt.Errorf("risk.stop_loss_table: %w", err)
		}
		if pct <= 0 || pct >= 100 {
			return table, fmt.Errorf("risk.stop_loss_table.%s must be in (0,100)", name)
		}
		table.ByDay[day] = pct
	}
	if table.Default <= 0 {
		table.Default = 35
	}
	return table, nil
}

// Duration parses a validated duration field, returning fallback if it is malformed.
func Duration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func deref(p *bool, fallback bool) bool {
	if p == nil {
		return fallback
	}
	return *p
}

// VWAPEnabled reports whether the VWAP filter is on.
func (c *Config) VWAPEnabled() bool {
	return deref(c.Strategy.VWAP.Enabled, true)
}

// VWAPPriority reports whether pairs trading below VWAP are preferred.
func (c *Config) VWAPPriority() bool {
	return deref(c.Strategy.VWAP.Priority, true)
}

// CloseOnDeltaBreach reports whether a delta breach buys the legs back.
func (c *Config) CloseOnDeltaBreach() bool {
	return deref(c.Strategy.CloseOnDeltaBreach, true)
}

// PollInterval returns the monitoring poll interval.
func (c *Config) PollInterval() time.Duration {
	return Duration(c.Schedule.PollInterval, 3*time.Second)
}

// ReselectDelay returns the wait after a failed selection or a delta breach.
func (c *Config) ReselectDelay() time.Duration {
	return Duration(c.Schedule.ReselectDelay, 10*time.Second)
}
