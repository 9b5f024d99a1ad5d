package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	configPath := filepath.Join("..", "..", "config.yaml.example")
	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.True(t, cfg.IsPaperTrading())
	assert.Equal(t, "NIFTY", cfg.Broker.Underlying)
	assert.Equal(t, 0.29, cfg.Strategy.DeltaLow)
	assert.Equal(t, 0.35, cfg.Strategy.DeltaHigh)
	assert.Equal(t, 3*time.Second, cfg.PollInterval())
	assert.True(t, cfg.VWAPEnabled())
	assert.True(t, cfg.CloseOnDeltaBreach())
}

func TestLoad_InvalidPath(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	assert.Error(t, err)
}

func TestLoad_UnknownField(t *testing.T) {
	path := writeConfig(t, "strategy:\n  delta_lo: 0.2\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("STRANGLER_JOURNAL", "/tmp/journal.db")
	path := writeConfig(t, "storage:\n  backend: sqlite\n  path: ${STRANGLER_JOURNAL}\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/journal.db", cfg.Storage.Path)
}

func TestValidate_Defaults(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "paper", cfg.Environment.Mode)
	assert.Equal(t, "Asia/Kolkata", cfg.Schedule.Timezone)
	assert.Equal(t, 0.1, cfg.Strategy.DeltaTolerance)
	assert.Equal(t, 50.0, cfg.Strategy.StrikeStep)
	assert.Equal(t, 500.0, cfg.Strategy.ATMHalfWidth)
	assert.Equal(t, 1.5, cfg.Strategy.PriceDiffTolerancePct)
	assert.Equal(t, 2, cfg.Strategy.ExpiryRolloverDays)
	assert.Equal(t, 14.0, cfg.Risk.ProfitLockT1)
	assert.Equal(t, 28.0, cfg.Risk.ProfitLockT2)
	assert.Equal(t, 10.0, cfg.Risk.HedgeThreshold)
	assert.Equal(t, 100.0, cfg.Risk.HedgeOffset)
	assert.Equal(t, 3, cfg.Risk.MaxStopLossTriggers)
	assert.Equal(t, 10*time.Second, cfg.ReselectDelay())
	assert.True(t, cfg.VWAPPriority())
	assert.False(t, cfg.Monitor.ReplaceBeforeTighten)
}

func TestValidate_KeepsExplicitFalse(t *testing.T) {
	off := false
	cfg := &Config{}
	cfg.Strategy.CloseOnDeltaBreach = &off
	cfg.Strategy.VWAP.Enabled = &off
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.CloseOnDeltaBreach())
	assert.False(t, cfg.VWAPEnabled())
	assert.True(t, cfg.VWAPPriority())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"bad mode", func(c *Config) { c.Environment.Mode = "demo" }, "environment.mode"},
		{"bad provider", func(c *Config) { c.Broker.Provider = "upstox" }, "broker.provider"},
		{"bad product", func(c *Config) { c.Broker.Product = "CNC" }, "broker.product"},
		{"inverted delta band", func(c *Config) { c.Strategy.DeltaLow = 0.4 }, "delta band"},
		{"delta high at one", func(c *Config) { c.Strategy.DeltaHigh = 1 }, "delta band"},
		{"narrow atm band", func(c *Config) { c.Strategy.ATMHalfWidth = 25 }, "atm_half_width"},
		{"negative quantity", func(c *Config) { c.Strategy.PutQuantity = -25 }, "quantity"},
		{"t2 below t1", func(c *Config) { c.Risk.ProfitLockT2 = 10 }, "profit_lock_t2"},
		{"negative hedge threshold", func(c *Config) { c.Risk.HedgeThreshold = -1 }, "hedge_threshold"},
		{"limit below trigger", func(c *Config) { c.Risk.TightenLimitOffset = 0.5 }, "tighten_limit_offset"},
		{"bad weekday", func(c *Config) { c.Risk.StopLossTable = map[string]float64{"funday": 30} }, "stop_loss_table"},
		{"stop loss out of range", func(c *Config) { c.Risk.StopLossTable = map[string]float64{"monday": 120} }, "stop_loss_table.monday"},
		{"bad duration", func(c *Config) { c.Schedule.PollInterval = "often" }, "schedule.poll_interval"},
		{"bad failure ratio", func(c *Config) { c.CircuitBreaker.FailureRatio = 1.5 }, "failure_ratio"},
		{"bad timezone", func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }, "schedule.timezone"},
		{"bad clock", func(c *Config) { c.Schedule.Cutoff = "25:00" }, "schedule.cutoff"},
		{"cutoff before entry", func(c *Config) { c.Schedule.Cutoff = "09:30" }, "market_open <= entry_start"},
		{"bad backend", func(c *Config) { c.Storage.Backend = "postgres" }, "storage.backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStopLossTable(t *testing.T) {
	cfg := &Config{}
	cfg.Risk.StopLossTable = map[string]float64{"Mon": 20, "friday": 40}
	cfg.Risk.DefaultStopLossPct = 33
	require.NoError(t, cfg.Validate())

	table, err := cfg.StopLossTable()
	require.NoError(t, err)
	assert.Equal(t, 20.0, table.PercentFor(time.Monday))
	assert.Equal(t, 40.0, table.PercentFor(time.Friday))
	assert.Equal(t, 33.0, table.PercentFor(time.Wednesday))
}

func TestSchedule(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Validate())
	ist := cfg.Location()

	// 2024-08-19 is a Monday
	morning := time.Date(2024, 8, 19, 9, 0, 0, 0, ist)
	assert.Equal(t, time.Date(2024, 8, 19, 9, 45, 0, 0, ist), cfg.EntryStartOn(morning))
	assert.Equal(t, time.Date(2024, 8, 19, 14, 50, 0, 0, ist), cfg.CutoffOn(morning))

	// Late UTC evening still belongs to the next IST day
	utcEvening := time.Date(2024, 8, 19, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, 20, cfg.CutoffOn(utcEvening).Day())

	assert.Equal(t, 9*time.Hour+45*time.Minute, cfg.EntryStartOffset())
	assert.Equal(t, 14*time.Hour+50*time.Minute, cfg.CutoffOffset())
}

func TestIsWithinMarketHours(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Validate())
	ist := cfg.Location()

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before open", time.Date(2024, 8, 19, 9, 14, 59, 0, ist), false},
		{"at open", time.Date(2024, 8, 19, 9, 15, 0, 0, ist), true},
		{"midday", time.Date(2024, 8, 19, 12, 0, 0, 0, ist), true},
		{"at close", time.Date(2024, 8, 19, 15, 30, 0, 0, ist), false},
		{"saturday", time.Date(2024, 8, 24, 11, 0, 0, 0, ist), false},
		{"utc input", time.Date(2024, 8, 19, 5, 0, 0, 0, time.UTC), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.IsWithinMarketHours(tt.at))
		})
	}
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 2*time.Second, Duration("2s", time.Minute))
	assert.Equal(t, time.Minute, Duration("", time.Minute))
	assert.Equal(t, time.Minute, Duration("-1s", time.Minute))
}
