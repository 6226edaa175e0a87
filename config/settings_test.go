package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Validate())

	tr := s.Trading
	assert.Equal(t, 1, tr.TimeframeMinutes)
	assert.Equal(t, uint32(256265), tr.UnderlyingToken)
	assert.Equal(t, "NIFTY", tr.UnderlyingSymbol)
	assert.False(t, tr.AllowMultipleOpenPositions)
	assert.Equal(t, 0.30, tr.BuyDelta)
	assert.Equal(t, 0.35, tr.SellDelta)
	assert.Equal(t, 5*time.Minute, tr.FillWait())
	assert.Equal(t, 10*time.Minute, tr.Cooldown())
	assert.Equal(t, 2*time.Minute, tr.DebounceWindow())
	assert.Equal(t, 23, tr.WarmupBars())
	assert.Equal(t, 15*time.Hour+15*time.Minute, tr.EODExitOffset())

	p := s.Pipeline
	assert.Equal(t, 1000, p.BatchSize)
	assert.Equal(t, 8*time.Second, p.StalenessThreshold())
	assert.Equal(t, 2*time.Second, p.FlushEvery())
}

func TestParseSettings_PartialOverrides(t *testing.T) {
	doc := []byte(`
trading:
  timeframe_minutes: 5
  fast_ema: 5
  slow_ema: 13
  eod_exit: "15:00"
pipeline:
  batch_size: 250
`)
	s, err := ParseSettings(doc)
	require.NoError(t, err)
	assert.Equal(t, 5, s.Trading.TimeframeMinutes)
	assert.Equal(t, 5*time.Minute, s.Trading.Timeframe())
	assert.Equal(t, 13, s.Trading.SlowEma)
	assert.Equal(t, 14, s.Trading.RsiPeriod, "unset fields keep defaults")
	assert.Equal(t, 250, s.Pipeline.BatchSize)
	assert.Equal(t, 4096, s.Pipeline.LaneCapacity)
	assert.Equal(t, 10*time.Minute, s.Trading.DebounceWindow())
}

func TestParseSettings_Invalid(t *testing.T) {
	cases := map[string]string{
		"slow not above fast": "trading:\n  fast_ema: 30\n  slow_ema: 20\n",
		"bad eod":             "trading:\n  eod_exit: \"3pm\"\n",
		"rsi out of range":    "trading:\n  rsi_buy_threshold: 140\n",
		"bad fill wait":       "trading:\n  max_fill_wait: soon\n",
		"bad staleness":       "pipeline:\n  staleness: \"-1s\"\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSettings([]byte(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidSettings)
		})
	}
}

func TestParseSettings_MalformedYAML(t *testing.T) {
	_, err := ParseSettings([]byte("trading: [unterminated"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidSettings)
}

func TestLoadSettings(t *testing.T) {
	dir := t.TempDir()

	s, err := LoadSettings(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 21, s.Trading.SlowEma)

	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("trading:\n  quantity_lots: 3\n"), 0o644))
	s, err = LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Trading.QuantityLots)
}

func TestParseTokenList(t *testing.T) {
	assert.Equal(t, []uint32{256265, 12345}, ParseTokenList("256265, 12345,,abc,0"))
	assert.Empty(t, ParseTokenList(""))
}
