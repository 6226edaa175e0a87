package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"optiontrader/internal/markethours"
)

// ErrInvalidSettings wraps every settings validation failure.
var ErrInvalidSettings = errors.New("invalid settings")

// TradingSettings is the read-only trading configuration for one process or
// replay run.
type TradingSettings struct {
	TimeframeMinutes           int     `yaml:"timeframe_minutes" default:"1" validate:"gte=1,lte=375"`
	UnderlyingToken            uint32  `yaml:"underlying_token" default:"256265" validate:"required"`
	UnderlyingSymbol           string  `yaml:"underlying_symbol" default:"NIFTY" validate:"required"`
	AllowMultipleOpenPositions bool    `yaml:"allow_multiple_open_positions"`
	DebounceCandles            int     `yaml:"debounce_candles" default:"2" validate:"gte=0"`
	AtrPeriod                  int     `yaml:"atr_period" default:"14" validate:"gte=1"`
	AtrStopMult                float64 `yaml:"atr_stop_mult" default:"1.5" validate:"gt=0"`
	AtrTrailMult               float64 `yaml:"atr_trail_mult" default:"2" validate:"gt=0"`
	FastEma                    int     `yaml:"fast_ema" default:"9" validate:"gte=1"`
	SlowEma                    int     `yaml:"slow_ema" default:"21" validate:"gtfield=FastEma"`
	RsiPeriod                  int     `yaml:"rsi_period" default:"14" validate:"gte=1"`
	RsiBuyThreshold            float64 `yaml:"rsi_buy_threshold" default:"55" validate:"gte=0,lte=100"`
	RsiSellThreshold           float64 `yaml:"rsi_sell_threshold" default:"45" validate:"gte=0,lte=100"`
	EodExit                    string  `yaml:"eod_exit" default:"15:15" validate:"required,datetime=15:04"`
	MinBodyPct                 float64 `yaml:"min_body_pct" default:"0.05" validate:"gte=0"`
	MinRangeAtr                float64 `yaml:"min_range_atr" default:"0.5" validate:"gte=0"`
	SeedBars                   int     `yaml:"seed_bars" default:"200" validate:"gte=0"`
	CooldownMinutes            int     `yaml:"cooldown_minutes" default:"10" validate:"gte=0"`
	MaxConcurrentPerGroup      int     `yaml:"max_concurrent_per_group" default:"1" validate:"gte=1"`
	BuyDelta                   float64 `yaml:"buy_delta" default:"0.30" validate:"gt=0,lte=1"`
	SellDelta                  float64 `yaml:"sell_delta" default:"0.35" validate:"gt=0,lte=1"`
	UseEmpiricalDelta          bool    `yaml:"use_empirical_delta"`
	MaxFillWait                string  `yaml:"max_fill_wait" default:"5m" validate:"required"`
	QuantityLots               int     `yaml:"quantity_lots" default:"1" validate:"gte=1"`
}

// PipelineSettings sizes the ingestion pipeline.
type PipelineSettings struct {
	IntakeCapacity int    `yaml:"intake_capacity" default:"65536" validate:"gte=1"`
	LaneCapacity   int    `yaml:"lane_capacity" default:"4096" validate:"gte=1"`
	Staleness      string `yaml:"staleness" default:"8s" validate:"required"`
	BatchSize      int    `yaml:"batch_size" default:"1000" validate:"gte=1"`
	FlushInterval  string `yaml:"flush_interval" default:"2s" validate:"required"`
	HistoryBars    int    `yaml:"history_bars" default:"1000" validate:"gte=1"`
}

// Settings is the YAML settings document.
type Settings struct {
	Trading  TradingSettings  `yaml:"trading"`
	Pipeline PipelineSettings `yaml:"pipeline"`
}

var validate = validator.New()

// DefaultSettings returns the settings with every default applied.
func DefaultSettings() *Settings {
	s := &Settings{}
	if err := defaults.Set(s); err != nil {
		// Defaults are static tags; failure means a malformed tag.
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return s
}

// LoadSettings reads a YAML settings file, applies defaults to missing
// fields and validates the result. A missing file yields the defaults.
func LoadSettings(path string) (*Settings, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s := DefaultSettings()
		return s, s.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	return ParseSettings(b)
}

// ParseSettings parses a YAML settings document.
func ParseSettings(b []byte) (*Settings, error) {
	s := &Settings{}
	if err := yaml.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if err := defaults.Set(s); err != nil {
		return nil, fmt.Errorf("settings defaults: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks struct tags and the duration fields.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	for name, v := range map[string]string{
		"trading.max_fill_wait":   s.Trading.MaxFillWait,
		"pipeline.staleness":      s.Pipeline.Staleness,
		"pipeline.flush_interval": s.Pipeline.FlushInterval,
	} {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return fmt.Errorf("%w: %s=%q is not a positive duration", ErrInvalidSettings, name, v)
		}
	}
	return nil
}

// Timeframe is the bar interval.
func (t *TradingSettings) Timeframe() time.Duration {
	return time.Duration(t.TimeframeMinutes) * time.Minute
}

// EODExitOffset is the end-of-day exit as an offset from IST midnight.
func (t *TradingSettings) EODExitOffset() time.Duration {
	d, err := markethours.ParseClock(t.EodExit)
	if err != nil {
		return markethours.SessionClose
	}
	return d
}

// Cooldown is the wait after an exit before re-entry is allowed.
func (t *TradingSettings) Cooldown() time.Duration {
	return time.Duration(t.CooldownMinutes) * time.Minute
}

// FillWait is the maximum time after a signal to look for a fill.
func (t *TradingSettings) FillWait() time.Duration {
	return mustDuration(t.MaxFillWait, 5*time.Minute)
}

// DebounceWindow is timeframe x max(1, debounce candles).
func (t *TradingSettings) DebounceWindow() time.Duration {
	return t.Timeframe() * time.Duration(max(1, t.DebounceCandles))
}

// WarmupBars is the minimum history before the evaluator may fire.
func (t *TradingSettings) WarmupBars() int {
	return max(t.SlowEma, t.RsiPeriod, t.AtrPeriod) + 2
}

// StalenessThreshold is the receipt delay past which live ticks are dropped.
func (p *PipelineSettings) StalenessThreshold() time.Duration {
	return mustDuration(p.Staleness, 8*time.Second)
}

// FlushEvery is the batch time threshold.
func (p *PipelineSettings) FlushEvery() time.Duration {
	return mustDuration(p.FlushInterval, 2*time.Second)
}

func mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
