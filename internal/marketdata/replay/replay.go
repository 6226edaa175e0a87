// Package replay re-injects stored market data through the same engine
// entry points the live feed uses, so a replay of recorded ticks produces
// the signals and fills the live run would have produced.
//
// Tick mode streams every stored tick of the token set in trade-time order.
// Candle mode feeds sealed underlying bars directly and drives exits of
// open positions from the option ticks inside each bar, or from the
// option's stored bar when no tick was recorded.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"optiontrader/internal/execution"
	"optiontrader/internal/logger"
	"optiontrader/internal/marketdata/tfbuilder"
	"optiontrader/internal/model"
)

// Mode selects what is replayed.
type Mode string

const (
	ModeTick   Mode = "tick"
	ModeCandle Mode = "candle"
)

// ParseMode maps "tick" and "candle" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeTick, ModeCandle:
		return Mode(s), nil
	case "":
		return ModeTick, nil
	}
	return "", fmt.Errorf("replay: unknown mode %q", s)
}

// Config describes one replay run.
type Config struct {
	Start  time.Time
	End    time.Time
	Tokens []uint32 // empty means every token with ticks in [Start, End)
	Mode   Mode

	// TimeScale divides the historical gap between successive timestamps.
	// Values <= 1 replay in real time. Default 10.
	TimeScale float64
	// NoPacing replays as fast as possible.
	NoPacing bool
	// MaxSleep caps a single pacing delay. Default 5s.
	MaxSleep time.Duration

	ReplayID uuid.UUID // generated when zero
}

// Source is the store a replay reads from.
type Source interface {
	model.TickReader
	model.CandleReader
	Tokens(ctx context.Context, from, to time.Time) ([]uint32, error)
}

// Target is the engine being driven.
type Target interface {
	ProcessTick(ctx context.Context, t model.Tick, live bool) bool
	ProcessCandle(ctx context.Context, token uint32, bar model.Candle)
	Finish(ctx context.Context, at time.Time) []execution.Exit
	OpenPositions() []model.OrderRecord
	Underlying() uint32
	Timeframe() time.Duration
}

// Result summarizes a run.
type Result struct {
	ReplayID uuid.UUID
	Ticks    int
	Candles  int
	EODExits int
	Last     time.Time
	Elapsed  time.Duration
}

// Replayer runs one configured replay.
type Replayer struct {
	cfg Config
	src Source

	// OnAdvance is called with each replayed timestamp (optional).
	OnAdvance func(time.Time)

	sleep func(ctx context.Context, d time.Duration) error
}

// New validates cfg and creates a Replayer.
func New(cfg Config, src Source) (*Replayer, error) {
	if src == nil {
		return nil, errors.New("replay: source is required")
	}
	if !cfg.End.After(cfg.Start) {
		return nil, fmt.Errorf("replay: end %s not after start %s", cfg.End, cfg.Start)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeTick
	}
	if cfg.Mode != ModeTick && cfg.Mode != ModeCandle {
		return nil, fmt.Errorf("replay: unknown mode %q", cfg.Mode)
	}
	if cfg.TimeScale == 0 {
		cfg.TimeScale = 10
	}
	if cfg.MaxSleep <= 0 {
		cfg.MaxSleep = 5 * time.Second
	}
	if cfg.ReplayID == uuid.Nil {
		cfg.ReplayID = uuid.New()
	}
	return &Replayer{cfg: cfg, src: src, sleep: sleepCtx}, nil
}

// ReplayID is the id stamped on everything this run writes.
func (r *Replayer) ReplayID() uuid.UUID { return r.cfg.ReplayID }

// Config returns the effective configuration.
func (r *Replayer) Config() Config { return r.cfg }

// Run drives target through the configured range and closes whatever is
// still open at the end as EOD.
func (r *Replayer) Run(ctx context.Context, target Target) (Result, error) {
	ctx = logger.WithReplayID(ctx, r.cfg.ReplayID)
	started := time.Now()
	res := Result{ReplayID: r.cfg.ReplayID}

	logger.From(ctx).Info("replay started",
		"mode", string(r.cfg.Mode),
		"start", r.cfg.Start,
		"end", r.cfg.End,
		"time_scale", r.cfg.TimeScale,
	)

	var err error
	switch r.cfg.Mode {
	case ModeCandle:
		err = r.runCandles(ctx, target, &res)
	default:
		err = r.runTicks(ctx, target, &res)
	}

	at := res.Last
	if at.IsZero() {
		at = r.cfg.End
	}
	// Shutdown still closes positions when the run is cancelled.
	res.EODExits = len(target.Finish(context.WithoutCancel(ctx), at))
	res.Elapsed = time.Since(started)

	if err != nil {
		return res, err
	}
	logger.From(ctx).Info("replay completed",
		"ticks", res.Ticks,
		"candles", res.Candles,
		"eod_exits", res.EODExits,
		"elapsed", res.Elapsed.String(),
	)
	return res, nil
}

func (r *Replayer) tokens(ctx context.Context) ([]uint32, error) {
	if len(r.cfg.Tokens) > 0 {
		return r.cfg.Tokens, nil
	}
	tokens, err := r.src.Tokens(ctx, r.cfg.Start, r.cfg.End)
	if err != nil {
		return nil, fmt.Errorf("replay tokens: %w", err)
	}
	return tokens, nil
}

func (r *Replayer) runTicks(ctx context.Context, target Target, res *Result) error {
	tokens, err := r.tokens(ctx)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		log.Printf("[replay] no ticks in [%s, %s)", r.cfg.Start.Format(time.RFC3339), r.cfg.End.Format(time.RFC3339))
		return nil
	}

	var prev time.Time
	err = r.src.StreamTicks(ctx, tokens, r.cfg.Start, r.cfg.End, func(t model.Tick) error {
		if err := r.pace(ctx, prev, t.TickTime); err != nil {
			return err
		}
		t.IsReplay = true
		target.ProcessTick(ctx, t, false)
		res.Ticks++
		prev = t.TickTime
		r.advance(res, t.TickTime)
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay ticks: %w", err)
	}
	return nil
}

func (r *Replayer) runCandles(ctx context.Context, target Target, res *Result) error {
	underlying := target.Underlying()
	tf := target.Timeframe()
	bars, err := r.underlyingBars(ctx, underlying, tf)
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		log.Printf("[replay] no bars for token=%d in [%s, %s)", underlying,
			r.cfg.Start.Format(time.RFC3339), r.cfg.End.Format(time.RFC3339))
		return nil
	}

	var prev time.Time
	for _, bar := range bars {
		if err := ctx.Err(); err != nil {
			return err
		}
		closeAt := bar.Time.Add(tf)
		if err := r.pace(ctx, prev, closeAt); err != nil {
			return err
		}

		n, err := r.optionActivity(ctx, target, bar.Time, closeAt)
		if err != nil {
			return err
		}
		res.Ticks += n

		target.ProcessCandle(ctx, underlying, bar)
		res.Candles++
		prev = closeAt
		r.advance(res, closeAt)
	}
	return nil
}

// underlyingBars prefers stored bars at the run timeframe, then rolls up
// stored 1m bars, then aggregates stored ticks.
func (r *Replayer) underlyingBars(ctx context.Context, token uint32, tf time.Duration) ([]model.Candle, error) {
	tfMinutes := int(tf / time.Minute)
	bars, err := r.src.Candles(ctx, token, tfMinutes, r.cfg.Start, r.cfg.End)
	if err != nil {
		return nil, fmt.Errorf("replay candles: %w", err)
	}
	if len(bars) > 0 {
		return bars, nil
	}

	if tfMinutes > 1 {
		minute, err := r.src.Candles(ctx, token, 1, r.cfg.Start, r.cfg.End)
		if err != nil {
			return nil, fmt.Errorf("replay 1m candles: %w", err)
		}
		if len(minute) > 0 {
			return tfbuilder.Rollup(minute, tf), nil
		}
	}

	bars, err = r.src.AggregatedCandles(ctx, token, tfMinutes, r.cfg.Start, r.cfg.End)
	if err != nil {
		return nil, fmt.Errorf("replay aggregated candles: %w", err)
	}
	return bars, nil
}

// optionActivity feeds exits of the currently open positions with what
// their options did in [from, to).
func (r *Replayer) optionActivity(ctx context.Context, target Target, from, to time.Time) (int, error) {
	open := target.OpenPositions()
	if len(open) == 0 {
		return 0, nil
	}

	tokens := make([]uint32, 0, len(open))
	seen := make(map[uint32]bool, len(open))
	for _, rec := range open {
		if !seen[rec.InstrumentToken] {
			seen[rec.InstrumentToken] = true
			tokens = append(tokens, rec.InstrumentToken)
		}
	}

	ticked := make(map[uint32]bool, len(tokens))
	n := 0
	err := r.src.StreamTicks(ctx, tokens, from, to, func(t model.Tick) error {
		t.IsReplay = true
		target.ProcessTick(ctx, t, false)
		ticked[t.Token] = true
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("replay option ticks: %w", err)
	}

	tfMinutes := int(target.Timeframe() / time.Minute)
	for _, token := range tokens {
		if ticked[token] {
			continue
		}
		bars, err := r.src.Candles(ctx, token, tfMinutes, from, to)
		if err != nil {
			return n, fmt.Errorf("replay option candles: %w", err)
		}
		for _, b := range bars {
			target.ProcessCandle(ctx, token, b)
		}
	}
	return n, nil
}

// pace waits the scaled gap between prev and next.
func (r *Replayer) pace(ctx context.Context, prev, next time.Time) error {
	if r.cfg.NoPacing || prev.IsZero() {
		return nil
	}
	gap := next.Sub(prev)
	if gap <= 0 {
		return nil
	}
	if r.cfg.TimeScale > 1 {
		gap = time.Duration(float64(gap) / r.cfg.TimeScale)
	}
	if gap > r.cfg.MaxSleep {
		gap = r.cfg.MaxSleep
	}
	return r.sleep(ctx, gap)
}

func (r *Replayer) advance(res *Result, at time.Time) {
	res.Last = at
	if r.OnAdvance != nil {
		r.OnAdvance(at)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
