package replay

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optiontrader/internal/execution"
	"optiontrader/internal/markethours"
	"optiontrader/internal/model"
)

var day = time.Date(2026, 3, 2, 9, 15, 0, 0, markethours.IST)

const (
	underlying = 256265
	option     = 9001
)

type fakeSource struct {
	ticks   []model.Tick
	candles map[int]map[uint32][]model.Candle // interval -> token -> bars
	agg     []model.Candle
}

func (s *fakeSource) FirstTickAfter(context.Context, uint32, time.Time) (*model.Tick, error) {
	return nil, nil
}

func (s *fakeSource) StreamTicks(ctx context.Context, tokens []uint32, from, to time.Time, fn func(model.Tick) error) error {
	want := make(map[uint32]bool)
	for _, t := range tokens {
		want[t] = true
	}
	for _, t := range s.ticks {
		if want[t.Token] && !t.TickTime.Before(from) && t.TickTime.Before(to) {
			if err := fn(t); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *fakeSource) Tokens(context.Context, time.Time, time.Time) ([]uint32, error) {
	seen := map[uint32]bool{}
	var out []uint32
	for _, t := range s.ticks {
		if !seen[t.Token] {
			seen[t.Token] = true
			out = append(out, t.Token)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *fakeSource) Candles(_ context.Context, token uint32, interval int, from, to time.Time) ([]model.Candle, error) {
	var out []model.Candle
	for _, c := range s.candles[interval][token] {
		if !c.Time.Before(from) && c.Time.Before(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeSource) AggregatedCandle(context.Context, uint32, int, time.Time) (*model.Candle, error) {
	return nil, nil
}

func (s *fakeSource) AggregatedCandles(context.Context, uint32, int, time.Time, time.Time) ([]model.Candle, error) {
	return s.agg, nil
}

type call struct {
	kind  string
	token uint32
	at    time.Time
	price float64
}

type fakeTarget struct {
	tf       time.Duration
	open     []model.OrderRecord
	calls    []call
	finishAt time.Time
	finished int
}

func (t *fakeTarget) ProcessTick(_ context.Context, tk model.Tick, live bool) bool {
	if live || !tk.IsReplay {
		panic("replay ticks must be marked as replay")
	}
	t.calls = append(t.calls, call{"tick", tk.Token, tk.TickTime, tk.LastPrice})
	return true
}

func (t *fakeTarget) ProcessCandle(_ context.Context, token uint32, bar model.Candle) {
	t.calls = append(t.calls, call{"candle", token, bar.Time, bar.Close})
}

func (t *fakeTarget) Finish(_ context.Context, at time.Time) []execution.Exit {
	t.finishAt = at
	t.finished++
	return make([]execution.Exit, len(t.open))
}

func (t *fakeTarget) OpenPositions() []model.OrderRecord { return t.open }
func (t *fakeTarget) Underlying() uint32                 { return underlying }
func (t *fakeTarget) Timeframe() time.Duration           { return t.tf }

func tick(token uint32, price float64, offset time.Duration) model.Tick {
	return model.Tick{Token: token, LastPrice: price, TickTime: day.Add(offset)}
}

func bar(i int, close float64) model.Candle {
	return model.Candle{Time: day.Add(time.Duration(i) * time.Minute), Open: close, High: close, Low: close, Close: close}
}

func cfg(mode Mode) Config {
	return Config{Start: day, End: day.Add(time.Hour), Mode: mode, NoPacing: true}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Start: day, End: day}, &fakeSource{})
	assert.Error(t, err)

	_, err = New(Config{Start: day, End: day.Add(time.Hour), Mode: "bars"}, &fakeSource{})
	assert.Error(t, err)

	r, err := New(Config{Start: day, End: day.Add(time.Hour)}, &fakeSource{})
	require.NoError(t, err)
	assert.Equal(t, ModeTick, r.Config().Mode)
	assert.Equal(t, 10.0, r.Config().TimeScale)
	assert.NotEqual(t, uuid.Nil, r.ReplayID())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("candle")
	require.NoError(t, err)
	assert.Equal(t, ModeCandle, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeTick, m)

	_, err = ParseMode("x")
	assert.Error(t, err)
}

func TestTickModeStreamsAllTokensInOrder(t *testing.T) {
	src := &fakeSource{ticks: []model.Tick{
		tick(underlying, 100, 0),
		tick(option, 50, time.Second),
		tick(underlying, 101, 2*time.Second),
	}}
	r, err := New(cfg(ModeTick), src)
	require.NoError(t, err)

	var advanced []time.Time
	r.OnAdvance = func(at time.Time) { advanced = append(advanced, at) }

	target := &fakeTarget{tf: time.Minute}
	res, err := r.Run(context.Background(), target)
	require.NoError(t, err)

	require.Len(t, target.calls, 3)
	assert.Equal(t, uint32(option), target.calls[1].token)
	assert.Equal(t, 3, res.Ticks)
	assert.Len(t, advanced, 3)
	assert.Equal(t, 1, target.finished)
	assert.True(t, target.finishAt.Equal(day.Add(2*time.Second)))
}

func TestCandleModeUsesStoredBarsAndOptionTicks(t *testing.T) {
	src := &fakeSource{
		candles: map[int]map[uint32][]model.Candle{
			1: {underlying: {bar(0, 100), bar(1, 101)}},
		},
		ticks: []model.Tick{
			tick(option, 50, 10*time.Second),
			tick(option, 52, 70*time.Second),
		},
	}
	r, err := New(cfg(ModeCandle), src)
	require.NoError(t, err)

	target := &fakeTarget{tf: time.Minute, open: []model.OrderRecord{{InstrumentToken: option}}}
	res, err := r.Run(context.Background(), target)
	require.NoError(t, err)

	kinds := make([]string, len(target.calls))
	for i, c := range target.calls {
		kinds[i] = c.kind
	}
	assert.Equal(t, []string{"tick", "candle", "tick", "candle"}, kinds)
	assert.Equal(t, 2, res.Candles)
	assert.Equal(t, 2, res.Ticks)
	assert.Equal(t, 1, res.EODExits)
	assert.True(t, res.Last.Equal(day.Add(2*time.Minute)), "last is the final bar close")
}

func TestCandleModeFallsBackToOptionBars(t *testing.T) {
	src := &fakeSource{candles: map[int]map[uint32][]model.Candle{
		1: {
			underlying: {bar(0, 100)},
			option:     {bar(0, 48)},
		},
	}}
	r, err := New(cfg(ModeCandle), src)
	require.NoError(t, err)

	target := &fakeTarget{tf: time.Minute, open: []model.OrderRecord{{InstrumentToken: option}}}
	_, err = r.Run(context.Background(), target)
	require.NoError(t, err)

	require.Len(t, target.calls, 2)
	assert.Equal(t, call{"candle", option, day, 48}, target.calls[0])
	assert.Equal(t, uint32(underlying), target.calls[1].token)
}

func TestCandleModeRollsUpMinuteBars(t *testing.T) {
	var minute []model.Candle
	for i := 0; i < 10; i++ {
		minute = append(minute, bar(i, 100+float64(i)))
	}
	src := &fakeSource{candles: map[int]map[uint32][]model.Candle{1: {underlying: minute}}}
	r, err := New(cfg(ModeCandle), src)
	require.NoError(t, err)

	target := &fakeTarget{tf: 5 * time.Minute}
	res, err := r.Run(context.Background(), target)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Candles)
	assert.Equal(t, 104.0, target.calls[0].price)
	assert.Equal(t, 109.0, target.calls[1].price)
}

func TestCandleModeAggregatesTicksWhenNoBarsStored(t *testing.T) {
	src := &fakeSource{agg: []model.Candle{bar(0, 100)}}
	r, err := New(cfg(ModeCandle), src)
	require.NoError(t, err)

	target := &fakeTarget{tf: time.Minute}
	res, err := r.Run(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Candles)
}

func TestPacingScalesGaps(t *testing.T) {
	src := &fakeSource{ticks: []model.Tick{
		tick(underlying, 100, 0),
		tick(underlying, 101, 10*time.Second),
		tick(underlying, 102, 10*time.Minute),
	}}
	c := cfg(ModeTick)
	c.NoPacing = false
	c.TimeScale = 10
	r, err := New(c, src)
	require.NoError(t, err)

	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	_, err = r.Run(context.Background(), &fakeTarget{tf: time.Minute})
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second}, slept, "second gap capped at MaxSleep")
}

func TestPacingRealTimeAtScaleOne(t *testing.T) {
	c := cfg(ModeTick)
	c.NoPacing = false
	c.TimeScale = 0.5
	c.MaxSleep = time.Hour
	r, err := New(c, &fakeSource{ticks: []model.Tick{
		tick(underlying, 100, 0),
		tick(underlying, 101, 3*time.Second),
	}})
	require.NoError(t, err)

	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	_, err = r.Run(context.Background(), &fakeTarget{tf: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{3 * time.Second}, slept)
}

func TestCancelledRunStillFinishes(t *testing.T) {
	src := &fakeSource{ticks: []model.Tick{
		tick(underlying, 100, 0),
		tick(underlying, 101, time.Second),
	}}
	c := cfg(ModeTick)
	c.NoPacing = false
	r, err := New(c, src)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	target := &fakeTarget{tf: time.Minute}
	_, err = r.Run(ctx, target)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, target.finished)
	assert.Len(t, target.calls, 1)
}
