// Package engine drives the trading loop for one underlying: ticks are folded
// into bars, sealed underlying bars are evaluated into signals, accepted
// signals become simulated option orders, and option ticks drive exits.
//
// ProcessTick is called from pipeline lanes, one goroutine per token, so an
// instrument's bar state is only touched from its own lane. State shared
// between the underlying lane and option lanes (orders, positions, the
// underlying bar cache) lives in concurrency-safe components.
package engine

import (
	"context"
	"errors"
	"log"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"optiontrader/config"
	"optiontrader/internal/execution"
	"optiontrader/internal/instruments"
	"optiontrader/internal/marketdata/agg"
	"optiontrader/internal/markethours"
	"optiontrader/internal/metrics"
	"optiontrader/internal/model"
	"optiontrader/internal/notification"
	"optiontrader/internal/portfolio"
	"optiontrader/internal/strategy"
)

// Suppression reasons reported beside the evaluator's own.
const (
	SuppressEOD          = "eod"
	SuppressOpenPosition = "open_position"
	SuppressNoContract   = "no_contract"
	SuppressOrderFailed  = "order_failed"
)

var errNoInstruments = errors.New("engine: no instrument master loaded")

// Evaluator is the signal strategy the engine runs on underlying bars.
type Evaluator interface {
	strategy.Strategy
	// RegimeUp reports the trend direction at the newest bar; ok is false
	// while history is too short.
	RegimeUp(bars []model.Candle) (up bool, ok bool)
}

// Deps are the collaborators of an Engine. Settings and Simulator are
// required; nil stores and sinks disable the corresponding output.
type Deps struct {
	Settings    config.TradingSettings
	ReplayID    uuid.UUID // uuid.Nil for live
	HistoryBars int

	Strategy    Evaluator // defaults to NewStrategy(Settings)
	Instruments *instruments.Mapper
	Simulator   *execution.Simulator

	Candles  model.CandleWriter
	Signals  model.SignalWriter
	Sinks    []model.EventSink
	Notifier notification.Notifier
	Metrics  *metrics.Metrics
}

// Engine is the per-run trading state machine.
type Engine struct {
	cfg        config.TradingSettings
	replayID   uuid.UUID
	underlying uint32
	tf         time.Duration
	eod        time.Duration

	registry  *agg.Registry
	strategy  Evaluator
	gate      *strategy.SignalGate
	positions *portfolio.Manager
	pnl       *portfolio.PnLTracker
	orders    *execution.OrderManager
	sim       *execution.Simulator
	exits     *execution.ExitManager
	cache     *execution.UnderlyingCache
	deltas    *execution.DeltaEstimator
	mapper    *instruments.Mapper

	candles  model.CandleWriter
	signals  model.SignalWriter
	sinks    []model.EventSink
	notifier notification.Notifier
	metrics  *metrics.Metrics

	recorder *recordGate
	spot     atomic.Uint64 // math.Float64bits of the latest underlying price

	seedMu sync.Mutex
	seeds  map[uint32][]model.Candle

	pendingMu sync.Mutex
	pending   map[uint32][]pendingFill
}

// NewStrategy builds the breakout evaluator from trading settings.
func NewStrategy(s config.TradingSettings) *strategy.ConservativeBreakout {
	return strategy.NewConservativeBreakout(strategy.Params{
		Timeframe:        s.Timeframe(),
		FastEMA:          s.FastEma,
		SlowEMA:          s.SlowEma,
		RSIPeriod:        s.RsiPeriod,
		ATRPeriod:        s.AtrPeriod,
		RSIBuyThreshold:  s.RsiBuyThreshold,
		RSISellThreshold: s.RsiSellThreshold,
		MinBodyPct:       s.MinBodyPct,
		MinRangeATR:      s.MinRangeAtr,
	})
}

// New wires an engine from its dependencies.
func New(d Deps) (*Engine, error) {
	if d.Simulator == nil {
		return nil, errors.New("engine: simulator is required")
	}
	if d.Settings.TimeframeMinutes <= 0 {
		return nil, errors.New("engine: timeframe must be positive")
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Discard()
	}
	if d.Strategy == nil {
		d.Strategy = NewStrategy(d.Settings)
	}
	if d.HistoryBars <= 0 {
		d.HistoryBars = agg.DefaultMaxHistory
	}

	s := d.Settings
	e := &Engine{
		cfg:        s,
		replayID:   d.ReplayID,
		underlying: s.UnderlyingToken,
		tf:         s.Timeframe(),
		eod:        s.EODExitOffset(),

		strategy: d.Strategy,
		gate:     strategy.NewSignalGate(s.Timeframe(), s.DebounceCandles),
		positions: portfolio.New(portfolio.Rules{
			OneAtATime:            !s.AllowMultipleOpenPositions,
			CooldownAfterExit:     s.Cooldown(),
			MaxConcurrentPerGroup: s.MaxConcurrentPerGroup,
			TrailMult:             s.AtrTrailMult,
		}),
		pnl:    portfolio.NewPnLTracker(),
		orders: execution.NewOrderManager(),
		sim:    d.Simulator,
		cache:  execution.NewUnderlyingCache(execution.DefaultUnderlyingBars),
		deltas: execution.NewDeltaEstimator(),
		mapper: d.Instruments,

		candles:  d.Candles,
		signals:  d.Signals,
		sinks:    d.Sinks,
		notifier: d.Notifier,
		metrics:  d.Metrics,

		recorder: newRecordGate(),
		seeds:    make(map[uint32][]model.Candle),
		pending:  make(map[uint32][]pendingFill),
	}

	e.registry = agg.NewRegistry(e.tf, d.HistoryBars)
	e.registry.Seed = e.seedFor
	if e.mapper != nil {
		e.registry.Name = e.mapper.Resolve
	}

	e.exits = execution.NewExitManager(execution.ExitConfig{
		ATRPeriod:         s.AtrPeriod,
		StopMult:          s.AtrStopMult,
		TrailMult:         s.AtrTrailMult,
		BuyDelta:          s.BuyDelta,
		SellDelta:         s.SellDelta,
		UseEmpiricalDelta: s.UseEmpiricalDelta,
		EODExit:           e.eod,
	}, e.orders, e.sim, e.cache, e.deltas, e.metrics)
	e.exits.OnClose(e.onExit)

	return e, nil
}

// ReplayID is the run id, uuid.Nil for live.
func (e *Engine) ReplayID() uuid.UUID { return e.replayID }

// Live reports whether this engine trades the live feed.
func (e *Engine) Live() bool { return e.replayID == uuid.Nil }

// Underlying is the token whose bars are evaluated.
func (e *Engine) Underlying() uint32 { return e.underlying }

// Timeframe is the bar interval.
func (e *Engine) Timeframe() time.Duration { return e.tf }

// ProcessTick routes one tick. live enables the record gate and candle
// persistence. It reports whether the tick should be persisted.
func (e *Engine) ProcessTick(ctx context.Context, t model.Tick, live bool) bool {
	if live {
		if ok, reason := e.recorder.accept(t); !ok {
			e.metrics.Rejects.WithLabelValues(reason).Inc()
			return false
		}
	}
	c := e.registry.Get(t.Token)
	if !c.Accepts(t.TickTime) {
		e.metrics.Rejects.WithLabelValues(rejectLate).Inc()
		return false
	}

	e.publish(ctx, model.Event{
		Kind:   model.EventLTP,
		Token:  t.Token,
		Name:   t.Name,
		Time:   t.TickTime,
		Price:  t.LastPrice,
		Volume: t.Volume,
	})

	if t.Token == e.underlying {
		e.setSpot(t.LastPrice)
		e.expirePending(ctx, t.TickTime)
	} else {
		e.onOptionTick(ctx, t)
	}

	if bar, ok := c.ProcessTick(t.LastPrice, t.TickTime); ok {
		e.onBar(ctx, c, bar, live)
	}
	return true
}

// ProcessCandle feeds an already sealed bar. Underlying bars go through the
// full evaluation path. Option bars drive exits with their open at the bar
// start, then their close at the bar end.
func (e *Engine) ProcessCandle(ctx context.Context, token uint32, bar model.Candle) {
	if token != e.underlying {
		e.onOptionTick(ctx, model.Tick{Token: token, LastPrice: bar.Open, TickTime: bar.Time, IsReplay: true})
		e.onOptionTick(ctx, model.Tick{Token: token, LastPrice: bar.Close, TickTime: bar.Time.Add(e.tf), IsReplay: true})
		return
	}
	e.setSpot(bar.Close)
	e.expirePending(ctx, bar.Time.Add(e.tf))

	c := e.registry.Get(token)
	c.AppendSealed(bar)
	e.onBar(ctx, c, bar, false)
}

func (e *Engine) onOptionTick(ctx context.Context, t model.Tick) {
	if spot := e.spotPrice(); spot > 0 {
		e.deltas.Observe(t.Token, t.LastPrice, spot)
	}
	e.fillPending(ctx, t)
	e.exits.OnOptionTick(ctx, t.Token, t.LastPrice, t.TickTime)
}

func (e *Engine) onBar(ctx context.Context, c *agg.InstrumentContext, bar model.Candle, live bool) {
	e.metrics.CandlesSealed.Inc()
	sealed := bar
	e.publish(ctx, model.Event{
		Kind:   model.EventCandleClosed,
		Token:  c.Token,
		Name:   c.Name,
		Time:   bar.Time,
		Candle: &sealed,
	})

	if live && e.candles != nil {
		err := e.candles.UpsertCandle(ctx, model.StoredCandle{
			Token:           c.Token,
			Name:            c.Name,
			IntervalMinutes: e.cfg.TimeframeMinutes,
			Candle:          bar,
		})
		if err != nil {
			log.Printf("[engine] upsert candle token=%d %s: %v", c.Token, bar.Time.Format(time.RFC3339), err)
		}
	}

	if c.Token != e.underlying {
		return
	}

	e.cache.Put(c.Token, bar)
	bars := c.Bars()
	e.managePositions(ctx, bars, bar.Time.Add(e.tf))
	e.evaluate(ctx, c, bars, bar)
}

// managePositions ratchets every open position's trail on an underlying
// bar close and exits on trail cross, regime flip or end of day.
func (e *Engine) managePositions(ctx context.Context, bars []model.Candle, at time.Time) {
	open := e.exits.Open()
	if len(open) == 0 {
		return
	}
	eod := markethours.TimeOfDay(at) >= e.eod
	up, known := e.strategy.RegimeUp(bars)

	for _, rec := range open {
		if rec.UnderlyingToken != e.underlying {
			continue
		}
		price, seen := e.exits.LastPrice(rec.InstrumentToken)
		if !seen {
			price = rec.EntryPrice
		}
		if eod {
			e.exits.Close(ctx, rec.OrderID, price, at, model.ReasonEOD)
			continue
		}
		if lv, ok := e.exits.Levels(rec); ok {
			e.positions.Ratchet(rec.InstrumentToken, price, lv.ATR*lv.Delta)
		}
		flipped := known && up != (directionOf(rec) == model.Buy)
		if !e.positions.ShouldExit(rec.InstrumentToken, price, flipped) {
			continue
		}
		reason := model.ReasonATRTrail
		if flipped {
			reason = model.ReasonRegimeFlip
		}
		e.exits.Close(ctx, rec.OrderID, price, at, reason)
	}
}

func (e *Engine) evaluate(ctx context.Context, c *agg.InstrumentContext, bars []model.Candle, bar model.Candle) {
	sig, reason := e.strategy.Evaluate(c.Token, bars)
	if sig == nil {
		e.metrics.SignalsSuppressed.WithLabelValues(reason).Inc()
		return
	}
	if !e.gate.ShouldEmit(c.Token, sig.Type, sig.Time) {
		e.metrics.SignalsSuppressed.WithLabelValues(strategy.RejectDebounced).Inc()
		return
	}

	e.metrics.SignalsEmitted.WithLabelValues(sig.Type.String()).Inc()
	log.Printf("[engine] %s signal %s @ %.2f bar=%s", sig.Type, c.Name, sig.Price, bar.Time.Format("15:04"))

	if e.signals != nil {
		if err := e.signals.InsertSignal(ctx, e.replayID, *sig); err != nil {
			log.Printf("[engine] insert signal %s: %v", sig.ID, err)
		}
	}
	e.publish(ctx, model.Event{Kind: model.EventSignal, Token: c.Token, Name: c.Name, Time: sig.Time, Signal: sig})

	e.enter(ctx, c, *sig)
}

// enter maps an emitted signal to an option order and places it.
func (e *Engine) enter(ctx context.Context, c *agg.InstrumentContext, sig model.Signal) {
	if markethours.TimeOfDay(sig.Time) >= e.eod {
		e.suppress(SuppressEOD)
		return
	}
	if !e.cfg.AllowMultipleOpenPositions && e.orders.HasOpenPositionForUnderlying(e.underlying) {
		e.suppress(SuppressOpenPosition)
		return
	}
	if e.positions.InCooldown(e.underlying, sig.Time) {
		e.suppress(portfolio.ReasonCooldown)
		return
	}

	inst, err := e.chooseOption(sig)
	if err != nil {
		log.Printf("[engine] no %s contract for %s @ %.2f: %v", sig.Type.OptionRight(), e.cfg.UnderlyingSymbol, sig.Price, err)
		e.suppress(SuppressNoContract)
		return
	}

	e.positions.SetGroup(inst.Token, instruments.GroupName(inst.TradingSymbol))
	if ok, why := e.positions.CanEnter(inst.Token, sig.Time); !ok {
		e.suppress(why)
		return
	}

	rec := e.orders.CreateOrder(execution.OrderSpec{
		SignalID:        sig.ID,
		ReplayID:        e.replayID,
		InstrumentToken: inst.Token,
		InstrumentName:  inst.TradingSymbol,
		UnderlyingToken: e.underlying,
		UnderlyingPrice: sig.Price,
		Side:            model.SideBuy,
		QuantityLots:    max(1, e.cfg.QuantityLots),
		PlacedAt:        sig.Time,
	})
	order := execution.SimOrderFor(rec, e.strategy.Name())
	sigATR := sig.Meta["atr"]

	if e.notifier != nil {
		if err := e.notifier.Send(ctx, notification.SignalAlert(sig, c.Name, inst.TradingSymbol)); err != nil {
			log.Printf("[engine] notify signal: %v", err)
		}
	}

	if e.Live() {
		e.addPending(pendingFill{order: rec, sim: order, atr: sigATR, deadline: rec.PlacedAt.Add(e.sim.MaxWait())})
		return
	}

	trade, err := e.sim.PlaceOrderNextTick(ctx, order)
	if err != nil {
		log.Printf("[engine] place order %s: %v", inst.TradingSymbol, err)
		e.orders.Cancel(rec.OrderID)
		e.suppress(SuppressOrderFailed)
		return
	}
	e.attach(ctx, rec, trade, sigATR)
}

func (e *Engine) chooseOption(sig model.Signal) (model.Instrument, error) {
	if e.mapper == nil {
		return model.Instrument{}, errNoInstruments
	}
	expiry, ok := e.mapper.NearestExpiry(e.cfg.UnderlyingSymbol, sig.Time)
	if !ok {
		return model.Instrument{}, instruments.ErrNoMatch
	}
	return e.mapper.ChooseATMOption(e.cfg.UnderlyingSymbol, sig.Price, expiry, sig.Type.OptionRight())
}

// attach applies a simulator result: filled orders start exit tracking and
// open a portfolio position; unfilled orders are counted and dropped.
func (e *Engine) attach(ctx context.Context, rec model.OrderRecord, trade model.SimTrade, sigATR float64) {
	rec, ok := e.orders.AttachFill(rec.OrderID, trade)
	if !ok {
		return
	}
	e.publishTrade(ctx, trade)

	if rec.Status != model.StatusOpen {
		e.pnl.RecordUnfilled()
		return
	}

	optATR := sigATR * e.cfg.BuyDelta
	if lv, ok := e.exits.Levels(rec); ok {
		optATR = lv.ATR * lv.Delta
	}
	e.positions.EnterLong(rec.InstrumentToken, rec.EntryPrice, optATR, rec.EntryTime)
	e.exits.Track(rec)
}

// onExit runs after every close from the exit manager.
func (e *Engine) onExit(ctx context.Context, ex execution.Exit) {
	rec := ex.Order
	e.positions.ExitToFlat(rec.InstrumentToken, rec.ExitTime)
	e.positions.MarkExit(rec.UnderlyingToken, rec.ExitTime)

	trade := tradeFromOrder(rec)
	if ex.Trade != nil {
		trade = *ex.Trade
	}
	e.pnl.RecordClose(trade)
	e.publishTrade(ctx, trade)

	if e.notifier != nil {
		if err := e.notifier.Send(ctx, notification.ExitAlert(rec)); err != nil {
			log.Printf("[engine] notify exit: %v", err)
		}
	}
}

// Finish closes what is still open at the end of a run: pending fills are
// recorded unfilled and open positions exit as EOD.
func (e *Engine) Finish(ctx context.Context, at time.Time) []execution.Exit {
	e.expireAllPending(ctx)
	return e.exits.CloseAll(ctx, at, model.ReasonEOD)
}

func (e *Engine) suppress(reason string) {
	e.metrics.SignalsSuppressed.WithLabelValues(reason).Inc()
}

func (e *Engine) publishTrade(ctx context.Context, trade model.SimTrade) {
	t := trade
	e.publish(ctx, model.Event{
		Kind:  model.EventTrade,
		Token: t.InstrumentToken,
		Name:  t.InstrumentName,
		Time:  tradeTime(t),
		Trade: &t,
	})
}

func (e *Engine) publish(ctx context.Context, ev model.Event) {
	for _, s := range e.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			log.Printf("[engine] publish %s: %v", ev.Kind, err)
		}
	}
}

func (e *Engine) setSpot(price float64) {
	if price > 0 {
		e.spot.Store(math.Float64bits(price))
	}
}

func (e *Engine) spotPrice() float64 {
	return math.Float64frombits(e.spot.Load())
}

// directionOf recovers the signal direction from the option right.
func directionOf(rec model.OrderRecord) model.SignalType {
	if strings.HasSuffix(rec.InstrumentName, "PE") {
		return model.Sell
	}
	return model.Buy
}

func tradeFromOrder(rec model.OrderRecord) model.SimTrade {
	return model.SimTrade{
		ReplayID:        rec.ReplayID,
		InstrumentToken: rec.InstrumentToken,
		InstrumentName:  rec.InstrumentName,
		UnderlyingToken: rec.UnderlyingToken,
		UnderlyingPrice: rec.UnderlyingPriceAtSignal,
		Side:            rec.Side,
		QuantityLots:    rec.FilledLots,
		EntryTime:       rec.EntryTime,
		EntryPrice:      rec.EntryPrice,
		ExitTime:        rec.ExitTime,
		ExitPrice:       rec.ExitPrice,
		PnL:             rec.PnL,
		Reason:          rec.ExitReason,
	}
}

func tradeTime(t model.SimTrade) time.Time {
	if !t.ExitTime.IsZero() {
		return t.ExitTime
	}
	return t.EntryTime
}
