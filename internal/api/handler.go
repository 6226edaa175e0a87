package api

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"optiontrader/internal/execution"
	"optiontrader/internal/metrics"
	"optiontrader/internal/model"
	"optiontrader/internal/portfolio"
)

// EngineView is the read surface of a running engine.
type EngineView interface {
	ReplayID() uuid.UUID
	Live() bool
	Underlying() uint32
	Timeframe() time.Duration
	Orders() []model.OrderRecord
	OpenPositions() []model.OrderRecord
	Positions() []model.PositionInfo
	PnL() portfolio.PnLSummary
	Trades() []model.SimTrade
	Levels(rec model.OrderRecord) (execution.Levels, bool)
}

// History reads persisted runs.
type History interface {
	SimTrades(ctx context.Context, replayID uuid.UUID) ([]model.SimTrade, error)
	Signals(ctx context.Context, replayID uuid.UUID) ([]model.Signal, error)
	Candles(ctx context.Context, token uint32, intervalMinutes int, from, to time.Time) ([]model.Candle, error)
}

// Handler serves the API routes. Any dependency may be nil; its routes
// then answer 503.
type Handler struct {
	engine  EngineView
	history History
	health  *metrics.HealthStatus
	now     func() time.Time
}

// NewHandler returns a Handler over the given sources.
func NewHandler(engine EngineView, history History, health *metrics.HealthStatus) *Handler {
	return &Handler{engine: engine, history: history, health: health, now: time.Now}
}

// RegisterRoutes mounts the API under /api/v1.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/v1")
	g.GET("/health", h.Health)
	g.GET("/run", h.Run)
	g.GET("/positions", h.Positions)
	g.GET("/orders", h.Orders)
	g.GET("/pnl", h.PnL)
	g.GET("/trades", h.Trades)
	g.GET("/signals", h.Signals)
	g.GET("/candles", h.Candles)
}

// Health reports process health; a degraded process answers 503.
func (h *Handler) Health(c echo.Context) error {
	if h.health == nil {
		return success(c, map[string]string{"status": "ok"})
	}
	report, code := h.health.Snapshot()
	return dataResponse(c, code, report)
}

type runInfo struct {
	ReplayID   uuid.UUID `json:"replay_id"`
	Live       bool      `json:"live"`
	Underlying uint32    `json:"underlying"`
	Timeframe  string    `json:"timeframe"`
}

// Run describes the engine's current run.
func (h *Handler) Run(c echo.Context) error {
	if h.engine == nil {
		return unavailable(c, "engine")
	}
	return success(c, runInfo{
		ReplayID:   h.engine.ReplayID(),
		Live:       h.engine.Live(),
		Underlying: h.engine.Underlying(),
		Timeframe:  h.engine.Timeframe().String(),
	})
}

// OpenPosition is an open order with its current exit levels.
type OpenPosition struct {
	model.OrderRecord
	ATR     float64 `json:"atr"`
	Delta   float64 `json:"delta"`
	Best    float64 `json:"best_price"`
	Stop    float64 `json:"stop"`
	Trail   float64 `json:"trail"`
	Trigger float64 `json:"trigger"`
}

type positionsResponse struct {
	Open   []OpenPosition       `json:"open"`
	States []model.PositionInfo `json:"states"`
}

// Positions lists open positions with exit levels plus every
// instrument's position state.
func (h *Handler) Positions(c echo.Context) error {
	if h.engine == nil {
		return unavailable(c, "engine")
	}
	open := h.engine.OpenPositions()
	out := positionsResponse{
		Open:   make([]OpenPosition, 0, len(open)),
		States: h.engine.Positions(),
	}
	for _, rec := range open {
		p := OpenPosition{OrderRecord: rec}
		if lv, ok := h.engine.Levels(rec); ok {
			p.ATR, p.Delta, p.Best = lv.ATR, lv.Delta, lv.Favorable
			p.Stop, p.Trail, p.Trigger = lv.Stop, lv.Trail, lv.Trigger
		}
		out.Open = append(out.Open, p)
	}
	if out.States == nil {
		out.States = []model.PositionInfo{}
	}
	return success(c, out)
}

// Orders lists every order the engine has placed this run.
func (h *Handler) Orders(c echo.Context) error {
	if h.engine == nil {
		return unavailable(c, "engine")
	}
	return list(c, h.engine.Orders())
}

// PnL returns the running P&L summary.
func (h *Handler) PnL(c echo.Context) error {
	if h.engine == nil {
		return unavailable(c, "engine")
	}
	return success(c, h.engine.PnL())
}

type runRequest struct {
	ReplayID string `query:"replay_id" validate:"omitempty,uuid"`
}

// runID resolves the requested run; empty means the engine's own run.
func (h *Handler) runID(req runRequest) (uuid.UUID, bool) {
	if req.ReplayID != "" {
		return uuid.MustParse(req.ReplayID), true
	}
	if h.engine != nil {
		return h.engine.ReplayID(), false
	}
	return uuid.Nil, true
}

// Trades lists closed and open trades. Without replay_id the engine's
// in-memory ledger answers; with it the stored run does.
func (h *Handler) Trades(c echo.Context) error {
	var req runRequest
	if errs := bindQuery(c, &req); errs != nil {
		return badRequest(c, errs)
	}
	id, stored := h.runID(req)
	if !stored {
		return list(c, h.engine.Trades())
	}
	if h.history == nil {
		return unavailable(c, "history")
	}
	trades, err := h.history.SimTrades(c.Request().Context(), id)
	if err != nil {
		log.Printf("[api] trades %s: %v", id, err)
		return internalError(c)
	}
	return list(c, trades)
}

// Signals lists the signals recorded for a run.
func (h *Handler) Signals(c echo.Context) error {
	var req runRequest
	if errs := bindQuery(c, &req); errs != nil {
		return badRequest(c, errs)
	}
	if h.history == nil {
		return unavailable(c, "history")
	}
	id, _ := h.runID(req)
	signals, err := h.history.Signals(c.Request().Context(), id)
	if err != nil {
		log.Printf("[api] signals %s: %v", id, err)
		return internalError(c)
	}
	return list(c, signals)
}

type candlesRequest struct {
	Token    uint32 `query:"token" validate:"required"`
	Interval int    `query:"interval" default:"1" validate:"gte=1,lte=375"`
	From     string `query:"from"`
	To       string `query:"to"`
}

// Candles returns stored bars for a token in [from, to). The window
// defaults to the day before to, and to defaults to now.
func (h *Handler) Candles(c echo.Context) error {
	var req candlesRequest
	if errs := bindQuery(c, &req); errs != nil {
		return badRequest(c, errs)
	}
	to := h.now()
	if req.To != "" {
		t, verr := parseTime("to", req.To)
		if verr != nil {
			return badRequest(c, []ValidationError{*verr})
		}
		to = t
	}
	from := to.Add(-24 * time.Hour)
	if req.From != "" {
		t, verr := parseTime("from", req.From)
		if verr != nil {
			return badRequest(c, []ValidationError{*verr})
		}
		from = t
	}
	if !from.Before(to) {
		return badRequest(c, []ValidationError{{Code: "ERR_RANGE", Field: "from", Message: "from must be before to"}})
	}
	if h.history == nil {
		return unavailable(c, "history")
	}

	bars, err := h.history.Candles(c.Request().Context(), req.Token, req.Interval, from, to)
	if err != nil {
		log.Printf("[api] candles %d: %v", req.Token, err)
		return internalError(c)
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=15")
	return list(c, bars)
}

