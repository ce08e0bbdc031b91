// Package executor opens and closes hedged two-leg positions. Entry is a
// two-step saga with defined compensation: a first-leg timeout aborts
// cleanly, a second-leg failure market-closes the first leg so the book
// is never left with a naked side.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/position"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// RiskGate is the executor's view of the risk manager: breaker state in,
// order outcomes out.
type RiskGate interface {
	CanTrade(exchange string) error
	RecordSuccess(exchange string)
	RecordFailure(ctx context.Context, exchange string, err error)
}

// Config holds execution parameters.
type Config struct {
	FillTimeout  time.Duration
	PollInterval time.Duration
	DepthLevels  int
	// MinSizeUSD aborts entries whose depth-clamped size is not worth
	// the fees.
	MinSizeUSD decimal.Decimal
}

// Executor places the orders for entries and exits.
type Executor struct {
	exchanges map[string]core.IExchange
	positions *position.Manager
	risk      RiskGate
	alerts    core.AlertSink
	logger    core.ILogger

	cfgMu sync.RWMutex
	cfg   Config

	// onTrade, when set, observes every recorded trade. Set before the
	// first execution; not guarded.
	onTrade func(*core.Trade)
}

// New creates an executor.
func New(exchanges map[string]core.IExchange, positions *position.Manager, risk RiskGate, alerts core.AlertSink, cfg Config, logger core.ILogger) *Executor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 30 * time.Second
	}
	if cfg.DepthLevels <= 0 {
		cfg.DepthLevels = 10
	}
	if cfg.MinSizeUSD.IsZero() {
		cfg.MinSizeUSD = decimal.NewFromInt(100)
	}
	return &Executor{
		exchanges: exchanges,
		positions: positions,
		risk:      risk,
		alerts:    alerts,
		logger:    logger.WithField("component", "executor"),
		cfg:       cfg,
	}
}

// OnTrade registers a callback invoked after each recorded trade.
func (e *Executor) OnTrade(fn func(*core.Trade)) {
	e.onTrade = fn
}

// SetFillTimeout adjusts the fill wait for future leg executions. Part
// of the config hot-reload path.
func (e *Executor) SetFillTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	e.cfgMu.Lock()
	e.cfg.FillTimeout = d
	e.cfgMu.Unlock()
}

func (e *Executor) fillTimeout() time.Duration {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg.FillTimeout
}

// leg is one side of the hedge during entry.
type leg struct {
	exchange core.IExchange
	side     core.Side
	book     *core.OrderBook
	depthUSD decimal.Decimal
}

func (l *leg) orderSide() core.OrderSide {
	if l.side == core.SideLong {
		return core.OrderSideBuy
	}
	return core.OrderSideSell
}

// ExecuteEntry runs the entry saga for an opportunity. On success the
// returned position is OPEN; on a first-leg abort no position exists; on
// a second-leg failure the position is FAILED with the first leg closed.
func (e *Executor) ExecuteEntry(ctx context.Context, opp core.Opportunity, tolerance decimal.Decimal, leverageLong, leverageShort int) (*core.Position, error) {
	longEx, ok := e.exchanges[opp.LongExchange]
	if !ok {
		return nil, fmt.Errorf("unknown exchange %s", opp.LongExchange)
	}
	shortEx, ok := e.exchanges[opp.ShortExchange]
	if !ok {
		return nil, fmt.Errorf("unknown exchange %s", opp.ShortExchange)
	}

	if err := e.risk.CanTrade(opp.LongExchange); err != nil {
		return nil, err
	}
	if err := e.risk.CanTrade(opp.ShortExchange); err != nil {
		return nil, err
	}

	if err := e.positions.AcquirePair(opp.Pair); err != nil {
		return nil, err
	}
	// Released explicitly on every abort path before a position exists;
	// after CreateOpening the terminal transition frees the pair.

	longLeg := &leg{exchange: longEx, side: core.SideLong}
	shortLeg := &leg{exchange: shortEx, side: core.SideShort}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.loadLeg(gctx, opp.Pair, longLeg) })
	g.Go(func() error { return e.loadLeg(gctx, opp.Pair, shortLeg) })
	if err := g.Wait(); err != nil {
		e.positions.ReleasePair(opp.Pair)
		return nil, err
	}

	// Clamp notional to the thinner book on each side.
	sizeUSD := decimal.Min(opp.SizeUSD, longLeg.depthUSD, shortLeg.depthUSD)
	if sizeUSD.LessThan(e.cfg.MinSizeUSD) {
		e.positions.ReleasePair(opp.Pair)
		return nil, fmt.Errorf("depth-clamped size %s below minimum %s", sizeUSD, e.cfg.MinSizeUSD)
	}

	if err := e.setLeverage(ctx, opp.Pair, longEx, leverageLong, shortEx, leverageShort); err != nil {
		e.positions.ReleasePair(opp.Pair)
		return nil, err
	}

	// The thinner book fills less predictably, so it goes first: if it
	// times out nothing else has been committed yet.
	first, second := longLeg, shortLeg
	if shortLeg.depthUSD.LessThan(longLeg.depthUSD) {
		first, second = shortLeg, longLeg
	}

	p := position.NewPosition(opp, tolerance, leverageLong, leverageShort)
	p.SizeUSD = sizeUSD

	firstResult, err := e.executeLeg(ctx, opp.Pair, first, sizeUSD)
	if err != nil {
		e.positions.ReleasePair(opp.Pair)
		e.logger.Warn("First leg aborted, no position created",
			"pair", opp.Pair, "exchange", first.exchange.Name(), "error", err)
		return nil, err
	}

	e.applyFill(p, first, firstResult)
	if err := e.positions.CreateOpening(ctx, p); err != nil {
		// Persistence failed with a live fill on the books. Close it and
		// surface loudly; nothing references the position yet.
		e.compensate(ctx, p, opp.Pair, first, firstResult)
		e.positions.ReleasePair(opp.Pair)
		return nil, err
	}
	e.recordTrade(ctx, p, first, firstResult, core.TradeActionOpen)

	secondResult, err := e.executeSecondLeg(ctx, opp.Pair, second, sizeUSD)
	if err != nil {
		e.logger.Error("Second leg failed, closing first leg",
			"pair", opp.Pair, "exchange", second.exchange.Name(), "error", err)
		e.compensate(ctx, p, opp.Pair, first, firstResult)
		if terr := e.positions.Transition(ctx, p, core.PositionFailed); terr != nil {
			e.logger.Error("Failed to persist FAILED transition", "id", p.ID, "error", terr)
		}
		e.alerts.Notify(ctx, core.SeverityCritical,
			fmt.Sprintf("Entry failed on second leg for %s, first leg closed", opp.Pair),
			map[string]string{
				"position_id": p.ID,
				"pair":        opp.Pair,
				"failed_leg":  second.exchange.Name(),
			})
		return p, err
	}

	e.applyFill(p, second, secondResult)
	e.recordTrade(ctx, p, second, secondResult, core.TradeActionOpen)

	if err := e.positions.Transition(ctx, p, core.PositionOpen); err != nil {
		return p, err
	}
	e.logger.Info("Position open", "id", p.ID, "pair", p.Pair, "size_usd", p.SizeUSD,
		"long", p.LongExchange, "short", p.ShortExchange)
	return p, nil
}

func (e *Executor) loadLeg(ctx context.Context, pair string, l *leg) error {
	book, err := l.exchange.GetOrderbook(ctx, pair, e.cfg.DepthLevels)
	if err != nil {
		e.risk.RecordFailure(ctx, l.exchange.Name(), err)
		return fmt.Errorf("orderbook %s/%s: %w", l.exchange.Name(), pair, err)
	}
	if book.MidPrice().IsZero() {
		return fmt.Errorf("empty book for %s on %s", pair, l.exchange.Name())
	}
	l.book = book
	l.depthUSD = book.DepthUSD(l.orderSide(), e.cfg.DepthLevels)
	return nil
}

// executeSecondLeg re-fetches the leg's book before placing its order.
// The first leg's fill wait can outlive the quote both legs were sized
// from; a leg priced off that snapshot may rest forever or fill badly.
// A refresh failure counts as a second-leg failure so the caller closes
// the first leg.
func (e *Executor) executeSecondLeg(ctx context.Context, pair string, l *leg, sizeUSD decimal.Decimal) (*core.OrderResult, error) {
	if err := e.loadLeg(ctx, pair, l); err != nil {
		return nil, err
	}
	return e.executeLeg(ctx, pair, l, sizeUSD)
}

func (e *Executor) setLeverage(ctx context.Context, pair string, longEx core.IExchange, leverageLong int, shortEx core.IExchange, leverageShort int) error {
	if err := longEx.SetLeverage(ctx, pair, leverageLong); err != nil {
		return fmt.Errorf("set leverage on %s: %w", longEx.Name(), err)
	}
	if err := shortEx.SetLeverage(ctx, pair, leverageShort); err != nil {
		return fmt.Errorf("set leverage on %s: %w", shortEx.Name(), err)
	}
	return nil
}

// executeLeg places a limit order at mid and waits for the fill.
func (e *Executor) executeLeg(ctx context.Context, pair string, l *leg, sizeUSD decimal.Decimal) (*core.OrderResult, error) {
	mid := l.book.MidPrice()
	size := sizeUSD.Div(mid)

	start := time.Now()
	result, err := l.exchange.PlaceOrder(ctx, core.OrderRequest{
		Pair:  pair,
		Side:  l.orderSide(),
		Type:  core.OrderTypeLimit,
		Size:  size,
		Price: mid,
	})
	telemetry.GetGlobalMetrics().OrderLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		e.risk.RecordFailure(ctx, l.exchange.Name(), err)
		return nil, fmt.Errorf("place order on %s: %w", l.exchange.Name(), err)
	}

	filled, err := e.waitFill(ctx, l.exchange, pair, result.OrderID)
	if err != nil {
		e.risk.RecordFailure(ctx, l.exchange.Name(), err)
		return nil, err
	}

	e.risk.RecordSuccess(l.exchange.Name())
	return filled, nil
}

// waitFill polls the order until it fills. On timeout the order is
// canceled and ErrFillTimeout returned; the caller compensates.
func (e *Executor) waitFill(ctx context.Context, ex core.IExchange, pair, orderID string) (*core.OrderResult, error) {
	deadline := time.Now().Add(e.fillTimeout())
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		order, err := ex.GetOrder(ctx, pair, orderID)
		if err == nil {
			if order.IsFilled() {
				return order, nil
			}
			if !order.IsOpen() {
				return nil, fmt.Errorf("%w: order %s is %s", apperrors.ErrOrderRejected, orderID, order.Status)
			}
		} else {
			e.logger.Warn("Order poll failed", "exchange", ex.Name(), "order_id", orderID, "error", err)
		}

		if time.Now().After(deadline) {
			if cerr := ex.CancelOrder(ctx, pair, orderID); cerr != nil {
				e.logger.Error("Cancel after fill timeout failed", "exchange", ex.Name(), "order_id", orderID, "error", cerr)
			}
			// A fill can race the cancel; take it if it did.
			if order, err := ex.GetOrder(ctx, pair, orderID); err == nil && order.IsFilled() {
				return order, nil
			}
			return nil, fmt.Errorf("%w: order %s on %s", apperrors.ErrFillTimeout, orderID, ex.Name())
		}

		select {
		case <-ctx.Done():
			if cerr := ex.CancelOrder(context.WithoutCancel(ctx), pair, orderID); cerr != nil {
				e.logger.Error("Cancel on shutdown failed", "exchange", ex.Name(), "order_id", orderID, "error", cerr)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// compensate market-closes an already-filled first leg.
func (e *Executor) compensate(ctx context.Context, p *core.Position, pair string, l *leg, fill *core.OrderResult) {
	// Always runs, even when the surrounding context is being canceled.
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	result, err := l.exchange.PlaceOrder(closeCtx, core.OrderRequest{
		Pair:       pair,
		Side:       l.side.CloseSide(),
		Type:       core.OrderTypeMarket,
		Size:       fill.FilledSize,
		ReduceOnly: true,
	})
	if err != nil {
		e.alerts.Notify(closeCtx, core.SeverityCritical,
			fmt.Sprintf("EMERGENCY CLOSE FAILED on %s for %s, naked leg on the book", l.exchange.Name(), pair),
			map[string]string{"exchange": l.exchange.Name(), "pair": pair, "error": err.Error()})
		e.logger.Error("Emergency close failed", "exchange", l.exchange.Name(), "pair", pair, "error", err)
		return
	}

	e.logger.Warn("Emergency closed first leg", "exchange", l.exchange.Name(), "pair", pair, "order_id", result.OrderID)
	if p != nil && p.ID != "" {
		e.recordTrade(closeCtx, p, l, result, core.TradeActionClose)
	}
}

func (e *Executor) applyFill(p *core.Position, l *leg, fill *core.OrderResult) {
	price := fill.FillPrice()
	if l.side == core.SideLong {
		p.LongEntryPrice = price
		p.LongSize = fill.FilledSize
	} else {
		p.ShortEntryPrice = price
		p.ShortSize = fill.FilledSize
	}
	p.TotalFees = p.TotalFees.Add(fill.Fee)
}

func (e *Executor) recordTrade(ctx context.Context, p *core.Position, l *leg, fill *core.OrderResult, action core.TradeAction) {
	trade := &core.Trade{
		PositionID: p.ID,
		Exchange:   l.exchange.Name(),
		Pair:       p.Pair,
		Side:       l.side,
		Action:     action,
		OrderType:  fill.Type,
		Price:      fill.FillPrice(),
		Size:       fill.FilledSize,
		Fee:        fill.Fee,
		OrderID:    fill.OrderID,
		Status:     fill.Status,
		ExecutedAt: fill.Timestamp,
	}
	if err := e.positions.RecordTrade(ctx, trade); err != nil {
		e.logger.Error("Failed to record trade", "position_id", p.ID, "error", err)
	}
	if e.onTrade != nil {
		e.onTrade(trade)
	}
}

// ExecuteExit closes both legs with concurrent market orders and settles
// the position's realized PnL.
func (e *Executor) ExecuteExit(ctx context.Context, p *core.Position, reason string) error {
	if err := e.positions.Transition(ctx, p, core.PositionClosing); err != nil {
		return err
	}
	e.logger.Info("Closing position", "id", p.ID, "pair", p.Pair, "reason", reason)

	longEx, ok := e.exchanges[p.LongExchange]
	if !ok {
		return fmt.Errorf("unknown exchange %s", p.LongExchange)
	}
	shortEx, ok := e.exchanges[p.ShortExchange]
	if !ok {
		return fmt.Errorf("unknown exchange %s", p.ShortExchange)
	}

	var longClose, shortClose *core.OrderResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		longClose, err = e.closeLeg(gctx, longEx, p.Pair, core.SideLong, p.LongSize)
		return err
	})
	g.Go(func() error {
		var err error
		shortClose, err = e.closeLeg(gctx, shortEx, p.Pair, core.SideShort, p.ShortSize)
		return err
	})
	if err := g.Wait(); err != nil {
		// One or both close orders failed. The position stays CLOSING
		// for the operator; nothing here is safe to guess at.
		e.alerts.Notify(ctx, core.SeverityCritical,
			fmt.Sprintf("Close failed for %s, position %s left CLOSING", p.Pair, p.ID),
			map[string]string{"position_id": p.ID, "pair": p.Pair, "error": err.Error()})
		return err
	}

	longLeg := &leg{exchange: longEx, side: core.SideLong}
	shortLeg := &leg{exchange: shortEx, side: core.SideShort}
	e.recordTrade(ctx, p, longLeg, longClose, core.TradeActionClose)
	e.recordTrade(ctx, p, shortLeg, shortClose, core.TradeActionClose)

	longPnl := longClose.FillPrice().Sub(p.LongEntryPrice).Mul(p.LongSize)
	shortPnl := p.ShortEntryPrice.Sub(shortClose.FillPrice()).Mul(p.ShortSize)
	p.TotalFees = p.TotalFees.Add(longClose.Fee).Add(shortClose.Fee)
	p.RealizedPnl = longPnl.Add(shortPnl).Add(p.FundingCollected).Sub(p.TotalFees)
	p.Notes = reason

	if err := e.positions.Transition(ctx, p, core.PositionClosed); err != nil {
		return err
	}
	e.logger.Info("Position closed", "id", p.ID, "pair", p.Pair,
		"pnl", p.RealizedPnl, "funding", p.FundingCollected, "fees", p.TotalFees)
	return nil
}

func (e *Executor) closeLeg(ctx context.Context, ex core.IExchange, pair string, side core.Side, size decimal.Decimal) (*core.OrderResult, error) {
	result, err := ex.PlaceOrder(ctx, core.OrderRequest{
		Pair:       pair,
		Side:       side.CloseSide(),
		Type:       core.OrderTypeMarket,
		Size:       size,
		ReduceOnly: true,
	})
	if err != nil {
		e.risk.RecordFailure(ctx, ex.Name(), err)
		return nil, fmt.Errorf("close %s leg on %s: %w", side, ex.Name(), err)
	}
	e.risk.RecordSuccess(ex.Name())
	return result, nil
}

// CloseSurvivingLeg market-closes the remaining leg after the other was
// liquidated, then marks the position LIQUIDATED.
func (e *Executor) CloseSurvivingLeg(ctx context.Context, p *core.Position, liquidatedExchange string) error {
	survivor := p.LongExchange
	side := core.SideLong
	size := p.LongSize
	if liquidatedExchange == p.LongExchange {
		survivor = p.ShortExchange
		side = core.SideShort
		size = p.ShortSize
	}

	ex, ok := e.exchanges[survivor]
	if !ok {
		return fmt.Errorf("unknown exchange %s", survivor)
	}

	result, err := e.closeLeg(ctx, ex, p.Pair, side, size)
	if err != nil {
		e.alerts.Notify(ctx, core.SeverityCritical,
			fmt.Sprintf("Failed to close surviving %s leg after liquidation on %s", side, liquidatedExchange),
			map[string]string{"position_id": p.ID, "pair": p.Pair, "error": err.Error()})
		return err
	}
	e.recordTrade(ctx, p, &leg{exchange: ex, side: side}, result, core.TradeActionClose)

	p.Notes = fmt.Sprintf("liquidated on %s", liquidatedExchange)
	if err := e.positions.Transition(ctx, p, core.PositionLiquidated); err != nil {
		return err
	}
	return nil
}

// ErrAborted reports whether an entry error left no position behind.
func ErrAborted(err error) bool {
	return errors.Is(err, apperrors.ErrFillTimeout) ||
		errors.Is(err, apperrors.ErrPairBusy) ||
		errors.Is(err, apperrors.ErrBreakerOpen)
}
