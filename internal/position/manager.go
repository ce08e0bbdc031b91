// Package position tracks hedged positions through their lifecycle and
// writes every transition through to the repository before reporting
// success.
package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// validTransitions encodes the lifecycle:
// OPENING -> OPEN | FAILED; OPEN -> CLOSING | LIQUIDATED; CLOSING -> CLOSED.
var validTransitions = map[core.PositionStatus][]core.PositionStatus{
	core.PositionOpening: {core.PositionOpen, core.PositionFailed},
	core.PositionOpen:    {core.PositionClosing, core.PositionLiquidated},
	core.PositionClosing: {core.PositionClosed},
}

func transitionAllowed(from, to core.PositionStatus) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// TransitionCallback observes committed transitions.
type TransitionCallback func(p *core.Position)

// Manager owns active positions and the per-pair exclusivity lock.
type Manager struct {
	repo   core.Repository
	logger core.ILogger

	mu     sync.Mutex
	active map[string]*core.Position // pair -> active position
	byID   map[string]*core.Position
	locked map[string]bool // pair reserved by an in-flight entry
	seen   map[string]bool // pairs ever reported to the gauge

	callbacks []TransitionCallback
}

// NewManager creates a position manager.
func NewManager(repo core.Repository, logger core.ILogger) *Manager {
	return &Manager{
		repo:   repo,
		logger: logger.WithField("component", "position_manager"),
		active: make(map[string]*core.Position),
		byID:   make(map[string]*core.Position),
		locked: make(map[string]bool),
		seen:   make(map[string]bool),
	}
}

// OnTransition registers a callback invoked after a transition commits.
func (m *Manager) OnTransition(cb TransitionCallback) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.mu.Unlock()
}

// Restore loads non-terminal positions from the repository. Called once
// at startup, before reconciliation.
func (m *Manager) Restore(ctx context.Context) error {
	positions, err := m.repo.LoadCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range positions {
		m.active[p.Pair] = p
		m.byID[p.ID] = p
		m.logger.Info("Restored position", "id", p.ID, "pair", p.Pair, "status", p.Status)
	}
	m.updateMetricsLocked()
	return nil
}

// AcquirePair reserves a pair for an entry attempt. The reservation holds
// until CreateOpening registers a position or ReleasePair aborts.
func (m *Manager) AcquirePair(pair string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locked[pair] {
		return apperrors.ErrPairBusy
	}
	if p, ok := m.active[pair]; ok && p.IsActive() {
		return apperrors.ErrPairBusy
	}
	m.locked[pair] = true
	return nil
}

// ReleasePair drops a reservation after an aborted entry. A reservation
// converted into a position is released by its terminal transition.
func (m *Manager) ReleasePair(pair string) {
	m.mu.Lock()
	delete(m.locked, pair)
	m.mu.Unlock()
}

// NewPosition builds an OPENING position from an opportunity. Not yet
// persisted or registered.
func NewPosition(opp core.Opportunity, tolerance decimal.Decimal, leverageLong, leverageShort int) *core.Position {
	return &core.Position{
		ID:                      uuid.NewString(),
		Pair:                    opp.Pair,
		LongExchange:            opp.LongExchange,
		ShortExchange:           opp.ShortExchange,
		SizeUSD:                 opp.SizeUSD,
		LeverageLong:            leverageLong,
		LeverageShort:           leverageShort,
		EntryDailySpread:        opp.DailySpread,
		NegativeSpreadTolerance: tolerance,
		Status:                  core.PositionOpening,
		EntryTime:               time.Now(),
	}
}

// CreateOpening persists a new OPENING position and registers it under
// its pair reservation. The pair must have been acquired.
func (m *Manager) CreateOpening(ctx context.Context, p *core.Position) error {
	if p.Status != core.PositionOpening {
		return apperrors.ErrInvalidTransition
	}
	if err := m.repo.SavePosition(ctx, p); err != nil {
		return fmt.Errorf("persist opening position: %w", err)
	}

	m.mu.Lock()
	m.active[p.Pair] = p
	m.byID[p.ID] = p
	m.updateMetricsLocked()
	m.mu.Unlock()

	m.logger.Info("Position opening", "id", p.ID, "pair", p.Pair,
		"long", p.LongExchange, "short", p.ShortExchange, "size_usd", p.SizeUSD)
	return nil
}

// Transition moves a position to a new status, persisting before the
// in-memory state changes. Terminal transitions free the pair.
func (m *Manager) Transition(ctx context.Context, p *core.Position, to core.PositionStatus) error {
	from := p.Status
	if !transitionAllowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidTransition, from, to)
	}

	p.Status = to
	if to.IsTerminal() {
		p.CloseTime = time.Now()
	}
	if err := m.repo.SavePosition(ctx, p); err != nil {
		p.Status = from
		p.CloseTime = time.Time{}
		return fmt.Errorf("persist transition %s -> %s: %w", from, to, err)
	}

	m.mu.Lock()
	if to.IsTerminal() {
		delete(m.active, p.Pair)
		delete(m.locked, p.Pair)
	}
	callbacks := append([]TransitionCallback(nil), m.callbacks...)
	m.updateMetricsLocked()
	if to.IsTerminal() {
		// Gauge zeroed above; drop the indexes so terminal positions
		// do not accumulate for the process lifetime.
		delete(m.byID, p.ID)
		delete(m.seen, p.Pair)
	}
	m.mu.Unlock()

	m.logger.Info("Position transition", "id", p.ID, "pair", p.Pair, "from", from, "to", to)

	holder := telemetry.GetGlobalMetrics()
	switch to {
	case core.PositionOpen:
		holder.PositionsOpenedTotal.Add(ctx, 1)
	case core.PositionClosed:
		holder.PositionsClosedTotal.Add(ctx, 1)
		pnl, _ := p.RealizedPnl.Float64()
		holder.RealizedPnlTotal.Add(ctx, pnl)
	case core.PositionFailed:
		holder.PositionsFailedTotal.Add(ctx, 1)
	}

	for _, cb := range callbacks {
		cb(p)
	}
	return nil
}

// Save persists the position's current fields without a status change.
func (m *Manager) Save(ctx context.Context, p *core.Position) error {
	return m.repo.SavePosition(ctx, p)
}

// RecordTrade appends a trade record for one leg execution.
func (m *Manager) RecordTrade(ctx context.Context, t *core.Trade) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := m.repo.SaveTrade(ctx, t); err != nil {
		return fmt.Errorf("persist trade: %w", err)
	}
	return nil
}

// RecordFunding credits a funding payment to its position and persists
// both the event and the updated running total.
func (m *Manager) RecordFunding(ctx context.Context, e *core.FundingEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	m.mu.Lock()
	p, ok := m.byID[e.PositionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("funding event for unknown position %s", e.PositionID)
	}

	if err := m.repo.SaveFundingEvent(ctx, e); err != nil {
		return fmt.Errorf("persist funding event: %w", err)
	}

	p.FundingCollected = p.FundingCollected.Add(e.PaymentUSD)
	if err := m.repo.SavePosition(ctx, p); err != nil {
		return fmt.Errorf("persist funding total: %w", err)
	}

	payment, _ := e.PaymentUSD.Float64()
	telemetry.GetGlobalMetrics().FundingCollectedTotal.Add(ctx, payment)
	return nil
}

// Get returns the active position for a pair.
func (m *Manager) Get(pair string) (*core.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.active[pair]
	return p, ok
}

// ByID returns a tracked position by ID.
func (m *Manager) ByID(id string) (*core.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	return p, ok
}

// Active returns a snapshot of every active position.
func (m *Manager) Active() []*core.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*core.Position, 0, len(m.active))
	for _, p := range m.active {
		out = append(out, p)
	}
	return out
}

func (m *Manager) updateMetricsLocked() {
	holder := telemetry.GetGlobalMetrics()
	for pair := range m.active {
		m.seen[pair] = true
	}
	for pair := range m.seen {
		if _, ok := m.active[pair]; ok {
			holder.SetOpenPositions(pair, 1)
		} else {
			holder.SetOpenPositions(pair, 0)
		}
	}
}
