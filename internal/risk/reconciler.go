package risk

import (
	"context"
	"fmt"
	"strings"

	"funding_arb/internal/core"
)

// Reconciler compares persisted state against live exchange positions at
// startup. Any discrepancy halts the engine; trading on top of an
// unexplained book is never worth it.
type Reconciler struct {
	exchanges map[string]core.IExchange
	logger    core.ILogger
}

// NewReconciler creates a reconciler.
func NewReconciler(exchanges map[string]core.IExchange, logger core.ILogger) *Reconciler {
	return &Reconciler{
		exchanges: exchanges,
		logger:    logger.WithField("component", "reconciler"),
	}
}

// Reconcile verifies that every tracked position has both legs on its
// exchanges and that no exchange carries a position the engine does not
// know about. Returns an error listing every mismatch.
func (r *Reconciler) Reconcile(ctx context.Context, tracked []*core.Position) error {
	live := make(map[string]map[string]core.ExchangePosition) // exchange -> pair -> position
	for name, ex := range r.exchanges {
		positions, err := ex.GetPositions(ctx)
		if err != nil {
			return fmt.Errorf("reconciliation fetch failed for %s: %w", name, err)
		}
		byPair := make(map[string]core.ExchangePosition, len(positions))
		for _, p := range positions {
			byPair[p.Pair] = p
		}
		live[name] = byPair
	}

	var mismatches []string

	expected := make(map[string]map[string]bool) // exchange -> pair -> expected
	for _, p := range tracked {
		switch p.Status {
		case core.PositionOpening, core.PositionClosing:
			// A restart mid-saga cannot be resolved automatically: the
			// legs may or may not have reached the exchanges.
			mismatches = append(mismatches,
				fmt.Sprintf("position %s (%s) persisted mid-transition as %s", p.ID, p.Pair, p.Status))
			continue
		case core.PositionOpen:
		default:
			continue
		}

		for _, check := range []struct {
			exchange string
			side     core.Side
		}{
			{p.LongExchange, core.SideLong},
			{p.ShortExchange, core.SideShort},
		} {
			if expected[check.exchange] == nil {
				expected[check.exchange] = make(map[string]bool)
			}
			expected[check.exchange][p.Pair] = true

			ep, ok := live[check.exchange][p.Pair]
			if !ok {
				mismatches = append(mismatches,
					fmt.Sprintf("position %s: %s leg missing on %s for %s", p.ID, check.side, check.exchange, p.Pair))
				continue
			}
			if ep.Side != check.side {
				mismatches = append(mismatches,
					fmt.Sprintf("position %s: %s leg on %s is %s, expected %s", p.ID, p.Pair, check.exchange, ep.Side, check.side))
			}
		}
	}

	for exchange, byPair := range live {
		for pair := range byPair {
			if !expected[exchange][pair] {
				mismatches = append(mismatches,
					fmt.Sprintf("untracked position on %s for %s", exchange, pair))
			}
		}
	}

	if len(mismatches) > 0 {
		return fmt.Errorf("reconciliation found %d mismatch(es):\n%s",
			len(mismatches), strings.Join(mismatches, "\n"))
	}

	r.logger.Info("Reconciliation clean", "tracked", len(tracked))
	return nil
}
