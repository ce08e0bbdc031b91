// Package scanner maintains the cross-exchange funding rate table and
// triggers detection when a rate materially changes.
package scanner

import (
	"context"
	"sync"
	"time"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/retry"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Update announces that a pair's rate table changed.
type Update struct {
	Rate core.FundingRate
}

// Scanner tracks the latest funding rate per (pair, exchange). Snapshots
// are immutable; an update replaces the previous entry.
type Scanner struct {
	exchanges map[string]core.IExchange
	pairs     []string
	staleness time.Duration
	epsilon   decimal.Decimal
	logger    core.ILogger

	rates map[string]map[string]core.FundingRate // pair -> exchange -> rate
	mu    sync.RWMutex

	subscribers []chan Update
	subMu       sync.RWMutex
}

// New creates a scanner over the given exchanges and pairs.
func New(exchanges map[string]core.IExchange, pairs []string, staleness time.Duration, epsilon float64, logger core.ILogger) *Scanner {
	return &Scanner{
		exchanges: exchanges,
		pairs:     pairs,
		staleness: staleness,
		epsilon:   decimal.NewFromFloat(epsilon),
		logger:    logger.WithField("component", "scanner"),
		rates:     make(map[string]map[string]core.FundingRate),
	}
}

// Start seeds the table over REST and subscribes to every exchange's
// funding stream. Returns once all subscriptions are in place.
func (s *Scanner) Start(ctx context.Context) error {
	s.logger.Info("Starting scanner", "pairs", s.pairs, "exchanges", len(s.exchanges))

	g, ctx := errgroup.WithContext(ctx)
	for name, ex := range s.exchanges {
		name := name
		ex := ex
		for _, pair := range s.pairs {
			pair := pair
			g.Go(func() error {
				var rate core.FundingRate
				err := retry.Do(ctx, retry.DefaultPolicy, apperrors.IsTransient, func() error {
					var ferr error
					rate, ferr = ex.GetFundingRate(ctx, pair)
					return ferr
				})
				if err != nil {
					s.logger.Error("Failed to fetch initial funding rate", "exchange", name, "pair", pair, "error", err)
				} else {
					s.Apply(rate)
				}

				if err := ex.SubscribeFundingRate(ctx, pair, s.Apply); err != nil {
					s.logger.Error("Failed to subscribe funding stream", "exchange", name, "pair", pair, "error", err)
				}
				return nil
			})
		}
	}
	return g.Wait()
}

// Apply records a rate snapshot and notifies subscribers. Stale input
// never enters the table; updates within epsilon of the stored rate
// refresh the timestamp without re-triggering detection.
func (s *Scanner) Apply(rate core.FundingRate) {
	if rate.Pair == "" || rate.Exchange == "" {
		return
	}
	if s.staleness > 0 && !rate.Timestamp.IsZero() {
		if age := time.Since(rate.Timestamp); age > s.staleness {
			s.logger.Warn("Dropping stale funding rate",
				"exchange", rate.Exchange, "pair", rate.Pair, "age", age)
			return
		}
	}

	s.mu.Lock()
	byExchange, ok := s.rates[rate.Pair]
	if !ok {
		byExchange = make(map[string]core.FundingRate)
		s.rates[rate.Pair] = byExchange
	}
	prev, had := byExchange[rate.Exchange]
	byExchange[rate.Exchange] = rate
	s.mu.Unlock()

	if had && rate.Rate.Sub(prev.Rate).Abs().LessThan(s.epsilon) {
		return
	}

	s.notify(Update{Rate: rate})
}

// Snapshot returns the fresh rates for a pair, keyed by exchange. Stale
// entries are excluded rather than returned with a warning flag.
func (s *Scanner) Snapshot(pair string, now time.Time) map[string]core.FundingRate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]core.FundingRate)
	for exchange, rate := range s.rates[pair] {
		if s.staleness > 0 && now.Sub(rate.Timestamp) > s.staleness {
			continue
		}
		out[exchange] = rate
	}
	return out
}

// Rate returns one stored snapshot regardless of freshness.
func (s *Scanner) Rate(pair, exchange string) (core.FundingRate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rate, ok := s.rates[pair][exchange]
	return rate, ok
}

// Pairs returns the configured pair list.
func (s *Scanner) Pairs() []string {
	return s.pairs
}

// Updates returns a channel receiving rate table changes. A slow consumer
// drops updates instead of blocking the adapters' read loops.
func (s *Scanner) Updates(buffer int) <-chan Update {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Update, buffer)

	s.subMu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.subMu.Unlock()
	return ch
}

func (s *Scanner) notify(update Update) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- update:
		default:
			s.logger.Warn("Dropping scanner update, subscriber busy", "pair", update.Rate.Pair, "exchange", update.Rate.Exchange)
		}
	}
}
