// Package detector evaluates funding rate snapshots against the dynamic
// entry threshold and produces ranked opportunities.
package detector

import (
	"sort"
	"sync"
	"time"

	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
)

var (
	tenThousand = decimal.NewFromInt(10_000)

	// defaultTakerFee stands in for exchanges whose fee tier has not
	// been fetched yet. 0.04% overstates most real tiers, so unknown
	// fees err toward skipping an entry rather than taking it.
	defaultTakerFee = decimal.RequireFromString("0.0004")
)

// Config holds the detection thresholds.
type Config struct {
	// BaseSpread and PerIncrementSpread define the entry threshold:
	// threshold = base + perIncrement * (sizeUSD / 10_000), daily basis.
	BaseSpread         decimal.Decimal
	PerIncrementSpread decimal.Decimal
	// MaxSizeUSD is the desired notional per position; the executor may
	// clamp it further on live depth.
	MaxSizeUSD decimal.Decimal
	// EntryBuffer skips candidates whose next funding settlement is too
	// close for both legs to fill in time.
	EntryBuffer time.Duration
	// FeeHorizonDays amortizes round-trip taker fees when fee-adjusting
	// the spread.
	FeeHorizonDays int
}

// Detector is stateless with respect to rates; fee tiers are cached from
// the adapters so detection never blocks on a REST call.
type Detector struct {
	logger core.ILogger

	mu   sync.RWMutex
	cfg  Config
	fees map[string]core.FeeTier
}

// New creates a detector.
func New(cfg Config, logger core.ILogger) *Detector {
	if cfg.FeeHorizonDays <= 0 {
		cfg.FeeHorizonDays = 7
	}
	return &Detector{
		cfg:    cfg,
		logger: logger.WithField("component", "detector"),
		fees:   make(map[string]core.FeeTier),
	}
}

// SetFeeTier caches an exchange's fee schedule.
func (d *Detector) SetFeeTier(tier core.FeeTier) {
	d.mu.Lock()
	d.fees[tier.Exchange] = tier
	d.mu.Unlock()
}

// UpdateConfig replaces the detection thresholds. Part of the config
// hot-reload path; in-flight evaluations finish on the old values.
func (d *Detector) UpdateConfig(cfg Config) {
	if cfg.FeeHorizonDays <= 0 {
		cfg.FeeHorizonDays = 7
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *Detector) config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Threshold returns the minimum daily spread required for the size.
// Strictly increasing in sizeUSD.
func (d *Detector) Threshold(sizeUSD decimal.Decimal) decimal.Decimal {
	cfg := d.config()
	increments := sizeUSD.Div(tenThousand)
	return cfg.BaseSpread.Add(cfg.PerIncrementSpread.Mul(increments))
}

func (d *Detector) takerFee(exchange string) decimal.Decimal {
	d.mu.RLock()
	tier, ok := d.fees[exchange]
	d.mu.RUnlock()
	if !ok {
		return defaultTakerFee
	}
	return tier.TakerFee
}

// feeAdjustment returns the daily cost of the round trip on both legs:
// four taker fills amortized over the expected holding period.
func (d *Detector) feeAdjustment(longExchange, shortExchange string, feeHorizonDays int) decimal.Decimal {
	roundTrip := d.takerFee(longExchange).Add(d.takerFee(shortExchange)).Mul(decimal.NewFromInt(2))
	return roundTrip.Div(decimal.NewFromInt(int64(feeHorizonDays)))
}

// FindOpportunities evaluates every exchange pairing in the snapshot and
// returns the candidates whose fee-adjusted daily spread clears the
// threshold, best first.
func (d *Detector) FindOpportunities(pair string, rates map[string]core.FundingRate, now time.Time) []core.Opportunity {
	if len(rates) < 2 {
		return nil
	}

	exchanges := make([]string, 0, len(rates))
	for name := range rates {
		exchanges = append(exchanges, name)
	}
	sort.Strings(exchanges)

	cfg := d.config()
	sizeUSD := cfg.MaxSizeUSD
	threshold := d.Threshold(sizeUSD)

	var opps []core.Opportunity
	for i := 0; i < len(exchanges); i++ {
		for j := i + 1; j < len(exchanges); j++ {
			a, b := rates[exchanges[i]], rates[exchanges[j]]

			// Long the lower daily rate, short the higher.
			long, short := a, b
			if long.DailyRate().GreaterThan(short.DailyRate()) {
				long, short = short, long
			}

			dailySpread := short.DailyRate().Sub(long.DailyRate())
			feeAdjusted := dailySpread.Sub(d.feeAdjustment(long.Exchange, short.Exchange, cfg.FeeHorizonDays))
			if feeAdjusted.LessThan(threshold) {
				continue
			}

			nextFunding := short.NextFundingTime
			if long.NextFundingTime.Before(nextFunding) {
				nextFunding = long.NextFundingTime
			}
			if cfg.EntryBuffer > 0 && nextFunding.Sub(now) < cfg.EntryBuffer {
				d.logger.Debug("Skipping candidate inside entry buffer",
					"pair", pair, "long", long.Exchange, "short", short.Exchange,
					"next_funding", nextFunding)
				continue
			}

			opps = append(opps, core.Opportunity{
				Pair:              pair,
				LongExchange:      long.Exchange,
				ShortExchange:     short.Exchange,
				LongDailyRate:     long.DailyRate(),
				ShortDailyRate:    short.DailyRate(),
				DailySpread:       dailySpread,
				FeeAdjustedSpread: feeAdjusted,
				SizeUSD:           sizeUSD,
				NextFundingTime:   nextFunding,
				DetectedAt:        now,
			})
		}
	}

	Rank(opps)
	return opps
}

// Rank orders opportunities best first: fee-adjusted spread descending,
// then size descending, then pair ascending for a stable ordering.
func Rank(opps []core.Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		if !opps[i].FeeAdjustedSpread.Equal(opps[j].FeeAdjustedSpread) {
			return opps[i].FeeAdjustedSpread.GreaterThan(opps[j].FeeAdjustedSpread)
		}
		if !opps[i].SizeUSD.Equal(opps[j].SizeUSD) {
			return opps[i].SizeUSD.GreaterThan(opps[j].SizeUSD)
		}
		return opps[i].Pair < opps[j].Pair
	})
}

// LiveSpread recomputes an open position's daily spread from the current
// snapshot. The second return is false when either leg's rate is missing
// or stale, in which case the position is left alone.
func LiveSpread(p *core.Position, rates map[string]core.FundingRate) (decimal.Decimal, bool) {
	long, okLong := rates[p.LongExchange]
	short, okShort := rates[p.ShortExchange]
	if !okLong || !okShort {
		return decimal.Zero, false
	}
	return short.DailyRate().Sub(long.DailyRate()), true
}

// ShouldClose reports whether the live spread breaches the tolerance the
// position captured at entry.
func ShouldClose(p *core.Position, liveSpread decimal.Decimal) bool {
	return liveSpread.LessThan(p.NegativeSpreadTolerance)
}
