package ocean

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"oceanflow/config"
	"oceanflow/logger"
	"oceanflow/models"
)

const usdQuote = "usdt"

// TickerSource is the part of Client the catalog needs.
type TickerSource interface {
	Tickers(ctx context.Context) (*Response, error)
}

// Ticker is one entry of the tickers response.
type Ticker struct {
	BaseUnit  string          `json:"base_unit"`
	QuoteUnit string          `json:"quote_unit"`
	Last      decimal.Decimal `json:"last"`
	Open      decimal.Decimal `json:"open"`
	Volume    decimal.Decimal `json:"volume"`
}

// Catalog caches the set of active markets and their 24h USD volume.
// Concurrent callers with a cold cache share one upstream fetch; failures
// are not cached.
type Catalog struct {
	source TickerSource
	ttl    time.Duration
	now    func() time.Time
	log    *logger.Log

	group     singleflight.Group
	mu        sync.RWMutex
	markets   map[string]models.Market
	fetchedAt time.Time
	fetches   atomic.Int64
}

func NewCatalog(cfg *config.Config, source TickerSource) *Catalog {
	ttl := cfg.Reader.Catalog.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Catalog{
		source: source,
		ttl:    ttl,
		now:    time.Now,
		log:    logger.GetLogger(),
	}
}

// Fetches returns how many upstream ticker requests were made.
func (c *Catalog) Fetches() int64 {
	return c.fetches.Load()
}

// ActiveMarkets returns every listed market keyed by symbol. The returned map
// is a copy and may be modified by the caller.
func (c *Catalog) ActiveMarkets(ctx context.Context) (map[string]models.Market, error) {
	if m, ok := c.cached(); ok {
		return m, nil
	}
	v, err, _ := c.group.Do("markets", func() (interface{}, error) {
		if m, ok := c.cached(); ok {
			return m, nil
		}
		m, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.markets = m
		c.fetchedAt = c.now()
		c.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return copyMarkets(v.(map[string]models.Market)), nil
}

func (c *Catalog) cached() (map[string]models.Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.markets == nil || c.now().Sub(c.fetchedAt) >= c.ttl {
		return nil, false
	}
	return copyMarkets(c.markets), true
}

func copyMarkets(in map[string]models.Market) map[string]models.Market {
	out := make(map[string]models.Market, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (c *Catalog) fetch(ctx context.Context) (map[string]models.Market, error) {
	log := c.log.WithComponent("ocean_catalog")
	c.fetches.Add(1)
	start := time.Now()

	resp, err := c.source.Tickers(ctx)
	if err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("%w: error fetching Ocean tickers information, response code is %d", ErrMarketDataUnavailable, resp.Code)
	}
	var tickers map[string]Ticker
	if err := resp.Decode(&tickers); err != nil {
		return nil, fmt.Errorf("decode tickers: %w", err)
	}
	logger.IncrementSnapshotRead(len(resp.Data))

	markets := ComputeUSDVolumes(tickers, log)
	logger.LogPerformanceEntry(log, "ocean_catalog", "fetch_tickers", time.Since(start), logger.Fields{
		"markets": len(markets),
	})
	return markets, nil
}

// ConversionRates maps each base asset quoted in usdt to its USD price, taken
// from the first positive of last and open.
func ConversionRates(tickers map[string]Ticker) map[string]decimal.Decimal {
	rates := make(map[string]decimal.Decimal)
	for _, t := range tickers {
		if t.QuoteUnit != usdQuote {
			continue
		}
		for _, candidate := range []decimal.Decimal{t.Last, t.Open} {
			if candidate.IsPositive() {
				rates[t.BaseUnit] = candidate
				break
			}
		}
	}
	return rates
}

// ComputeUSDVolumes converts every ticker's volume to USD. A market whose
// quote asset has no rate gets zero and a warning.
func ComputeUSDVolumes(tickers map[string]Ticker, log *logger.Entry) map[string]models.Market {
	rates := ConversionRates(tickers)
	markets := make(map[string]models.Market, len(tickers))
	for symbol, t := range tickers {
		m := models.Market{
			Symbol:     symbol,
			BaseAsset:  t.BaseUnit,
			QuoteAsset: t.QuoteUnit,
			Volume:     t.Volume,
			USDVolume:  decimal.Zero,
		}
		switch {
		case t.QuoteUnit == usdQuote:
			m.USDVolume = t.Volume
		case t.Volume.IsPositive():
			if rate, ok := rates[t.QuoteUnit]; ok {
				m.USDVolume = t.Volume.Mul(rate)
			} else if log != nil {
				log.WithField("symbol", symbol).Warn(fmt.Sprintf("%s has no conversion rate", symbol))
			}
		}
		markets[symbol] = m
	}
	return markets
}

// Symbols returns the markets to track, sorted. A non-empty preset is used
// as-is after normalisation; otherwise every catalog market is returned.
func (c *Catalog) Symbols(ctx context.Context, preset []string) ([]string, error) {
	if len(preset) > 0 {
		seen := make(map[string]struct{}, len(preset))
		out := make([]string, 0, len(preset))
		for _, s := range preset {
			s = strings.ToLower(strings.TrimSpace(s))
			if s == "" {
				continue
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
		sort.Strings(out)
		return out, nil
	}

	markets, err := c.ActiveMarkets(ctx)
	if err != nil {
		c.log.WithComponent("ocean_catalog").WithError(err).Network(
			"Error getting active exchange information.",
			fmt.Sprintf("Error getting active exchange information. exception = %v", err),
		)
		return nil, err
	}
	out := make([]string, 0, len(markets))
	for s := range markets {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}
