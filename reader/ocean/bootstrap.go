package ocean

import (
	"context"
	"fmt"
	"time"

	"oceanflow/config"
	"oceanflow/internal/metrics"
	"oceanflow/logger"
	"oceanflow/models"
)

// SnapshotSource is the part of Client that serves order books.
type SnapshotSource interface {
	OrderBook(ctx context.Context, symbol string, limit int) (*Response, error)
}

// fetchSnapshot requests one book and decodes it.
func fetchSnapshot(ctx context.Context, src SnapshotSource, symbol string, depth int, now time.Time) (models.OrderBookSnapshot, error) {
	resp, err := src.OrderBook(ctx, symbol, depth)
	if err != nil {
		return models.OrderBookSnapshot{}, err
	}
	if resp.Code != 0 {
		return models.OrderBookSnapshot{}, fmt.Errorf("%w: order_book %s code %d: %s", ErrMarketDataUnavailable, symbol, resp.Code, resp.Message)
	}
	snap, err := ParseSnapshot(symbol, resp.Data, now)
	if err != nil {
		return models.OrderBookSnapshot{}, err
	}
	logger.IncrementSnapshotRead(len(resp.Data))
	metrics.IncrementSnapshot(symbol, "rest")
	return snap, nil
}

// Bootstrapper seeds one book per market, one request at a time with a
// pause after each so the whole pass stays under the request limit.
type Bootstrapper struct {
	source  SnapshotSource
	depth   int
	pause   time.Duration
	newBook func() models.BookSink
	sleep   SleepFunc
	now     func() time.Time
	log     *logger.Log
}

func NewBootstrapper(cfg *config.Config, source SnapshotSource) *Bootstrapper {
	return &Bootstrapper{
		source:  source,
		depth:   cfg.Reader.Bootstrap.Depth,
		pause:   cfg.Reader.Bootstrap.Pause,
		newBook: func() models.BookSink { return models.NewOrderBook() },
		sleep:   sleepContext,
		now:     time.Now,
		log:     logger.GetLogger(),
	}
}

// Bootstrap returns an entry for every market whose snapshot could be
// fetched. Failures are logged and skipped; only cancellation is returned,
// together with whatever was seeded so far.
func (b *Bootstrapper) Bootstrap(ctx context.Context, symbols []string) (map[string]*models.TrackerEntry, error) {
	log := b.log.WithComponent("ocean_snapshot")
	total := len(symbols)
	entries := make(map[string]*models.TrackerEntry, total)
	start := time.Now()

	for i, symbol := range symbols {
		entry, err := b.seed(ctx, symbol)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return entries, ctxErr
			}
			metrics.IncrementSnapshotError(symbol)
			log.WithError(err).WithField("symbol", symbol).Error(fmt.Sprintf("Error getting snapshot for %s.", symbol))
		} else {
			entries[symbol] = entry
			log.WithField("symbol", symbol).Info(fmt.Sprintf("Initialized order book for %s. %d/%d completed.", symbol, i+1, total))
		}
		if err := b.sleep(ctx, b.pause); err != nil {
			return entries, err
		}
	}

	logger.LogDataFlowEntry(log, "ocean_rest", "tracker", len(entries), "order_book_snapshot")
	logger.LogPerformanceEntry(log, "ocean_snapshot", "bootstrap", time.Since(start), logger.Fields{
		"requested": total,
		"seeded":    len(entries),
	})
	return entries, nil
}

func (b *Bootstrapper) seed(ctx context.Context, symbol string) (*models.TrackerEntry, error) {
	snap, err := fetchSnapshot(ctx, b.source, symbol, b.depth, b.now())
	if err != nil {
		return nil, err
	}
	book := b.newBook()
	if err := book.ApplySnapshot(snap.Bids, snap.Asks, snap.UpdateID); err != nil {
		return nil, fmt.Errorf("apply snapshot for %s: %w", symbol, err)
	}
	return models.NewTrackerEntry(symbol, snap.Timestamp, book), nil
}
