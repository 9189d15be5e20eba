package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	appconfig "oceanflow/config"
	"oceanflow/internal/metrics"
	"oceanflow/logger"
	"oceanflow/models"
)

const trackerWarning = "Unexpected error tracking order book. Retrying after 5 seconds."

// EventSource is the consuming side of the event queue.
type EventSource interface {
	Pop(ctx context.Context) (models.Event, bool)
	Len() int
}

// BookView is a book whose levels can be read back.
type BookView interface {
	models.BookSink
	Levels(symbol string) models.OrderBookSnapshot
}

// Tracker is the single consumer of market events. It applies snapshots to
// the per-market books and remembers the last trade of every market.
type Tracker struct {
	config  *appconfig.Config
	source  EventSource
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	booksMu    sync.RWMutex
	entries    map[string]*models.TrackerEntry
	lastTrades map[string]models.Trade

	errorPause time.Duration
	newBook    func() models.BookSink
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewTracker builds a tracker over the bootstrapped entries. Entries may be
// nil; books for unseen markets are created on their first snapshot.
func NewTracker(cfg *appconfig.Config, source EventSource, entries map[string]*models.TrackerEntry) *Tracker {
	seeded := make(map[string]*models.TrackerEntry, len(entries))
	for k, v := range entries {
		seeded[k] = v
	}
	pause := cfg.Processor.ErrorPause
	if pause <= 0 {
		pause = 5 * time.Second
	}
	return &Tracker{
		config:     cfg,
		source:     source,
		wg:         &sync.WaitGroup{},
		log:        logger.GetLogger(),
		entries:    seeded,
		lastTrades: make(map[string]models.Trade),
		errorPause: pause,
		newBook:    func() models.BookSink { return models.NewOrderBook() },
		sleep:      sleepContext,
	}
}

// Start launches the consumer.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("tracker already running")
	}
	t.running = true
	t.ctx = ctx
	t.mu.Unlock()

	log := t.log.WithComponent("tracker").WithFields(logger.Fields{"operation": "Start"})
	log.WithFields(logger.Fields{"books": len(t.Symbols())}).Info("starting order book tracker")

	t.wg.Add(1)
	go t.worker()

	t.wg.Add(1)
	go t.metricsReporter(ctx)
	return nil
}

// Stop waits for the consumer to exit. The context given to Start must be
// cancelled, or the source closed, first.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()

	t.log.WithComponent("tracker").Info("stopping order book tracker")
	t.wg.Wait()
	t.log.WithComponent("tracker").Info("order book tracker stopped")
}

func (t *Tracker) worker() {
	defer t.wg.Done()
	log := t.log.WithComponent("tracker")

	for {
		ev, ok := t.source.Pop(t.ctx)
		if !ok {
			return
		}
		if err := t.apply(ev); err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": ev.Symbol}).
				Network(fmt.Sprintf("Unexpected error tracking order book for %s.", ev.Symbol), trackerWarning)
			if err := t.sleep(t.ctx, t.errorPause); err != nil {
				return
			}
		}
	}
}

func (t *Tracker) apply(ev models.Event) error {
	switch ev.Type {
	case models.EventSnapshot:
		if ev.Snapshot == nil {
			return fmt.Errorf("snapshot event for %s has no snapshot", ev.Symbol)
		}
		snap := ev.Snapshot
		entry := t.entry(ev.Symbol, snap.Timestamp)
		if err := entry.Book.ApplySnapshot(snap.Bids, snap.Asks, snap.UpdateID); err != nil {
			return fmt.Errorf("apply snapshot for %s: %w", ev.Symbol, err)
		}
		t.booksMu.Lock()
		entry.Timestamp = snap.Timestamp
		t.booksMu.Unlock()
		metrics.IncrementTrackerApplied(ev.Type.String())
		t.log.WithComponent("tracker").Debug(fmt.Sprintf("Processed order book snapshot for %s.", ev.Symbol))

	case models.EventTrade:
		if ev.Trade == nil {
			return fmt.Errorf("trade event for %s has no trade", ev.Symbol)
		}
		t.booksMu.Lock()
		t.lastTrades[ev.Symbol] = *ev.Trade
		t.booksMu.Unlock()
		metrics.IncrementTrackerApplied(ev.Type.String())

	default:
		t.log.WithComponent("tracker").WithFields(logger.Fields{"symbol": ev.Symbol, "type": int(ev.Type)}).
			Debug("ignoring unknown event type")
	}
	return nil
}

func (t *Tracker) entry(symbol string, ts time.Time) *models.TrackerEntry {
	t.booksMu.Lock()
	defer t.booksMu.Unlock()
	e, ok := t.entries[symbol]
	if !ok {
		e = models.NewTrackerEntry(symbol, ts, t.newBook())
		t.entries[symbol] = e
	}
	return e
}

// Symbols returns the tracked markets, sorted.
func (t *Tracker) Symbols() []string {
	t.booksMu.RLock()
	defer t.booksMu.RUnlock()
	out := make([]string, 0, len(t.entries))
	for s := range t.entries {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Book returns a copy of the current book for symbol.
func (t *Tracker) Book(symbol string) (models.OrderBookSnapshot, bool) {
	t.booksMu.RLock()
	e, ok := t.entries[symbol]
	t.booksMu.RUnlock()
	if !ok {
		return models.OrderBookSnapshot{}, false
	}
	view, ok := e.Book.(BookView)
	if !ok {
		return models.OrderBookSnapshot{}, false
	}
	return view.Levels(symbol), true
}

// LastTrade returns the most recent trade seen for symbol.
func (t *Tracker) LastTrade(symbol string) (models.Trade, bool) {
	t.booksMu.RLock()
	defer t.booksMu.RUnlock()
	tr, ok := t.lastTrades[symbol]
	return tr, ok
}

func (t *Tracker) metricsReporter(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.RLock()
			running := t.running
			t.mu.RUnlock()
			if !running {
				return
			}
			t.booksMu.RLock()
			books, trades := len(t.entries), len(t.lastTrades)
			t.booksMu.RUnlock()
			t.log.WithComponent("tracker").WithFields(logger.Fields{
				"queue_len":    t.source.Len(),
				"books":        books,
				"trade_series": trades,
			}).Info("tracker state")
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
