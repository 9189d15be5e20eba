package ocean

import (
	"context"
	"fmt"
	"sync"
	"time"

	"oceanflow/config"
	"oceanflow/internal/metrics"
	"oceanflow/logger"
	"oceanflow/models"
)

// Poller fetches every book over REST, one market at a time, then sleeps
// until the next interval boundary (the top of the hour by default).
type Poller struct {
	source     SnapshotSource
	sink       EventSink
	depth      int
	pause      time.Duration
	errorPause time.Duration
	interval   time.Duration
	sleep      SleepFunc
	now        func() time.Time
	log        *logger.Log

	mu      sync.Mutex
	running bool
}

func NewPoller(cfg *config.Config, source SnapshotSource, sink EventSink) *Poller {
	pc := cfg.Reader.Poll
	interval := pc.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Poller{
		source:     source,
		sink:       sink,
		depth:      pc.Depth,
		pause:      pc.Pause,
		errorPause: pc.ErrorPause,
		interval:   interval,
		sleep:      sleepContext,
		now:        time.Now,
		log:        logger.GetLogger(),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context, symbols []string) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("ocean poller already running")
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	log := p.log.WithComponent("ocean_poll").WithFields(logger.Fields{"symbols": len(symbols)})
	log.Info("starting ocean snapshot poller")
	for {
		start := time.Now()
		if err := p.pollOnce(ctx, symbols); err != nil {
			return err
		}
		wait := p.untilNextBoundary()
		logger.LogPerformanceEntry(log, "ocean_poll", "poll_pass", time.Since(start), logger.Fields{
			"next_in": wait.String(),
		})
		if err := p.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context, symbols []string) error {
	log := p.log.WithComponent("ocean_poll")
	emitted := 0
	defer func() {
		logger.LogDataFlowEntry(log, "ocean_rest", "events", emitted, "order_book_snapshot")
	}()
	for _, symbol := range symbols {
		snap, err := fetchSnapshot(ctx, p.source, symbol, p.depth, p.now())
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			metrics.IncrementSnapshotError(symbol)
			log.WithError(err).WithField("symbol", symbol).Error("Unexpected error.")
			if err := p.sleep(ctx, p.errorPause); err != nil {
				return err
			}
			continue
		}
		if p.sink.Push(models.SnapshotEvent(snap)) {
			emitted++
		}
		if err := p.sleep(ctx, p.pause); err != nil {
			return err
		}
	}
	return nil
}

// untilNextBoundary returns the time left until the next multiple of
// interval in UTC.
func (p *Poller) untilNextBoundary() time.Duration {
	now := p.now().UTC()
	next := now.Truncate(p.interval).Add(p.interval)
	return next.Sub(now)
}
