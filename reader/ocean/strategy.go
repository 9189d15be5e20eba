package ocean

import (
	"context"
	"fmt"

	"oceanflow/config"
)

// Strategy produces market events for symbols until ctx is done.
type Strategy interface {
	Run(ctx context.Context, symbols []string) error
}

var (
	_ Strategy = (*Feed)(nil)
	_ Strategy = (*Poller)(nil)
)

// NewStrategy picks the websocket feed or the REST poller by reader mode.
func NewStrategy(cfg *config.Config, source SnapshotSource, sink EventSink) (Strategy, error) {
	switch cfg.Reader.Mode {
	case config.ModeStream, "":
		return NewFeed(cfg, sink), nil
	case config.ModePoll:
		return NewPoller(cfg, source, sink), nil
	default:
		return nil, fmt.Errorf("unknown reader mode %q", cfg.Reader.Mode)
	}
}
