package ocean

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"oceanflow/config"
	"oceanflow/internal/metrics"
	"oceanflow/logger"
	"oceanflow/models"
)

// EventSink receives decoded market events. Push must not block.
type EventSink interface {
	Push(models.Event) bool
}

// Feed keeps one websocket session to the OceanEx pusher endpoint alive and
// forwards trades and book snapshots to a sink. A session that goes quiet is
// probed with a ping and abandoned when no pong arrives in time.
type Feed struct {
	url            string
	dialer         *websocket.Dialer
	messageTimeout time.Duration
	pingTimeout    time.Duration
	reconnectDelay time.Duration
	trades         bool
	books          bool
	sink           EventSink
	sleep          SleepFunc
	now            func() time.Time
	log            *logger.Log

	mu       sync.Mutex
	running  bool
	sessions atomic.Int64
}

func NewFeed(cfg *config.Config, sink EventSink) *Feed {
	sc := cfg.Reader.Stream
	return &Feed{
		url: cfg.Exchange.WebsocketURL,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.Reader.Timeout,
		},
		messageTimeout: sc.MessageTimeout,
		pingTimeout:    sc.PingTimeout,
		reconnectDelay: sc.ReconnectDelay,
		trades:         sc.Trades,
		books:          sc.Books,
		sink:           sink,
		sleep:          sleepContext,
		now:            time.Now,
		log:            logger.GetLogger(),
	}
}

// Sessions returns how many sessions have been opened.
func (f *Feed) Sessions() int64 {
	return f.sessions.Load()
}

// Channels lists the channels a session subscribes to for symbols.
func (f *Feed) Channels(symbols []string) []string {
	out := make([]string, 0, 2*len(symbols))
	for _, s := range symbols {
		if f.trades {
			out = append(out, TradeChannel(s))
		}
		if f.books {
			out = append(out, BookChannel(s))
		}
	}
	return out
}

// Run streams until ctx is cancelled or the endpoint is unusable. A clean
// remote close reconnects at once; any other failure waits reconnectDelay.
func (f *Feed) Run(ctx context.Context, symbols []string) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("ocean feed already running")
	}
	f.running = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
	}()

	log := f.log.WithComponent("ocean_stream").WithFields(logger.Fields{"symbols": len(symbols)})
	channels := f.Channels(symbols)
	if len(channels) == 0 {
		log.Warn("no channels to subscribe, waiting for shutdown")
		<-ctx.Done()
		return ctx.Err()
	}
	log.Info("starting ocean websocket feed")

	for {
		err := f.runSession(ctx, channels)
		if ctxErr := ctx.Err(); ctxErr != nil {
			log.WithError(err).Info("ocean websocket feed stopped")
			return ctxErr
		}
		switch Classify(err) {
		case Propagate:
			log.WithError(err).Info("ocean websocket feed stopped")
			return err
		case Fatal:
			log.WithError(err).Error("ocean websocket feed cannot continue")
			return err
		}

		reason := reconnectReason(err)
		metrics.IncrementReconnect(reason)
		if isCleanClose(err) {
			log.WithError(err).Info("websocket closed by server, reconnecting")
			continue
		}
		log.WithError(err).WithField("retry_in", f.reconnectDelay.String()).
			Error(fmt.Sprintf("Unexpected error with WebSocket connection. Retrying after %s...", f.reconnectDelay))
		if err := f.sleep(ctx, f.reconnectDelay); err != nil {
			return err
		}
	}
}

func (f *Feed) validateURL() error {
	u, err := url.Parse(f.url)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("%w: websocket url %q", ErrInvalidEndpoint, f.url)
	}
	return nil
}

// runSession dials, subscribes and reads until the session ends. It never
// returns nil.
func (f *Feed) runSession(ctx context.Context, channels []string) error {
	if err := f.validateURL(); err != nil {
		return err
	}
	session := f.sessions.Add(1)
	log := f.log.WithComponent("ocean_stream").WithFields(logger.Fields{"session": session})

	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("dial websocket: %w", err)
	}
	defer conn.Close()

	for _, ch := range channels {
		if err := conn.WriteJSON(newSubscribeRequest(ch)); err != nil {
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}
	log.WithFields(logger.Fields{"channels": len(channels)}).Info("subscribed to ocean channels")

	return f.read(ctx, conn, log)
}

type frame struct {
	data []byte
	err  error
}

func (f *Feed) read(ctx context.Context, conn *websocket.Conn, log *logger.Entry) error {
	frames := make(chan frame)
	pongs := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongs <- struct{}{}:
		default:
		}
		return nil
	})

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			select {
			case frames <- frame{data: data, err: err}:
			case <-readCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	idle := time.NewTimer(f.messageTimeout)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			closeGracefully(conn)
			return ctx.Err()
		case fr := <-frames:
			if fr.err != nil {
				return terminated(fr.err)
			}
			f.handle(fr.data, log)
		case <-idle.C:
			if err := f.probe(ctx, conn, frames, pongs, log); err != nil {
				return err
			}
		}
		resetTimer(idle, f.messageTimeout)
	}
}

// probe pings a silent session. A pong or any frame proves it alive.
func (f *Feed) probe(ctx context.Context, conn *websocket.Conn, frames <-chan frame, pongs <-chan struct{}, log *logger.Entry) error {
	select {
	case <-pongs:
	default:
	}
	if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(f.pingTimeout)); err != nil {
		return terminated(err)
	}

	timer := time.NewTimer(f.pingTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		closeGracefully(conn)
		return ctx.Err()
	case <-pongs:
		return nil
	case fr := <-frames:
		if fr.err != nil {
			return terminated(fr.err)
		}
		f.handle(fr.data, log)
		return nil
	case <-timer.C:
		log.Warn("WebSocket ping timed out. Going to reconnect...")
		return fmt.Errorf("%w after %s", ErrProtocolTimeout, f.pingTimeout)
	}
}

func closeGracefully(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (f *Feed) handle(data []byte, log *logger.Entry) {
	logger.IncrementStreamRead(len(data))
	events, err := f.processMessage(data, log)
	if err != nil {
		log.WithError(err).Warn("failed to process websocket message")
		return
	}
	for _, ev := range events {
		if !f.sink.Push(ev) {
			log.WithFields(logger.Fields{"symbol": ev.Symbol, "type": ev.Type.String()}).Debug("sink closed, event dropped")
		}
	}
}

// processMessage turns one pusher frame into market events. Control and
// unknown events produce none.
func (f *Feed) processMessage(data []byte, log *logger.Entry) ([]models.Event, error) {
	var msg pusherMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	metrics.IncrementStreamMessage(msg.Event)

	switch msg.Event {
	case eventTrades:
		symbol, err := channelSymbol(msg.Channel)
		if err != nil {
			return nil, err
		}
		body, err := payload(msg.Data)
		if err != nil {
			return nil, fmt.Errorf("trades for %s: %w", symbol, err)
		}
		trades, err := ParseTrades(symbol, body, f.now())
		if err != nil {
			return nil, err
		}
		events := make([]models.Event, 0, len(trades))
		for _, t := range trades {
			events = append(events, models.TradeEvent(t))
		}
		return events, nil

	case eventUpdate:
		symbol, err := channelSymbol(msg.Channel)
		if err != nil {
			return nil, err
		}
		body, err := payload(msg.Data)
		if err != nil {
			return nil, fmt.Errorf("update for %s: %w", symbol, err)
		}
		now := f.now()
		snap, err := ParseSnapshot(symbol, body, now)
		if err != nil {
			return nil, err
		}
		// pushed books carry no usable timestamp; stamp them on receipt
		snap.Timestamp = now.UTC()
		snap.UpdateID = now.UnixMilli()
		metrics.IncrementSnapshot(symbol, "stream")
		return []models.Event{models.SnapshotEvent(snap)}, nil

	case eventConnectionEstablished, eventSubscriptionSucceeded:
		return nil, nil

	default:
		log.WithFields(logger.Fields{"event": msg.Event, "channel": msg.Channel}).
			Debug("Unrecognized message received from Ocean websocket")
		return nil, nil
	}
}
