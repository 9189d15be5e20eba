package ocean

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"oceanflow/models"
)

const (
	eventSubscribe             = "pusher:subscribe"
	eventConnectionEstablished = "pusher:connection_established"
	eventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	eventTrades                = "trades"
	eventUpdate                = "update"
)

type pusherMessage struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type subscribeRequest struct {
	Event string        `json:"event"`
	Data  subscribeData `json:"data"`
}

type subscribeData struct {
	Channel string `json:"channel"`
}

func newSubscribeRequest(channel string) subscribeRequest {
	return subscribeRequest{Event: eventSubscribe, Data: subscribeData{Channel: channel}}
}

// TradeChannel and BookChannel name the public channels of a market.
func TradeChannel(symbol string) string { return "market-" + symbol + "-trade-global" }
func BookChannel(symbol string) string  { return "market-" + symbol + "-global" }

// channelSymbol extracts the market from "market-{symbol}-...".
func channelSymbol(channel string) (string, error) {
	parts := strings.Split(channel, "-")
	if len(parts) < 2 || parts[1] == "" {
		return "", fmt.Errorf("channel %q has no market segment", channel)
	}
	return parts[1], nil
}

// payload returns the bytes of a pusher data field, which is usually a JSON
// document encoded as a string.
func payload(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty data")
	}
	if raw[0] != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return []byte(s), nil
}

type bookPayload struct {
	Timestamp json.Number         `json:"timestamp"`
	Asks      [][]decimal.Decimal `json:"asks"`
	Bids      [][]decimal.Decimal `json:"bids"`
}

func toLevels(raw [][]decimal.Decimal) ([]models.PriceLevel, error) {
	out := make([]models.PriceLevel, 0, len(raw))
	for i, lvl := range raw {
		if len(lvl) < 2 {
			return nil, fmt.Errorf("level %d has %d fields", i, len(lvl))
		}
		out = append(out, models.PriceLevel{Price: lvl[0], Size: lvl[1]})
	}
	return out, nil
}

// parseTimestamp accepts seconds or milliseconds since the epoch.
func parseTimestamp(n json.Number) (time.Time, bool) {
	if n == "" {
		return time.Time{}, false
	}
	if i, err := n.Int64(); err == nil && i > 0 {
		if i > 1e12 {
			return time.UnixMilli(i).UTC(), true
		}
		return time.Unix(i, 0).UTC(), true
	}
	f, err := n.Float64()
	if err != nil || f <= 0 {
		return time.Time{}, false
	}
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	return time.Unix(0, int64(f*float64(time.Second))).UTC(), true
}

// ParseSnapshot decodes an order_book data object. The payload timestamp is
// used when present, otherwise fallback.
func ParseSnapshot(symbol string, data []byte, fallback time.Time) (models.OrderBookSnapshot, error) {
	var p bookPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return models.OrderBookSnapshot{}, fmt.Errorf("decode book for %s: %w", symbol, err)
	}
	bids, err := toLevels(p.Bids)
	if err != nil {
		return models.OrderBookSnapshot{}, fmt.Errorf("bids for %s: %w", symbol, err)
	}
	asks, err := toLevels(p.Asks)
	if err != nil {
		return models.OrderBookSnapshot{}, fmt.Errorf("asks for %s: %w", symbol, err)
	}
	ts, ok := parseTimestamp(p.Timestamp)
	if !ok {
		ts = fallback.UTC()
	}
	return models.OrderBookSnapshot{
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		UpdateID:  ts.UnixMilli(),
		Timestamp: ts,
	}, nil
}

type tradesPayload struct {
	Trades []tradePayload `json:"trades"`
}

type tradePayload struct {
	TID    json.Number     `json:"tid"`
	Type   string          `json:"type"`
	Date   json.Number     `json:"date"`
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// ParseTrades decodes the trades carried by one "trades" event.
func ParseTrades(symbol string, data []byte, fallback time.Time) ([]models.Trade, error) {
	var p tradesPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode trades for %s: %w", symbol, err)
	}
	out := make([]models.Trade, 0, len(p.Trades))
	for _, t := range p.Trades {
		ts, ok := parseTimestamp(t.Date)
		if !ok {
			ts = fallback.UTC()
		}
		out = append(out, models.Trade{
			Symbol:    symbol,
			ID:        t.TID.String(),
			Price:     t.Price,
			Size:      t.Amount,
			Side:      t.Type,
			Timestamp: ts,
		})
	}
	return out, nil
}
