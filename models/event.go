package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventType int

const (
	EventSnapshot EventType = iota + 1
	EventTrade
)

func (t EventType) String() string {
	switch t {
	case EventSnapshot:
		return "snapshot"
	case EventTrade:
		return "trade"
	default:
		return "unknown"
	}
}

// Trade is a single public fill.
type Trade struct {
	Symbol    string          `json:"symbol"`
	ID        string          `json:"id"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Side      string          `json:"side"`
	Timestamp time.Time       `json:"timestamp"`
}

// Event is one unit of market data headed for the tracker. Exactly one of
// Snapshot and Trade is set, matching Type.
type Event struct {
	Type     EventType
	Symbol   string
	Snapshot *OrderBookSnapshot
	Trade    *Trade
}

func SnapshotEvent(s OrderBookSnapshot) Event {
	return Event{Type: EventSnapshot, Symbol: s.Symbol, Snapshot: &s}
}

func TradeEvent(t Trade) Event {
	return Event{Type: EventTrade, Symbol: t.Symbol, Trade: &t}
}
