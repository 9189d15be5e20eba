package models

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is a single price and the resting size at that price.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBookSnapshot is a full point-in-time copy of one market's book.
type OrderBookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	UpdateID  int64        `json:"update_id"`
	Timestamp time.Time    `json:"timestamp"`
}

// BookSink accepts full book replacements.
type BookSink interface {
	ApplySnapshot(bids, asks []PriceLevel, updateID int64) error
}

// TrackerEntry pairs a market with the book seeded for it.
type TrackerEntry struct {
	Symbol    string
	Timestamp time.Time
	Book      BookSink
}

func NewTrackerEntry(symbol string, ts time.Time, book BookSink) *TrackerEntry {
	return &TrackerEntry{Symbol: symbol, Timestamp: ts, Book: book}
}

// OrderBook is an in-memory book that is only ever replaced wholesale.
type OrderBook struct {
	mu        sync.RWMutex
	bids      []PriceLevel
	asks      []PriceLevel
	updateID  int64
	updatedAt time.Time
}

func NewOrderBook() *OrderBook {
	return &OrderBook{}
}

// ApplySnapshot replaces both sides of the book. Bids are kept best (highest)
// first and asks best (lowest) first. Zero-size levels are dropped.
func (b *OrderBook) ApplySnapshot(bids, asks []PriceLevel, updateID int64) error {
	nb, err := normalizeSide(bids, true)
	if err != nil {
		return fmt.Errorf("bids: %w", err)
	}
	na, err := normalizeSide(asks, false)
	if err != nil {
		return fmt.Errorf("asks: %w", err)
	}

	b.mu.Lock()
	b.bids = nb
	b.asks = na
	b.updateID = updateID
	b.updatedAt = time.Now()
	b.mu.Unlock()
	return nil
}

func normalizeSide(levels []PriceLevel, descending bool) ([]PriceLevel, error) {
	out := make([]PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		if !lvl.Price.IsPositive() {
			return nil, fmt.Errorf("non-positive price %s", lvl.Price)
		}
		if lvl.Size.IsNegative() {
			return nil, fmt.Errorf("negative size %s at %s", lvl.Size, lvl.Price)
		}
		if lvl.Size.IsZero() {
			continue
		}
		out = append(out, lvl)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out, nil
}

// BestBid returns the highest bid, if any.
func (b *OrderBook) BestBid() (PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 {
		return PriceLevel{}, false
	}
	return b.bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (b *OrderBook) BestAsk() (PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.asks) == 0 {
		return PriceLevel{}, false
	}
	return b.asks[0], true
}

func (b *OrderBook) UpdateID() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updateID
}

// Depth returns the number of bid and ask levels.
func (b *OrderBook) Depth() (bids, asks int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bids), len(b.asks)
}

// Levels copies the current book into a snapshot for symbol.
func (b *OrderBook) Levels(symbol string) OrderBookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return OrderBookSnapshot{
		Symbol:    symbol,
		Bids:      append([]PriceLevel(nil), b.bids...),
		Asks:      append([]PriceLevel(nil), b.asks...),
		UpdateID:  b.updateID,
		Timestamp: b.updatedAt,
	}
}
