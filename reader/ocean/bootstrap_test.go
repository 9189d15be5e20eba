package ocean

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oceanflow/models"
)

type fakeBooks struct {
	mu     sync.Mutex
	calls  []string
	limits []int
	books  map[string]string
	errs   map[string]error
}

func (f *fakeBooks) OrderBook(ctx context.Context, symbol string, limit int) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, symbol)
	f.limits = append(f.limits, limit)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := f.errs[symbol]; ok {
		return nil, err
	}
	body, ok := f.books[symbol]
	if !ok {
		return &Response{Code: 1, Message: "market not found"}, nil
	}
	return &Response{Code: 0, Data: []byte(body)}, nil
}

const btcBook = `{"timestamp":1559551431,"asks":[["8001.5","0.2"],["8000","1"]],"bids":[["7999","0.5"],["7998.5","2"]]}`

func TestBootstrapSkipsFailedMarkets(t *testing.T) {
	src := &fakeBooks{
		books: map[string]string{
			"btcusdt": btcBook,
			"ethusdt": `{"timestamp":1559551432,"asks":[["250","1"]],"bids":[]}`,
		},
		errs: map[string]error{"ltcusdt": &TransportError{URL: "x", Status: 502}},
	}
	rec := &sleepRecorder{}
	b := NewBootstrapper(testConfig("http://unused"), src)
	b.sleep = rec.sleep

	entries, err := b.Bootstrap(context.Background(), []string{"btcusdt", "ltcusdt", "ethusdt"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.NotContains(t, entries, "ltcusdt")

	assert.Equal(t, []string{"btcusdt", "ltcusdt", "ethusdt"}, src.calls)
	assert.Equal(t, []int{2, 2, 2}, src.limits)
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, rec.recorded())

	btc := entries["btcusdt"]
	assert.Equal(t, "btcusdt", btc.Symbol)
	assert.Equal(t, time.Unix(1559551431, 0).UTC(), btc.Timestamp)

	book, ok := btc.Book.(*models.OrderBook)
	require.True(t, ok)
	bid, ok := book.BestBid()
	require.True(t, ok)
	assert.Equal(t, "7999", bid.Price.String())
	ask, ok := book.BestAsk()
	require.True(t, ok)
	assert.Equal(t, "8000", ask.Price.String())
	assert.Equal(t, int64(1559551431000), book.UpdateID())
}

func TestBootstrapNonZeroCodeIsSkipped(t *testing.T) {
	src := &fakeBooks{books: map[string]string{"btcusdt": btcBook}}
	b := NewBootstrapper(testConfig("http://unused"), src)
	b.sleep = (&sleepRecorder{}).sleep

	entries, err := b.Bootstrap(context.Background(), []string{"nosuch", "btcusdt"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestBootstrapUsesBookFactory(t *testing.T) {
	src := &fakeBooks{books: map[string]string{"btcusdt": btcBook}}
	b := NewBootstrapper(testConfig("http://unused"), src)
	b.sleep = (&sleepRecorder{}).sleep
	rejecting := &rejectingBook{}
	b.newBook = func() models.BookSink { return rejecting }

	entries, err := b.Bootstrap(context.Background(), []string{"btcusdt"})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 1, rejecting.calls)
}

type rejectingBook struct{ calls int }

func (r *rejectingBook) ApplySnapshot(_, _ []models.PriceLevel, _ int64) error {
	r.calls++
	return errors.New("rejected")
}

func TestBootstrapStopsOnCancel(t *testing.T) {
	src := &fakeBooks{books: map[string]string{"btcusdt": btcBook, "ethusdt": btcBook}}
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBootstrapper(testConfig("http://unused"), src)
	b.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	entries, err := b.Bootstrap(ctx, []string{"btcusdt", "ethusdt"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, entries, 1)
	assert.Equal(t, []string{"btcusdt"}, src.calls)
}
