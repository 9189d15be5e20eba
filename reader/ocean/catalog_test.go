package ocean

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oceanflow/logger"
)

type fakeTickers struct {
	calls   atomic.Int32
	release chan struct{}
	resp    func(call int32) (*Response, error)
}

func (f *fakeTickers) Tickers(ctx context.Context) (*Response, error) {
	n := f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.resp(n)
}

func tickersResponse(t *testing.T, tickers map[string]map[string]string) *Response {
	t.Helper()
	data, err := json.Marshal(tickers)
	require.NoError(t, err)
	return &Response{Code: 0, Data: data}
}

func sampleTickers() map[string]map[string]string {
	return map[string]map[string]string{
		"btcusdt": {"base_unit": "btc", "quote_unit": "usdt", "last": "0", "open": "5", "volume": "200"},
		"ethbtc":  {"base_unit": "eth", "quote_unit": "btc", "last": "0.05", "open": "0.05", "volume": "10"},
		"vetvet":  {"base_unit": "vet", "quote_unit": "xyz", "last": "1", "open": "1", "volume": "3"},
		"idleeth": {"base_unit": "idle", "quote_unit": "eth", "last": "1", "open": "1", "volume": "0"},
	}
}

func TestComputeUSDVolumes(t *testing.T) {
	hook := test.NewLocal(logger.GetLogger().Logger)
	defer hook.Reset()

	var tickers map[string]Ticker
	raw, _ := json.Marshal(sampleTickers())
	require.NoError(t, json.Unmarshal(raw, &tickers))

	markets := ComputeUSDVolumes(tickers, logger.GetLogger().WithComponent("ocean_catalog"))
	require.Len(t, markets, 4)

	assert.True(t, decimal.NewFromInt(200).Equal(markets["btcusdt"].USDVolume))
	assert.True(t, decimal.NewFromInt(50).Equal(markets["ethbtc"].USDVolume))
	assert.True(t, markets["vetvet"].USDVolume.IsZero())
	assert.True(t, markets["idleeth"].USDVolume.IsZero())
	assert.Equal(t, "eth", markets["ethbtc"].BaseAsset)
	assert.Equal(t, "btc", markets["ethbtc"].QuoteAsset)

	var warnings []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings = append(warnings, e.Message)
		}
	}
	assert.Equal(t, []string{"vetvet has no conversion rate"}, warnings)
}

func TestComputeUSDVolumesPassesUSDTVolumeThrough(t *testing.T) {
	markets := ComputeUSDVolumes(map[string]Ticker{
		"btcusdt": {BaseUnit: "btc", QuoteUnit: "usdt", Last: decimal.NewFromInt(100), Volume: decimal.NewFromInt(2)},
		"ethbtc":  {BaseUnit: "eth", QuoteUnit: "btc", Last: decimal.RequireFromString("0.05"), Volume: decimal.NewFromInt(10)},
	}, nil)

	// usdt volume is taken as already in USD; ethbtc converts 10 btc-quoted
	// units at the btcusdt price.
	assert.True(t, decimal.NewFromInt(2).Equal(markets["btcusdt"].USDVolume), markets["btcusdt"].USDVolume.String())
	assert.True(t, decimal.NewFromInt(1000).Equal(markets["ethbtc"].USDVolume), markets["ethbtc"].USDVolume.String())
}

func TestConversionRatesPreferLast(t *testing.T) {
	rates := ConversionRates(map[string]Ticker{
		"btcusdt": {BaseUnit: "btc", QuoteUnit: "usdt", Last: decimal.NewFromInt(7), Open: decimal.NewFromInt(5)},
		"ethusdt": {BaseUnit: "eth", QuoteUnit: "usdt"},
		"ltcbtc":  {BaseUnit: "ltc", QuoteUnit: "btc", Last: decimal.NewFromInt(1)},
	})
	require.Len(t, rates, 1)
	assert.True(t, decimal.NewFromInt(7).Equal(rates["btc"]))
}

func TestActiveMarketsSharesOneFetch(t *testing.T) {
	src := &fakeTickers{release: make(chan struct{})}
	src.resp = func(int32) (*Response, error) { return tickersResponse(t, sampleTickers()), nil }
	c := NewCatalog(testConfig("http://unused"), src)

	const callers = 10
	var wg sync.WaitGroup
	results := make([]int, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := c.ActiveMarkets(context.Background())
			results[i] = len(m)
			errs[i] = err
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(src.release)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, int64(1), c.Fetches())
	for i := 0; i < callers; i++ {
		assert.NoError(t, errs[i])
		assert.Equal(t, 4, results[i])
	}
}

func TestActiveMarketsExpiresAfterTTL(t *testing.T) {
	src := &fakeTickers{}
	src.resp = func(int32) (*Response, error) { return tickersResponse(t, sampleTickers()), nil }
	c := NewCatalog(testConfig("http://unused"), src)
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, err := c.ActiveMarkets(context.Background())
	require.NoError(t, err)
	now = now.Add(29 * time.Minute)
	_, err = c.ActiveMarkets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())

	now = now.Add(2 * time.Minute)
	_, err = c.ActiveMarkets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestActiveMarketsDoesNotCacheFailures(t *testing.T) {
	src := &fakeTickers{}
	src.resp = func(call int32) (*Response, error) {
		if call == 1 {
			return &Response{Code: 1001, Message: "maintenance"}, nil
		}
		return tickersResponse(t, sampleTickers()), nil
	}
	c := NewCatalog(testConfig("http://unused"), src)

	_, err := c.ActiveMarkets(context.Background())
	require.ErrorIs(t, err, ErrMarketDataUnavailable)
	assert.Contains(t, err.Error(), "1001")

	m, err := c.ActiveMarkets(context.Background())
	require.NoError(t, err)
	assert.Len(t, m, 4)
}

func TestActiveMarketsReturnsCopies(t *testing.T) {
	src := &fakeTickers{}
	src.resp = func(int32) (*Response, error) { return tickersResponse(t, sampleTickers()), nil }
	c := NewCatalog(testConfig("http://unused"), src)

	m, err := c.ActiveMarkets(context.Background())
	require.NoError(t, err)
	delete(m, "btcusdt")

	again, err := c.ActiveMarkets(context.Background())
	require.NoError(t, err)
	assert.Contains(t, again, "btcusdt")
}

func TestSymbols(t *testing.T) {
	src := &fakeTickers{}
	src.resp = func(int32) (*Response, error) { return tickersResponse(t, sampleTickers()), nil }
	c := NewCatalog(testConfig("http://unused"), src)

	syms, err := c.Symbols(context.Background(), []string{" ETHBTC", "btcusdt", "ethbtc", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"btcusdt", "ethbtc"}, syms)
	assert.Equal(t, int32(0), src.calls.Load())

	syms, err = c.Symbols(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"btcusdt", "ethbtc", "idleeth", "vetvet"}, syms)
}

func TestSymbolsRecordsAppWarningOnFailure(t *testing.T) {
	logger.ResetAppWarnings()
	src := &fakeTickers{}
	src.resp = func(int32) (*Response, error) { return &Response{Code: 5}, nil }
	c := NewCatalog(testConfig("http://unused"), src)

	_, err := c.Symbols(context.Background(), nil)
	require.Error(t, err)
	warnings := logger.AppWarnings()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "Error getting active exchange information.")
}
