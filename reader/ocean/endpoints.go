package ocean

import (
	"context"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"
)

// DefaultBookLimit is the depth the exchange returns when none is given.
const DefaultBookLimit = 300

// Markets lists tradable markets.
func (c *Client) Markets(ctx context.Context) (*Response, error) {
	return c.Get(ctx, "markets", nil)
}

// MarketsDetails lists markets with precision and fee details.
func (c *Client) MarketsDetails(ctx context.Context) (*Response, error) {
	return c.Get(ctx, "markets", url.Values{"show_details": {"true"}})
}

// Tickers returns every ticker keyed by market symbol.
func (c *Client) Tickers(ctx context.Context) (*Response, error) {
	return c.Get(ctx, "tickers", nil)
}

func (c *Client) Ticker(ctx context.Context, symbol string) (*Response, error) {
	return c.Get(ctx, "tickers/"+url.PathEscape(symbol), nil)
}

func (c *Client) TickersMulti(ctx context.Context, symbols []string) (*Response, error) {
	return c.Post(ctx, "tickers_multi", url.Values{"markets[]": symbols})
}

// OrderBook fetches up to limit levels per side; limit <= 0 means
// DefaultBookLimit.
func (c *Client) OrderBook(ctx context.Context, symbol string, limit int) (*Response, error) {
	if limit <= 0 {
		limit = DefaultBookLimit
	}
	return c.Get(ctx, "order_book", url.Values{
		"market": {symbol},
		"limit":  {strconv.Itoa(limit)},
	})
}

func (c *Client) OrderBooksMulti(ctx context.Context, symbols []string, limit int) (*Response, error) {
	if limit <= 0 {
		limit = DefaultBookLimit
	}
	return c.Post(ctx, "order_book/multi", url.Values{
		"markets[]": symbols,
		"limit":     {strconv.Itoa(limit)},
	})
}

// TradesQuery filters public trades. Zero fields are omitted.
type TradesQuery struct {
	Market string
	Limit  int
	Start  int64
}

func (q TradesQuery) values() url.Values {
	v := url.Values{"market": {q.Market}}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Start > 0 {
		v.Set("start", strconv.FormatInt(q.Start, 10))
	}
	return v
}

func (c *Client) Trades(ctx context.Context, q TradesQuery) (*Response, error) {
	return c.Get(ctx, "trades", q.values())
}

// KlineQuery selects candles. Period is in minutes.
type KlineQuery struct {
	Market    string
	Period    int
	Timestamp int64
	Limit     int
}

func (q KlineQuery) values() url.Values {
	v := url.Values{"market": {q.Market}}
	if q.Period > 0 {
		v.Set("period", strconv.Itoa(q.Period))
	}
	if q.Timestamp > 0 {
		v.Set("timestamp", strconv.FormatInt(q.Timestamp, 10))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

func (c *Client) Kline(ctx context.Context, q KlineQuery) (*Response, error) {
	return c.Get(ctx, "k", q.values())
}

func (c *Client) TradingFees(ctx context.Context) (*Response, error) {
	return c.Get(ctx, "fees/trading", nil)
}

func (c *Client) ServerTime(ctx context.Context) (*Response, error) {
	return c.Get(ctx, "timestamp", nil)
}

// Key returns the API key bound to the configured uid.
func (c *Client) Key(ctx context.Context) (*Response, error) {
	return c.GetPrivate(ctx, "key", nil)
}

func (c *Client) AccountInfo(ctx context.Context) (*Response, error) {
	return c.GetPrivate(ctx, "members/me", nil)
}

// OrderRequest is one order to place. A zero Price is left out, which is
// what market orders expect.
type OrderRequest struct {
	Market  string
	Side    string
	Volume  decimal.Decimal
	Price   decimal.Decimal
	OrdType string
}

func (o OrderRequest) data() map[string]interface{} {
	d := map[string]interface{}{
		"side":   o.Side,
		"volume": o.Volume.String(),
	}
	if o.Market != "" {
		d["market"] = o.Market
	}
	if !o.Price.IsZero() {
		d["price"] = o.Price.String()
	}
	if o.OrdType != "" {
		d["ord_type"] = o.OrdType
	}
	return d
}

func (c *Client) CreateOrder(ctx context.Context, order OrderRequest) (*Response, error) {
	return c.PostPrivate(ctx, "orders", order.data())
}

// CreateOrders places several orders on a single market.
func (c *Client) CreateOrders(ctx context.Context, market string, orders []OrderRequest) (*Response, error) {
	list := make([]map[string]interface{}, 0, len(orders))
	for _, o := range orders {
		o.Market = ""
		list = append(list, o.data())
	}
	return c.PostPrivate(ctx, "orders/multi", map[string]interface{}{
		"market": market,
		"orders": list,
	})
}

func (c *Client) OrderStatus(ctx context.Context, ids []int64) (*Response, error) {
	return c.GetPrivate(ctx, "orders", map[string]interface{}{"ids": ids})
}

// OrderStatusFiltered queries orders by arbitrary filter fields such as
// market, states or limit.
func (c *Client) OrderStatusFiltered(ctx context.Context, filter map[string]interface{}) (*Response, error) {
	return c.GetPrivate(ctx, "orders/filter", filter)
}

func (c *Client) CancelOrder(ctx context.Context, id int64) (*Response, error) {
	return c.PostPrivate(ctx, "order/delete", map[string]interface{}{"id": id})
}

func (c *Client) CancelOrders(ctx context.Context, ids []int64) (*Response, error) {
	return c.PostPrivate(ctx, "order/delete/multi", map[string]interface{}{"ids": ids})
}

func (c *Client) CancelAllOrders(ctx context.Context) (*Response, error) {
	return c.PostPrivate(ctx, "orders/clear", nil)
}
