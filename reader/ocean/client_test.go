package ocean

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"oceanflow/config"
	"oceanflow/logger"
)

func testConfig(restURL string) *config.Config {
	cfg := config.Default()
	cfg.Exchange.RESTURL = restURL
	cfg.Exchange.WebsocketURL = "ws://127.0.0.1:1/app"
	cfg.Reader.RateLimit.RequestsPerSecond = 10000
	cfg.Reader.RateLimit.BurstSize = 1000
	cfg.Reader.Timeout = 5 * time.Second
	return &cfg
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.sleeps...)
}

func breachBody(t *testing.T) []byte {
	t.Helper()
	inner, err := json.Marshal(map[string]interface{}{
		"error": map[string]interface{}{"code": 2002, "message": "Exceeding request Limit"},
	})
	require.NoError(t, err)
	body, err := json.Marshal(map[string]interface{}{"code": -2, "message": string(inner)})
	require.NoError(t, err)
	return body
}

func writeKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path, key
}

func TestGetRejectsNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/created":
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"code":0}`))
		case "/broken":
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`<html>bad gateway</html>`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"code":500,"message":"boom"}`))
		}
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Get(context.Background(), "created", nil)
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusCreated, te.Status)

	_, err = c.Get(context.Background(), "tickers", nil)
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusInternalServerError, te.Status)
	assert.Equal(t, srv.URL+"/tickers", te.URL)
	assert.Contains(t, te.Body, "boom")

	_, err = c.Get(context.Background(), "broken", nil)
	require.True(t, errors.As(err, &te))
	assert.Empty(t, te.Body)
	assert.Error(t, te.DecodeErr)
	assert.Contains(t, te.Error(), "failed to decode body")
}

func TestPostAcceptsCreated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"code":0,"message":"ok","data":{"id":7}}`))
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL))
	require.NoError(t, err)

	resp, err := c.Post(context.Background(), "tickers_multi", nil)
	require.NoError(t, err)
	var data struct {
		ID int `json:"id"`
	}
	require.NoError(t, resp.Decode(&data))
	assert.Equal(t, 7, data.ID)
}

func TestPostBacksOffWhileBreached(t *testing.T) {
	var hits atomic.Int32
	breach := breachBody(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 3 {
			w.Write(breach)
			return
		}
		w.Write([]byte(`{"code":0,"data":[]}`))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	c, err := NewClient(testConfig(srv.URL), WithSleep(rec.sleep))
	require.NoError(t, err)

	resp, err := c.Post(context.Background(), "order_book/multi", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Code)
	assert.Equal(t, int32(4), hits.Load())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, rec.recorded())
	assert.Equal(t, int64(3), c.Breaches())
}

func TestPostGivesUpAfterMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	breach := breachBody(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(breach)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	c, err := NewClient(testConfig(srv.URL), WithSleep(rec.sleep))
	require.NoError(t, err)

	_, err = c.Post(context.Background(), "orders", nil)
	require.ErrorIs(t, err, ErrRateLimitExhausted)
	assert.Contains(t, err.Error(), srv.URL+"/orders")
	assert.Equal(t, int32(10), hits.Load())

	var want []time.Duration
	for d := 2 * time.Second; len(want) < 9; d *= 2 {
		want = append(want, d)
	}
	assert.Equal(t, want, rec.recorded())
	assert.Equal(t, Propagate, Classify(err))
}

func TestPostBackoffStateIsPerCall(t *testing.T) {
	var hits atomic.Int32
	breach := breachBody(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1)%2 == 1 {
			w.Write(breach)
			return
		}
		w.Write([]byte(`{"code":0}`))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	c, err := NewClient(testConfig(srv.URL), WithSleep(rec.sleep))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := c.Post(context.Background(), "orders", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, rec.recorded())
}

func TestGetIsNeverRetried(t *testing.T) {
	var hits atomic.Int32
	breach := breachBody(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(breach)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	c, err := NewClient(testConfig(srv.URL), WithSleep(rec.sleep))
	require.NoError(t, err)

	resp, err := c.Get(context.Background(), "tickers", nil)
	require.NoError(t, err)
	assert.Equal(t, -2, resp.Code)
	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, rec.recorded())
}

func TestLimiterGatesRequests(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"code":0,"message":"ok","data":[]}`))
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL), WithLimiter(rate.NewLimiter(0, 0)))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Get(context.Background(), "tickers", nil)
	require.Error(t, err)
	assert.Equal(t, int32(0), hits.Load(), "a request over budget must not reach the exchange")
}

func TestIPBanRaisesWarning(t *testing.T) {
	logger.ResetAppWarnings()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":-1,"message":"Your IP is forbidden"}`))
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL))
	require.NoError(t, err)

	resp, err := c.Get(context.Background(), "tickers", nil)
	require.NoError(t, err)
	assert.Equal(t, -1, resp.Code)

	warnings := logger.AppWarnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, "oceanex_rest", warnings[0].Component)
}

func TestCustomBreachDetector(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"code":429}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Reader.Retry.MaxAttempts = 3
	rec := &sleepRecorder{}
	c, err := NewClient(cfg,
		WithSleep(rec.sleep),
		WithBreachDetector(func(r *Response) bool { return r.Code == 429 }),
	)
	require.NoError(t, err)

	_, err = c.Post(context.Background(), "orders", nil)
	require.ErrorIs(t, err, ErrRateLimitExhausted)
	assert.Equal(t, int32(3), hits.Load())
}

func TestPostStopsOnCancelledSleep(t *testing.T) {
	breach := breachBody(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(breach)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c, err := NewClient(testConfig(srv.URL), WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	require.NoError(t, err)

	_, err = c.Post(ctx, "orders", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPrivateCallsWithoutCredentials(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL))
	require.NoError(t, err)
	assert.False(t, c.Authorized())

	_, err = c.AccountInfo(context.Background())
	assert.ErrorIs(t, err, ErrNoAuthorization)
	_, err = c.CancelAllOrders(context.Background())
	assert.ErrorIs(t, err, ErrNoAuthorization)
	_, err = c.CreateOrder(context.Background(), OrderRequest{Market: "btcusdt", Side: "buy"})
	assert.ErrorIs(t, err, ErrNoAuthorization)

	assert.Equal(t, int32(0), hits.Load())
}

func TestPrivatePostIsSigned(t *testing.T) {
	keyPath, key := writeKey(t)

	tokens := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		tokens <- r.PostForm.Get("user_jwt")
		w.Write([]byte(`{"code":0}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Exchange.UID = "ID123"
	cfg.Exchange.PrivateKeyFile = keyPath
	c, err := NewClient(cfg)
	require.NoError(t, err)
	require.True(t, c.Authorized())

	_, err = c.CancelOrder(context.Background(), 42)
	require.NoError(t, err)

	raw := <-tokens
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	assert.Equal(t, "ID123", claims["uid"])
	data, ok := claims["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(42), data["id"])
}

func TestPrivateGetCarriesTokenInQuery(t *testing.T) {
	queries := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.Query().Get("user_jwt")
		w.Write([]byte(`{"code":0}`))
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL), WithSigner(SignerFunc(func(data map[string]interface{}) (string, error) {
		return "signed-token", nil
	})))
	require.NoError(t, err)

	_, err = c.Key(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "signed-token", <-queries)
}

func TestNewClientBadKeyFile(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Exchange.UID = "ID123"
	cfg.Exchange.PrivateKeyFile = filepath.Join(t.TempDir(), "missing.pem")
	_, err := NewClient(cfg)
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a key"), 0o600))
	cfg.Exchange.PrivateKeyFile = bad
	_, err = NewClient(cfg)
	assert.Error(t, err)
}

func TestOrderBookQuery(t *testing.T) {
	queries := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/order_book", r.URL.Path)
		queries <- map[string]string{"market": r.URL.Query().Get("market"), "limit": r.URL.Query().Get("limit")}
		w.Write([]byte(`{"code":0,"data":{}}`))
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL + "/"))
	require.NoError(t, err)
	_, err = c.OrderBook(context.Background(), "btcusdt", 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"market": "btcusdt", "limit": "300"}, <-queries)
}

func TestNetworkFailureIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	c, err := NewClient(testConfig(addr))
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "tickers", nil)
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 0, te.Status)
	assert.Error(t, te.Unwrap())
	assert.Equal(t, Retry, Classify(err))
}

func TestIsRateLimitBreached(t *testing.T) {
	msg := func(code int, text string) string {
		b, _ := json.Marshal(map[string]interface{}{"error": map[string]interface{}{"code": code, "message": text}})
		return string(b)
	}
	cases := map[string]struct {
		resp *Response
		want bool
	}{
		"sentinel":         {&Response{Code: -2, Message: msg(2002, "Exceeding request Limit")}, true},
		"other error code": {&Response{Code: -2, Message: msg(2003, "Exceeding request Limit")}, false},
		"other text":       {&Response{Code: -2, Message: msg(2002, "something else")}, false},
		"success":          {&Response{Code: 0}, false},
		"plain message":    {&Response{Code: -2, Message: "not json"}, false},
		"nil":              {nil, false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRateLimitBreached(tc.resp))
		})
	}
}

func TestUndecodableBreachMessageIsWarned(t *testing.T) {
	hook := test.NewLocal(logger.GetLogger().Logger)
	defer hook.Reset()

	assert.False(t, IsRateLimitBreached(&Response{Code: -2, Message: "Exceeding request Limit"}))
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "failed to decode rate limit message", entry.Message)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Propagate, Classify(context.Canceled))
	assert.Equal(t, Retry, Classify(context.DeadlineExceeded))
	assert.Equal(t, Retry, Classify(fmt.Errorf("dial websocket: %w", &net.OpError{Op: "dial", Net: "tcp", Err: os.ErrDeadlineExceeded})))
	assert.Equal(t, Propagate, Classify(ErrNoAuthorization))
	assert.Equal(t, Fatal, Classify(ErrInvalidEndpoint))
	assert.Equal(t, Retry, Classify(ErrProtocolTimeout))
	assert.Equal(t, Retry, Classify(terminated(errors.New("eof"))))
	assert.Equal(t, Retry, Classify(&TransportError{URL: "x", Status: 500}))
	assert.Equal(t, "fatal", Fatal.String())
}
