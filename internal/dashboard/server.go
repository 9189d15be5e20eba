package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"oceanflow/config"
	"oceanflow/internal/metrics"
	"oceanflow/logger"
	"oceanflow/models"
)

// BookState is the read side of the order book tracker.
type BookState interface {
	Symbols() []string
	Book(symbol string) (models.OrderBookSnapshot, bool)
	LastTrade(symbol string) (models.Trade, bool)
}

// MarketSource serves the cached market catalog.
type MarketSource interface {
	ActiveMarkets(ctx context.Context) (map[string]models.Market, error)
}

// Server exposes tracker state, recent warnings and Prometheus metrics over
// HTTP.
type Server struct {
	cfg             config.DashboardConfig
	log             *logger.Log
	books           BookState
	markets         MarketSource
	logStore        *logStore
	resourceSampler *resourceSampler
	httpServer      *http.Server
	started         time.Time
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, log *logger.Log, books BookState, markets MarketSource) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if books == nil {
		return nil, errors.New("dashboard needs a book state")
	}

	cfg.Address = normalizeAddress(cfg.Address)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:             cfg,
		log:             log,
		books:           books,
		markets:         markets,
		logStore:        logStore,
		resourceSampler: newResourceSampler(cfg.LogHistory, cfg.SampleInterval, log),
		started:         time.Now(),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}
	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("starting status server")
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	s.logStore.close()
	s.resourceSampler.stop()
}

// Address reports the address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"app":     appName,
			"status":  "ok",
			"uptime":  time.Since(s.started).Round(time.Second).String(),
			"markets": len(s.books.Symbols()),
		})
	})

	router.GET("/api/markets", s.handleMarkets)
	router.GET("/api/books/:symbol", s.handleBook)
	router.GET("/api/trades/:symbol", s.handleTrade)

	router.GET("/api/warnings", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"warnings": logger.AppWarnings()})
	})
	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
	})
	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	return router, nil
}

type marketView struct {
	models.Market
	Tracked bool `json:"tracked"`
}

func (s *Server) handleMarkets(c *gin.Context) {
	tracked := make(map[string]bool)
	for _, sym := range s.books.Symbols() {
		tracked[sym] = true
	}
	if s.markets == nil {
		c.JSON(http.StatusOK, gin.H{"markets": []marketView{}})
		return
	}

	markets, err := s.markets.ActiveMarkets(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	out := make([]marketView, 0, len(markets))
	for sym, m := range markets {
		out = append(out, marketView{Market: m, Tracked: tracked[sym]})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].USDVolume.Equal(out[j].USDVolume) {
			return out[i].USDVolume.GreaterThan(out[j].USDVolume)
		}
		return out[i].Symbol < out[j].Symbol
	})
	c.JSON(http.StatusOK, gin.H{"markets": out})
}

func (s *Server) handleBook(c *gin.Context) {
	symbol := strings.ToLower(c.Param("symbol"))
	book, ok := s.books.Book(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown market " + symbol})
		return
	}
	c.JSON(http.StatusOK, book)
}

func (s *Server) handleTrade(c *gin.Context) {
	symbol := strings.ToLower(c.Param("symbol"))
	trade, ok := s.books.LastTrade(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no trades for " + symbol})
		return
	}
	c.JSON(http.StatusOK, trade)
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
