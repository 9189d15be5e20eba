package rate

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"oceanflow/internal/metrics"
	"oceanflow/logger"
)

func TestReportRateLimitBreach(t *testing.T) {
	log := logger.GetLogger()
	counter := metrics.RateLimitBreaches.WithLabelValues("orders")
	before := testutil.ToFloat64(counter)

	ReportRateLimitBreach(log, "OceanEx", "orders", 1, 2*time.Second)

	if got := testutil.ToFloat64(counter); got != before+1 {
		t.Fatalf("expected breach counter %v, got %v", before+1, got)
	}
}

func TestReportRateLimitExhausted(t *testing.T) {
	log := logger.GetLogger()
	ReportRateLimitExhausted(log, "oceanex", "orders", 10)
}

func TestReportIPBan(t *testing.T) {
	logger.ResetAppWarnings()
	log := logger.Logger()
	ReportIPBan(log, "OceanEx", "orders", "IP forbidden")
	warnings := logger.AppWarnings()
	if len(warnings) != 1 || warnings[0].Component != "oceanex_rest" {
		t.Fatalf("expected one oceanex_rest warning, got %+v", warnings)
	}
}

func TestDetectLimit(t *testing.T) {
	cases := []struct {
		exchange string
		msg      string
		rate     bool
		ban      bool
	}{
		{"oceanex", "Exceeding request Limit, please try later", true, false},
		{"oceanex", "IP access forbidden", false, true},
		{"oceanex", "Too many requests", false, false},
		{"unknown", "429 Too Many Requests", true, false},
		{"unknown", "hello world", false, false},
	}
	for _, c := range cases {
		rl, ban := detectLimit(c.exchange, c.msg)
		if rl != c.rate || ban != c.ban {
			t.Errorf("%s %q: got (%v,%v) want (%v,%v)", c.exchange, c.msg, rl, ban, c.rate, c.ban)
		}
		if IsLimitMessage(c.exchange, c.msg) != c.rate || IsBanMessage(c.exchange, c.msg) != c.ban {
			t.Errorf("%s %q: exported helpers disagree with detectLimit", c.exchange, c.msg)
		}
	}
}
