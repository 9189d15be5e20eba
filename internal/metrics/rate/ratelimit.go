package rate

import (
	"fmt"
	"strings"
	"time"

	"oceanflow/internal/metrics"
	"oceanflow/logger"
)

// ReportRateLimitBreach records one breached response on endpoint and the
// wait chosen before the next attempt.
func ReportRateLimitBreach(log *logger.Log, exchange, endpoint string, attempt int, wait time.Duration) {
	component := fmt.Sprintf("%s_rest", strings.ToLower(exchange))
	l := log.WithComponent(component)
	fields := logger.Fields{
		"exchange": strings.ToLower(exchange),
		"endpoint": endpoint,
		"attempt":  attempt,
		"wait":     wait.String(),
	}
	metrics.IncrementRateLimitBreach(endpoint)
	l.LogMetric(component, "rate_limit_breach", int64(1), "counter", logger.Fields{
		"exchange": strings.ToLower(exchange),
		"endpoint": endpoint,
	})
	l.WithFields(fields).Warn("rate limit breached, backing off")
}

// ReportRateLimitExhausted records that a request gave up after attempts
// breached responses.
func ReportRateLimitExhausted(log *logger.Log, exchange, endpoint string, attempts int) {
	component := fmt.Sprintf("%s_rest", strings.ToLower(exchange))
	l := log.WithComponent(component)
	l.LogMetric(component, "rate_limit_exhausted", int64(1), "counter", logger.Fields{
		"exchange": strings.ToLower(exchange),
		"endpoint": endpoint,
	})
	l.WithFields(logger.Fields{
		"exchange": strings.ToLower(exchange),
		"endpoint": endpoint,
		"attempts": attempts,
	}).Error("rate limit backoff exhausted")
}

// ReportIPBan records that exchange refused endpoint because of the caller's
// IP address. Backing off does not help, so it is raised as an operator warning.
func ReportIPBan(log *logger.Log, exchange, endpoint, msg string) {
	component := fmt.Sprintf("%s_rest", strings.ToLower(exchange))
	l := log.WithComponent(component)
	l.LogMetric(component, "ip_ban", int64(1), "counter", logger.Fields{
		"exchange": strings.ToLower(exchange),
		"endpoint": endpoint,
	})
	l.WithFields(logger.Fields{"endpoint": endpoint, "message": msg}).
		Network("exchange refused request from this IP", "Exchange rejected requests from this IP address.")
}

// detectLimit inspects an exchange message and reports whether it signals a
// rate limit or an IP ban. Wording differs per exchange.
func detectLimit(exchange, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(exchange) {
	case "oceanex":
		rateLimit = strings.Contains(lowerMsg, "exceeding request limit")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "forbidden")
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// IsLimitMessage reports whether msg is exchange's wording for a request
// limit breach.
func IsLimitMessage(exchange, msg string) bool {
	rateLimit, _ := detectLimit(exchange, msg)
	return rateLimit
}

// IsBanMessage reports whether msg is exchange's wording for an IP ban.
func IsBanMessage(exchange, msg string) bool {
	_, ipBan := detectLimit(exchange, msg)
	return ipBan
}
