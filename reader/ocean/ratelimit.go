package ocean

import (
	"encoding/json"

	ratemetrics "oceanflow/internal/metrics/rate"
	"oceanflow/logger"
)

const (
	breachResponseCode = -2
	breachErrorCode    = 2002
)

type breachMessage struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// IsRateLimitBreached reports whether resp is the OceanEx request limit
// sentinel: code -2 with a JSON message whose error code is 2002.
func IsRateLimitBreached(resp *Response) bool {
	if resp == nil || resp.Code != breachResponseCode {
		return false
	}
	var msg breachMessage
	if err := json.Unmarshal([]byte(resp.Message), &msg); err != nil {
		logger.GetLogger().WithComponent("ocean_rest").WithError(err).
			WithField("message", resp.Message).
			Warn("failed to decode rate limit message")
		return false
	}
	if msg.Error == nil || msg.Error.Code != breachErrorCode {
		return false
	}
	return ratemetrics.IsLimitMessage(exchangeName, msg.Error.Message)
}
