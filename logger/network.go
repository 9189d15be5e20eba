package logger

import (
	"sync"
	"time"
)

const maxAppWarnings = 100

// AppWarning is a short operator-facing message raised alongside a
// network error log line.
type AppWarning struct {
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
}

var (
	appWarningsMu sync.Mutex
	appWarnings   []AppWarning
)

// Network logs a network-related failure at error level and records
// appWarning so it can be surfaced to operators. An empty appWarning falls
// back to msg.
func (e *Entry) Network(msg string, appWarning string) {
	if appWarning == "" {
		appWarning = msg
	}
	component, _ := e.Entry.Data["component"].(string)
	recordAppWarning(AppWarning{
		Timestamp: time.Now().UTC(),
		Component: component,
		Message:   appWarning,
	})
	e.WithField("app_warning_msg", appWarning).Error(msg)
}

func recordAppWarning(w AppWarning) {
	appWarningsMu.Lock()
	defer appWarningsMu.Unlock()
	appWarnings = append(appWarnings, w)
	if over := len(appWarnings) - maxAppWarnings; over > 0 {
		appWarnings = append([]AppWarning(nil), appWarnings[over:]...)
	}
}

// AppWarnings returns the recorded warnings, oldest first.
func AppWarnings() []AppWarning {
	appWarningsMu.Lock()
	defer appWarningsMu.Unlock()
	out := make([]AppWarning, len(appWarnings))
	copy(out, appWarnings)
	return out
}

// ResetAppWarnings drops all recorded warnings.
func ResetAppWarnings() {
	appWarningsMu.Lock()
	appWarnings = nil
	appWarningsMu.Unlock()
}
