package ocean

import (
	"context"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

var (
	// ErrNoAuthorization is returned before any network call when a private
	// endpoint is used without credentials.
	ErrNoAuthorization = errors.New("no authorization info for private api")
	// ErrRateLimitExhausted means every attempt of a POST was answered with the
	// rate limit sentinel.
	ErrRateLimitExhausted = errors.New("exhausted attempts to overcome rate limit")
	// ErrMarketDataUnavailable wraps a non-zero exchange status code.
	ErrMarketDataUnavailable = errors.New("market data unavailable")
	// ErrProtocolTimeout is a websocket session that stayed silent through
	// the idle timeout and the ping timeout.
	ErrProtocolTimeout = errors.New("websocket ping timed out")
	// ErrConnectionTerminated wraps the read error of a closed session.
	ErrConnectionTerminated = errors.New("websocket connection terminated")
	// ErrInvalidEndpoint is a configured URL no retry can fix.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
)

// TransportError is a request that failed below the exchange protocol:
// a network error (Status 0) or an unexpected HTTP status.
type TransportError struct {
	URL       string
	Status    int
	Body      string
	DecodeErr error
	Err       error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("error fetching %s, status=%d", e.URL, e.Status)
	switch {
	case e.Err != nil:
		return msg + ", " + e.Err.Error()
	case e.DecodeErr != nil:
		return msg + ", failed to decode body: " + e.DecodeErr.Error()
	default:
		return msg + ", body = " + e.Body
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Action tells a long-running loop what to do with an error.
type Action int

const (
	// Retry after the loop's fixed delay.
	Retry Action = iota
	// Propagate to the caller unchanged; covers cancellation and errors the
	// caller has to correct.
	Propagate
	// Fatal stops the loop; retrying cannot succeed.
	Fatal
)

func (a Action) String() string {
	switch a {
	case Retry:
		return "retry"
	case Propagate:
		return "propagate"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Classify maps err onto an Action. A nil error is a Retry: the session ended
// without a reason and the loop simply starts another one. Deadline errors
// are Retry too, since net timeouts match context.DeadlineExceeded; callers
// check their own context before classifying.
func Classify(err error) Action {
	switch {
	case err == nil:
		return Retry
	case errors.Is(err, context.Canceled):
		return Propagate
	case errors.Is(err, ErrNoAuthorization), errors.Is(err, ErrRateLimitExhausted):
		return Propagate
	case errors.Is(err, ErrInvalidEndpoint):
		return Fatal
	default:
		return Retry
	}
}

func terminated(err error) error {
	return fmt.Errorf("%w: %w", ErrConnectionTerminated, err)
}

// isCleanClose reports whether err carries a normal or going-away close frame.
func isCleanClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
}

func reconnectReason(err error) string {
	switch {
	case errors.Is(err, ErrProtocolTimeout):
		return "timeout"
	case isCleanClose(err):
		return "closed"
	case errors.Is(err, ErrConnectionTerminated):
		return "terminated"
	default:
		return "error"
	}
}
