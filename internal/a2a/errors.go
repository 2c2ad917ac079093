package a2a

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxErrorBody = 2048

// RPCError is a JSON-RPC error object returned by the agent.
type RPCError struct {
	Method  string
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	msg := fmt.Sprintf("a2a: %s: rpc error %d: %s", e.Method, e.Code, e.Message)
	if len(e.Data) > 0 {
		msg += " (data: " + string(e.Data) + ")"
	}
	return msg
}

// HTTPError is a non-200 response. RetryAfter is the parsed Retry-After
// header, zero when absent.
type HTTPError struct {
	Method     string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("a2a: %s: HTTP %d: %s", e.Method, e.StatusCode, e.Body)
}

// Temporary reports whether the same request may succeed later.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func newHTTPError(method string, resp *http.Response) *HTTPError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPError{
		Method:     method,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// ParseRetryAfter accepts delay-seconds or an HTTP date. Anything
// unparseable, negative or in the past is zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return max(time.Duration(secs)*time.Second, 0)
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return 0
	}
	return max(t.Sub(now), 0)
}
