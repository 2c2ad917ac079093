package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCError(t *testing.T) {
	tests := map[string]struct {
		call    func(c *HTTPClient, url string) (*Task, error)
		rpc     JSONRPCError
		method  string
		wantMsg string
	}{
		"invalid params with data": {
			call: func(c *HTTPClient, url string) (*Task, error) {
				return c.SendMessage(context.Background(), url, SendMessageRequest{})
			},
			rpc:     JSONRPCError{Code: ErrCodeInvalidParams, Message: "message is required", Data: json.RawMessage(`{"field":"message"}`)},
			method:  MethodSendMessage,
			wantMsg: `rpc error -32602: message is required (data: {"field":"message"})`,
		},
		"unknown task": {
			call: func(c *HTTPClient, url string) (*Task, error) {
				return c.GetTask(context.Background(), url, GetTaskRequest{ID: "gone"})
			},
			rpc:     JSONRPCError{Code: ErrCodeTaskNotFound, Message: "no task gone"},
			method:  MethodGetTask,
			wantMsg: "no task gone",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ts := httptest.NewServer(rpcHandler(t, func(req JSONRPCRequest) JSONRPCResponse {
				rpc := tc.rpc
				return JSONRPCResponse{JSONRPC: JSONRPCVersion, ID: req.ID, Error: &rpc}
			}))
			defer ts.Close()

			task, err := tc.call(NewHTTPClient(), ts.URL)
			require.Error(t, err)
			assert.Nil(t, task)
			assert.Contains(t, err.Error(), tc.wantMsg)

			var rpcErr *RPCError
			require.ErrorAs(t, err, &rpcErr)
			assert.Equal(t, tc.method, rpcErr.Method)
			assert.Equal(t, tc.rpc.Code, rpcErr.Code)
		})
	}
}

func TestHTTPError(t *testing.T) {
	tests := map[string]struct {
		status        int
		retryAfter    string
		body          string
		temporary     bool
		wantRetryWait time.Duration
	}{
		"server error": {
			status:    http.StatusInternalServerError,
			body:      "boom\n",
			temporary: true,
		},
		"rate limited": {
			status:        http.StatusTooManyRequests,
			retryAfter:    "7",
			body:          "slow down",
			temporary:     true,
			wantRetryWait: 7 * time.Second,
		},
		"client error": {
			status: http.StatusBadRequest,
			body:   "malformed",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tc.retryAfter != "" {
					w.Header().Set("Retry-After", tc.retryAfter)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer ts.Close()

			_, err := NewHTTPClient().SendMessage(context.Background(), ts.URL, stageMessage("x"))
			require.Error(t, err)

			var httpErr *HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, tc.status, httpErr.StatusCode)
			assert.Equal(t, MethodSendMessage, httpErr.Method)
			assert.Equal(t, tc.temporary, httpErr.Temporary())
			assert.Equal(t, tc.wantRetryWait, httpErr.RetryAfter)

			var rpcErr *RPCError
			assert.False(t, errors.As(err, &rpcErr))
		})
	}
}

func TestHTTPError_TrimsBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("  no agent here \n"))
	}))
	defer ts.Close()

	_, err := NewHTTPClient().DiscoverAgent(context.Background(), ts.URL)
	require.Error(t, err)
	assert.Equal(t, "a2a: discover agent: HTTP 404: no agent here", err.Error())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	tests := map[string]struct {
		in   string
		want time.Duration
	}{
		"blank":         {in: "  ", want: 0},
		"delay seconds": {in: "120", want: 2 * time.Minute},
		"negative":      {in: "-5", want: 0},
		"future date":   {in: now.Add(90 * time.Second).Format(http.TimeFormat), want: 90 * time.Second},
		"past date":     {in: now.Add(-time.Minute).Format(http.TimeFormat), want: 0},
		"garbage":       {in: "soon", want: 0},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ParseRetryAfter(tc.in, now))
		})
	}
}
