package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
)

var _ Client = (*HTTPClient)(nil)

// HTTPClient speaks JSON-RPC 2.0 over HTTP POST.
type HTTPClient struct {
	http    *http.Client
	headers http.Header
	seq     atomic.Int64
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout bounds each HTTP round trip.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) { c.http.Timeout = d }
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithHeader sets a header on every request, typically Authorization.
func WithHeader(key, value string) ClientOption {
	return func(c *HTTPClient) { c.headers.Set(key, value) }
}

// NewHTTPClient returns a client with a 30s round-trip timeout.
func NewHTTPClient(opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		http:    &http.Client{Timeout: 30 * time.Second},
		headers: make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) SendMessage(ctx context.Context, endpoint string, req SendMessageRequest) (*Task, error) {
	return call[Task](ctx, c, endpoint, MethodSendMessage, req)
}

func (c *HTTPClient) GetTask(ctx context.Context, endpoint string, req GetTaskRequest) (*Task, error) {
	return call[Task](ctx, c, endpoint, MethodGetTask, req)
}

func (c *HTTPClient) CancelTask(ctx context.Context, endpoint string, req CancelTaskRequest) (*Task, error) {
	return call[Task](ctx, c, endpoint, MethodCancelTask, req)
}

// DiscoverAgent reads the agent card. It is a plain GET, not JSON-RPC.
func (c *HTTPClient) DiscoverAgent(ctx context.Context, baseURL string) (*AgentCard, error) {
	url := strings.TrimRight(baseURL, "/") + "/.well-known/agent-card.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "a2a: build agent card request")
	}

	body, err := c.do(req, "discover agent")
	if err != nil {
		return nil, err
	}
	var card AgentCard
	if err := json.Unmarshal(body, &card); err != nil {
		return nil, eris.Wrap(err, "a2a: decode agent card")
	}
	return &card, nil
}

// call posts one JSON-RPC request and decodes its result into a T.
func call[T any](ctx context.Context, c *HTTPClient, endpoint, method string, params any) (*T, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, eris.Wrapf(err, "a2a: %s: encode params", method)
	}
	envelope, err := json.Marshal(JSONRPCRequest{
		JSONRPC: JSONRPCVersion,
		ID:      c.seq.Add(1),
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "a2a: %s: encode request", method)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(envelope))
	if err != nil {
		return nil, eris.Wrapf(err, "a2a: %s: build request", method)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req, method)
	if err != nil {
		return nil, err
	}

	var resp JSONRPCResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrapf(err, "a2a: %s: decode response", method)
	}
	if resp.Error != nil {
		return nil, &RPCError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}
	}

	out := new(T)
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return nil, eris.Wrapf(err, "a2a: %s: decode result", method)
		}
	}
	return out, nil
}

// do sends req with the configured headers and returns the body of a 200
// response. Any other status becomes an *HTTPError.
func (c *HTTPClient) do(req *http.Request, what string) ([]byte, error) {
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "a2a: %s", what)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newHTTPError(what, resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "a2a: %s: read response", what)
	}
	return body, nil
}
