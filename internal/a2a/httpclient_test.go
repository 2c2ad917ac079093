package a2a

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rpcHandler decodes each request and encodes whatever fn answers.
func rpcHandler(t *testing.T, fn func(req JSONRPCRequest) JSONRPCResponse) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method, "JSON-RPC calls are POSTs")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req JSONRPCRequest
		err := json.NewDecoder(r.Body).Decode(&req)
		require.NoError(t, err)
		assert.Equal(t, JSONRPCVersion, req.JSONRPC)

		resp := fn(req)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}
}

func resultOf(t *testing.T, req JSONRPCRequest, v any) JSONRPCResponse {
	t.Helper()
	result, err := json.Marshal(v)
	require.NoError(t, err)
	return JSONRPCResponse{JSONRPC: JSONRPCVersion, ID: req.ID, Result: result}
}

func stageMessage(text string) SendMessageRequest {
	return SendMessageRequest{
		Message: Message{
			MessageID: "msg-1",
			Role:      RoleUser,
			Parts:     []Part{TextPart(text)},
		},
		Configuration: &SendMessageConfig{Blocking: true},
	}
}

func TestSendMessage(t *testing.T) {
	ts := httptest.NewServer(rpcHandler(t, func(req JSONRPCRequest) JSONRPCResponse {
		assert.Equal(t, MethodSendMessage, req.Method)

		var params SendMessageRequest
		require.NoError(t, json.Unmarshal(req.Params, &params))
		assert.Equal(t, RoleUser, params.Message.Role)
		assert.Equal(t, "analyze the market", params.Message.Parts[0].Text)
		require.NotNil(t, params.Configuration)
		assert.True(t, params.Configuration.Blocking)

		return resultOf(t, req, Task{
			ID:        "task-001",
			ContextID: "ctx-001",
			Status: TaskStatus{
				State:     TaskStateCompleted,
				Timestamp: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC),
			},
			Artifacts: []Artifact{{
				ArtifactID: "art-1",
				Name:       "market_research",
				Parts:      []Part{{Data: json.RawMessage(`{"summary":"growing"}`), MediaType: "application/json"}},
			}},
		})
	}))
	defer ts.Close()

	client := NewHTTPClient()
	task, err := client.SendMessage(context.Background(), ts.URL, stageMessage("analyze the market"))
	require.NoError(t, err)
	require.NotNil(t, task)

	assert.Equal(t, "task-001", task.ID)
	assert.Equal(t, TaskStateCompleted, task.Status.State)
	assert.JSONEq(t, `{"summary":"growing"}`, task.Text())
}

func TestGetTaskAndCancelTask(t *testing.T) {
	ts := httptest.NewServer(rpcHandler(t, func(req JSONRPCRequest) JSONRPCResponse {
		switch req.Method {
		case MethodGetTask:
			var params GetTaskRequest
			require.NoError(t, json.Unmarshal(req.Params, &params))
			assert.Equal(t, "task-42", params.ID)
			return resultOf(t, req, Task{ID: "task-42", Status: TaskStatus{State: TaskStateWorking}})
		case MethodCancelTask:
			var params CancelTaskRequest
			require.NoError(t, json.Unmarshal(req.Params, &params))
			assert.Equal(t, "task-42", params.ID)
			return resultOf(t, req, Task{ID: "task-42", Status: TaskStatus{State: TaskStateCanceled}})
		}
		t.Errorf("unexpected method %s", req.Method)
		return JSONRPCResponse{JSONRPC: JSONRPCVersion, ID: req.ID}
	}))
	defer ts.Close()

	client := NewHTTPClient()
	task, err := client.GetTask(context.Background(), ts.URL, GetTaskRequest{ID: "task-42"})
	require.NoError(t, err)
	assert.Equal(t, TaskStateWorking, task.Status.State)

	task, err = client.CancelTask(context.Background(), ts.URL, CancelTaskRequest{ID: "task-42"})
	require.NoError(t, err)
	assert.Equal(t, TaskStateCanceled, task.Status.State)
}

func TestDiscoverAgent(t *testing.T) {
	card := AgentCard{
		Name:               "Market Analyst",
		Description:        "Runs product discovery analyses",
		Version:            "1.2.0",
		DefaultOutputModes: []string{"application/json"},
		Skills:             []AgentSkill{{ID: "market_research", Name: "Market research"}},
	}

	tests := map[string]struct {
		suffix string
	}{
		"plain base":     {suffix: ""},
		"trailing slash": {suffix: "/"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/.well-known/agent-card.json", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				require.NoError(t, json.NewEncoder(w).Encode(card))
			}))
			defer ts.Close()

			got, err := NewHTTPClient().DiscoverAgent(context.Background(), ts.URL+tc.suffix)
			require.NoError(t, err)
			assert.Equal(t, "Market Analyst", got.Name)
			require.Len(t, got.Skills, 1)
			assert.Equal(t, "market_research", got.Skills[0].ID)
		})
	}
}

func TestHTTPClient_Timeouts(t *testing.T) {
	tests := map[string]struct {
		ctxTimeout time.Duration
		opts       []ClientOption
	}{
		"context deadline": {ctxTimeout: 50 * time.Millisecond},
		"client option":    {opts: []ClientOption{WithTimeout(50 * time.Millisecond)}},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-time.After(time.Second):
				case <-r.Context().Done():
				}
			}))
			defer ts.Close()

			ctx := context.Background()
			if tc.ctxTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tc.ctxTimeout)
				defer cancel()
			}

			task, err := NewHTTPClient(tc.opts...).SendMessage(ctx, ts.URL, stageMessage("slow"))
			require.Error(t, err)
			assert.Nil(t, task)
		})
	}
}

func TestWithHeader(t *testing.T) {
	var gotAuth string
	h := rpcHandler(t, func(req JSONRPCRequest) JSONRPCResponse {
		return resultOf(t, req, Task{ID: "task-auth", Status: TaskStatus{State: TaskStateCompleted}})
	})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		h(w, r)
	}))
	defer ts.Close()

	client := NewHTTPClient(WithHeader("Authorization", "Bearer secret"))
	_, err := client.SendMessage(context.Background(), ts.URL, stageMessage("auth"))
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestRequestIDsIncrement(t *testing.T) {
	var ids []float64
	ts := httptest.NewServer(rpcHandler(t, func(req JSONRPCRequest) JSONRPCResponse {
		id, ok := req.ID.(float64)
		require.True(t, ok)
		ids = append(ids, id)
		return resultOf(t, req, Task{ID: "t", Status: TaskStatus{State: TaskStateCompleted}})
	}))
	defer ts.Close()

	client := NewHTTPClient()
	for range 3 {
		_, err := client.SendMessage(context.Background(), ts.URL, stageMessage("again"))
		require.NoError(t, err)
	}
	assert.Equal(t, []float64{1, 2, 3}, ids)
}
