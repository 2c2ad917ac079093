package reasoner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dusk-indust/insight/internal/a2a"
	"github.com/dusk-indust/insight/internal/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAgent is an in-memory a2a.Client. GetTask returns the queued polls
// in order and repeats the last one.
type fakeAgent struct {
	mu         sync.Mutex
	sent       []a2a.SendMessageRequest
	first      *a2a.Task
	polls      []*a2a.Task
	gets       int
	cancelled  []string
	card       *a2a.AgentCard
	discovered string
}

var _ a2a.Client = (*fakeAgent)(nil)

func (f *fakeAgent) SendMessage(_ context.Context, _ string, req a2a.SendMessageRequest) (*a2a.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return f.first, nil
}

func (f *fakeAgent) GetTask(_ context.Context, _ string, _ a2a.GetTaskRequest) (*a2a.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	i := f.gets - 1
	if i >= len(f.polls) {
		i = len(f.polls) - 1
	}
	return f.polls[i], nil
}

func (f *fakeAgent) CancelTask(_ context.Context, _ string, req a2a.CancelTaskRequest) (*a2a.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, req.ID)
	return &a2a.Task{ID: req.ID, Status: a2a.TaskStatus{State: a2a.TaskStateCanceled}}, nil
}

func (f *fakeAgent) DiscoverAgent(_ context.Context, baseURL string) (*a2a.AgentCard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discovered = baseURL
	return f.card, nil
}

func taskIn(state a2a.TaskState, artifacts ...string) *a2a.Task {
	t := &a2a.Task{ID: "task-1", Status: a2a.TaskStatus{State: state}}
	for _, text := range artifacts {
		t.Artifacts = append(t.Artifacts, a2a.Artifact{Parts: []a2a.Part{a2a.TextPart(text)}})
	}
	return t
}

func newTestA2A(client a2a.Client) *A2AReasoner {
	return NewA2A(client, "http://agent.local:9000/rpc",
		WithPollInterval(time.Millisecond), WithA2ALogger(zap.NewNop()))
}

func TestA2AReasoner_Completed(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{first: taskIn(a2a.TaskStateCompleted, `{"summary":"growing"}`)}
	out, err := newTestA2A(agent).Reason(context.Background(), testPrompt)
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"growing"}`, out)
	assert.Zero(t, agent.gets)

	require.Len(t, agent.sent, 1)
	req := agent.sent[0]
	require.NotNil(t, req.Configuration)
	assert.True(t, req.Configuration.Blocking)
	assert.NotEmpty(t, req.Message.MessageID)
	assert.Equal(t, a2a.RoleUser, req.Message.Role)
	require.Len(t, req.Message.Parts, 2)
	assert.Equal(t, testPrompt.System, req.Message.Parts[0].Text)
	assert.JSONEq(t, string(testPrompt.Payload), string(req.Message.Parts[1].Data))
}

func TestA2AReasoner_PollsUntilTerminal(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{
		first: taskIn(a2a.TaskStateSubmitted),
		polls: []*a2a.Task{
			taskIn(a2a.TaskStateWorking),
			taskIn(a2a.TaskStateCompleted, `{"segments":["smb"]}`),
		},
	}
	out, err := newTestA2A(agent).Reason(context.Background(), testPrompt)
	require.NoError(t, err)
	assert.Equal(t, `{"segments":["smb"]}`, out)
	assert.Equal(t, 2, agent.gets)
	assert.Empty(t, agent.cancelled)
}

func TestA2AReasoner_Failures(t *testing.T) {
	t.Parallel()

	failed := taskIn(a2a.TaskStateFailed)
	failed.Status.Message = &a2a.Message{Role: a2a.RoleAgent, Parts: []a2a.Part{a2a.TextPart("model overloaded")}}

	tests := map[string]struct {
		first     *a2a.Task
		kind      orchestrator.ErrorKind
		msg       string
		cancelled bool
	}{
		"failed task": {
			first: failed,
			kind:  orchestrator.KindTransient,
			msg:   "model overloaded",
		},
		"rejected task": {
			first: taskIn(a2a.TaskStateRejected),
			kind:  orchestrator.KindTransient,
			msg:   "rejected",
		},
		"input required": {
			first:     taskIn(a2a.TaskStateInputRequired),
			kind:      orchestrator.KindTransient,
			msg:       "input-required",
			cancelled: true,
		},
		"no artifacts": {
			first: taskIn(a2a.TaskStateCompleted),
			kind:  orchestrator.KindMalformed,
			msg:   "no artifacts",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			agent := &fakeAgent{first: tc.first}
			_, err := newTestA2A(agent).Reason(context.Background(), testPrompt)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.msg)

			ee, ok := orchestrator.AsExecutionError(err)
			require.True(t, ok)
			assert.Equal(t, tc.kind, ee.Kind)
			if tc.cancelled {
				assert.Equal(t, []string{"task-1"}, agent.cancelled)
			} else {
				assert.Empty(t, agent.cancelled)
			}
		})
	}
}

func TestA2AReasoner_ContextDoneCancelsTask(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{
		first: taskIn(a2a.TaskStateWorking),
		polls: []*a2a.Task{taskIn(a2a.TaskStateWorking)},
	}
	r := NewA2A(agent, "http://agent.local:9000/rpc", WithPollInterval(time.Hour), WithA2ALogger(zap.NewNop()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Reason(ctx, testPrompt)
	require.Error(t, err)

	ee, ok := orchestrator.AsExecutionError(err)
	require.True(t, ok)
	assert.Equal(t, orchestrator.KindTransient, ee.Kind)
	assert.Equal(t, []string{"task-1"}, agent.cancelled)
}

func TestA2AReasoner_HTTPStatus(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		status      int
		retryAfter  string
		kind        orchestrator.ErrorKind
		rateLimited bool
		wantAfter   time.Duration
	}{
		"rate limited": {
			status:      http.StatusTooManyRequests,
			retryAfter:  "7",
			kind:        orchestrator.KindTransient,
			rateLimited: true,
			wantAfter:   7 * time.Second,
		},
		"unavailable": {
			status: http.StatusServiceUnavailable,
			kind:   orchestrator.KindTransient,
		},
		"forbidden": {
			status: http.StatusForbidden,
			kind:   orchestrator.KindConfig,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tc.retryAfter != "" {
					w.Header().Set("Retry-After", tc.retryAfter)
				}
				w.WriteHeader(tc.status)
			}))
			t.Cleanup(srv.Close)

			r := NewA2A(a2a.NewHTTPClient(), srv.URL, WithA2ALogger(zap.NewNop()))
			_, err := r.Reason(context.Background(), testPrompt)
			require.Error(t, err)

			ee, ok := orchestrator.AsExecutionError(err)
			require.True(t, ok)
			assert.Equal(t, tc.kind, ee.Kind)
			assert.Equal(t, tc.rateLimited, ee.RateLimited)
			assert.Equal(t, tc.wantAfter, ee.RetryAfter)
		})
	}
}

func TestA2AReasoner_OverHTTP(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req a2a.JSONRPCRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, a2a.MethodSendMessage, req.Method)

		task := taskIn(a2a.TaskStateCompleted, `{"personas":[]}`)
		result, _ := json.Marshal(task)
		_ = json.NewEncoder(w).Encode(a2a.JSONRPCResponse{JSONRPC: a2a.JSONRPCVersion, ID: req.ID, Result: result})
	}))
	t.Cleanup(srv.Close)

	r := NewA2A(a2a.NewHTTPClient(), srv.URL, WithA2ALogger(zap.NewNop()))
	out, err := r.Reason(context.Background(), testPrompt)
	require.NoError(t, err)
	assert.Equal(t, `{"personas":[]}`, out)
}

func TestA2AReasoner_Check(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{card: &a2a.AgentCard{Name: "analyst", Version: "1.0"}}
	require.NoError(t, newTestA2A(agent).Check(context.Background()))
	assert.Equal(t, "http://agent.local:9000", agent.discovered)
}
