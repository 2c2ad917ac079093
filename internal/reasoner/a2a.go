package reasoner

import (
	"context"
	"net/url"
	"time"

	"github.com/dusk-indust/insight/internal/a2a"
	"github.com/dusk-indust/insight/internal/orchestrator"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var (
	_ orchestrator.Reasoner = (*A2AReasoner)(nil)
	_ Checker               = (*A2AReasoner)(nil)
)

// A2AReasoner hands each stage prompt to a remote agent over the A2A
// protocol and returns the text of the task's artifacts.
type A2AReasoner struct {
	client   a2a.Client
	endpoint string
	poll     time.Duration
	logger   *zap.Logger
}

// A2AOption configures an A2AReasoner.
type A2AOption func(*A2AReasoner)

// WithPollInterval sets how often an unfinished task is polled.
func WithPollInterval(d time.Duration) A2AOption {
	return func(r *A2AReasoner) {
		if d > 0 {
			r.poll = d
		}
	}
}

// WithA2ALogger sets the logger.
func WithA2ALogger(l *zap.Logger) A2AOption {
	return func(r *A2AReasoner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewA2A returns a reasoner that sends messages to the agent's JSON-RPC
// endpoint.
func NewA2A(client a2a.Client, endpoint string, opts ...A2AOption) *A2AReasoner {
	r := &A2AReasoner{
		client:   client,
		endpoint: endpoint,
		poll:     2 * time.Second,
		logger:   zap.L(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reason sends a blocking message/send and polls the task until it reaches
// a terminal state. If ctx ends first the task is cancelled on the agent.
func (r *A2AReasoner) Reason(ctx context.Context, p orchestrator.Prompt) (string, error) {
	msg := a2a.Message{
		MessageID: uuid.NewString(),
		Role:      a2a.RoleUser,
		Parts: []a2a.Part{
			a2a.TextPart(p.System),
			a2a.JSONPart(p.Payload),
		},
	}
	task, err := r.client.SendMessage(ctx, r.endpoint, a2a.SendMessageRequest{
		Message: msg,
		Configuration: &a2a.SendMessageConfig{
			AcceptedOutputModes: []string{"application/json", "text/plain"},
			Blocking:            true,
		},
	})
	if err != nil {
		return "", classifyTransport(err)
	}

	for !task.Status.State.IsTerminal() {
		if task.Status.State.IsInterrupted() {
			r.cancel(ctx, task.ID)
			return "", orchestrator.TransientError(eris.Errorf("reasoner: agent task %s stopped in state %s", task.ID, task.Status.State))
		}

		timer := time.NewTimer(r.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.cancel(ctx, task.ID)
			return "", orchestrator.TransientError(eris.Wrap(ctx.Err(), "reasoner: waiting for agent task"))
		case <-timer.C:
		}

		task, err = r.client.GetTask(ctx, r.endpoint, a2a.GetTaskRequest{ID: task.ID})
		if err != nil {
			return "", classifyTransport(err)
		}
	}

	if task.Status.State != a2a.TaskStateCompleted {
		reason := ""
		if m := task.Status.Message; m != nil && len(m.Parts) > 0 {
			reason = m.Parts[0].Text
		}
		return "", orchestrator.TransientError(eris.Errorf("reasoner: agent task %s %s: %s", task.ID, task.Status.State, reason))
	}

	text := task.Text()
	if text == "" {
		return "", orchestrator.MalformedError(eris.Errorf("reasoner: agent task %s returned no artifacts", task.ID))
	}
	return text, nil
}

// cancel asks the agent to drop the task. It runs on a detached context
// because ctx may already be done.
func (r *A2AReasoner) cancel(ctx context.Context, taskID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := r.client.CancelTask(cctx, r.endpoint, a2a.CancelTaskRequest{ID: taskID}); err != nil {
		r.logger.Warn("cancel agent task", zap.String("task_id", taskID), zap.Error(err))
	}
}

// Check fetches the agent card from the endpoint's origin.
func (r *A2AReasoner) Check(ctx context.Context) error {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return eris.Wrapf(err, "reasoner: parse endpoint %q", r.endpoint)
	}
	card, err := r.client.DiscoverAgent(ctx, u.Scheme+"://"+u.Host)
	if err != nil {
		return eris.Wrap(err, "reasoner: discover agent")
	}
	r.logger.Info("agent discovered",
		zap.String("agent", card.Name),
		zap.String("version", card.Version),
		zap.Int("skills", len(card.Skills)),
	)
	return nil
}
