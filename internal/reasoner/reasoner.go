// Package reasoner provides the orchestrator.Reasoner implementations: an
// OpenAI-compatible chat completions client and an A2A agent client.
package reasoner

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/dusk-indust/insight/internal/a2a"
	"github.com/dusk-indust/insight/internal/orchestrator"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Kinds accepted by New.
const (
	KindOpenAI = "openai"
	KindA2A    = "a2a"
)

// Config selects and configures a reasoner.
type Config struct {
	Kind     string `koanf:"kind"`
	Endpoint string `koanf:"endpoint"`
	Model    string `koanf:"model"`
	APIKey   string `koanf:"api_key"`

	// Timeout bounds a single HTTP request. The orchestrator applies its
	// own invoke timeout on top.
	Timeout time.Duration `koanf:"timeout"`

	// PollInterval is how often the A2A reasoner polls a task that the
	// agent did not finish within the blocking call.
	PollInterval time.Duration `koanf:"poll_interval"`

	Temperature float64 `koanf:"temperature"`
}

// Validate checks that the selected kind has what it needs.
func (c Config) Validate() error {
	switch c.Kind {
	case KindOpenAI:
		if c.Endpoint == "" || c.Model == "" {
			return eris.New("reasoner: openai needs endpoint and model")
		}
	case KindA2A:
		if c.Endpoint == "" {
			return eris.New("reasoner: a2a needs endpoint")
		}
	default:
		return eris.Errorf("reasoner: unknown kind %q", c.Kind)
	}
	if c.Timeout < 0 || c.PollInterval < 0 {
		return eris.New("reasoner: durations must not be negative")
	}
	return nil
}

// Checker is implemented by reasoners that can verify their backend is
// reachable before a cycle runs.
type Checker interface {
	Check(ctx context.Context) error
}

// New builds the reasoner selected by cfg.Kind.
func New(cfg Config, logger *zap.Logger) (orchestrator.Reasoner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.L()
	}

	switch cfg.Kind {
	case KindA2A:
		var opts []a2a.ClientOption
		if cfg.Timeout > 0 {
			opts = append(opts, a2a.WithTimeout(cfg.Timeout))
		}
		if cfg.APIKey != "" {
			opts = append(opts, a2a.WithHeader("Authorization", "Bearer "+cfg.APIKey))
		}
		return NewA2A(a2a.NewHTTPClient(opts...), cfg.Endpoint,
			WithPollInterval(cfg.PollInterval), WithA2ALogger(logger)), nil
	default:
		opts := []OpenAIOption{WithAPIKey(cfg.APIKey), WithLogger(logger)}
		if cfg.Timeout > 0 {
			opts = append(opts, WithRequestTimeout(cfg.Timeout))
		}
		if cfg.Temperature > 0 {
			opts = append(opts, WithTemperature(cfg.Temperature))
		}
		return NewOpenAI(cfg.Endpoint, cfg.Model, opts...), nil
	}
}

// classifyStatus maps an HTTP failure onto an orchestrator error kind.
// Rejected credentials and missing endpoints will not heal within a cycle,
// so they abort it as configuration failures.
func classifyStatus(err error, status int, retryAfter time.Duration) error {
	switch {
	case status == http.StatusTooManyRequests:
		return orchestrator.RateLimitError(err, retryAfter)
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusNotFound:
		return &orchestrator.ExecutionError{Kind: orchestrator.KindConfig, Err: err}
	default:
		return orchestrator.TransientError(err)
	}
}

// classifyTransport maps a request error that never produced a response.
func classifyTransport(err error) error {
	var httpErr *a2a.HTTPError
	if errors.As(err, &httpErr) {
		return classifyStatus(err, httpErr.StatusCode, httpErr.RetryAfter)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return orchestrator.TransientError(eris.Wrap(err, "reasoner: timeout"))
	}
	return orchestrator.TransientError(err)
}
