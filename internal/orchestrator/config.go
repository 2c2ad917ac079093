package orchestrator

import (
	"time"

	"github.com/dusk-indust/insight/internal/pipeline"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Config holds the scheduling policy. Zero fields take the defaults from
// DefaultConfig.
type Config struct {
	// MaxRetries is the attempt budget per stage.
	MaxRetries int `koanf:"max_retries"`

	// MaxParallel bounds concurrent stage executions within one cycle.
	MaxParallel int `koanf:"max_parallel"`

	// InvokeTimeout bounds one reasoner call.
	InvokeTimeout time.Duration `koanf:"invoke_timeout"`

	// StaleAfter is how long an in_progress stage may go without finishing
	// before a later cycle recovers it as failed.
	StaleAfter time.Duration `koanf:"stale_after"`

	// RateLimitCooldown is the base cooldown after a rate-limit error. It
	// doubles with each consecutive failure up to MaxCooldown.
	RateLimitCooldown time.Duration `koanf:"rate_limit_cooldown"`
	MaxCooldown       time.Duration `koanf:"max_cooldown"`

	// LeaseTTL is the lifetime of the persisted evaluation lease. The
	// heartbeat renews it every LeaseTTL/3.
	LeaseTTL time.Duration `koanf:"lease_ttl"`
}

// DefaultConfig returns the default scheduling policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		MaxParallel:       4,
		InvokeTimeout:     90 * time.Second,
		StaleAfter:        5 * time.Minute,
		RateLimitCooldown: 30 * time.Second,
		MaxCooldown:       10 * time.Minute,
		LeaseTTL:          2 * time.Minute,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.MaxParallel == 0 {
		c.MaxParallel = d.MaxParallel
	}
	if c.InvokeTimeout == 0 {
		c.InvokeTimeout = d.InvokeTimeout
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.RateLimitCooldown == 0 {
		c.RateLimitCooldown = d.RateLimitCooldown
	}
	if c.MaxCooldown == 0 {
		c.MaxCooldown = d.MaxCooldown
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = d.LeaseTTL
	}
	return c
}

// Validate rejects negative or inconsistent settings.
func (c Config) Validate() error {
	switch {
	case c.MaxRetries < 0:
		return eris.New("orchestrator: max_retries must not be negative")
	case c.MaxParallel < 0:
		return eris.New("orchestrator: max_parallel must not be negative")
	case c.InvokeTimeout < 0, c.StaleAfter < 0, c.RateLimitCooldown < 0, c.MaxCooldown < 0, c.LeaseTTL < 0:
		return eris.New("orchestrator: durations must not be negative")
	case c.MaxCooldown != 0 && c.RateLimitCooldown > c.MaxCooldown:
		return eris.New("orchestrator: rate_limit_cooldown exceeds max_cooldown")
	}
	return nil
}

type options struct {
	cfg         Config
	logger      *zap.Logger
	now         func() time.Time
	graph       *pipeline.Graph
	definitions map[pipeline.StageID]StageDefinition
	routes      pipeline.Routes
	owner       string
	reporter    *ProgressReporter
}

// Option configures an Executor or a Pipeline.
type Option func(*options)

// WithConfig sets the scheduling policy.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets the logger. The default is zap.L().
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithGraph replaces the default dependency graph.
func WithGraph(g *pipeline.Graph) Option {
	return func(o *options) { o.graph = g }
}

// WithDefinitions replaces the default stage definitions.
func WithDefinitions(defs map[pipeline.StageID]StageDefinition) Option {
	return func(o *options) { o.definitions = defs }
}

// WithRoutes sets the redirect route templates used by GetProgress.
func WithRoutes(r pipeline.Routes) Option {
	return func(o *options) { o.routes = r }
}

// WithOwner sets the lease owner identity. The default is a random UUID.
func WithOwner(owner string) Option {
	return func(o *options) { o.owner = owner }
}

// WithProgressReporter sets the reporter progress events go to.
func WithProgressReporter(pr *ProgressReporter) Option {
	return func(o *options) { o.reporter = pr }
}

func buildOptions(opts []Option) options {
	o := options{
		cfg:    DefaultConfig(),
		logger: zap.L(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.cfg = o.cfg.withDefaults()
	if o.graph == nil {
		o.graph = pipeline.DefaultGraph()
	}
	if o.definitions == nil {
		o.definitions = DefaultDefinitions()
	}
	return o
}
