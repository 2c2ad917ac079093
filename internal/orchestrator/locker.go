package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/dusk-indust/insight/internal/store"
	"github.com/dusk-indust/insight/internal/telemetry"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// locker is the per-project evaluation lock. The first layer is an
// in-process keyed mutex. When the store implements store.Leaser the
// second layer is a persisted lease, renewed by a heartbeat, so that
// processes sharing a database also exclude each other.
type locker struct {
	mu     sync.Mutex
	held   map[string]chan struct{}
	leaser store.Leaser
	owner  string
	ttl    time.Duration
	logger *zap.Logger
}

func newLocker(st store.Store, owner string, ttl time.Duration, logger *zap.Logger) *locker {
	l := &locker{
		held:   make(map[string]chan struct{}),
		owner:  owner,
		ttl:    ttl,
		logger: logger,
	}
	if le, ok := st.(store.Leaser); ok {
		l.leaser = le
	}
	return l
}

// tryAcquire takes the lock without waiting. ok is false when someone else
// holds it. The returned context is cancelled if the lease is lost.
func (l *locker) tryAcquire(ctx context.Context, projectID string) (lctx context.Context, release func(), ok bool, err error) {
	if !l.tryLocal(projectID) {
		telemetry.RecordLockBusy(ctx)
		return nil, nil, false, nil
	}
	if l.leaser != nil {
		got, err := l.leaser.AcquireLease(ctx, projectID, l.owner, l.ttl)
		if err != nil {
			l.releaseLocal(projectID)
			return nil, nil, false, eris.Wrapf(err, "orchestrator: acquire lease for %s", projectID)
		}
		if !got {
			l.releaseLocal(projectID)
			telemetry.RecordLockBusy(ctx)
			return nil, nil, false, nil
		}
	}
	lctx, release = l.hold(ctx, projectID)
	return lctx, release, true, nil
}

// acquire waits for the lock, bounded by ctx.
func (l *locker) acquire(ctx context.Context, projectID string) (context.Context, func(), error) {
	for {
		l.mu.Lock()
		ch, busy := l.held[projectID]
		if !busy {
			l.held[projectID] = make(chan struct{})
			l.mu.Unlock()
			break
		}
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, nil, eris.Wrapf(ctx.Err(), "orchestrator: wait for lock on %s", projectID)
		}
	}

	if l.leaser != nil {
		poll := time.NewTicker(l.pollInterval())
		defer poll.Stop()
		for {
			got, err := l.leaser.AcquireLease(ctx, projectID, l.owner, l.ttl)
			if err != nil {
				l.releaseLocal(projectID)
				return nil, nil, eris.Wrapf(err, "orchestrator: acquire lease for %s", projectID)
			}
			if got {
				break
			}
			select {
			case <-poll.C:
			case <-ctx.Done():
				l.releaseLocal(projectID)
				return nil, nil, eris.Wrapf(ctx.Err(), "orchestrator: wait for lease on %s", projectID)
			}
		}
	}

	lctx, release := l.hold(ctx, projectID)
	return lctx, release, nil
}

// holding reports whether this process currently holds the project lock.
func (l *locker) holding(projectID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[projectID]
	return ok
}

func (l *locker) tryLocal(projectID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[projectID]; busy {
		return false
	}
	l.held[projectID] = make(chan struct{})
	return true
}

func (l *locker) releaseLocal(projectID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.held[projectID]; ok {
		delete(l.held, projectID)
		close(ch)
	}
}

// hold starts the lease heartbeat and returns the release function.
func (l *locker) hold(ctx context.Context, projectID string) (context.Context, func()) {
	lctx, cancel := context.WithCancel(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})

	if l.leaser != nil {
		go l.heartbeat(lctx, cancel, projectID, stop, done)
	} else {
		close(done)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			<-done
			cancel()
			if l.leaser != nil {
				rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				if err := l.leaser.ReleaseLease(rctx, projectID, l.owner); err != nil {
					l.logger.Warn("release lease", zap.String("project_id", projectID), zap.Error(err))
				}
				rcancel()
			}
			l.releaseLocal(projectID)
		})
	}
	return lctx, release
}

// heartbeat renews the lease every ttl/3. Losing the lease cancels the
// holder's context.
func (l *locker) heartbeat(ctx context.Context, cancel context.CancelFunc, projectID string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			ok, err := l.leaser.AcquireLease(ctx, projectID, l.owner, l.ttl)
			if ctx.Err() != nil {
				return
			}
			if err != nil || !ok {
				l.logger.Warn("evaluation lease lost",
					zap.String("project_id", projectID),
					zap.Bool("taken_over", err == nil),
					zap.Error(err))
				cancel()
				return
			}
		}
	}
}

func (l *locker) pollInterval() time.Duration {
	d := l.ttl / 10
	return min(max(d, 50*time.Millisecond), time.Second)
}
