package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Tutortoise/nest-detection-service/detections"
	"github.com/Tutortoise/nest-detection-service/tensors"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// DefaultPoolSize Pool configuration
	DefaultPoolSize   = 4
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

var (
	ErrPoolClosed     = errors.New("pool is closed")
	ErrAcquireTimeout = errors.New("timeout waiting for available session")
)

// Session is one independent inference session. A session is used by a
// single request at a time.
type Session interface {
	detections.Predictor
	Destroy() error
}

type SessionFactory func() (Session, error)

// ModelSessionPool spreads concurrent requests over independent sessions. It
// is itself a Predictor: each call borrows a session for one inference.
type ModelSessionPool struct {
	sessions       chan Session
	size           int
	factory        SessionFactory
	acquireTimeout time.Duration
	logger         *zap.SugaredLogger

	mu         sync.Mutex
	closed     bool
	total      int
	done       chan struct{}
	lastErrors []error

	metrics *PoolMetrics
}

type PoolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	discarded       int64
	waitTime        time.Duration
}

// PoolStats is a point-in-time copy of the pool counters.
type PoolStats struct {
	Size            int           `json:"pool_size"`
	Available       int           `json:"sessions_available"`
	InUse           int           `json:"sessions_in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	Discarded       int64         `json:"discarded"`
	WaitTime        time.Duration `json:"wait_time_ns"`
	LastErrors      []string      `json:"last_errors,omitempty"`
}

func NewModelSessionPool(factory SessionFactory, size int, logger *zap.SugaredLogger) (*ModelSessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	pool := &ModelSessionPool{
		sessions:       make(chan Session, size),
		size:           size,
		factory:        factory,
		acquireTimeout: AcquireTimeout,
		logger:         logger,
		done:           make(chan struct{}),
		metrics:        &PoolMetrics{},
	}

	// Initialize sessions
	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.total++
		pool.sessions <- session
	}

	return pool, nil
}

// Start runs the replenish loop until the pool is destroyed.
func (p *ModelSessionPool) Start(period time.Duration) {
	if period <= 0 {
		period = HealthCheckPeriod
	}
	go p.healthCheck(period)
}

func (p *ModelSessionPool) Acquire(ctx context.Context) (Session, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case session := <-p.sessions:
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, ErrAcquireTimeout
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *ModelSessionPool) Release(session Session) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.total--
		p.destroySession(session)
		return
	}
	p.sessions <- session
}

// discard drops a session that failed; the health check replaces it.
func (p *ModelSessionPool) discard(session Session, cause error) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.discarded++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	p.total--
	p.mu.Unlock()

	p.recordError(cause)
	p.destroySession(session)
}

// Predict borrows a session for one inference. A session whose inference
// fails for reasons other than cancellation is discarded.
func (p *ModelSessionPool) Predict(ctx context.Context, input *tensors.Tensor) ([]*tensors.Tensor, error) {
	session, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	outputs, err := session.Predict(ctx, input)
	if err != nil && ctx.Err() == nil {
		p.discard(session, err)
		return nil, err
	}
	p.Release(session)
	return outputs, err
}

func (p *ModelSessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.done)

	// Destroy idle sessions; busy ones are destroyed on release
	for {
		select {
		case session := <-p.sessions:
			p.total--
			p.destroySession(session)
		default:
			return
		}
	}
}

func (p *ModelSessionPool) destroySession(session Session) {
	if err := session.Destroy(); err != nil {
		p.logger.Warnw("destroy session", "error", err)
	}
}

func (p *ModelSessionPool) healthCheck(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.replenishSessions()
		}
	}
}

// replenishSessions recreates sessions lost to discard.
func (p *ModelSessionPool) replenishSessions() {
	p.mu.Lock()
	missing := p.size - p.total
	p.mu.Unlock()

	var errs error
	for i := 0; i < missing; i++ {
		session, err := p.factory()
		if err != nil {
			p.recordError(err)
			errs = multierr.Append(errs, err)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.destroySession(session)
			return
		}
		p.total++
		p.sessions <- session
		p.mu.Unlock()
	}
	if errs != nil {
		p.logger.Warnw("replenish sessions", "missing", missing, "error", errs)
	}
}

func (p *ModelSessionPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *ModelSessionPool) GetMetrics() PoolStats {
	p.metrics.mu.RLock()
	stats := PoolStats{
		Size:            p.size,
		Available:       len(p.sessions),
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
		Discarded:       p.metrics.discarded,
		WaitTime:        p.metrics.waitTime,
	}
	p.metrics.mu.RUnlock()

	p.mu.Lock()
	for _, err := range p.lastErrors {
		stats.LastErrors = append(stats.LastErrors, err.Error())
	}
	p.mu.Unlock()
	return stats
}
