// Package scheduler drives the periodic and on-demand fan-out refresh of
// the token pool.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/nghyane/qwen-pool-proxy/internal/logging"
	"github.com/nghyane/qwen-pool-proxy/internal/tokenpool"
)

const errorBackoff = 300 * time.Second

// Scheduler owns a single logical timer task that keeps the pool's tokens
// fresh without operator intervention.
type Scheduler struct {
	pool         *tokenpool.Pool
	intervalMin  int
	tickUnit     time.Duration // time.Minute by default; time.Second is an internal test/opt-in knob
	mu           sync.Mutex
	running      bool
	cancel       context.CancelFunc
	done         chan struct{}
	lastRefresh  time.Time
	refreshCount int
	failedCount  int
}

type Option func(*Scheduler)

// WithTickUnit overrides the cadence unit. Not exposed via an environment
// variable — spec.md's closed env-var set stays authoritative; this exists
// only for tests and the seconds-based cadence the design notes call out
// as an acceptable alternative.
func WithTickUnit(unit time.Duration) Option {
	return func(s *Scheduler) { s.tickUnit = unit }
}

func New(pool *tokenpool.Pool, intervalMin int, opts ...Option) *Scheduler {
	s := &Scheduler{pool: pool, intervalMin: intervalMin, tickUnit: time.Minute}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start performs one immediate refresh, then enters the periodic loop in a
// background goroutine.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.refreshTokens(ctx)
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		if err := sleepCancellable(ctx, time.Duration(s.intervalMin)*s.tickUnit); err != nil {
			return
		}
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if !running {
			return
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("panic", r).Error("scheduler: refresh tick panicked, backing off")
					_ = sleepCancellable(ctx, errorBackoff)
				}
			}()
			s.refreshTokens(ctx)
		}()
	}
}

func sleepCancellable(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) refreshTokens(ctx context.Context) {
	if err := s.pool.Reload(); err != nil {
		log.WithError(err).Error("scheduler: failed to reload pool")
		return
	}
	if s.pool.Size() == 0 {
		log.Infof("scheduler: pool empty, skipping refresh")
		return
	}

	results, _ := s.pool.RefreshAll(ctx)
	succeeded, failed := 0, 0
	for _, r := range results {
		if r.Success {
			succeeded++
		} else {
			failed++
		}
	}

	s.mu.Lock()
	s.lastRefresh = time.Now()
	s.refreshCount += succeeded
	s.failedCount += failed
	s.mu.Unlock()

	log.Infof("scheduler: refresh complete succeeded=%d failed=%d", succeeded, failed)
}

// Stop cancels the loop and blocks until it has settled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// ForceRefreshNow triggers one refresh out of band; only permitted while
// running.
func (s *Scheduler) ForceRefreshNow(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return fmt.Errorf("scheduler: not running")
	}
	s.refreshTokens(ctx)
	return nil
}

// SetInterval changes the refresh cadence; n must be >= 1.
func (s *Scheduler) SetInterval(n int) error {
	if n < 1 {
		return fmt.Errorf("scheduler: interval must be >= 1")
	}
	s.mu.Lock()
	s.intervalMin = n
	s.mu.Unlock()
	return nil
}

// Status is the wire shape for the scheduler's admin-facing projection.
type Status struct {
	Running             bool      `json:"isRunning"`
	RefreshIntervalMin   int       `json:"refreshInterval"`
	LastRefreshTime      time.Time `json:"lastRefreshTime"`
	RefreshCount         int       `json:"refreshCount"`
	FailedRefreshCount   int       `json:"failedRefreshCount"`
	TokenCount           int       `json:"tokenCount"`
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:            s.running,
		RefreshIntervalMin: s.intervalMin,
		LastRefreshTime:    s.lastRefresh,
		RefreshCount:       s.refreshCount,
		FailedRefreshCount: s.failedCount,
		TokenCount:         s.pool.Size(),
	}
}
