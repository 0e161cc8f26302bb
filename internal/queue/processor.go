// Package queue runs the staleness sweep that promotes queued agents when
// the active one has gone silent.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cheatcode/arbiter/internal/arbiter"
	"github.com/cheatcode/arbiter/internal/domain"
	"github.com/cheatcode/arbiter/internal/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultStaleAfter is how long an active agent may stay silent.
	DefaultStaleAfter = 48 * time.Hour
	// DefaultConcurrency bounds how many contacts are processed at once.
	DefaultConcurrency = 8
	// DefaultContactTimeout bounds the work spent on a single contact.
	DefaultContactTimeout = time.Minute
)

// ErrSweepInProgress is returned when a sweep is already running.
var ErrSweepInProgress = errors.New("queue sweep already in progress")

// StateLister lists conversation states with a non-empty queue.
type StateLister interface {
	ListQueuedConversationStates(ctx context.Context) ([]*domain.ConversationState, error)
}

// Promoter promotes the head of a contact's queue when its active agent is stale.
type Promoter interface {
	PromoteQueueHead(ctx context.Context, contactID string, staleAfter time.Duration) (*arbiter.Promotion, error)
}

// Result aggregates one sweep. Dequeued counts every promotion that was
// committed, including those whose first message then failed to send; those
// are also counted in Failed.
type Result struct {
	Processed int `json:"processed"`
	Dequeued  int `json:"dequeued"`
	Failed    int `json:"failed"`
}

// Config tunes the processor.
type Config struct {
	StaleAfter     time.Duration
	Concurrency    int
	ContactTimeout time.Duration
}

// Processor runs sweeps.
type Processor struct {
	states   StateLister
	promoter Promoter
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
	running  sync.Mutex
}

// NewProcessor creates a processor. Zero config fields take defaults.
func NewProcessor(states StateLister, promoter Promoter, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Processor {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.ContactTimeout <= 0 {
		cfg.ContactTimeout = DefaultContactTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{states: states, promoter: promoter, cfg: cfg, metrics: m, logger: logger}
}

// Sweep visits every contact with a queued agent. One contact failing never
// stops the others; failures are logged and counted.
func (p *Processor) Sweep(ctx context.Context) (Result, error) {
	if !p.running.TryLock() {
		return Result{}, ErrSweepInProgress
	}
	defer p.running.Unlock()

	start := time.Now()
	states, err := p.states.ListQueuedConversationStates(ctx)
	if err != nil {
		p.countRun("error")
		return Result{}, fmt.Errorf("list queued conversation states: %w", err)
	}

	var processed, dequeued, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, st := range states {
		if len(st.AgentQueue) == 0 {
			continue
		}
		contactID := st.ContactID
		g.Go(func() error {
			processed.Add(1)
			outcome := p.processContact(gctx, contactID)
			switch outcome {
			case "dequeued":
				dequeued.Add(1)
			case "dispatch_failed":
				dequeued.Add(1)
				failed.Add(1)
			case "failed":
				failed.Add(1)
			}
			if p.metrics != nil {
				p.metrics.SweepContacts.WithLabelValues(outcome).Inc()
			}
			// Never return an error: it would cancel the remaining contacts.
			return nil
		})
	}
	_ = g.Wait()

	res := Result{
		Processed: int(processed.Load()),
		Dequeued:  int(dequeued.Load()),
		Failed:    int(failed.Load()),
	}
	if p.metrics != nil {
		p.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	p.countRun("success")
	if res.Processed > 0 {
		p.logger.Info("Queue sweep completed",
			"processed", res.Processed,
			"dequeued", res.Dequeued,
			"failed", res.Failed,
			"duration", time.Since(start),
		)
	}
	return res, nil
}

// processContact returns the outcome label for one contact.
func (p *Processor) processContact(ctx context.Context, contactID string) string {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.ContactTimeout)
	defer cancel()

	promo, err := p.promoter.PromoteQueueHead(cctx, contactID, p.cfg.StaleAfter)
	if err != nil {
		p.logger.Error("Queue sweep failed for contact", "contact_id", contactID, "error", err)
		return "failed"
	}
	if !promo.Promoted() {
		if promo.Stale {
			return "exhausted"
		}
		return "fresh"
	}
	if promo.DispatchError != nil {
		// The promotion stands; the next sweep sees the contact as stale again.
		return "dispatch_failed"
	}
	return "dequeued"
}

func (p *Processor) countRun(result string) {
	if p.metrics != nil {
		p.metrics.SweepRuns.WithLabelValues(result).Inc()
	}
}
