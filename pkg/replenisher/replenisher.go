// Package replenisher implements the Replenisher reconciler and the
// Janitor it drives each tick (spec sections 4.7 and 4.8): the
// desired-state control loop that keeps ready+pending between the low
// and high watermarks, and reaps fault/stuck-init VMs before counting.
package replenisher

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zeon-infra/vm-refiller/pkg/control"
	"github.com/zeon-infra/vm-refiller/pkg/domain"
	"github.com/zeon-infra/vm-refiller/pkg/metrics"
)

// PoolReader is the narrow slice of pool.View the reconciler needs.
type PoolReader interface {
	CountReady(ctx context.Context) (int, error)
	ListFaultVMs(ctx context.Context) ([]string, error)
	ListInitVMs(ctx context.Context, olderThanMinutes int) ([]string, error)
	DeleteVMByName(ctx context.Context, name string) error
}

// Config is the watermark and cadence configuration (spec section 6).
type Config struct {
	MinReadyVM      int
	MaxReadyVM      int
	BatchSize       int
	CheckInterval   time.Duration
	FaultVMTTLMins  int
}

// Replenisher is the periodic control loop.
type Replenisher struct {
	cfg     Config
	view    PoolReader
	queue   *control.CloneQueue
	pending *control.PendingCounter
	log     *logrus.Entry
	stop    atomic.Bool
	metrics *metrics.Collector
}

// New constructs a Replenisher.
func New(cfg Config, view PoolReader, queue *control.CloneQueue, pending *control.PendingCounter, log *logrus.Entry) *Replenisher {
	return &Replenisher{cfg: cfg, view: view, queue: queue, pending: pending, log: log.WithField("component", "replenisher")}
}

// SetMetrics attaches a Collector the reconciler reports pool watermarks
// and janitor reaps to. Optional; nil means metrics are not recorded.
func (r *Replenisher) SetMetrics(m *metrics.Collector) { r.metrics = m }

// Stop cooperatively halts the loop at the next sleep boundary (spec
// 4.7's graceful stop).
func (r *Replenisher) Stop() { r.stop.Store(true) }

// Run drives the reconcile loop until ctx is cancelled or Stop is called.
func (r *Replenisher) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil || r.stop.Load() {
			return
		}
		if err := r.tick(ctx); err != nil {
			r.log.WithError(err).Error("reconcile tick failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.CheckInterval):
		}
	}
}

// tick runs one Janitor pass then one enqueue decision (spec 4.7 steps
// 1-3).
func (r *Replenisher) tick(ctx context.Context) error {
	RunJanitor(ctx, r.view, r.cfg.FaultVMTTLMins, r.log, r.metrics)

	ready, err := r.view.CountReady(ctx)
	if err != nil {
		return fmt.Errorf("count ready: %w", err)
	}
	pending := r.pending.Value()
	if r.metrics != nil {
		r.metrics.SetPoolStats(ready, pending)
	}

	if ready+pending >= r.cfg.MinReadyVM {
		return nil
	}

	deficit := r.cfg.MaxReadyVM - (ready + pending)
	if deficit <= 0 {
		return nil // at or above the high watermark already; P1
	}
	need := r.cfg.BatchSize
	if deficit < need {
		need = deficit
	}

	for i := 0; i < need; i++ {
		task := domain.NewCloneTask()
		r.pending.Inc() // happens-before the put, per spec 5's ordering guarantee
		r.queue.Put(task)
	}
	r.log.WithFields(logrus.Fields{"ready": ready, "pending": pending, "enqueued": need}).Info("enqueued build tasks")
	return nil
}
