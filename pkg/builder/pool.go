// Package builder implements BuilderPool (spec section 4.6): a bounded
// concurrent spawner of CloneWorker processes with per-job timeout and
// result reaping, grounded on pkg/vm/pool.go's semaphore.Weighted-limited
// worker idiom.
package builder

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/zeon-infra/vm-refiller/pkg/control"
	"github.com/zeon-infra/vm-refiller/pkg/domain"
	"github.com/zeon-infra/vm-refiller/pkg/metrics"
)

// Config bounds the pool's concurrency and per-job deadline.
type Config struct {
	Env           string
	BuilderProc   int
	WorkerTimeout time.Duration
}

// FaultMarker is the narrow slice of pool.View the BuilderPool needs to
// best-effort mark_fault an init-name when a worker errors or exits
// silently (spec 4.6 step 5).
type FaultMarker interface {
	MarkFaultByName(ctx context.Context, initName string) error
}

// Pool is the BuilderPool.
type Pool struct {
	cfg     Config
	queue   *control.CloneQueue
	pending *control.PendingCounter
	spawner Spawner
	fault   FaultMarker
	sem     *semaphore.Weighted
	log     *logrus.Entry
	metrics *metrics.Collector
}

// SetMetrics attaches a Collector the pool reports build outcomes and
// worker timeouts to. Optional; a Pool with no Collector attached simply
// does not record metrics (tests construct pools without one).
func (p *Pool) SetMetrics(m *metrics.Collector) { p.metrics = m }

// New constructs a Pool. faultMarker may be nil, in which case silent
// exits and worker errors are logged but no best-effort mark_fault is
// attempted (tests exercising the pool in isolation from pool.View).
func New(cfg Config, queue *control.CloneQueue, pending *control.PendingCounter, spawner Spawner, faultMarker FaultMarker, log *logrus.Entry) *Pool {
	if cfg.BuilderProc <= 0 {
		cfg.BuilderProc = 1
	}
	return &Pool{
		cfg:     cfg,
		queue:   queue,
		pending: pending,
		spawner: spawner,
		fault:   faultMarker,
		sem:     semaphore.NewWeighted(int64(cfg.BuilderProc)),
		log:     log.WithField("component", "builder_pool"),
	}
}

// Run pulls tasks and spawns workers until ctx is cancelled. It returns
// once every in-flight worker it started has been reaped.
func (p *Pool) Run(ctx context.Context) {
	var inFlight sync.WaitGroup
	defer inFlight.Wait()

	for {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return // ctx cancelled while waiting for a slot
		}

		task, ok := p.queue.Get(ctx)
		if !ok {
			p.sem.Release(1)
			return
		}

		inFlight.Add(1)
		go func(t domain.CloneTask) {
			defer inFlight.Done()
			defer p.sem.Release(1)
			p.runOne(ctx, t)
		}(task)
	}
}

// runOne spawns one worker, enforces the hard deadline, reaps its
// result, and always performs exactly one pending.Dec() and
// queue.TaskDone() (spec 4.6's invariant).
func (p *Pool) runOne(ctx context.Context, task domain.CloneTask) {
	defer p.pending.Dec()
	defer p.queue.TaskDone()

	hex := task.Hex8()
	log := p.log.WithField("hex", hex)
	start := time.Now()

	proc, err := p.spawner.Spawn(ctx, task)
	if err != nil {
		log.WithError(err).Error("failed to spawn worker process")
		p.bestEffortFault(ctx, log, hex)
		return
	}

	deadline := p.cfg.WorkerTimeout
	if deadline <= 0 {
		deadline = 30 * time.Minute
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- proc.Wait() }()

	select {
	case <-waitCh:
	case <-time.After(deadline):
		log.Warn("worker exceeded hard deadline, terminating")
		if p.metrics != nil {
			p.metrics.RecordWorkerTimeout()
		}
		_ = proc.Kill()
		<-waitCh
	}

	select {
	case result, ok := <-proc.Results():
		if !ok {
			log.Warn("worker exited silently with no result")
			p.bestEffortFault(ctx, log, hex)
			return
		}
		p.handleResult(ctx, log, hex, result, time.Since(start))
	case <-time.After(resultGrace):
		log.Warn("worker exited silently with no result")
		p.bestEffortFault(ctx, log, hex)
	}
}

func (p *Pool) handleResult(ctx context.Context, log *logrus.Entry, hex string, result domain.WorkerResult, duration time.Duration) {
	if p.metrics != nil {
		p.metrics.RecordBuildResult(result.Status.String(), duration)
	}
	switch result.Status {
	case domain.StatusOK:
		log.WithField("vm", result.VMName).Info("build succeeded")
	case domain.StatusErr:
		log.WithFields(logrus.Fields{"vm": result.VMName, "message": result.Message}).Warn("build failed")
		p.bestEffortFault(ctx, log, hex)
	default:
		log.WithField("vm", result.VMName).Warn("worker returned an unrecognized status")
		p.bestEffortFaultByName(ctx, log, result.VMName)
	}
}

func (p *Pool) bestEffortFault(ctx context.Context, log *logrus.Entry, hex string) {
	initName := domain.FormatName(p.cfg.Env, domain.ClassInit, hex)
	p.bestEffortFaultByName(ctx, log, initName)
}

func (p *Pool) bestEffortFaultByName(ctx context.Context, log *logrus.Entry, name string) {
	if p.fault == nil {
		return
	}
	if err := p.fault.MarkFaultByName(ctx, name); err != nil {
		log.WithError(err).Debug("best-effort mark_fault on silent/crashed worker failed")
	}
}
