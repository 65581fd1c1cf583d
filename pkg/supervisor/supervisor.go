// Package supervisor wires the control plane together (spec section
// 4.9): it owns the Replenisher, the BuilderPool, the shared CloneQueue
// and PendingCounter, installs signal handlers, and drains in-flight
// work on shutdown before exiting.
package supervisor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/zeon-infra/vm-refiller/pkg/builder"
	"github.com/zeon-infra/vm-refiller/pkg/control"
	"github.com/zeon-infra/vm-refiller/pkg/metrics"
	"github.com/zeon-infra/vm-refiller/pkg/pool"
	"github.com/zeon-infra/vm-refiller/pkg/replenisher"
)

// Supervisor boots the Replenisher and BuilderPool as concurrent tasks
// sharing one CloneQueue and one PendingCounter (spec section 2's data
// and control flow).
type Supervisor struct {
	queue   *control.CloneQueue
	pending *control.PendingCounter

	replenisher *replenisher.Replenisher
	builder     *builder.Pool

	log *logrus.Entry
}

// New constructs a Supervisor from already-wired components: a PoolView
// for the reconciler/janitor, a ProcessSpawner for the builder pool, and
// the watermark/concurrency configuration each component needs.
func New(replenisherCfg replenisher.Config, builderCfg builder.Config, view *pool.View, spawner builder.Spawner, log *logrus.Entry) *Supervisor {
	queue := control.NewCloneQueue()
	var pending control.PendingCounter

	r := replenisher.New(replenisherCfg, view, queue, &pending, log)
	b := builder.New(builderCfg, queue, &pending, spawner, view, log)

	return &Supervisor{
		queue:       queue,
		pending:     &pending,
		replenisher: r,
		builder:     b,
		log:         log.WithField("component", "supervisor"),
	}
}

// SetMetrics attaches a Collector to both the Replenisher and the
// BuilderPool. Optional; nil means neither records metrics.
func (s *Supervisor) SetMetrics(m *metrics.Collector) {
	s.replenisher.SetMetrics(m)
	s.builder.SetMetrics(m)
}

// Run starts both concurrent tasks, blocks until an interrupt/terminate
// signal arrives (or ctx is cancelled), then drains the CloneQueue before
// returning — the control-plane-side half of spec 4.9's shutdown
// contract.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.replenisher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.builder.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		s.log.WithField("signal", sig).Info("shutdown signal received")
	case <-ctx.Done():
	}

	s.replenisher.Stop()
	s.log.Info("draining clone queue before exit")
	s.queue.Join()

	cancel()
	wg.Wait()
	s.log.Info("shutdown complete")
	return nil
}
