package replenisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zeon-infra/vm-refiller/pkg/control"
)

type fakeView struct {
	mu        sync.Mutex
	ready     int
	fault     []string
	init      []string
	deleted   []string
	countErr  error
}

func (f *fakeView) CountReady(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready, f.countErr
}
func (f *fakeView) ListFaultVMs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fault...), nil
}
func (f *fakeView) ListInitVMs(ctx context.Context, olderThanMinutes int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if olderThanMinutes <= 0 {
		return nil, nil
	}
	return append([]string(nil), f.init...), nil
}
func (f *fakeView) DeleteVMByName(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return nil
}

func testLog() *logrus.Entry { return logrus.NewEntry(logrus.New()) }

func TestTickEnqueuesDeficitUpToBatch(t *testing.T) {
	view := &fakeView{ready: 0}
	queue := control.NewCloneQueue()
	var pending control.PendingCounter

	r := New(Config{MinReadyVM: 2, MaxReadyVM: 4, BatchSize: 3, CheckInterval: time.Hour}, view, queue, &pending, testLog())
	if err := r.tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	// deficit = max - (ready+pending) = 4 - 0 = 4, batch=3 -> need=3
	if got := pending.Value(); got != 3 {
		t.Fatalf("expected pending=3, got %d", got)
	}
	if got := queue.Len(); got != 3 {
		t.Fatalf("expected 3 queued tasks, got %d", got)
	}
}

func TestTickNoEnqueueWhenAboveWatermark(t *testing.T) {
	view := &fakeView{ready: 1}
	queue := control.NewCloneQueue()
	var pending control.PendingCounter

	r := New(Config{MinReadyVM: 1, MaxReadyVM: 1, BatchSize: 5, CheckInterval: time.Hour}, view, queue, &pending, testLog())
	if err := r.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := pending.Value(); got != 0 {
		t.Fatalf("expected no enqueue, pending=%d", got)
	}
}

func TestTickRespectsMaxReadyVMCap(t *testing.T) {
	// ready+pending = min-1, batch > max-(ready+pending): enqueue exactly
	// max-(ready+pending) items (spec B1).
	view := &fakeView{ready: 1}
	queue := control.NewCloneQueue()
	var pending control.PendingCounter

	r := New(Config{MinReadyVM: 2, MaxReadyVM: 2, BatchSize: 10, CheckInterval: time.Hour}, view, queue, &pending, testLog())
	if err := r.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	// deficit = max(2) - ready(1) = 1
	if got := pending.Value(); got != 1 {
		t.Fatalf("expected capped enqueue of 1, got %d", got)
	}
}

func TestJanitorDeletesUnionOfFaultAndStuck(t *testing.T) {
	view := &fakeView{
		fault: []string{"[Dev] VMError_aaaaaaaa", "[Dev] VMError_bbbbbbbb"},
		init:  []string{"[Dev] VMInit_cccccccc", "[Dev] VMError_aaaaaaaa"}, // overlap case
	}
	RunJanitor(context.Background(), view, 60, testLog(), nil)

	if len(view.deleted) != 3 {
		t.Fatalf("expected union of 3 distinct names deleted, got %v", view.deleted)
	}
}

func TestJanitorSkipsInitVMsWhenTTLNonPositive(t *testing.T) {
	view := &fakeView{
		fault: []string{"[Dev] VMError_aaaaaaaa"},
		init:  []string{"[Dev] VMInit_cccccccc"},
	}
	RunJanitor(context.Background(), view, 0, testLog(), nil)

	if len(view.deleted) != 1 || view.deleted[0] != "[Dev] VMError_aaaaaaaa" {
		t.Fatalf("expected only the fault vm deleted, got %v", view.deleted)
	}
}

func TestStopHaltsLoop(t *testing.T) {
	view := &fakeView{ready: 100} // never triggers enqueue
	queue := control.NewCloneQueue()
	var pending control.PendingCounter

	r := New(Config{MinReadyVM: 1, MaxReadyVM: 1, BatchSize: 1, CheckInterval: 5 * time.Millisecond}, view, queue, &pending, testLog())
	done := make(chan struct{})
	go func() { r.Run(context.Background()); close(done) }()

	time.Sleep(20 * time.Millisecond)
	r.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after Stop")
	}
}
