package builder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zeon-infra/vm-refiller/pkg/control"
	"github.com/zeon-infra/vm-refiller/pkg/domain"
)

type fakeProcess struct {
	results  chan domain.WorkerResult
	waitErr  error
	killCh   chan struct{}
	killed   bool
	waitTook time.Duration
}

func newFakeProcess(result domain.WorkerResult, hasResult bool, waitTook time.Duration) *fakeProcess {
	fp := &fakeProcess{results: make(chan domain.WorkerResult, 1), waitTook: waitTook, killCh: make(chan struct{})}
	if hasResult {
		fp.results <- result
	}
	close(fp.results)
	return fp
}

func (f *fakeProcess) Results() <-chan domain.WorkerResult { return f.results }
func (f *fakeProcess) Wait() error {
	select {
	case <-time.After(f.waitTook):
	case <-f.killCh:
	}
	return f.waitErr
}
func (f *fakeProcess) Kill() error {
	f.killed = true
	close(f.killCh)
	return nil
}

type fakeSpawner struct {
	mu       sync.Mutex
	spawnFn  func(ctx context.Context, task domain.CloneTask) (Process, error)
	spawned  int
	inflight int
	maxConc  int
}

func (s *fakeSpawner) Spawn(ctx context.Context, task domain.CloneTask) (Process, error) {
	s.mu.Lock()
	s.spawned++
	s.inflight++
	if s.inflight > s.maxConc {
		s.maxConc = s.inflight
	}
	s.mu.Unlock()
	p, err := s.spawnFn(ctx, task)
	return &trackedProcess{Process: p, done: func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}}, err
}

type trackedProcess struct {
	Process
	done func()
}

func (t *trackedProcess) Wait() error {
	err := t.Process.Wait()
	t.done()
	return err
}

type fakeFaultMarker struct {
	mu     sync.Mutex
	marked []string
}

func (f *fakeFaultMarker) MarkFaultByName(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, name)
	return nil
}

func testLog() *logrus.Entry { return logrus.NewEntry(logrus.New()) }

func TestPoolHandlesOKResult(t *testing.T) {
	queue := control.NewCloneQueue()
	var pending control.PendingCounter
	task := domain.NewCloneTask()
	queue.Put(task)
	pending.Inc()

	spawner := &fakeSpawner{spawnFn: func(ctx context.Context, task domain.CloneTask) (Process, error) {
		return newFakeProcess(domain.WorkerResult{Status: domain.StatusOK, VMName: "[Dev] VM2login_" + task.Hex8()}, true, 0), nil
	}}
	fault := &fakeFaultMarker{}

	p := New(Config{Env: "Dev", BuilderProc: 2, WorkerTimeout: time.Second}, queue, &pending, spawner, fault, testLog())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	waitForCondition(t, func() bool { return pending.Value() == 0 })
	cancel()
	<-done

	if len(fault.marked) != 0 {
		t.Fatalf("expected no fault marks on OK result, got %v", fault.marked)
	}
}

func TestPoolMarksFaultOnSilentExit(t *testing.T) {
	queue := control.NewCloneQueue()
	var pending control.PendingCounter
	task := domain.NewCloneTask()
	queue.Put(task)
	pending.Inc()

	spawner := &fakeSpawner{spawnFn: func(ctx context.Context, task domain.CloneTask) (Process, error) {
		return newFakeProcess(domain.WorkerResult{}, false, 0), nil // process exits, no result
	}}
	fault := &fakeFaultMarker{}

	p := New(Config{Env: "Dev", BuilderProc: 1, WorkerTimeout: time.Second}, queue, &pending, spawner, fault, testLog())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	waitForCondition(t, func() bool { return pending.Value() == 0 })
	cancel()
	<-done

	if len(fault.marked) != 1 {
		t.Fatalf("expected exactly one fault mark on silent exit, got %v", fault.marked)
	}
}

func TestPoolRespectsConcurrencyBound(t *testing.T) {
	queue := control.NewCloneQueue()
	var pending control.PendingCounter
	const n = 6
	for i := 0; i < n; i++ {
		queue.Put(domain.NewCloneTask())
		pending.Inc()
	}

	spawner := &fakeSpawner{spawnFn: func(ctx context.Context, task domain.CloneTask) (Process, error) {
		return newFakeProcess(domain.WorkerResult{Status: domain.StatusOK, VMName: "x"}, true, 20*time.Millisecond), nil
	}}

	p := New(Config{Env: "Dev", BuilderProc: 2, WorkerTimeout: time.Second}, queue, &pending, spawner, nil, testLog())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	waitForCondition(t, func() bool { return pending.Value() == 0 })
	cancel()
	<-done

	spawner.mu.Lock()
	defer spawner.mu.Unlock()
	if spawner.maxConc > 2 {
		t.Fatalf("expected at most 2 concurrent workers, observed %d", spawner.maxConc)
	}
	if spawner.spawned != n {
		t.Fatalf("expected %d spawns, got %d", n, spawner.spawned)
	}
}

func TestPoolTerminatesOnHardDeadline(t *testing.T) {
	queue := control.NewCloneQueue()
	var pending control.PendingCounter
	task := domain.NewCloneTask()
	queue.Put(task)
	pending.Inc()

	var killedProc *fakeProcess
	spawner := &fakeSpawner{spawnFn: func(ctx context.Context, task domain.CloneTask) (Process, error) {
		fp := newFakeProcess(domain.WorkerResult{}, false, time.Hour) // never returns in test lifetime
		killedProc = fp
		return fp, nil
	}}

	p := New(Config{Env: "Dev", BuilderProc: 1, WorkerTimeout: 20 * time.Millisecond}, queue, &pending, spawner, &fakeFaultMarker{}, testLog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	waitForCondition(t, func() bool { return killedProc != nil && killedProc.killed })
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
