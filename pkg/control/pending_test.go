package control

import (
	"sync"
	"testing"
)

func TestPendingCounterIncDec(t *testing.T) {
	var p PendingCounter
	p.Inc()
	p.Inc()
	p.Dec()
	if got := p.Value(); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
}

func TestPendingCounterFlooredAtZero(t *testing.T) {
	var p PendingCounter
	p.Dec()
	p.Dec()
	if got := p.Value(); got != 0 {
		t.Fatalf("expected floor at 0, got %d", got)
	}
}

func TestPendingCounterResetTo(t *testing.T) {
	var p PendingCounter
	p.Inc()
	p.ResetTo(5)
	if got := p.Value(); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
	p.ResetTo(-3)
	if got := p.Value(); got != 0 {
		t.Fatalf("expected negative reset floored to 0, got %d", got)
	}
}

func TestPendingCounterConcurrentAccess(t *testing.T) {
	var p PendingCounter
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Inc()
		}()
	}
	wg.Wait()
	if got := p.Value(); got != 100 {
		t.Fatalf("expected 100, got %d", got)
	}
}
