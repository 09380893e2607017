package location

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeProvider struct {
	mu         sync.Mutex
	perm       Permission
	fix        Fix
	hasFix     bool
	readyAfter int
	reads      int
	started    bool
	stopped    bool
}

func (p *fakeProvider) Permission() Permission { return p.perm }

func (p *fakeProvider) StartTracking() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
}

func (p *fakeProvider) StopTracking() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
}

func (p *fakeProvider) Current() (Fix, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++
	if p.hasFix && p.reads > p.readyAfter {
		return p.fix, true
	}
	return Fix{}, false
}

func newAcquirer(p Provider) *Acquirer {
	a := NewAcquirer(p, nil)
	a.Interval = time.Millisecond
	return a
}

func TestDeniedPermissionProbesOnce(t *testing.T) {
	p := &fakeProvider{perm: PermissionDenied}
	a := newAcquirer(p)

	if got := a.Acquire(context.Background()); got != Unavailable {
		t.Fatalf("got %q, want unavailable", got)
	}
	if p.reads != 1 {
		t.Fatalf("provider read %d times, want exactly 1", p.reads)
	}
	if a.Probes() != 1 {
		t.Fatalf("probes = %d, want 1", a.Probes())
	}
	if p.started {
		t.Fatal("tracking must not start without authorization")
	}
}

func TestFixDeliveredMidLoop(t *testing.T) {
	p := &fakeProvider{
		perm:       PermissionAuthorized,
		fix:        Fix{Latitude: 51.5, Longitude: -0.12, Accuracy: 10},
		hasFix:     true,
		readyAfter: 2,
	}
	a := newAcquirer(p)

	got := a.Acquire(context.Background())
	if got != "51.5,-0.12,10" {
		t.Fatalf("got %q", got)
	}
	if !p.started || !p.stopped {
		t.Fatalf("tracking lifecycle started=%v stopped=%v", p.started, p.stopped)
	}
}

func TestProbeBudgetExhausted(t *testing.T) {
	p := &fakeProvider{perm: PermissionAuthorized}
	a := newAcquirer(p)

	if got := a.Acquire(context.Background()); got != Unavailable {
		t.Fatalf("got %q, want unavailable", got)
	}
	if a.Probes() != int64(a.MaxProbes)+1 {
		t.Fatalf("probes = %d, want %d", a.Probes(), a.MaxProbes+1)
	}
	if !p.stopped {
		t.Fatal("tracking must stop after giving up")
	}
}

func TestContextCancelStopsLoop(t *testing.T) {
	p := &fakeProvider{perm: PermissionAuthorized}
	a := NewAcquirer(p, nil)
	a.Interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan string, 1)
	go func() { done <- a.Acquire(ctx) }()
	cancel()

	select {
	case got := <-done:
		if got != Unavailable {
			t.Fatalf("got %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("acquire did not return after cancel")
	}
}

func TestNullProvider(t *testing.T) {
	a := newAcquirer(NullProvider{})
	if got := a.Acquire(context.Background()); got != Unavailable {
		t.Fatalf("got %q", got)
	}
}

func TestStaticProvider(t *testing.T) {
	a := newAcquirer(&StaticProvider{Fix: Fix{Latitude: 1, Longitude: 2, Accuracy: 3}})
	if got := a.Acquire(context.Background()); got != "1,2,3" {
		t.Fatalf("got %q", got)
	}
}
