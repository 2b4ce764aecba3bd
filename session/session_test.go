package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/showchat-go/async"
	"github.com/ggoodman/showchat-go/backend/memorybackend"
	"github.com/ggoodman/showchat-go/config"
	"github.com/ggoodman/showchat-go/failure"
)

func newBackend(opts ...memorybackend.Option) *memorybackend.Backend {
	return memorybackend.New(append([]memorybackend.Option{
		memorybackend.WithCatalog(memorybackend.Catalog{ClientKeys: []string{"ck-test"}}),
	}, opts...)...)
}

func await[T any](t *testing.T, f *async.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Await(ctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		t.Fatalf("future did not complete")
	}
	return v, err
}

func TestInitializeEmptyKeyNeverReady(t *testing.T) {
	mb := newBackend()
	a := New(mb, async.NewPool())

	st, err := await(t, a.Initialize(context.Background(), "  ", config.Options{}))
	if !errors.Is(err, failure.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if st != StateFailed {
		t.Fatalf("state = %s", st)
	}
	if s := a.Status(); s.State != StateFailed || !errors.Is(s.Reason, failure.ErrInvalidInput) {
		t.Fatalf("unexpected status: %+v", s)
	}
	if mb.Authorizations() != 0 {
		t.Fatalf("backend was called %d times", mb.Authorizations())
	}
	if _, err := a.Grant(); !errors.Is(err, failure.ErrNotReady) {
		t.Fatalf("Grant: expected not ready, got %v", err)
	}
}

func TestInitializeReady(t *testing.T) {
	a := New(newBackend(), async.NewPool())
	if a.Status().State != StateUninitialized {
		t.Fatalf("initial state = %s", a.Status().State)
	}

	fired := make(chan State, 2)
	f := a.Initialize(context.Background(), "ck-test", config.Options{DebugMode: true, TestMode: true})
	f.OnComplete(func(State, error) {
		// State is settled before completion fires.
		fired <- a.Status().State
	})
	st, err := await(t, f)
	if err != nil || st != StateReady {
		t.Fatalf("Initialize = %s, %v", st, err)
	}
	g, err := a.Grant()
	if err != nil || g.Token == "" {
		t.Fatalf("Grant = %+v, %v", g, err)
	}
	if !a.Ready() {
		t.Fatalf("Ready() = false")
	}
	select {
	case st := <-fired:
		if st != StateReady {
			t.Fatalf("state at completion = %s", st)
		}
	case <-time.After(time.Second):
		t.Fatalf("completion callback did not fire")
	}
	select {
	case <-fired:
		t.Fatalf("completion fired twice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestInitializeRejectedKey(t *testing.T) {
	a := New(newBackend(), async.NewPool())
	_, err := await(t, a.Initialize(context.Background(), "wrong", config.Options{}))
	if !errors.Is(err, failure.ErrInvalidCredential) {
		t.Fatalf("expected invalid credential, got %v", err)
	}
	_, gerr := a.Grant()
	if !errors.Is(gerr, failure.ErrNotReady) || !errors.Is(gerr, failure.ErrInvalidCredential) {
		t.Fatalf("Grant should be not ready and carry the reason: %v", gerr)
	}
}

func TestInitializeTransport(t *testing.T) {
	a := New(newBackend(memorybackend.WithFault(func(ctx context.Context, op string) error {
		return errors.New("dial tcp: connection refused")
	})), async.NewPool())
	_, err := await(t, a.Initialize(context.Background(), "ck-test", config.Options{}))
	if !errors.Is(err, failure.ErrTransport) {
		t.Fatalf("expected transport, got %v", err)
	}
}

func TestInitializeTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	a := New(newBackend(memorybackend.WithFault(func(ctx context.Context, op string) error {
		<-block
		return nil
	})), async.NewPool(async.WithTimeout(50*time.Millisecond)))

	_, err := await(t, a.Initialize(context.Background(), "ck-test", config.Options{}))
	if !errors.Is(err, failure.ErrTransport) {
		t.Fatalf("expected transport on timeout, got %v", err)
	}
}

func TestInitializingIsSynchronousAndResetDropsInflight(t *testing.T) {
	release := make(chan struct{})
	a := New(newBackend(memorybackend.WithFault(func(ctx context.Context, op string) error {
		<-release
		return nil
	})), async.NewPool())

	f := a.Initialize(context.Background(), "ck-test", config.Options{})
	if a.Status().State != StateInitializing {
		t.Fatalf("state = %s, want initializing", a.Status().State)
	}
	a.Reset()
	close(release)

	if _, err := await(t, f); err != nil {
		t.Fatalf("in-flight call should still complete on its own future: %v", err)
	}
	if a.Status().State != StateUninitialized {
		t.Fatalf("state = %s, want uninitialized after reset", a.Status().State)
	}
}

func TestLastCompletionWins(t *testing.T) {
	a := New(newBackend(), async.NewPool())
	if _, err := await(t, a.Initialize(context.Background(), "ck-test", config.Options{})); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := await(t, a.Initialize(context.Background(), "", config.Options{})); err == nil {
		t.Fatalf("second: expected failure")
	}
	if a.Status().State != StateFailed {
		t.Fatalf("state = %s", a.Status().State)
	}
	if _, err := await(t, a.Initialize(context.Background(), "ck-test", config.Options{})); err != nil {
		t.Fatalf("third: %v", err)
	}
	if a.Status().State != StateReady {
		t.Fatalf("state = %s", a.Status().State)
	}
}

func TestGrantExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	mb := newBackend(memorybackend.WithGrantTTL(time.Minute), memorybackend.WithClock(clock))
	a := New(mb, async.NewPool(), WithClock(clock))

	if _, err := await(t, a.Initialize(context.Background(), "ck-test", config.Options{})); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	if _, err := a.Grant(); !errors.Is(err, failure.ErrNotReady) {
		t.Fatalf("expected expired grant to be not ready, got %v", err)
	}
}
