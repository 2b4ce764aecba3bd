package show

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/showchat-go/async"
	"github.com/ggoodman/showchat-go/backend"
	"github.com/ggoodman/showchat-go/backend/memorybackend"
	"github.com/ggoodman/showchat-go/failure"
	"github.com/ggoodman/showchat-go/model"
)

type fixedSession struct {
	g   backend.Grant
	err error
}

func (s fixedSession) Grant() (backend.Grant, error) { return s.g, s.err }

type countingBackend struct {
	backend.Backend
	calls int
}

func (c *countingBackend) ShowDetails(ctx context.Context, g backend.Grant, k string) (model.Show, error) {
	c.calls++
	return c.Backend.ShowDetails(ctx, g, k)
}

func (c *countingBackend) ShowStatus(ctx context.Context, g backend.Grant, k string) (model.ShowStatus, error) {
	c.calls++
	return c.Backend.ShowStatus(ctx, g, k)
}

func setup(t *testing.T, opts ...memorybackend.Option) (*Resolver, *countingBackend) {
	t.Helper()
	mb := memorybackend.New(append([]memorybackend.Option{memorybackend.WithCatalog(memorybackend.Catalog{
		ClientKeys: []string{"ck-test"},
		Shows: []model.Show{{
			ID: "42", ShowKey: "S1", Name: "Launch Party", Description: "Opening night", Status: "live",
			TrailerURL: "https://cdn.example.com/s1/trailer.mp4",
			HLSURL:     "https://cdn.example.com/s1/master.m3u8", HLSPlaybackURL: "https://cdn.example.com/s1/playback.m3u8",
		}},
	})}, opts...)...)
	g, err := mb.Authorize(context.Background(), backend.AuthorizeRequest{ClientKey: "ck-test"})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	cb := &countingBackend{Backend: mb}
	return New(cb, fixedSession{g: g}, async.NewPool()), cb
}

func await[T any](t *testing.T, f *async.Future[T]) (T, error) {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("future did not complete")
	}
	return f.Result()
}

func TestGetDetails(t *testing.T) {
	r, _ := setup(t)
	s, err := await(t, r.GetDetails(context.Background(), "S1"))
	if err != nil {
		t.Fatalf("GetDetails: %v", err)
	}
	if s.ID != "42" || s.Description != "Opening night" || s.TrailerURL == "" {
		t.Fatalf("unexpected show: %+v", s)
	}
}

func TestGetStatusIsStable(t *testing.T) {
	r, cb := setup(t)
	a, err := await(t, r.GetStatus(context.Background(), "S1"))
	if err != nil {
		t.Fatalf("first GetStatus: %v", err)
	}
	b, err := await(t, r.GetStatus(context.Background(), "S1"))
	if err != nil {
		t.Fatalf("second GetStatus: %v", err)
	}
	if a != b {
		t.Fatalf("status changed without backend change: %+v vs %+v", a, b)
	}
	if cb.calls != 2 {
		t.Fatalf("expected uncached reads, got %d backend calls", cb.calls)
	}
}

func TestEmptyKeySkipsBackend(t *testing.T) {
	r, cb := setup(t)
	if _, err := await(t, r.GetDetails(context.Background(), "")); !errors.Is(err, failure.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := await(t, r.GetStatus(context.Background(), " ")); !errors.Is(err, failure.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if cb.calls != 0 {
		t.Fatalf("backend called %d times", cb.calls)
	}
}

func TestUnknownShow(t *testing.T) {
	r, _ := setup(t)
	if _, err := await(t, r.GetDetails(context.Background(), "missing")); !errors.Is(err, failure.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestSessionNotReady(t *testing.T) {
	mb := memorybackend.New()
	r := New(mb, fixedSession{err: failure.New(failure.KindNotReady, "session.grant", "session is uninitialized")}, async.NewPool())
	if _, err := await(t, r.GetDetails(context.Background(), "S1")); !errors.Is(err, failure.ErrNotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}
}

func TestTransportFailure(t *testing.T) {
	r, _ := setup(t, memorybackend.WithFault(func(ctx context.Context, op string) error {
		if op == "backend.show_details" {
			return errors.New("i/o timeout")
		}
		return nil
	}))
	if _, err := await(t, r.GetDetails(context.Background(), "S1")); !errors.Is(err, failure.ErrTransport) {
		t.Fatalf("expected transport, got %v", err)
	}
}
