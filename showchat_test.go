package showchat

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ggoodman/showchat-go/auth"
	"github.com/ggoodman/showchat-go/backend"
	"github.com/ggoodman/showchat-go/backend/httpbackend"
	"github.com/ggoodman/showchat-go/backend/memorybackend"
	"github.com/ggoodman/showchat-go/chat"
	"github.com/ggoodman/showchat-go/config"
	"github.com/ggoodman/showchat-go/failure"
	"github.com/ggoodman/showchat-go/model"
	"github.com/ggoodman/showchat-go/session"
	"github.com/ggoodman/showchat-go/streams/memoryhost"
)

const (
	testIssuer   = "https://auth.showchat.test"
	testAudience = "showchat"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newRemoteBackend(t *testing.T) backend.Backend {
	t.Helper()
	verifier, err := auth.NewSymmetric(testIssuer, testAudience, testSecret)
	if err != nil {
		t.Fatalf("NewSymmetric: %v", err)
	}
	mb := memorybackend.New(
		memorybackend.WithCatalog(memorybackend.Catalog{
			ClientKeys: []string{"ck-live"},
			Shows: []model.Show{{
				ID: "7", ShowKey: "S7", Name: "Finale", Status: "live",
				HLSURL: "https://cdn.example.com/s7/master.m3u8", HLSPlaybackURL: "https://cdn.example.com/s7/playback.m3u8",
			}},
		}),
		memorybackend.WithVerifier(verifier),
	)
	srv := httptest.NewServer(httpbackend.NewHandler(mb))
	t.Cleanup(srv.Close)
	c, err := httpbackend.NewClient(srv.URL, httpbackend.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStartEndToEnd(t *testing.T) {
	ctx := waitCtx(t)
	c := New(newRemoteBackend(t), memoryhost.New())
	defer c.Close(ctx)

	tok, err := auth.IssueSymmetric(testSecret, testIssuer, testAudience, "viewer-99", time.Minute)
	if err != nil {
		t.Fatalf("IssueSymmetric: %v", err)
	}
	st := c.Start(ctx, config.Config{
		ClientKey:  "ck-live",
		ShowKey:    "S7",
		Credential: tok,
		Options:    config.Options{DebugMode: true, TestMode: true},
	})
	if err := st.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if s, _ := st.Session.Result(); s != session.StateReady {
		t.Fatalf("session = %s", s)
	}
	details, _ := st.Details.Result()
	if details.Name != "Finale" {
		t.Fatalf("details = %+v", details)
	}
	status, _ := st.Status.Result()
	if status != details.StatusSnapshot() {
		t.Fatalf("status %+v does not match details %+v", status, details)
	}
	id, _ := st.Chat.Result()
	if id.UserID != "viewer-99" || id.Guest {
		t.Fatalf("identity = %+v", id)
	}

	ch := c.Chat().Channel()
	got := make(chan model.Message, 4)
	sub, err := ch.Subscribe(ctx, func(ctx context.Context, msg model.Message) error {
		got <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	tt, err := ch.Publish(ctx, "hello from the front row").Await(ctx)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case msg := <-got:
		if msg.Timetoken != tt || msg.SenderID != "viewer-99" {
			t.Fatalf("delivered %+v, published %s", msg, tt)
		}
	case <-ctx.Done():
		t.Fatalf("message not delivered")
	}

	page, err := ch.History(ctx, 0, "").Await(ctx)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].Text != "hello from the front row" || page.More {
		t.Fatalf("history = %+v", page)
	}

	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-sub.Done()
	if !errors.Is(sub.Err(), chat.ErrSessionClosed) {
		t.Fatalf("subscription ended with %v", sub.Err())
	}
}

func TestStartEmptyClientKey(t *testing.T) {
	ctx := waitCtx(t)
	c := New(newRemoteBackend(t), memoryhost.New())
	st := c.Start(ctx, config.Config{ShowKey: "S7", Guest: true})

	err := st.Wait(ctx)
	if !errors.Is(err, failure.ErrInvalidInput) && !errors.Is(err, failure.ErrNotReady) {
		t.Fatalf("Wait: %v", err)
	}
	if _, err := st.Session.Await(ctx); !errors.Is(err, failure.ErrInvalidInput) {
		t.Fatalf("session: %v", err)
	}
	for name, err := range map[string]error{
		"details": second(st.Details.Await(ctx)),
		"status":  second(st.Status.Await(ctx)),
		"chat":    second(st.Chat.Await(ctx)),
	} {
		if !errors.Is(err, failure.ErrNotReady) || !errors.Is(err, failure.ErrInvalidInput) {
			t.Fatalf("%s: expected not ready wrapping invalid input, got %v", name, err)
		}
	}
	if c.Session().Status().State == session.StateReady {
		t.Fatalf("session became ready")
	}
}

func TestShowIndependentOfChat(t *testing.T) {
	ctx := waitCtx(t)
	c := New(newRemoteBackend(t), memoryhost.New())
	st := c.Start(ctx, config.Config{ClientKey: "ck-live", ShowKey: "S7"})

	if _, err := st.Details.Await(ctx); err != nil {
		t.Fatalf("details: %v", err)
	}
	if _, err := st.Chat.Await(ctx); !errors.Is(err, failure.ErrInvalidInput) {
		t.Fatalf("chat without credential: expected invalid input, got %v", err)
	}
	if state, _ := c.Chat().State(); state != chat.StateFailed {
		t.Fatalf("chat state = %s", state)
	}
}

func TestGuestStart(t *testing.T) {
	ctx := waitCtx(t)
	c := New(newRemoteBackend(t), memoryhost.New(), WithRuntime(config.Runtime{CallTimeout: 2 * time.Second, Workers: 4, HistoryPageSize: 10}))
	st := c.Start(ctx, config.Config{ClientKey: "ck-live", ShowKey: "S7", Guest: true, Credential: "ignored"})
	id, err := st.Chat.Await(ctx)
	if err != nil {
		t.Fatalf("guest chat: %v", err)
	}
	if id.UserID == "" || !id.Guest {
		t.Fatalf("identity = %+v", id)
	}
}

func second[T any](_ T, err error) error { return err }
