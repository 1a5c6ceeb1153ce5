package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"wasender/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSurface struct {
	mu            sync.Mutex
	calls         []string
	openErr       error
	blockAuth     bool
	interstitial  bool
	failStep      domain.SignOutStep
	failStepErr   error
	conversations int
	closed        bool
}

func (f *fakeSurface) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeSurface) Open(ctx context.Context) error {
	f.record("open")
	return f.openErr
}

func (f *fakeSurface) WaitAuthenticated(ctx context.Context) error {
	f.record("wait-auth")
	if f.blockAuth {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeSurface) DismissInterstitial(ctx context.Context) (bool, error) {
	f.record("dismiss")
	return f.interstitial, nil
}

func (f *fakeSurface) OpenConversation(ctx context.Context, identity, text string) (domain.Conversation, error) {
	f.record("conversation:" + identity)
	f.conversations++
	return nil, nil
}

func (f *fakeSurface) SignOutStep(ctx context.Context, step domain.SignOutStep) error {
	f.record("step:" + step.String())
	if f.failStepErr != nil && step == f.failStep {
		return f.failStepErr
	}
	return nil
}

func (f *fakeSurface) WaitLoggedOut(ctx context.Context) error {
	f.record("wait-logged-out")
	return nil
}

func (f *fakeSurface) Close() error {
	f.closed = true
	return nil
}

type fakeWindow struct {
	states []bool
}

func (w *fakeWindow) SetAlwaysOnTop(on bool) error {
	w.states = append(w.states, on)
	return nil
}

type recordingReporter struct {
	events []domain.StatusEvent
}

func (r *recordingReporter) Report(ev domain.StatusEvent) { r.events = append(r.events, ev) }

func newTestController(s *fakeSurface, w *fakeWindow, humanWait time.Duration) *Controller {
	c := NewController(ControllerConfig{
		Surface:   s,
		Window:    w,
		HumanWait: humanWait,
		Logger:    testLogger(),
	})
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func TestController_FullLifecycle(t *testing.T) {
	s := &fakeSurface{interstitial: true}
	w := &fakeWindow{}
	rep := &recordingReporter{}
	c := newTestController(s, w, 0)
	c.reporter = rep
	ctx := context.Background()

	if err := c.SignIn(ctx); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if c.State() != domain.StateReady {
		t.Fatalf("expected Ready, got %s", c.State())
	}
	if err := c.BeginDispatch(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := c.OpenConversation(ctx, "+6591234567", "hi"); err != nil {
		t.Fatalf("open conversation: %v", err)
	}
	if err := c.SignOut(ctx); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if c.State() != domain.StateLoggedOut {
		t.Fatalf("expected LoggedOut, got %s", c.State())
	}

	want := []string{
		"open", "wait-auth", "dismiss", "conversation:+6591234567",
		"step:acknowledge-session", "step:open-menu", "step:sign-out", "step:confirm-sign-out",
		"wait-logged-out",
	}
	if len(s.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", s.calls, want)
	}
	for i := range want {
		if s.calls[i] != want[i] {
			t.Fatalf("call %d = %q, want %q (all: %v)", i, s.calls[i], want[i], s.calls)
		}
	}

	if len(w.states) != 2 || w.states[0] != false || w.states[1] != true {
		t.Fatalf("window should be lowered then restored, got %v", w.states)
	}

	var seen []string
	for _, ev := range rep.events {
		seen = append(seen, ev.Message)
	}
	wantStates := []string{"Authenticating", "Ready", "Dispatching", "SigningOut", "LoggedOut"}
	if len(seen) != len(wantStates) {
		t.Fatalf("reported states = %v, want %v", seen, wantStates)
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !s.closed {
		t.Fatal("surface should be closed")
	}
	if len(w.states) != 2 {
		t.Fatalf("Close after a clean sign-out must not touch the window again: %v", w.states)
	}
}

func TestController_LoggerAttrsComeFromCaller(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil)).With("component", "session")
	c := NewController(ControllerConfig{Surface: &fakeSurface{}, Logger: logger})

	if err := c.SignIn(context.Background()); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) == 0 || lines[0] == "" {
		t.Fatal("expected sign-in log lines")
	}
	for _, l := range lines {
		if n := strings.Count(l, "component=session"); n != 1 {
			t.Fatalf("component attr written %d times in %q", n, l)
		}
	}
}

func TestController_InvalidTransitions(t *testing.T) {
	c := newTestController(&fakeSurface{}, &fakeWindow{}, 0)
	ctx := context.Background()

	if err := c.BeginDispatch(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("BeginDispatch from LoggedOut: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := c.OpenConversation(ctx, "1", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("OpenConversation from LoggedOut: expected ErrInvalidTransition, got %v", err)
	}
	if err := c.SignOut(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("SignOut from LoggedOut: expected ErrInvalidTransition, got %v", err)
	}

	if err := c.SignIn(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.OpenConversation(ctx, "1", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("OpenConversation from Ready: expected ErrInvalidTransition, got %v", err)
	}
	if err := c.SignIn(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second SignIn: expected ErrInvalidTransition, got %v", err)
	}
	if err := c.BeginDispatch(); err != nil {
		t.Fatal(err)
	}
	if err := c.BeginDispatch(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second BeginDispatch: expected ErrInvalidTransition, got %v", err)
	}
}

func TestController_SignOutFromReady(t *testing.T) {
	c := newTestController(&fakeSurface{}, &fakeWindow{}, 0)
	ctx := context.Background()
	if err := c.SignIn(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.SignOut(ctx); err != nil {
		t.Fatalf("sign out from Ready: %v", err)
	}
}

func TestController_HumanWaitTimeout(t *testing.T) {
	s := &fakeSurface{blockAuth: true}
	w := &fakeWindow{}
	c := newTestController(s, w, 20*time.Millisecond)

	err := c.SignIn(context.Background())
	if !errors.Is(err, ErrAwaitTimeout) {
		t.Fatalf("expected ErrAwaitTimeout, got %v", err)
	}
	if c.State() != domain.StateLoggedOut {
		t.Fatalf("failed sign-in should return to LoggedOut, got %s", c.State())
	}

	c.Close()
	if len(w.states) != 2 || w.states[1] != true {
		t.Fatalf("Close should restore the window after an aborted run, got %v", w.states)
	}
}

func TestController_CallerCancelIsNotAwaitTimeout(t *testing.T) {
	s := &fakeSurface{blockAuth: true}
	c := newTestController(s, &fakeWindow{}, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.SignIn(ctx)
	if errors.Is(err, ErrAwaitTimeout) {
		t.Fatal("caller cancellation must not be reported as an operator timeout")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestController_OpenFailure(t *testing.T) {
	s := &fakeSurface{openErr: errors.New("chrome not found")}
	c := newTestController(s, &fakeWindow{}, 0)
	if err := c.SignIn(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if c.State() != domain.StateLoggedOut {
		t.Fatalf("expected LoggedOut, got %s", c.State())
	}
}

func TestController_SignOutStepFailure(t *testing.T) {
	s := &fakeSurface{failStep: domain.StepOpenMenu, failStepErr: errors.New("menu gone")}
	w := &fakeWindow{}
	c := newTestController(s, w, 0)
	ctx := context.Background()
	c.SignIn(ctx)
	c.BeginDispatch()

	err := c.SignOut(ctx)
	if err == nil {
		t.Fatal("expected sign-out error")
	}
	if c.State() != domain.StateSigningOut {
		t.Fatalf("expected SigningOut after failure, got %s", c.State())
	}
	for _, call := range s.calls {
		if call == "step:sign-out" {
			t.Fatal("steps after the failed one must not run")
		}
	}

	c.Close()
	if w.states[len(w.states)-1] != true {
		t.Fatal("window should be restored on Close")
	}
}

func TestSleep_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Sleep ignored cancellation")
	}
}
