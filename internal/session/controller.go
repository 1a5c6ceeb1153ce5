// Package session owns the lifecycle of the remote messaging session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wasender/internal/domain"
	"wasender/internal/metrics"
)

var (
	// ErrInvalidTransition is returned when an operation is not allowed in
	// the controller's current state.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrAwaitTimeout is returned when a human-gated wait exceeds the
	// configured maximum.
	ErrAwaitTimeout = errors.New("timed out waiting for operator")
)

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Surface      domain.Surface
	Window       domain.Window   // optional
	Reporter     domain.Reporter // optional
	HumanWait    time.Duration   // 0 = wait forever
	SignOutDelay time.Duration   // pause before the sign-out sequence
	StepDelay    time.Duration   // pause after each sign-out step
	Logger       *slog.Logger
}

// Controller moves the session through
// LoggedOut → Authenticating → Ready → Dispatching → SigningOut → LoggedOut.
type Controller struct {
	surface      domain.Surface
	window       domain.Window
	reporter     domain.Reporter
	humanWait    time.Duration
	signOutDelay time.Duration
	stepDelay    time.Duration
	logger       *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error

	mu            sync.Mutex
	state         domain.SessionState
	windowLowered bool
	closed        bool
}

// NewController creates a controller in the LoggedOut state.
func NewController(cfg ControllerConfig) *Controller {
	window := cfg.Window
	if window == nil {
		window = nopWindow{}
	}
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = nopReporter{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		surface:      cfg.Surface,
		window:       window,
		reporter:     reporter,
		humanWait:    cfg.HumanWait,
		signOutDelay: cfg.SignOutDelay,
		stepDelay:    cfg.StepDelay,
		logger:       logger,
		sleep:        Sleep,
		state:        domain.StateLoggedOut,
	}
}

// State returns the current state.
func (c *Controller) State() domain.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) transition(from []domain.SessionState, to domain.SessionState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range from {
		if c.state == s {
			c.logger.Debug("session transition", "from", c.state, "to", to)
			c.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, c.state, to)
}

func (c *Controller) set(to domain.SessionState) {
	c.mu.Lock()
	c.state = to
	c.mu.Unlock()
	c.report(to)
}

func (c *Controller) report(to domain.SessionState) {
	metrics.SessionState.Set(int64(to))
	c.reporter.Report(domain.StatusEvent{
		Kind:    domain.EventSession,
		Message: to.String(),
		Time:    time.Now(),
	})
}

// SignIn opens the entry page and waits for the operator to authenticate.
// On failure the controller returns to LoggedOut.
func (c *Controller) SignIn(ctx context.Context) error {
	if err := c.transition([]domain.SessionState{domain.StateLoggedOut}, domain.StateAuthenticating); err != nil {
		return err
	}
	c.report(domain.StateAuthenticating)

	if err := c.window.SetAlwaysOnTop(false); err != nil {
		c.logger.Warn("cannot lower window", "error", err)
	} else {
		c.mu.Lock()
		c.windowLowered = true
		c.mu.Unlock()
	}

	if err := c.surface.Open(ctx); err != nil {
		c.set(domain.StateLoggedOut)
		return fmt.Errorf("open entry page: %w", err)
	}

	c.logger.Info("waiting for login")
	if err := c.humanGate(ctx, c.surface.WaitAuthenticated); err != nil {
		c.set(domain.StateLoggedOut)
		return fmt.Errorf("wait for login: %w", err)
	}
	c.set(domain.StateReady)
	c.logger.Info("logged in")

	dismissed, err := c.surface.DismissInterstitial(ctx)
	switch {
	case err != nil:
		c.logger.Warn("interstitial check failed", "error", err)
	case dismissed:
		c.logger.Info("dismissed 'Continue' prompt")
	default:
		c.logger.Debug("no 'Continue' prompt found")
	}
	return nil
}

// BeginDispatch marks the start of the recipient loop.
func (c *Controller) BeginDispatch() error {
	if err := c.transition([]domain.SessionState{domain.StateReady}, domain.StateDispatching); err != nil {
		return err
	}
	c.report(domain.StateDispatching)
	return nil
}

// OpenConversation opens a conversation for identity. Only valid while
// dispatching.
func (c *Controller) OpenConversation(ctx context.Context, identity, text string) (domain.Conversation, error) {
	if st := c.State(); st != domain.StateDispatching {
		return nil, fmt.Errorf("%w: open conversation in %s", ErrInvalidTransition, st)
	}
	return c.surface.OpenConversation(ctx, identity, text)
}

// SignOut runs the fixed sign-out sequence and waits for the logged-out
// marker. The window is restored on success.
func (c *Controller) SignOut(ctx context.Context) error {
	if err := c.transition([]domain.SessionState{domain.StateDispatching, domain.StateReady}, domain.StateSigningOut); err != nil {
		return err
	}
	c.report(domain.StateSigningOut)

	if err := c.sleep(ctx, c.signOutDelay); err != nil {
		return err
	}

	for _, step := range domain.SignOutSequence {
		c.logger.Debug("sign-out step", "step", step)
		err := c.humanGate(ctx, func(ctx context.Context) error {
			return c.surface.SignOutStep(ctx, step)
		})
		if err != nil {
			return fmt.Errorf("sign-out step %s: %w", step, err)
		}
		if err := c.sleep(ctx, c.stepDelay); err != nil {
			return err
		}
	}

	if err := c.humanGate(ctx, c.surface.WaitLoggedOut); err != nil {
		return fmt.Errorf("wait for logged-out marker: %w", err)
	}
	c.set(domain.StateLoggedOut)
	c.logger.Info("logged out")
	c.restoreWindow()
	return nil
}

// Close releases the surface. If the run ended before reaching LoggedOut
// the window is restored here.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.restoreWindow()
	if c.surface == nil {
		return nil
	}
	return c.surface.Close()
}

func (c *Controller) restoreWindow() {
	c.mu.Lock()
	lowered := c.windowLowered
	c.windowLowered = false
	c.mu.Unlock()
	if !lowered {
		return
	}
	if err := c.window.SetAlwaysOnTop(true); err != nil {
		c.logger.Warn("cannot restore window", "error", err)
	}
}

// humanGate runs wait with the configured maximum, if any.
func (c *Controller) humanGate(ctx context.Context, wait func(context.Context) error) error {
	if c.humanWait <= 0 {
		return wait(ctx)
	}
	wctx, cancel := context.WithTimeout(ctx, c.humanWait)
	defer cancel()
	err := wait(wctx)
	if err != nil && ctx.Err() == nil && errors.Is(wctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrAwaitTimeout, c.humanWait)
	}
	return err
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type nopWindow struct{}

func (nopWindow) SetAlwaysOnTop(bool) error { return nil }

type nopReporter struct{}

func (nopReporter) Report(domain.StatusEvent) {}
