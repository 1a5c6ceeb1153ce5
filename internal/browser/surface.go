// Package browser drives WhatsApp Web through Chrome with chromedp. The
// login page stays open for the whole session; each recipient gets its own
// tab.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"wasender/internal/domain"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Config holds configuration for the Chrome surface.
type Config struct {
	BaseURL       string // e.g. https://web.whatsapp.com
	ProfileDir    string // Chrome user data directory (keeps the linked session)
	Headless      bool
	PasteModifier string // "ctrl" or "meta"; empty picks by OS
	Selectors     SelectorSet
	Logger        *slog.Logger
}

// Surface implements domain.Surface on a single Chrome instance.
type Surface struct {
	baseURL    string
	profileDir string
	headless   bool
	modifier   input.Modifier
	sel        SelectorSet
	logger     *slog.Logger

	mu          sync.Mutex
	allocCancel context.CancelFunc
	mainCtx     context.Context // login page tab
	mainCancel  context.CancelFunc
}

var _ domain.Surface = (*Surface)(nil)

// New creates a surface. Chrome is not started until Open.
func New(cfg Config) (*Surface, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://web.whatsapp.com"
	}
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".wasender", "chrome-profile")
	}
	if cfg.Selectors == (SelectorSet{}) {
		cfg.Selectors = WhatsAppSelectors()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	mod, err := pasteModifier(cfg.PasteModifier, runtime.GOOS)
	if err != nil {
		return nil, err
	}
	return &Surface{
		baseURL:    cfg.BaseURL,
		profileDir: cfg.ProfileDir,
		headless:   cfg.Headless,
		modifier:   mod,
		sel:        cfg.Selectors,
		logger:     cfg.Logger,
	}, nil
}

func pasteModifier(name, goos string) (input.Modifier, error) {
	switch name {
	case "ctrl":
		return input.ModifierCtrl, nil
	case "meta":
		return input.ModifierMeta, nil
	case "":
		if goos == "darwin" {
			return input.ModifierMeta, nil
		}
		return input.ModifierCtrl, nil
	default:
		return 0, fmt.Errorf("unknown paste modifier %q", name)
	}
}

// Open starts Chrome with the persistent profile and loads the entry page.
// The browser outlives ctx and is released by Close.
func (s *Surface) Open(ctx context.Context) error {
	if err := os.MkdirAll(s.profileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(s.profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent(userAgent),
	)
	if s.headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	mainCtx, mainCancel := chromedp.NewContext(allocCtx)

	// The first Run allocates the browser and must not carry a deadline.
	if err := chromedp.Run(mainCtx); err != nil {
		mainCancel()
		allocCancel()
		return fmt.Errorf("start chrome: %w", err)
	}

	s.mu.Lock()
	s.allocCancel = allocCancel
	s.mainCtx = mainCtx
	s.mainCancel = mainCancel
	s.mu.Unlock()

	s.logger.Info("opening messaging surface", "url", s.baseURL, "profile", s.profileDir)
	if err := runIn(ctx, mainCtx, chromedp.Navigate(s.baseURL)); err != nil {
		return fmt.Errorf("navigate to %s: %w", s.baseURL, err)
	}
	return nil
}

func (s *Surface) main() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mainCtx == nil {
		return nil, fmt.Errorf("surface not open")
	}
	return s.mainCtx, nil
}

func (s *Surface) WaitAuthenticated(ctx context.Context) error {
	target, err := s.main()
	if err != nil {
		return err
	}
	return waitVisible(ctx, target, s.sel.Authenticated)
}

// DismissInterstitial clicks the first button whose label matches the
// configured "Continue" text.
func (s *Surface) DismissInterstitial(ctx context.Context) (bool, error) {
	target, err := s.main()
	if err != nil {
		return false, err
	}
	label, _ := json.Marshal(s.sel.Continue)
	expr := fmt.Sprintf(`(function(label) {
		var buttons = document.querySelectorAll('button');
		for (var i = 0; i < buttons.length; i++) {
			if ((buttons[i].innerText || '').trim() === label) {
				buttons[i].click();
				return true;
			}
		}
		return false;
	})(%s)`, label)

	var clicked bool
	if err := runIn(ctx, target, chromedp.Evaluate(expr, &clicked)); err != nil {
		return false, fmt.Errorf("dismiss interstitial: %w", err)
	}
	return clicked, nil
}

// OpenConversation opens a new tab on the deep link for identity.
func (s *Surface) OpenConversation(ctx context.Context, identity, text string) (domain.Conversation, error) {
	browserCtx, err := s.main()
	if err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}

	conv := &conversation{
		ctx:      tabCtx,
		cancel:   tabCancel,
		sel:      s.sel,
		modifier: s.modifier,
		chooser:  make(chan cdp.BackendNodeID, 1),
	}
	chromedp.ListenTarget(tabCtx, func(ev any) {
		if e, ok := ev.(*page.EventFileChooserOpened); ok {
			select {
			case conv.chooser <- e.BackendNodeID:
			default:
			}
		}
	})

	link := ConversationURL(s.baseURL, identity, text)
	if err := runIn(ctx, tabCtx, chromedp.Navigate(link)); err != nil {
		conv.Close()
		return nil, fmt.Errorf("navigate to conversation: %w", err)
	}
	return conv, nil
}

// SignOutStep waits for the step's affordance on the login page and clicks it.
func (s *Surface) SignOutStep(ctx context.Context, step domain.SignOutStep) error {
	target, err := s.main()
	if err != nil {
		return err
	}
	var sel string
	switch step {
	case domain.StepAcknowledgeSession:
		sel = s.sel.UseHere
	case domain.StepOpenMenu:
		sel = s.sel.Menu
	case domain.StepInvokeSignOut:
		sel = s.sel.LogOut
	case domain.StepConfirmSignOut:
		sel = s.sel.ConfirmLogOut
	default:
		return fmt.Errorf("unknown sign-out step %d", step)
	}
	return runIn(ctx, target,
		chromedp.WaitVisible(sel, by(sel)),
		chromedp.Click(sel, by(sel)),
	)
}

func (s *Surface) WaitLoggedOut(ctx context.Context) error {
	target, err := s.main()
	if err != nil {
		return err
	}
	return waitVisible(ctx, target, s.sel.LoggedOut)
}

// Close shuts Chrome down. Safe to call more than once.
func (s *Surface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mainCancel != nil {
		s.mainCancel()
		s.mainCancel = nil
	}
	if s.allocCancel != nil {
		s.allocCancel()
		s.allocCancel = nil
	}
	s.mainCtx = nil
	return nil
}

// conversation is one recipient's tab.
type conversation struct {
	ctx       context.Context
	cancel    context.CancelFunc
	sel       SelectorSet
	modifier  input.Modifier
	chooser   chan cdp.BackendNodeID
	closeOnce sync.Once
}

func (c *conversation) WaitLoaded(ctx context.Context) error {
	return waitVisible(ctx, c.ctx, c.sel.Authenticated)
}

func (c *conversation) IsIdentityInvalid(ctx context.Context) (bool, error) {
	return exists(ctx, c.ctx, c.sel.InvalidIdentity)
}

func (c *conversation) WaitSendReady(ctx context.Context) error {
	return waitVisible(ctx, c.ctx, c.sel.Send)
}

// AttachDocument opens the attach menu, intercepts the file chooser and
// hands it path.
func (c *conversation) AttachDocument(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	err = runIn(ctx, c.ctx,
		page.SetInterceptFileChooserDialog(true),
		chromedp.Click(c.sel.Attach, by(c.sel.Attach)),
		chromedp.WaitVisible(c.sel.DocumentItem, by(c.sel.DocumentItem)),
		chromedp.Click(c.sel.DocumentItem, by(c.sel.DocumentItem)),
	)
	if err != nil {
		return fmt.Errorf("open file chooser: %w", err)
	}

	var node cdp.BackendNodeID
	select {
	case node = <-c.chooser:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := runIn(ctx, c.ctx, dom.SetFileInputFiles([]string{abs}).WithBackendNodeID(node)); err != nil {
		return fmt.Errorf("set document: %w", err)
	}
	return nil
}

// PasteImage focuses the input and sends the platform paste chord.
func (c *conversation) PasteImage(ctx context.Context) error {
	down := input.DispatchKeyEvent(input.KeyDown).
		WithKey("v").
		WithCode("KeyV").
		WithWindowsVirtualKeyCode(86).
		WithModifiers(c.modifier).
		WithCommands([]string{"paste"})
	up := input.DispatchKeyEvent(input.KeyUp).
		WithKey("v").
		WithCode("KeyV").
		WithWindowsVirtualKeyCode(86).
		WithModifiers(c.modifier)

	return runIn(ctx, c.ctx,
		chromedp.Focus(c.sel.PasteTarget, by(c.sel.PasteTarget)),
		down,
		up,
	)
}

func (c *conversation) Send(ctx context.Context) error {
	return runIn(ctx, c.ctx, chromedp.Click(c.sel.Send, by(c.sel.Send)))
}

// IsDelivered checks the newest outgoing message for a delivery mark.
func (c *conversation) IsDelivered(ctx context.Context) (bool, error) {
	outgoing, _ := json.Marshal(c.sel.OutgoingMessage)
	mark, _ := json.Marshal(c.sel.DeliveryMark)
	expr := fmt.Sprintf(`(function() {
		var msgs = document.querySelectorAll(%s);
		if (msgs.length === 0) return false;
		return msgs[msgs.length - 1].querySelector(%s) !== null;
	})()`, outgoing, mark)

	var ok bool
	if err := runIn(ctx, c.ctx, chromedp.Evaluate(expr, &ok)); err != nil {
		return false, err
	}
	return ok, nil
}

func (c *conversation) Close() error {
	c.closeOnce.Do(c.cancel)
	return nil
}

// runIn runs actions on target, aborting when ctx is done. Cancelling the
// derived context stops the actions without closing the tab.
func runIn(ctx, target context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(target)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func waitVisible(ctx, target context.Context, sel string) error {
	if err := runIn(ctx, target, chromedp.WaitVisible(sel, by(sel))); err != nil {
		return fmt.Errorf("wait for %s: %w", sel, err)
	}
	return nil
}

// exists reports whether sel matches right now, without waiting.
func exists(ctx, target context.Context, sel string) (bool, error) {
	q, _ := json.Marshal(sel)
	expr := fmt.Sprintf(`document.querySelector(%s) !== null`, q)
	if isXPath(sel) {
		expr = fmt.Sprintf(`document.evaluate(%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue !== null`, q)
	}
	var found bool
	if err := runIn(ctx, target, chromedp.Evaluate(expr, &found)); err != nil {
		return false, err
	}
	return found, nil
}

func by(sel string) chromedp.QueryOption {
	if isXPath(sel) {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}
