package dispatch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"wasender/internal/clipboard"
	"wasender/internal/domain"
	"wasender/internal/render"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func bufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeConversation scripts one conversation and records the calls made on it.
type fakeConversation struct {
	identity    string
	text        string
	invalid     bool
	deliveredAt int // poll number that first reports delivery; 0 = never
	sendErr     error
	pasteErr    error

	calls  []string
	polls  int
	closed bool
}

func (c *fakeConversation) WaitLoaded(ctx context.Context) error {
	c.calls = append(c.calls, "loaded")
	return nil
}

func (c *fakeConversation) IsIdentityInvalid(ctx context.Context) (bool, error) {
	c.calls = append(c.calls, "check-invalid")
	return c.invalid, nil
}

func (c *fakeConversation) WaitSendReady(ctx context.Context) error {
	c.calls = append(c.calls, "send-ready")
	return nil
}

func (c *fakeConversation) AttachDocument(ctx context.Context, path string) error {
	c.calls = append(c.calls, "document:"+path)
	return nil
}

func (c *fakeConversation) PasteImage(ctx context.Context) error {
	c.calls = append(c.calls, "paste")
	return c.pasteErr
}

func (c *fakeConversation) Send(ctx context.Context) error {
	c.calls = append(c.calls, "send")
	return c.sendErr
}

func (c *fakeConversation) IsDelivered(ctx context.Context) (bool, error) {
	c.polls++
	return c.deliveredAt > 0 && c.polls >= c.deliveredAt, nil
}

func (c *fakeConversation) Close() error {
	c.closed = true
	return nil
}

func (c *fakeConversation) sent() bool {
	for _, call := range c.calls {
		if call == "send" {
			return true
		}
	}
	return false
}

// fakeSession hands out scripted conversations and records session calls.
type fakeSession struct {
	signInErr  error
	signOutErr error
	openErr    error

	// script returns the conversation for an identity; nil means a default
	// conversation that confirms on the first poll.
	script func(identity string) *fakeConversation

	mu            sync.Mutex
	calls         []string
	conversations []*fakeConversation
}

func (s *fakeSession) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *fakeSession) SignIn(ctx context.Context) error {
	s.record("sign-in")
	return s.signInErr
}

func (s *fakeSession) BeginDispatch() error {
	s.record("begin")
	return nil
}

func (s *fakeSession) OpenConversation(ctx context.Context, identity, text string) (domain.Conversation, error) {
	s.record("open:" + identity)
	if s.openErr != nil {
		return nil, s.openErr
	}
	var conv *fakeConversation
	if s.script != nil {
		conv = s.script(identity)
	}
	if conv == nil {
		conv = &fakeConversation{deliveredAt: 1}
	}
	conv.identity = identity
	conv.text = text
	s.conversations = append(s.conversations, conv)
	return conv, nil
}

func (s *fakeSession) SignOut(ctx context.Context) error {
	s.record("sign-out")
	return s.signOutErr
}

func (s *fakeSession) Close() error {
	s.record("close")
	return nil
}

func (s *fakeSession) has(call string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c == call {
			return true
		}
	}
	return false
}

// fakeResolver returns the recipient's ImageURL cell (if any) followed by the
// globals, and tracks releases.
type fakeResolver struct {
	released int
}

func (r *fakeResolver) Resolve(ctx context.Context, rec domain.Recipient, global []string) domain.AttachmentSet {
	var set domain.AttachmentSet
	if ref := rec.ImageRef(); ref != "" {
		set.Paths = append(set.Paths, ref)
		set.Temporary = append(set.Temporary, ref)
	}
	set.Paths = append(set.Paths, global...)
	return set
}

func (r *fakeResolver) Release(set domain.AttachmentSet) {
	r.released++
}

// fakeClipboard records what was written, in order.
type fakeClipboard struct {
	writes []string
}

func (c *fakeClipboard) WriteImage(png []byte) error {
	c.writes = append(c.writes, string(png))
	return nil
}

func loadPathAsBytes(path string) ([]byte, error) {
	if path == "broken.png" {
		return nil, errors.New("corrupt")
	}
	return []byte(path), nil
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newTestPipeline(s *fakeSession, r *fakeResolver, cb *fakeClipboard) *Pipeline {
	p := NewPipeline(PipelineConfig{
		Opener:          s,
		Resolver:        r,
		Clipboard:       clipboard.NewSlot(cb),
		LoadImage:       loadPathAsBytes,
		CountryCode:     "65",
		ConfirmAttempts: 20,
		Logger:          testLogger(),
	})
	p.sleep = noSleep
	return p
}

func testRecipient(row int, kv ...string) domain.Recipient {
	r := domain.Recipient{Row: row, Values: map[string]string{}}
	for i := 0; i+1 < len(kv); i += 2 {
		r.Columns = append(r.Columns, kv[i])
		r.Values[kv[i]] = kv[i+1]
	}
	return r
}

func testRun(text string, images ...string) *Run {
	return &Run{ID: "run-1", Template: render.New(text), Images: images}
}
