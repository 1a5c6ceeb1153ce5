// Package dispatch delivers rendered messages to recipients through an open
// session and accounts for the results.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wasender/internal/attachment"
	"wasender/internal/clipboard"
	"wasender/internal/domain"
	"wasender/internal/render"
	"wasender/internal/session"
)

// ConversationOpener opens one recipient's conversation. session.Controller
// implements it.
type ConversationOpener interface {
	OpenConversation(ctx context.Context, identity, text string) (domain.Conversation, error)
}

// AttachmentResolver builds and releases per-recipient image sets.
type AttachmentResolver interface {
	Resolve(ctx context.Context, rec domain.Recipient, global []string) domain.AttachmentSet
	Release(set domain.AttachmentSet)
}

// Run is the per-run input shared by every recipient.
type Run struct {
	ID       string
	Template *render.Template
	Images   []string // global images, selection order
	Document string   // optional
}

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	Opener          ConversationOpener
	Resolver        AttachmentResolver
	Clipboard       *clipboard.Slot
	LoadImage       func(path string) ([]byte, error) // default: attachment.LoadPNG
	CountryCode     string
	ConfirmAttempts int
	PollInterval    time.Duration
	SettleDelay     time.Duration
	PasteDelay      time.Duration
	DocumentDelay   time.Duration
	Logger          *slog.Logger
}

// Pipeline runs the per-recipient delivery steps.
type Pipeline struct {
	opener          ConversationOpener
	resolver        AttachmentResolver
	clipboard       *clipboard.Slot
	loadImage       func(string) ([]byte, error)
	countryCode     string
	confirmAttempts int
	pollInterval    time.Duration
	settleDelay     time.Duration
	pasteDelay      time.Duration
	documentDelay   time.Duration
	sleep           func(context.Context, time.Duration) error
	logger          *slog.Logger
}

// NewPipeline creates a pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	load := cfg.LoadImage
	if load == nil {
		load = attachment.LoadPNG
	}
	attempts := cfg.ConfirmAttempts
	if attempts <= 0 {
		attempts = 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		opener:          cfg.Opener,
		resolver:        cfg.Resolver,
		clipboard:       cfg.Clipboard,
		loadImage:       load,
		countryCode:     cfg.CountryCode,
		confirmAttempts: attempts,
		pollInterval:    cfg.PollInterval,
		settleDelay:     cfg.SettleDelay,
		pasteDelay:      cfg.PasteDelay,
		documentDelay:   cfg.DocumentDelay,
		sleep:           session.Sleep,
		logger:          logger,
	}
}

// Deliver sends one message to rec and returns its outcome. It never returns
// an error: driver failures become a failed outcome with the error as reason.
// The caller must skip records with an empty identity.
func (p *Pipeline) Deliver(ctx context.Context, rec domain.Recipient, run *Run) (out domain.Outcome) {
	start := time.Now()
	identity := NormalizeIdentity(rec.MobileNumber(), p.countryCode)
	out = domain.Outcome{Row: rec.Row, Identity: identity, At: start}
	log := p.logger.With("identity", identity, "row", rec.Row)

	defer func() { out.Duration = time.Since(start) }()

	text := run.Template.Render(rec)
	set := p.resolver.Resolve(ctx, rec, run.Images)
	defer p.resolver.Release(set)

	fail := func(step string, err error) domain.Outcome {
		out.Status = domain.StatusFailed
		out.Reason = fmt.Sprintf("%s: %v", step, err)
		log.Error("delivery failed", "step", step, "error", err)
		return out
	}

	conv, err := p.opener.OpenConversation(ctx, identity, text)
	if err != nil {
		return fail("open conversation", err)
	}
	defer func() {
		if err := conv.Close(); err != nil {
			log.Warn("close conversation", "error", err)
		}
	}()

	if err := conv.WaitLoaded(ctx); err != nil {
		return fail("load conversation", err)
	}
	if err := p.sleep(ctx, p.settleDelay); err != nil {
		return fail("load conversation", err)
	}

	invalid, err := conv.IsIdentityInvalid(ctx)
	if err != nil {
		return fail("check identity", err)
	}
	if invalid {
		out.Status = domain.StatusFailed
		out.Reason = "invalid identity"
		log.Error("delivery failed: invalid identity")
		return out
	}

	if err := p.sleep(ctx, p.settleDelay); err != nil {
		return fail("wait send", err)
	}
	if err := conv.WaitSendReady(ctx); err != nil {
		return fail("wait send", err)
	}

	if run.Document != "" {
		log.Info("uploading document", "path", run.Document)
		if err := conv.AttachDocument(ctx, run.Document); err != nil {
			return fail("attach document", err)
		}
		log.Info("document attached")
		out.Document = true
		if err := p.sleep(ctx, p.documentDelay); err != nil {
			return fail("attach document", err)
		}
	}

	for _, path := range set.Paths {
		img, err := p.loadImage(path)
		if err != nil {
			log.Warn("image skipped", "path", path, "error", err)
			continue
		}
		err = p.clipboard.With(ctx, img, func(ctx context.Context) error {
			if err := conv.PasteImage(ctx); err != nil {
				return err
			}
			return p.sleep(ctx, p.pasteDelay)
		})
		if errors.Is(err, clipboard.ErrUnavailable) {
			log.Error("image skipped, clipboard unavailable", "path", path)
			continue
		}
		if err != nil {
			return fail("paste image", err)
		}
		out.Images++
		log.Info("image pasted", "path", path)
	}

	if err := p.sleep(ctx, p.settleDelay); err != nil {
		return fail("send", err)
	}
	if err := conv.Send(ctx); err != nil {
		return fail("send", err)
	}
	if err := p.sleep(ctx, p.settleDelay); err != nil {
		return fail("send", err)
	}

	status, attempts := p.confirm(ctx, conv, log)
	out.Status = status
	out.PollAttempts = attempts
	if status == domain.StatusUnconfirmed {
		out.Reason = "no delivery marker"
		if ctx.Err() != nil {
			out.Reason = ctx.Err().Error()
		}
	}
	return out
}

// confirm polls for the delivery marker at most confirmAttempts times and
// stops at the first hit.
func (p *Pipeline) confirm(ctx context.Context, conv domain.Conversation, log *slog.Logger) (domain.DeliveryStatus, int) {
	for attempt := 1; attempt <= p.confirmAttempts; attempt++ {
		ok, err := conv.IsDelivered(ctx)
		if err != nil {
			log.Debug("delivery check failed", "attempt", attempt, "error", err)
		}
		if ok {
			log.Info("message sent and delivery confirmed", "attempt", attempt)
			return domain.StatusSent, attempt
		}
		if attempt == p.confirmAttempts {
			break
		}
		if err := p.sleep(ctx, p.pollInterval); err != nil {
			return domain.StatusUnconfirmed, attempt
		}
	}
	log.Warn("message may not be delivered: no delivery marker", "attempts", p.confirmAttempts)
	return domain.StatusUnconfirmed, p.confirmAttempts
}
