package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"wasender/internal/attachment"
	"wasender/internal/clipboard"
	"wasender/internal/config"
	"wasender/internal/domain"
	"wasender/internal/metrics"
	"wasender/internal/recipient"
	"wasender/internal/render"
)

// SessionController is the part of session.Controller the engine drives.
type SessionController interface {
	ConversationOpener
	SignIn(ctx context.Context) error
	BeginDispatch() error
	SignOut(ctx context.Context) error
	Close() error
}

// RunConfig names the operator's selections for one run.
type RunConfig struct {
	RecipientsPath string
	TemplatePath   string
	ImagePaths     []string
	DocumentPath   string
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Session    SessionController
	Resolver   AttachmentResolver
	Clipboard  *clipboard.Slot
	LoadImage  func(path string) ([]byte, error) // default: attachment.LoadPNG
	Dispatch   config.DispatchConfig
	Recipients recipient.Options
	Reporter   domain.Reporter  // optional
	Ledger     domain.RunLedger // optional
	NewID      func() string    // default: uuid.NewString
	Logger     *slog.Logger
}

// Engine runs a whole dispatch: validate inputs, sign in, deliver to every
// recipient in order, sign out, report.
type Engine struct {
	session    SessionController
	resolver   AttachmentResolver
	pipeline   *Pipeline
	policy     Policy
	interval   time.Duration
	recipients recipient.Options
	reporter   domain.Reporter
	ledger     domain.RunLedger
	newID      func() string
	logger     *slog.Logger
}

// NewEngine wires the pipeline from cfg.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = nopReporter{}
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	policy := PolicyFailedOnly
	if cfg.Dispatch.IncludeUnconfirmed {
		policy = PolicyIncludeUnconfirmed
	}
	d := cfg.Dispatch
	return &Engine{
		session:  cfg.Session,
		resolver: cfg.Resolver,
		pipeline: NewPipeline(PipelineConfig{
			Opener:          cfg.Session,
			Resolver:        cfg.Resolver,
			Clipboard:       cfg.Clipboard,
			LoadImage:       cfg.LoadImage,
			CountryCode:     d.CountryCode(),
			ConfirmAttempts: d.ConfirmAttempts,
			PollInterval:    ms(d.PollIntervalMs),
			SettleDelay:     ms(d.SettleDelayMs),
			PasteDelay:      ms(d.PasteDelayMs),
			DocumentDelay:   ms(d.DocumentStageDelayMs),
			Logger:          logger.With("component", "pipeline"),
		}),
		policy:     policy,
		interval:   ms(d.MinIntervalMs),
		recipients: cfg.Recipients,
		reporter:   reporter,
		ledger:     cfg.Ledger,
		newID:      newID,
		logger:     logger,
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

type prepared struct {
	source   *recipient.Source
	template *render.Template
	total    int
}

// prepare validates every input before anything touches the session.
func (e *Engine) prepare(rc RunConfig) (*prepared, error) {
	src, err := recipient.Open(rc.RecipientsPath, e.recipients)
	if err != nil {
		return nil, err
	}
	tpl, err := render.Load(rc.TemplatePath)
	if err != nil {
		return nil, err
	}
	if err := attachment.ValidateImages(rc.ImagePaths); err != nil {
		return nil, err
	}
	if err := attachment.CheckDocument(rc.DocumentPath); err != nil {
		return nil, err
	}
	total, err := src.Count()
	if err != nil {
		return nil, err
	}
	if missing := tpl.Missing(src.Columns()); len(missing) > 0 {
		e.logger.Warn("template placeholders with no matching column are sent verbatim",
			"placeholders", strings.Join(missing, ", "))
	}
	return &prepared{source: src, template: tpl, total: total}, nil
}

// Run performs one dispatch. It returns an error only for invalid inputs,
// a failed sign-in, or cancellation; every per-recipient problem is folded
// into the report.
func (e *Engine) Run(ctx context.Context, rc RunConfig) (*Report, error) {
	runID := e.newID()
	log := e.logger.With("run_id", runID)

	p, err := e.prepare(rc)
	if err != nil {
		metrics.ConfigErrors.Inc()
		log.Error(err.Error())
		e.reporter.Report(domain.StatusEvent{
			Kind: domain.EventConfigError, RunID: runID, Message: err.Error(), Time: time.Now(),
		})
		return nil, err
	}

	record := &domain.RunRecord{
		ID:             runID,
		RecipientsPath: rc.RecipientsPath,
		TemplatePath:   rc.TemplatePath,
		Images:         rc.ImagePaths,
		DocumentPath:   rc.DocumentPath,
		Status:         domain.RunRunning,
		Total:          p.total,
		StartedAt:      time.Now(),
	}
	if e.ledger != nil {
		if err := e.ledger.BeginRun(ctx, record); err != nil {
			log.Warn("run ledger unavailable", "error", err)
		}
	}

	metrics.RunsTotal.Inc()
	metrics.RunInProgress.Set(1)
	defer metrics.RunInProgress.Set(0)

	e.reporter.Report(domain.StatusEvent{
		Kind: domain.EventRunStarted, RunID: runID, Total: p.total, Time: time.Now(),
		Message: fmt.Sprintf("dispatching to %d recipients", p.total),
	})
	log.Info("run started", "recipients", p.total, "images", len(rc.ImagePaths), "document", rc.DocumentPath != "")

	defer func() {
		if err := e.session.Close(); err != nil {
			log.Warn("close session", "error", err)
		}
	}()

	agg := NewAggregator(runID, e.policy)

	if err := e.session.SignIn(ctx); err != nil {
		err = fmt.Errorf("sign in: %w", err)
		log.Error(err.Error())
		e.finish(ctx, record, agg, domain.RunAborted, err)
		return agg.Report(), err
	}
	if err := e.session.BeginDispatch(); err != nil {
		e.finish(ctx, record, agg, domain.RunAborted, err)
		return agg.Report(), err
	}

	loopErr := e.dispatch(ctx, runID, rc, p, agg, log)

	if ctx.Err() == nil {
		if err := e.session.SignOut(ctx); err != nil {
			log.Error("sign out failed", "error", err)
		}
	}

	agg.Emit(log)

	status := domain.RunCompleted
	if loopErr != nil {
		status = domain.RunAborted
	}
	e.finish(ctx, record, agg, status, loopErr)
	if ctx.Err() != nil {
		return agg.Report(), ctx.Err()
	}
	return agg.Report(), nil
}

func (e *Engine) dispatch(ctx context.Context, runID string, rc RunConfig, p *prepared, agg *Aggregator, log *slog.Logger) error {
	var limiter *rate.Limiter
	if e.interval > 0 {
		limiter = rate.NewLimiter(rate.Every(e.interval), 1)
	}
	run := &Run{ID: runID, Template: p.template, Images: rc.ImagePaths, Document: rc.DocumentPath}

	done := 0
	for rec, err := range p.source.All() {
		if err != nil {
			log.Error("recipient file read failed", "error", err)
			return err
		}
		if rec.MobileNumber() == "" {
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		out := e.pipeline.Deliver(ctx, rec, run)
		agg.Record(out)
		metrics.ObserveOutcome(out)
		if e.ledger != nil {
			if err := e.ledger.RecordOutcome(context.WithoutCancel(ctx), runID, out); err != nil {
				log.Warn("record outcome", "identity", out.Identity, "error", err)
			}
		}

		done++
		e.reporter.Report(domain.StatusEvent{
			Kind:    domain.EventRecipient,
			RunID:   runID,
			Message: fmt.Sprintf("%s %s", out.Identity, out.Status),
			Outcome: &out,
			Done:    done,
			Total:   p.total,
			Time:    time.Now(),
		})
	}
	return nil
}

// finish closes the run in the ledger and reports the summary.
func (e *Engine) finish(ctx context.Context, record *domain.RunRecord, agg *Aggregator, status domain.RunStatus, cause error) {
	rep := agg.Report()
	record.Status = status
	record.Sent = rep.Sent
	record.Failed = len(rep.Failed)
	record.Unconfirmed = len(rep.Unconfirmed)
	record.FinishedAt = time.Now()
	if cause != nil {
		record.Error = cause.Error()
	}
	if e.ledger != nil {
		if err := e.ledger.FinishRun(context.WithoutCancel(ctx), record); err != nil {
			e.logger.Warn("finish run in ledger", "run_id", record.ID, "error", err)
		}
	}

	msg := fmt.Sprintf("%d sent, %d failed, %d unconfirmed of %d", record.Sent, record.Failed, record.Unconfirmed, record.Total)
	if failures := agg.Failures(); len(failures) > 0 {
		msg += "\nFailed: " + strings.Join(failures, ", ")
	}
	if cause != nil {
		msg = fmt.Sprintf("run %s: %v\n%s", status, cause, msg)
	}
	e.reporter.Report(domain.StatusEvent{
		Kind:    domain.EventRunCompleted,
		RunID:   record.ID,
		Message: msg,
		Done:    rep.Total,
		Total:   record.Total,
		Time:    record.FinishedAt,
	})
}

// Preview is what a dry run would send to one recipient.
type Preview struct {
	Row      int
	Identity string
	Text     string
	Images   []string
	Document string
}

// Preview renders every eligible recipient and resolves its attachments
// without opening a session. Downloaded images are removed before fn
// returns.
func (e *Engine) Preview(ctx context.Context, rc RunConfig, fn func(Preview) error) error {
	p, err := e.prepare(rc)
	if err != nil {
		return err
	}
	for rec, err := range p.source.All() {
		if err != nil {
			return err
		}
		if rec.MobileNumber() == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		set := e.resolver.Resolve(ctx, rec, rc.ImagePaths)
		err := fn(Preview{
			Row:      rec.Row,
			Identity: NormalizeIdentity(rec.MobileNumber(), e.pipeline.countryCode),
			Text:     p.template.Render(rec),
			Images:   set.Paths,
			Document: rc.DocumentPath,
		})
		e.resolver.Release(set)
		if err != nil {
			return err
		}
	}
	return nil
}

// IsAbort reports whether err came from cancellation rather than a failure.
func IsAbort(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

type nopReporter struct{}

func (nopReporter) Report(domain.StatusEvent) {}
