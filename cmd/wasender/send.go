package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"wasender/internal/attachment"
	"wasender/internal/bus"
	"wasender/internal/channel"
	"wasender/internal/clipboard"
	"wasender/internal/config"
	"wasender/internal/dispatch"
	"wasender/internal/domain"
	"wasender/internal/monitor"
	"wasender/internal/recipient"
	"wasender/internal/session"
	"wasender/internal/store"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

type sendOptions struct {
	recipients string
	template   string
	images     []string
	document   string
	at         string
	dryRun     bool
}

func sendCmd() *cobra.Command {
	var opts sendOptions

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send the message to every recipient in the sheet",
		Long: `Signs in to WhatsApp Web, then for each row of the recipient sheet renders
the template, opens the conversation, attaches the document and images,
sends, and waits for the delivery mark. Failed numbers are listed at the end.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.recipients, "recipients", "r", "", "recipient sheet (.csv or .xlsx) with a 'Mobile Number' column")
	cmd.Flags().StringVarP(&opts.template, "template", "t", "", "message template file with {Column} placeholders")
	cmd.Flags().StringArrayVarP(&opts.images, "image", "i", nil, "image sent to every recipient (repeatable)")
	cmd.Flags().StringVarP(&opts.document, "document", "d", "", "document sent to every recipient")
	cmd.Flags().StringVar(&opts.at, "at", "", `delay the start to the next time matching a cron expression (e.g. "30 9 * * 1-5")`)
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "render every message and resolve attachments without opening the browser")
	return cmd
}

func (o sendOptions) runConfig() dispatch.RunConfig {
	return dispatch.RunConfig{
		RecipientsPath: o.recipients,
		TemplatePath:   o.template,
		ImagePaths:     o.images,
		DocumentPath:   o.document,
	}
}

func runSend(opts sendOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signalContext()
	defer stop()

	resolver := attachment.NewResolver(attachment.ResolverConfig{
		TempDir:    cfg.Attachments.TempDir,
		Timeout:    time.Duration(cfg.Attachments.FetchTimeoutSeconds) * time.Second,
		MaxRetries: cfg.Attachments.FetchRetries,
		MaxBytes:   cfg.Attachments.MaxImageBytes,
		Logger:     logger.With("component", "attachment"),
	})

	if opts.dryRun {
		return runPreview(ctx, cfg, resolver, opts)
	}

	if opts.at != "" {
		next, err := nextStart(opts.at, time.Now())
		if err != nil {
			return err
		}
		logger.Info("waiting for scheduled start", "at", next.Format(time.DateTime))
		if err := session.Sleep(ctx, time.Until(next)); err != nil {
			return err
		}
	}

	statusBus := bus.New(256, logger.With("component", "bus"))
	statusBus.Subscribe("console", printProgress)

	notifiers, err := channel.FromConfig(cfg.Notify, logger.With("component", "notify"))
	if err != nil {
		statusBus.Close()
		return fmt.Errorf("notifiers: %w", err)
	}
	if len(notifiers) > 0 {
		fwd := channel.NewForwarder(notifiers, 0, logger.With("component", "notify"))
		statusBus.Subscribe("notify", fwd.Handle)
	}

	monCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	if cfg.Monitor.Enabled {
		srv := monitor.New(monitor.Config{
			Host:    cfg.Monitor.Host,
			Port:    cfg.Monitor.Port,
			History: statusBus.History,
			Logger:  logger.With("component", "monitor"),
		})
		statusBus.Subscribe("monitor", srv.Broadcast)
		go func() {
			if err := srv.Start(monCtx); err != nil {
				logger.Error("monitor stopped", "err", err)
			}
		}()
	}

	var ledger domain.RunLedger
	if cfg.Store.Enabled {
		st, err := store.Open(cfg.Store.DBPath, logger.With("component", "store"))
		if err != nil {
			statusBus.Close()
			return fmt.Errorf("run store: %w", err)
		}
		defer st.Close()
		ledger = st
	}

	var backend domain.Clipboard
	if sys, err := clipboard.NewSystem(); err != nil {
		logger.Warn("clipboard unavailable, images will be skipped", "err", err)
	} else {
		backend = sys
	}

	surface, err := newSurface(cfg)
	if err != nil {
		statusBus.Close()
		return err
	}

	d := cfg.Dispatch
	ctl := session.NewController(session.ControllerConfig{
		Surface:      surface,
		Reporter:     statusBus,
		HumanWait:    time.Duration(d.HumanWaitSeconds) * time.Second,
		SignOutDelay: time.Duration(d.SignOutDelayMs) * time.Millisecond,
		StepDelay:    time.Duration(d.SettleDelayMs) * time.Millisecond,
		Logger:       logger.With("component", "session"),
	})

	engine := dispatch.NewEngine(dispatch.EngineConfig{
		Session:    ctl,
		Resolver:   resolver,
		Clipboard:  clipboard.NewSlot(backend),
		Dispatch:   d,
		Recipients: recipient.Options{Sheet: cfg.Recipients.Sheet},
		Reporter:   statusBus,
		Ledger:     ledger,
		Logger:     logger,
	})

	report, runErr := engine.Run(ctx, opts.runConfig())
	// Drain so notifiers see the final event before the process exits.
	statusBus.Close()

	switch {
	case runErr != nil && dispatch.IsAbort(runErr):
		logger.Warn("run aborted", "err", runErr)
		return runErr
	case runErr != nil:
		return runErr
	}
	policy := dispatch.PolicyFailedOnly
	if d.IncludeUnconfirmed {
		policy = dispatch.PolicyIncludeUnconfirmed
	}
	if failed := report.FailureList(policy); len(failed) > 0 {
		return fmt.Errorf("%d of %d recipients failed", len(failed), report.Total)
	}
	return nil
}

func runPreview(ctx context.Context, cfg *config.Config, resolver *attachment.Resolver, opts sendOptions) error {
	engine := dispatch.NewEngine(dispatch.EngineConfig{
		Resolver:   resolver,
		Dispatch:   cfg.Dispatch,
		Recipients: recipient.Options{Sheet: cfg.Recipients.Sheet},
		Logger:     logger,
	})
	n := 0
	err := engine.Preview(ctx, opts.runConfig(), func(p dispatch.Preview) error {
		n++
		fmt.Printf("── row %d → %s\n%s\n", p.Row, p.Identity, p.Text)
		for _, img := range p.Images {
			fmt.Printf("   image: %s\n", img)
		}
		if p.Document != "" {
			fmt.Printf("   document: %s\n", p.Document)
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("\n%d message(s) would be sent.\n", n)
	return nil
}

// nextStart returns the first time after now matching the cron expression.
func nextStart(expr string, now time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at schedule %q: %w", expr, err)
	}
	return sched.Next(now), nil
}

// printProgress writes one line per recipient to stderr so progress stays
// visible when stdout is redirected.
func printProgress(ev domain.StatusEvent) {
	if line := progressLine(ev); line != "" {
		fmt.Fprintln(os.Stderr, line)
	}
}

func progressLine(ev domain.StatusEvent) string {
	switch ev.Kind {
	case domain.EventRecipient:
		if ev.Outcome == nil {
			return ""
		}
		line := fmt.Sprintf("[%d/%d] %s %s", ev.Done, ev.Total, ev.Outcome.Identity, strings.ToUpper(string(ev.Outcome.Status)))
		if ev.Outcome.Reason != "" {
			line += " (" + ev.Outcome.Reason + ")"
		}
		return line
	case domain.EventSession:
		return "session: " + ev.Message
	default:
		return ""
	}
}
