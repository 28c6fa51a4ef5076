// Package api wires the CoachPipe runtime and serves its HTTP surface.
//
// Run assembles the store, insight provider, chat transport, dispatcher and
// check-in schedule, then serves conversation inspection, utterance injection,
// the Twilio webhook, health and metrics endpoints until the context is cancelled.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CoachPipe/internal/checkin"
	"github.com/BTreeMap/CoachPipe/internal/config"
	"github.com/BTreeMap/CoachPipe/internal/flow"
	"github.com/BTreeMap/CoachPipe/internal/genai"
	"github.com/BTreeMap/CoachPipe/internal/insight"
	"github.com/BTreeMap/CoachPipe/internal/knowledge"
	"github.com/BTreeMap/CoachPipe/internal/lockfile"
	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/recovery"
	"github.com/BTreeMap/CoachPipe/internal/reply"
	"github.com/BTreeMap/CoachPipe/internal/scheduler"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/CoachPipe/internal/whatsapp"
)

// Default runtime settings.
const (
	DefaultAddr            = ":8080"
	DefaultStateDir        = "/var/lib/coachpipe"
	DefaultShutdownTimeout = 15 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

// Opts holds runtime configuration for Run.
type Opts struct {
	Addr               string
	StateDir           string
	CoachConfigPath    string
	UseTwilio          bool
	TwilioWebhookURL   string
	MaxConcurrentTurns int64
	ShutdownTimeout    time.Duration
}

// Option configures Run.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithStateDir sets the directory guarded by the process lock.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// WithCoachConfig sets the YAML file with coaching behavior settings.
func WithCoachConfig(path string) Option {
	return func(o *Opts) { o.CoachConfigPath = path }
}

// WithTwilio selects the Twilio transport instead of a direct WhatsApp connection.
func WithTwilio(enabled bool) Option {
	return func(o *Opts) { o.UseTwilio = enabled }
}

// WithTwilioWebhookURL enables signature checks on the Twilio webhook against its public URL.
func WithTwilioWebhookURL(url string) Option {
	return func(o *Opts) { o.TwilioWebhookURL = url }
}

// WithMaxConcurrentTurns bounds how many inbound utterances are processed at once.
func WithMaxConcurrentTurns(n int64) Option {
	return func(o *Opts) { o.MaxConcurrentTurns = n }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

func defaultOpts() Opts {
	return Opts{
		Addr:               DefaultAddr,
		StateDir:           DefaultStateDir,
		MaxConcurrentTurns: messaging.DefaultMaxConcurrentTurns,
		ShutdownTimeout:    DefaultShutdownTimeout,
	}
}

// Run starts CoachPipe and blocks until ctx is cancelled or a component fails.
func Run(ctx context.Context, waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	cfg := defaultOpts()
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	slog.Debug("api.Run: options applied", "addr", cfg.Addr, "state_dir", cfg.StateDir, "twilio", cfg.UseTwilio, "coach_config", cfg.CoachConfigPath)

	lock, err := lockfile.Acquire(cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	coachCfg, err := config.Load(cfg.CoachConfigPath)
	if err != nil {
		return err
	}

	st, err := store.New(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	provider, closeProvider, err := buildProvider(ctx, coachCfg, genaiOpts)
	if err != nil {
		return err
	}
	defer closeProvider()

	msgService, webhook, closeTransport, err := buildMessaging(ctx, cfg, waOpts, twilioOpts)
	if err != nil {
		return err
	}
	defer closeTransport()

	states := flow.NewStoreBasedStateManager(st)
	controller := flow.NewController(provider, coachCfg)
	dispatcher := flow.NewDispatcher(states, controller,
		reply.NewShaper(coachCfg.MaxQuestionsPerReply, coachCfg.AckPhrases),
		msgService,
		flow.WithAutoSilence(coachCfg.AutoSilenceOnAck),
		flow.WithHiccupMessage(coachCfg.Messages.Hiccup),
	)

	loc, err := coachCfg.CheckIns.Location()
	if err != nil {
		return fmt.Errorf("invalid check-in timezone: %w", err)
	}
	sched := scheduler.NewScheduler(scheduler.WithLocation(loc))
	checkins := checkin.New(dispatcher, states, controller, coachCfg, checkin.WithComposer(provider))
	if err := checkins.Register(sched); err != nil {
		sched.Stop(context.Background())
		return err
	}

	respHandler := messaging.NewResponseHandler(msgService, dispatcher,
		messaging.WithReceiptRecorder(st),
		messaging.WithMaxConcurrentTurns(cfg.MaxConcurrentTurns),
	)

	server := NewServer(dispatcher, st,
		WithRecipientValidator(msgService.ValidateAndCanonicalizeRecipient),
		WithTwilioWebhook(webhook),
	)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := msgService.Start(gctx); err != nil {
		sched.Stop(context.Background())
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	// In-flight turns finish on their own; the loops end when the service closes its channels.
	respHandler.Start(context.WithoutCancel(gctx))

	recoveries := recovery.NewManager()
	recoveries.Register(recovery.NewPlanRecovery(dispatcher, states, controller))
	g.Go(func() error {
		if err := recoveries.RecoverAll(gctx); err != nil {
			slog.Warn("Server.Run: startup recovery incomplete", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("Server.Run: CoachPipe API listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
		}
		if err := sched.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler shutdown: %w", err))
		}
		if err := msgService.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("messaging shutdown: %w", err))
		}
		respHandler.Wait()
		return errors.Join(errs...)
	})

	return g.Wait()
}

// buildProvider creates the OpenAI-backed insight provider, with knowledge context when enabled.
func buildProvider(ctx context.Context, coachCfg config.Config, genaiOpts []genai.Option) (*insight.GenAIProvider, func(), error) {
	client, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize GenAI client: %w", err)
	}

	if !coachCfg.Knowledge.Enabled {
		return insight.NewGenAIProvider(client), func() {}, nil
	}

	retriever := knowledge.NewRetriever(coachCfg.Knowledge.Dir, coachCfg.Knowledge.MaxContextChars)
	if err := retriever.Watch(ctx); err != nil {
		// Without a watcher the cache is only filled once; retrieval still works.
		slog.Warn("api.buildProvider: knowledge watch unavailable", "dir", coachCfg.Knowledge.Dir, "error", err)
	}
	closeFn := func() {
		if err := retriever.Close(); err != nil {
			slog.Warn("api.buildProvider: failed to close knowledge watcher", "error", err)
		}
	}
	return insight.NewGenAIProvider(client, insight.WithRetriever(retriever)), closeFn, nil
}

// buildMessaging connects the selected chat transport. The returned handler is the
// Twilio webhook, nil for WhatsApp.
func buildMessaging(ctx context.Context, cfg Opts, waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option) (messaging.Service, http.HandlerFunc, func(), error) {
	if cfg.UseTwilio {
		client, err := twiliowhatsapp.NewClient(twilioOpts...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to initialize Twilio client: %w", err)
		}
		var svcOpts []messaging.TwilioOption
		if cfg.TwilioWebhookURL != "" {
			svcOpts = append(svcOpts, messaging.WithWebhookURL(cfg.TwilioWebhookURL))
		} else {
			slog.Warn("api.buildMessaging: Twilio webhook signature checks disabled, set a webhook URL to enable them")
		}
		svc := messaging.NewTwilioService(client, svcOpts...)
		return svc, svc.WebhookHandler, func() {}, nil
	}

	client, err := whatsapp.NewClient(ctx, waOpts...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize WhatsApp client: %w", err)
	}
	return messaging.NewWhatsAppService(client), nil, client.Disconnect, nil
}
