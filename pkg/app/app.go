// Package app wires configuration, providers, storage and the telephony
// transport into a running callturn server.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/harunnryd/callturn/pkg/config"
	"github.com/harunnryd/callturn/pkg/llm"
	"github.com/harunnryd/callturn/pkg/logging"
	"github.com/harunnryd/callturn/pkg/metrics"
	"github.com/harunnryd/callturn/pkg/redact"
	"github.com/harunnryd/callturn/pkg/reply"
	"github.com/harunnryd/callturn/pkg/resilience"
	"github.com/harunnryd/callturn/pkg/secrets"
	"github.com/harunnryd/callturn/pkg/session"
	"github.com/harunnryd/callturn/pkg/store"
	"github.com/harunnryd/callturn/pkg/transports/twilio"
)

// Options overrides pieces of the default wiring, mainly for tests.
type Options struct {
	Providers *ProviderRegistry
	Store     store.Store
	Secrets   secrets.Getter
	Logger    *slog.Logger
}

// App is one callturn process: the transport, the session registry and the
// shared collaborators every call uses.
type App struct {
	cfg       config.Config
	logger    *slog.Logger
	handler   *CallHandler
	registry  *session.Registry
	transport *twilio.Transport
	store     store.Store
	async     *metrics.AsyncObserver
	closers   []io.Closer
}

// New resolves secrets and builds every collaborator. Nothing listens until
// Start.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.InitLogger(cfg.Log.Level, cfg.Log.Format)
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	if err := ResolveSecrets(ctx, &cfg, opts.Secrets); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, logger: logger}

	var observers []metrics.Observer
	observers = append(observers, metrics.NewLoggerObserver(logging.NewComponentLogger(logger, "metrics")))
	if path := strings.TrimSpace(cfg.Metrics.JSONLPath); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open metrics file: %w", err)
		}
		a.closers = append(a.closers, f)
		observers = append(observers, metrics.NewJSONLObserver(f))
	}
	a.async = metrics.NewAsyncObserver(metrics.NewMultiObserver(observers...), 1024)

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}
	newSTT, err := providers.BuildSTT(cfg, logger)
	if err != nil {
		return nil, a.abort(err)
	}
	synth, err := providers.BuildTTS(cfg, logger)
	if err != nil {
		return nil, a.abort(err)
	}
	gen, err := providers.BuildLLM(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	if cfg.Reply.BreakerThreshold > 0 {
		gen = llm.NewCircuitBreakerGenerator(gen, resilience.NewCircuitBreaker(cfg.Reply.BreakerThreshold, cfg.BreakerCooldown()), a.async)
	}

	st := opts.Store
	if st == nil {
		st, err = buildStore(ctx, cfg)
		if err != nil {
			return nil, a.abort(err)
		}
	}
	a.store = st

	var limiter reply.Admitter
	if cfg.Reply.RateLimit > 0 {
		limiter = resilience.NewSlidingWindow(cfg.Reply.RateLimit, cfg.RateWindow())
	}

	a.registry = session.NewRegistry()
	a.handler = NewCallHandler(cfg.SessionConfig(), session.Deps{
		NewSTT:      newSTT,
		Generator:   gen,
		Synthesizer: synth,
		Limiter:     limiter,
		Store:       st,
		Registry:    a.registry,
		Observer:    a.async,
		Logger:      logger,
	})

	if p := strings.ToLower(strings.TrimSpace(cfg.Transport.Provider)); p != "twilio" {
		return nil, a.abort(fmt.Errorf("transport provider not supported: %s", cfg.Transport.Provider))
	}
	tcfg, err := twilio.ConfigFromSettings(cfg.Transport.Settings)
	if err != nil {
		return nil, a.abort(err)
	}
	a.transport = twilio.New(tcfg, a.handler, logger)
	a.handler.SetControl(a.transport)
	var reader store.Reader
	if r, ok := st.(store.Reader); ok {
		reader = r
	}
	a.transport.Handle("/calls/", ReportHandler(a.registry, reader, logger))

	logger.Info("callturn_init",
		slog.String("transport", cfg.Transport.Provider),
		slog.String("stt_provider", cfg.Vendors.STT.Provider),
		slog.String("tts_provider", cfg.Vendors.TTS.Provider),
		slog.String("llm_provider", cfg.Vendors.LLM.Provider),
		slog.String("store", storeProvider(cfg)),
		slog.Bool("redact_pii", cfg.Privacy.RedactPII))
	return a, nil
}

func storeProvider(cfg config.Config) string {
	p := strings.ToLower(strings.TrimSpace(cfg.Store.Provider))
	if p == "" {
		return "memory"
	}
	return p
}

func buildStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch storeProvider(cfg) {
	case "memory":
		return store.NewMemory(), nil
	case "none":
		return store.Noop{}, nil
	case "dynamodb":
		awsCfg, err := loadAWSConfig(ctx, cfg.Store.Region)
		if err != nil {
			return nil, err
		}
		d, err := store.NewDynamo(dynamodb.NewFromConfig(awsCfg), cfg.Store.Table, cfg.StoreTTL())
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("store provider not supported: %s", cfg.Store.Provider)
	}
}

// ResolveSecrets replaces ssm: references in cfg. A nil getter uses SSM in
// secrets.region.
func ResolveSecrets(ctx context.Context, cfg *config.Config, getter secrets.Getter) error {
	if !cfg.NeedsSecrets() {
		return nil
	}
	if getter == nil {
		g, err := newSSMGetter(ctx, cfg.Secrets.Region)
		if err != nil {
			return err
		}
		getter = g
	}
	if err := cfg.ResolveSecrets(ctx, secrets.NewResolver(getter)); err != nil {
		return fmt.Errorf("resolve secrets: %w", err)
	}
	return nil
}

func newSSMGetter(ctx context.Context, region string) (secrets.Getter, error) {
	awsCfg, err := loadAWSConfig(ctx, region)
	if err != nil {
		return nil, err
	}
	c, err := secrets.New(ssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}
	return c, nil
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if strings.TrimSpace(region) != "" {
		optFns = append(optFns, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return cfg, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

func (a *App) abort(err error) error {
	a.closeResources()
	return err
}

func (a *App) Config() config.Config            { return a.cfg }
func (a *App) Registry() *session.Registry      { return a.registry }
func (a *App) Handler() *CallHandler            { return a.handler }
func (a *App) Transport() *twilio.Transport     { return a.transport }
func (a *App) Store() store.Store               { return a.store }
func (a *App) Observer() *metrics.AsyncObserver { return a.async }

// Start begins serving webhooks and media streams.
func (a *App) Start(ctx context.Context) error {
	if err := a.transport.Start(ctx); err != nil {
		return err
	}
	var fields []any
	for k, v := range a.transport.ReadyFields() {
		fields = append(fields, slog.Any(k, v))
	}
	a.logger.Info("callturn_ready", fields...)
	return nil
}

// Drain stops admitting calls, asks every live session to close and waits
// for the registry to empty, bounded by shutdown.drain_timeout_ms.
func (a *App) Drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DrainTimeout())
	defer cancel()
	return a.drain(ctx)
}

func (a *App) drain(ctx context.Context) error {
	a.registry.SetDraining(true)
	a.transport.SetDraining(true)
	n := a.registry.BroadcastShutdown(ctx)
	a.logger.Info("callturn_draining", slog.Int("sessions", n))

	var errs []error
	if !a.registry.WaitForEmpty(ctx, 100*time.Millisecond) {
		errs = append(errs, fmt.Errorf("drain: %d sessions still open", a.registry.Count()))
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.transport.Stop(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop transport: %w", err))
	}
	a.closeResources()
	err := errors.Join(errs...)
	if err != nil {
		a.logger.Warn("callturn_drain_incomplete", slog.String("error", err.Error()))
	} else {
		a.logger.Info("callturn_drained")
	}
	return err
}

func (a *App) closeResources() {
	if a.async != nil {
		a.async.Close()
	}
	for _, c := range a.closers {
		_ = c.Close()
	}
	a.closers = nil
}
