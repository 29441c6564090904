package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"case-monitor/internal/alerting"
	"case-monitor/internal/bus"
	"case-monitor/internal/config"
	"case-monitor/internal/dispatcher"
	"case-monitor/internal/metrics"
	"case-monitor/internal/provider"
	"case-monitor/internal/resilience"
	"case-monitor/internal/scheduler"
	"case-monitor/internal/storage"
	"case-monitor/internal/supervisor"
	"case-monitor/internal/telemetry"
	"case-monitor/internal/webhook"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// repository is what every command needs from persistence.
type repository interface {
	storage.Repository
	storage.AdvisoryLocker
}

var (
	_ repository = (*storage.Store)(nil)
	_ repository = (*storage.MemoryStore)(nil)
)

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (repository, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// requireStore opens the database for commands that are meaningless without it.
func (a *App) requireStore(ctx context.Context, action string) (repository, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errors.New("database not configured; cannot " + action)
	}
	if closeStore == nil {
		closeStore = func() {}
	}
	return store, closeStore, nil
}

func (a *App) newNotifier() alerting.Notifier {
	cfg := a.Config.Alerting
	if !cfg.Enabled {
		return alerting.NewLogNotifier(a.Logger)
	}

	multi := alerting.NewMulti(a.Logger)
	breaker := func(name string) alerting.BreakerOptions {
		return alerting.BreakerOptions{
			Name:             name,
			FailureThreshold: uint32(cfg.Breaker.FailureThreshold),
			Cooldown:         cfg.Breaker.Cooldown,
		}
	}
	if cfg.Telegram.Enabled {
		tg := alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, 10*time.Second, a.Logger)
		multi.Add("telegram", alerting.NewBreakerNotifier(tg, breaker("telegram"), a.Logger))
	}
	if cfg.Webhook.Enabled {
		hook := alerting.NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Timeout, a.Logger)
		multi.Add("webhook", alerting.NewBreakerNotifier(hook, breaker("webhook"), a.Logger))
	}
	if multi.Len() == 0 {
		a.Logger.Warn().Msg("alerting enabled without channels; alerts are only logged")
		return alerting.NewLogNotifier(a.Logger)
	}
	return multi
}

func (a *App) newPublisher() (bus.Publisher, error) {
	if !a.Config.NATS.Enabled {
		return bus.Nop{}, nil
	}
	publisher, err := bus.NewNATSPublisher(bus.NATSOptions{
		URL:           a.Config.NATS.URL,
		Name:          a.Config.NATS.Name,
		SubjectPrefix: a.Config.NATS.SubjectPrefix,
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	return publisher, nil
}

func (a *App) breakerSettings(family provider.Family, cfg config.BreakerConfig) resilience.BreakerSettings {
	return resilience.BreakerSettings{
		Name:               string(family),
		FailureThreshold:   cfg.FailureThreshold,
		ErrorRateThreshold: cfg.ErrorRateThreshold,
		MinRequests:        cfg.MinRequests,
		Window:             cfg.Window,
		Cooldown:           cfg.Cooldown,
		MaxCooldown:        cfg.MaxCooldown,
		HalfOpenProbes:     cfg.HalfOpenProbes,
		OnStateChange: func(name string, from, to resilience.State) {
			metrics.RecordBreakerTransition(name, from.String(), to.String(), int(to))
			a.Logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}
}

func (a *App) newClient(recorder provider.Recorder) *provider.Client {
	cfg := a.Config
	costs := make(map[string]decimal.Decimal, len(cfg.Provider.Costs))
	for kind, cost := range cfg.Provider.Costs {
		costs[kind] = decimal.NewFromFloat(cost)
	}

	return provider.New(provider.Options{
		BaseURL:     cfg.Provider.BaseURL,
		Token:       cfg.Provider.Token,
		UserAgent:   cfg.Provider.UserAgent,
		CallbackURL: cfg.Provider.CallbackURL,
		Timeout:     cfg.Provider.RequestTimeout,
		MaxRateWait: cfg.Provider.MaxRateWait,
		BatchLimit:  cfg.Provider.BatchLimit,
		Costs:       costs,
		Retry: resilience.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
		Poll: a.pollPolicy(),
	}, provider.Dependencies{
		Limiter: resilience.NewRateLimiter(resilience.RateLimitOptions{
			Scope:       "provider",
			Capacity:    cfg.RateLimit.Capacity,
			Refill:      cfg.RateLimit.Refill,
			RefillEvery: cfg.RateLimit.RefillEvery,
		}, nil),
		Tracking: resilience.NewCircuitBreaker(a.breakerSettings(provider.FamilyTracking, cfg.Breaker.Tracking), nil),
		Polling:  resilience.NewCircuitBreaker(a.breakerSettings(provider.FamilyPolling, cfg.Breaker.Polling), nil),
		Recorder: recorder,
	}, a.Logger)
}

func (a *App) pollPolicy() provider.PollPolicy {
	return provider.PollPolicy{
		Interval:     a.Config.Polling.Interval,
		MaxInterval:  a.Config.Polling.MaxInterval,
		MaxTotalWait: a.Config.Polling.MaxTotalWait,
	}
}

func (a *App) newRecorder(store storage.TelemetryStore) *telemetry.Recorder {
	return telemetry.NewRecorder(telemetry.RecorderOptions{
		BufferSize:    a.Config.Telemetry.BufferSize,
		FlushInterval: a.Config.Telemetry.FlushInterval,
		FlushBatch:    a.Config.Telemetry.FlushBatch,
	}, store, a.Logger)
}

func (a *App) newDispatcher(store repository, client dispatcher.ProviderClient, publisher bus.Publisher) *dispatcher.Dispatcher {
	var lockKey int64
	if a.Config.Dispatcher.UseAdvisoryLock {
		lockKey = a.Config.Scheduler.AdvisoryLockKey
	}
	return dispatcher.New(dispatcher.Options{
		BatchSize:          a.Config.Dispatcher.BatchSize,
		Concurrency:        a.Config.Dispatcher.Concurrency,
		MonitoringInterval: a.Config.Dispatcher.MonitoringInterval,
		Reconcile:          a.Config.Dispatcher.Reconcile,
		LockKey:            lockKey,
		Poll:               a.pollPolicy(),
	}, store, client, publisher, nil, a.Logger)
}

func (a *App) newEvaluator(store telemetry.AlertStore) *telemetry.Evaluator {
	return telemetry.NewEvaluator(telemetry.RulesFromConfig(a.Config.Telemetry.Rules), store, a.newNotifier(), nil, a.Logger)
}

func (a *App) newWebhookServer(store webhook.Store, recorder provider.Recorder, publisher bus.Publisher) *http.Server {
	cfg := a.Config.Webhook
	ingestor := webhook.NewIngestor(webhook.IngestorOptions{
		Cost: decimal.NewFromFloat(cfg.Cost),
	}, store, recorder, publisher, nil, a.Logger)

	router := webhook.NewRouter(webhook.HandlerOptions{
		Path:           cfg.Path,
		Secret:         cfg.Secret,
		RequestTimeout: cfg.RequestTimeout,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		RateLimit:      cfg.RateLimit,
		RateWindow:     cfg.RateWindow,
		MetricsEnabled: cfg.MetricsEnabled,
	}, ingestor, a.Logger)

	return &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store")
		store = storage.NewMemoryStore()
	}
	if closeStore != nil {
		defer closeStore()
	}

	publisher, err := a.newPublisher()
	if err != nil {
		return err
	}
	defer publisher.Close()

	recorder := a.newRecorder(store)
	client := a.newClient(recorder)
	disp := a.newDispatcher(store, client, publisher)
	evaluator := a.newEvaluator(store)

	tree := supervisor.NewTree(a.Logger, supervisor.TreeConfig{ShutdownTimeout: a.Config.Webhook.ShutdownTimeout})
	tree.AddCore(recorder)
	tree.AddJob(scheduler.New("dispatch", scheduler.Options{
		Interval:     a.Config.Scheduler.DispatchInterval,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   true,
	}, func(ctx context.Context, _ time.Time) error {
		_, err := disp.RunCycle(ctx)
		return err
	}, a.Logger))
	tree.AddJob(scheduler.New("evaluate-alerts", scheduler.Options{
		Interval:     a.Config.Scheduler.EvaluateInterval,
		AlignToStart: true,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, func(ctx context.Context, _ time.Time) error {
		_, err := evaluator.Evaluate(ctx, "")
		return err
	}, a.Logger))
	tree.AddAPI(supervisor.NewHTTPServerService("webhook-http", a.newWebhookServer(store, recorder, publisher), a.Config.Webhook.ShutdownTimeout))

	a.Logger.Info().Str("listen", a.Config.Webhook.ListenAddr).Msg("starting monitoring service")
	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting telemetry.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	Bucket    time.Duration
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Alerts bool
}

// TrackOptions configure entity registration.
type TrackOptions struct {
	Refs     []string
	File     string
	Source   string
	TenantID string
	DryRun   bool
}

// ResolveOptions identify the alert an operator closes.
type ResolveOptions struct {
	ID int64
	By string
}
