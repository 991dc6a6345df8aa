package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/toothpick/billing/internal/fx"
	"github.com/toothpick/billing/internal/gateway"
	"github.com/toothpick/billing/internal/gateway/banktransfer"
	"github.com/toothpick/billing/internal/gateway/manual"
	"github.com/toothpick/billing/internal/gateway/paypal"
	"github.com/toothpick/billing/internal/gateway/stripe"
	"github.com/toothpick/billing/internal/invoicing"
	"github.com/toothpick/billing/internal/invoicing/facturama"
	jobmetrics "github.com/toothpick/billing/internal/jobs"
	"github.com/toothpick/billing/internal/ledger"
	"github.com/toothpick/billing/internal/methods"
	"github.com/toothpick/billing/internal/observability"
	"github.com/toothpick/billing/internal/payments"
	"github.com/toothpick/billing/internal/platform/cache"
	"github.com/toothpick/billing/internal/platform/db"
	"github.com/toothpick/billing/internal/platform/mail"
	"github.com/toothpick/billing/internal/shared"
	"github.com/toothpick/billing/jobs"
	"github.com/toothpick/billing/report"
)

// Services is the assembled service graph shared by the API and the worker.
type Services struct {
	Pool        *pgxpool.Pool
	Redis       *redis.Client
	Metrics     *observability.Metrics
	Converter   *fx.Converter
	Methods     *methods.Service
	Ledger      *ledger.Service
	Payments    *payments.Service
	Invoicing   *invoicing.Service
	Idempotency *shared.IdempotencyStore
	Queue       *jobs.Client
	Inspector   *asynq.Inspector
	Mailer      *mail.Sender

	stripeWebhook *stripe.WebhookVerifier
	paypal        *paypal.Client
	cfg           *Config
	logger        *slog.Logger
}

// BuildServices connects to Postgres and Redis and wires every domain service.
func BuildServices(ctx context.Context, cfg *Config, logger *slog.Logger) (*Services, error) {
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: 20, HealthCheckPeriod: time.Minute})
	if err != nil {
		return nil, err
	}
	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		pool.Close()
		return nil, err
	}
	redisOpts := cfg.RedisOptions().Asynq()

	s := &Services{
		Pool:        pool,
		Redis:       redisClient,
		Metrics:     observability.NewMetrics(),
		Idempotency: shared.NewIdempotencyStore(pool),
		Queue:       jobs.NewClient(redisOpts),
		Inspector:   asynq.NewInspector(redisOpts),
		cfg:         cfg,
		logger:      logger,
	}
	s.Mailer = mail.NewSender(mail.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}, logger)
	s.Converter = fx.NewConverter(rateFetchers(cfg), fx.NewRateCache(redisClient, cfg.FXCacheTTL), cfg.FXSource(), logger)

	audit := shared.NewAuditLogger(pool)
	s.Methods = methods.NewService(methods.NewRepository(pool), logger)
	s.Ledger = ledger.NewService(ledger.NewRepository(pool), audit, s.Metrics, logger)

	providers, err := s.providers()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Payments = payments.NewService(payments.Deps{
		Repo:      payments.NewRepository(pool),
		Methods:   s.Methods,
		Converter: s.Converter,
		Providers: providers,
		Ledger:    s.Ledger,
		Locker:    shared.NewLocker(redisClient, cfg.LockTTL),
		Audit:     audit,
		Recorder:  s.Metrics,
	}, payments.Options{
		PlatformFeePct: cfg.FeePct(),
		RetryDelay:     cfg.RetryDelay,
		LockWait:       5 * time.Second,
		ReturnURL:      cfg.PublicURL + "/payments/return",
		CancelURL:      cfg.PublicURL + "/payments/cancelled",
	}, logger)

	renderer, err := invoicing.NewRenderer(report.NewClient(cfg.GotenbergURL))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("invoice renderer: %w", err)
	}
	s.Invoicing = invoicing.NewService(invoicing.Deps{
		Repo:      invoicing.NewRepository(pool),
		PAC:       facturama.New(nil, logger),
		Rates:     s.Converter,
		Documents: renderer,
		Store:     report.NewFileStore(cfg.DocumentDir),
		Queue:     s.Queue,
		Mailer:    s.Mailer,
		Payments:  s.Payments,
	}, logger)
	return s, nil
}

func rateFetchers(cfg *Config) map[fx.Source]fx.Fetcher {
	client := &http.Client{Timeout: 10 * time.Second}
	fetchers := map[fx.Source]fx.Fetcher{
		fx.SourceExchangeRateAPI: fx.NewExchangeRateAPI(cfg.ExchangeRateAPIKey, client),
	}
	if cfg.FixerAPIKey != "" {
		fetchers[fx.SourceFixer] = fx.NewFixer(cfg.FixerAPIKey, client)
	}
	if cfg.CurrencyAPIKey != "" {
		fetchers[fx.SourceCurrencyAPI] = fx.NewCurrencyAPI(cfg.CurrencyAPIKey, client)
	}
	if cfg.BanxicoToken != "" {
		fetchers[fx.SourceBanxico] = fx.NewBanxico(cfg.BanxicoToken, client)
	}
	return fetchers
}

func (s *Services) providers() (*gateway.Registry, error) {
	list := []gateway.Provider{banktransfer.New(s.cfg.BrandName), manual.New()}
	if s.cfg.StripeSecretKey != "" {
		provider, err := stripe.New(stripe.Config{
			SecretKey:  s.cfg.StripeSecretKey,
			SuccessURL: s.cfg.PublicURL + "/payments/return",
			CancelURL:  s.cfg.PublicURL + "/payments/cancelled",
		}, s.logger)
		if err != nil {
			return nil, err
		}
		list = append(list, provider)
		if s.cfg.StripeWebhookSecret != "" {
			s.stripeWebhook = stripe.NewWebhookVerifier(s.cfg.StripeWebhookSecret)
		}
	}
	if s.cfg.PayPalClientID != "" {
		s.paypal = paypal.NewClient(paypal.Config{
			ClientID:     s.cfg.PayPalClientID,
			ClientSecret: s.cfg.PayPalClientSecret,
			WebhookID:    s.cfg.PayPalWebhookID,
			Production:   s.cfg.IsProduction(),
			BrandName:    s.cfg.BrandName,
			ReturnURL:    s.cfg.PublicURL + "/payments/return",
			CancelURL:    s.cfg.PublicURL + "/payments/cancelled",
		}, s.logger)
		list = append(list, paypal.NewProvider(s.paypal))
	}
	return gateway.NewRegistry(list...), nil
}

// Router builds the HTTP API.
func (s *Services) Router() http.Handler {
	var (
		stripeParser payments.StripeParser
		paypalParser payments.PayPalParser
	)
	if s.stripeWebhook != nil {
		stripeParser = s.stripeWebhook
	}
	if s.paypal != nil {
		paypalParser = s.paypal
	}
	return NewRouter(RouterParams{
		Logger:           s.logger,
		Config:           s.cfg,
		Metrics:          s.Metrics,
		PaymentsHandler:  payments.NewHandler(s.logger, s.Payments),
		WebhookHandler:   payments.NewWebhookHandler(s.logger, s.Payments, stripeParser, paypalParser, s.Idempotency),
		MethodsHandler:   methods.NewHandler(s.logger, s.Methods, banktransfer.MethodsForCountry),
		InvoicingHandler: invoicing.NewHandler(s.logger, s.Invoicing),
		FXHandler:        fx.NewHandler(s.logger, s.Converter),
		JobHandler:       jobs.NewHandler(s.Inspector, s.logger),
		HealthChecks: map[string]func(context.Context) error{
			"postgres": s.Pool.Ping,
			"redis":    func(ctx context.Context) error { return s.Redis.Ping(ctx).Err() },
		},
	})
}

// Jobs builds the task handlers for the worker.
func (s *Services) Jobs() *jobs.Jobs {
	return jobs.New(jobs.Deps{
		Mailer:      s.Mailer,
		Payments:    s.Payments,
		Invoices:    s.Invoicing,
		Rates:       s.Converter,
		RateSource:  s.cfg.FXSource(),
		Idempotency: s.Idempotency,
		Ledger:      s.Ledger,
		Metrics:     jobmetrics.NewMetrics(s.Metrics.Registerer()),
		Logger:      s.logger,
	})
}

// Schedule returns the periodic tasks built from the configuration.
func (s *Services) Schedule() ([]jobs.CronRegistration, error) {
	pairs, err := fx.ParsePairs(s.cfg.FXWarmupPairs)
	if err != nil {
		return nil, err
	}
	sc := jobs.ScheduleConfig{
		RetentionHours: int(s.cfg.IdempotencyRetention / time.Hour),
		RateWarmups:    jobs.WarmupsFromPairs(pairs),
	}
	return jobs.Schedule(sc)
}

// RedisOpts returns the asynq connection settings.
func (s *Services) RedisOpts() asynq.RedisClientOpt {
	return s.cfg.RedisOptions().Asynq()
}

// Close releases every connection.
func (s *Services) Close() {
	if s.Queue != nil {
		if err := s.Queue.Close(); err != nil {
			s.logger.Warn("queue close", slog.Any("error", err))
		}
	}
	if s.Inspector != nil {
		_ = s.Inspector.Close()
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			s.logger.Warn("redis close", slog.Any("error", err))
		}
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
}
