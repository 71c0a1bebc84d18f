package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"creditledger/internal/cache"
	"creditledger/internal/config"
	"creditledger/internal/db"
	"creditledger/internal/email"
	"creditledger/internal/events"
	httpapi "creditledger/internal/http"
	"creditledger/internal/payments"
	"creditledger/internal/services"
	"creditledger/internal/store"
	"creditledger/internal/store/postgres"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
	eventQueueSize  = 1024
)

func main() {
	loadDotEnv()

	app := fx.New(
		fx.StartTimeout(startupTimeout),
		fx.StopTimeout(shutdownTimeout),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With("component", "fx")}
		}),
		fx.Provide(
			config.Load,
			provideLogger,
			providePool,
			provideStore,
			provideRedis,
			selectMarker,
			provideMailer,
			provideDispatcher,
			provideAutoReload,
			provideService,
			provideWebhookIngestor,
			httpapi.NewServer,
		),
		fx.Invoke(startHTTP),
	)
	app.Run()
}

func loadDotEnv() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			slog.Warn("load .env failed", "error", err)
		}
	} else if !os.IsNotExist(err) {
		slog.Warn("stat .env failed", "error", err)
	}
}

func provideLogger(cfg config.Config) *slog.Logger {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(log)
	return log
}

func providePool(lc fx.Lifecycle, cfg config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	log.Info("database ready")
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})
	return pool, nil
}

func provideStore(pool *pgxpool.Pool) store.Store {
	return postgres.New(pool)
}

// provideRedis returns nil when Redis is unreachable. Event fan-out to Redis
// is then skipped and selectMarker decides whether the process may start.
func provideRedis(lc fx.Lifecycle, cfg config.Config, log *slog.Logger) *redis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := cache.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Warn("redis unavailable", "addr", cfg.RedisAddr, "error", err)
		return nil
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return client.Close() },
	})
	return client
}

var errNoSharedMarker = errors.New("redis unavailable: auto-reload needs a shared pending marker (set AUTO_RELOAD_LOCAL_MARKER=true for a single instance)")

// selectMarker refuses to start a Stripe-enabled process without Redis unless
// in-process markers were explicitly allowed. Per-process markers let two
// instances each request a top-up for the same account.
func selectMarker(client *redis.Client, cfg config.Config, log *slog.Logger) (services.ReloadMarker, error) {
	if client != nil {
		return cache.NewRedisMarker(client), nil
	}
	if cfg.StripeSecretKey == "" {
		return cache.NewMemoryMarker(), nil
	}
	if !cfg.AllowLocalReloadMarker {
		return nil, errNoSharedMarker
	}
	log.Error("using in-process reload markers; run a single instance")
	return cache.NewMemoryMarker(), nil
}

func provideMailer(cfg config.Config) *email.ResendClient {
	return email.NewResendClient(cfg.ResendAPIKey)
}

func provideDispatcher(lc fx.Lifecycle, cfg config.Config, log *slog.Logger, st store.Store, client *redis.Client, mailer *email.ResendClient) *events.Dispatcher {
	subs := []events.Subscriber{
		events.NewLogSubscriber(log),
		events.NewEmailSubscriber(st, mailer, cfg.NotifyFromEmail),
	}
	if client != nil {
		subs = append(subs, events.NewRedisSubscriber(client, cfg.EventsChannel))
	}
	d := events.NewDispatcher(log, eventQueueSize, subs...)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			d.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			d.Stop()
			return nil
		},
	})
	return d
}

func provideAutoReload(cfg config.Config, log *slog.Logger, marker services.ReloadMarker, d *events.Dispatcher) *services.AutoReloadMonitor {
	intents := payments.NewStripeIntents(cfg.StripeSecretKey, cfg.StripeCurrency)
	return services.NewAutoReloadMonitor(marker, intents, cfg.ReloadPendingTTL, cfg.TokenPriceCents, log, d)
}

func provideService(st store.Store, cfg config.Config, log *slog.Logger, d *events.Dispatcher, monitor *services.AutoReloadMonitor) *services.Service {
	return services.New(st, cfg, log,
		services.WithEvents(d),
		services.WithAutoReload(monitor),
	)
}

func provideWebhookIngestor(svc *services.Service, cfg config.Config, log *slog.Logger) *services.WebhookIngestor {
	if cfg.StripeWebhookSecret == "" {
		log.Warn("STRIPE_WEBHOOK_SECRET not set, webhooks will be rejected")
	}
	return services.NewWebhookIngestor(svc, cfg.StripeWebhookSecret, log)
}

func startHTTP(lc fx.Lifecycle, server *httpapi.Server, cfg config.Config, log *slog.Logger, shutdowner fx.Shutdowner) {
	httpServer := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.ServerAddr)
			if err != nil {
				return err
			}
			go func() {
				log.Info("server listening", "addr", cfg.ServerAddr)
				if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server error", "error", err)
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("server shutting down")
			return httpServer.Shutdown(ctx)
		},
	})
}
