package main

import (
	"context"
	"log"
	"log/slog"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	stubconfig "github.com/humanagencyorg/twilio-stub/config"
	"github.com/humanagencyorg/twilio-stub/internal/channel/handler"
	"github.com/humanagencyorg/twilio-stub/internal/httputil"
	"github.com/humanagencyorg/twilio-stub/pkg/dialog"
	"github.com/humanagencyorg/twilio-stub/pkg/events"
	"github.com/humanagencyorg/twilio-stub/pkg/media"
	"github.com/humanagencyorg/twilio-stub/pkg/metrics"
	"github.com/humanagencyorg/twilio-stub/pkg/schema"
	"github.com/humanagencyorg/twilio-stub/pkg/store"
	"github.com/humanagencyorg/twilio-stub/pkg/urlvalidation"
	"github.com/humanagencyorg/twilio-stub/pkg/webhook"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadWithOIDC[stubconfig.StubConfig](ctx)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	eventRef := cfg.GetEventsQueueName()
	eventURL := cfg.GetEventsQueueURL()

	opts := []frame.Option{
		frame.WithConfig(&cfg),
		frame.WithName("twilio-stub"),
		frame.WithRegisterPublisher(eventRef, eventURL),
		frame.WithWorkerPoolOptions(
			workerpool.WithPoolCount(cfg.WorkerPoolCount),
			workerpool.WithSinglePoolCapacity(cfg.WorkerPoolCapacity),
		),
	}
	if cfg.StoreBackend == stubconfig.StorePostgres {
		opts = append(opts, frame.WithDatastore())
	}

	ctx, srv := frame.NewService(opts...)
	defer srv.Stop(ctx)

	pool, err := srv.WorkManager().GetPool()
	if err != nil {
		log.Fatalf("getting worker pool: %v", err)
	}

	// --- Conversation store ---
	var st store.Store
	if cfg.StoreBackend == stubconfig.StorePostgres {
		st, err = store.NewGorm(ctx, srv.DatastoreManager().GetPool(ctx, "__default__pool_name__"))
	} else {
		st, err = store.Open(ctx, cfg.StoreBackend, store.OpenOptions{
			SQLitePath:  cfg.SQLitePath,
			RedisURL:    cfg.RedisURL,
			RedisPrefix: cfg.RedisPrefix,
		})
	}
	if err != nil {
		log.Fatalf("opening %s store: %v", cfg.StoreBackend, err)
	}
	defer st.Close()

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		log.Fatalf("registering metrics: %v", err)
	}

	pub := events.NewPublisher(srv.QueueManager(), "twilio-stub", eventRef)

	// --- Webhooks ---
	hookOpts := []webhook.Option{
		webhook.WithTimeout(cfg.WebhookTimeout()),
		webhook.WithAuthToken(cfg.WebhookAuthToken),
		webhook.WithPublisher(pub),
		webhook.WithMetrics(m),
		webhook.WithCircuitBreaker(cfg.WebhookBreaker()),
	}
	if cfg.AllowPrivateWebhooks {
		hookOpts = append(hookOpts, webhook.WithURLValidation(urlvalidation.AllowPrivateIPs()))
	}
	hooks := webhook.NewClient(hookOpts...)

	// --- Schema ---
	if cfg.SchemaFile != "" {
		loader := schema.NewLoader(cfg.SchemaFile, st)
		s, err := loader.Load(ctx)
		if err != nil {
			log.Fatalf("loading schema: %v", err)
		}
		slog.InfoContext(ctx, "schema loaded",
			slog.String("path", cfg.SchemaFile), slog.Int("tasks", len(s.Tasks)))

		// Watch blocks until ctx is done; it does not hold a pool worker.
		if cfg.SchemaWatch {
			go func() {
				if err := loader.Watch(ctx); err != nil {
					slog.WarnContext(ctx, "schema watch stopped", slog.String("error", err.Error()))
				}
			}()
		}
	}

	// --- Dialog engine ---
	registry := media.NewMemoryRegistry()
	engine := dialog.NewEngine(st, hooks,
		dialog.WithMedia(registry),
		dialog.WithPublisher(pub),
		dialog.WithMetrics(m),
		dialog.WithOptions(dialog.Options{
			PacingInterval: cfg.PacingInterval(),
			MaxRedirects:   cfg.MaxRedirects,
			StrictTypes:    cfg.StrictTypes,
		}),
	)

	// --- HTTP ---
	handlerOpts := []handler.Option{
		handler.WithWorkerPool(pool),
		handler.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		handler.WithTurnDelay(cfg.TurnDelay()),
	}
	if cfg.AdminAuthRequired {
		authenticator := srv.SecurityManager().GetAuthenticator(ctx)
		handlerOpts = append(handlerOpts, handler.WithAdminMiddleware(httputil.Authenticated(authenticator)))
	}
	h := handler.NewHandler(st, engine, registry, handlerOpts...)
	defer h.Wait()

	srv.Init(ctx, frame.WithHTTPHandler(httputil.H2CHandler(h.Routes())))

	if err := srv.Run(ctx, ""); err != nil {
		log.Fatalf("service exited: %v", err)
	}
}
