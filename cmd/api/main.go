package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/midtrans/midtrans-go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/safar/shop-payments/internal/api"
	"github.com/safar/shop-payments/internal/config"
	"github.com/safar/shop-payments/internal/database"
	"github.com/safar/shop-payments/internal/gateway/cardwallet"
	"github.com/safar/shop-payments/internal/gateway/globalwallet"
	"github.com/safar/shop-payments/internal/logging"
	"github.com/safar/shop-payments/internal/models"
	"github.com/safar/shop-payments/internal/notify"
	"github.com/safar/shop-payments/internal/payment"
	"github.com/safar/shop-payments/internal/ratelimit"
	"github.com/safar/shop-payments/internal/reconcile"
	"github.com/safar/shop-payments/internal/store"
	"github.com/safar/shop-payments/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("connected to database")

	dispatcher, closeDispatcher := newDispatcher(log, cfg)
	defer closeDispatcher()

	orders := store.NewOrders(db)
	reconciler := reconcile.NewReconciler(log, orders, dispatcher)
	defer reconciler.Wait()

	midtrans.DefaultGoHttpClient = &http.Client{Timeout: cfg.Midtrans.Timeout}
	snapClient, coreClient := cardwallet.NewClients(cfg.Midtrans.ServerKey, cfg.IsProduction())
	cardAdapter := cardwallet.NewAdapter(log, snapClient, coreClient, cfg.Midtrans.Timeout)

	paypalClient, err := globalwallet.NewClient(cfg.PayPal.ClientID, cfg.PayPal.ClientSecret, cfg.IsProduction())
	if err != nil {
		return err
	}
	walletAdapter := globalwallet.NewAdapter(log, paypalClient, globalwallet.Options{
		Currency:     cfg.PayPal.Currency,
		ExchangeRate: cfg.PayPal.ExchangeRate,
		BrandName:    cfg.PayPal.BrandName,
		ReturnURL:    cfg.PayPal.ReturnURL,
		CancelURL:    cfg.PayPal.CancelURL,
		Timeout:      cfg.PayPal.Timeout,
	})

	router := payment.NewRouter()
	router.Register(cardAdapter, models.PaymentMethodCard, models.PaymentMethodEWallet, models.PaymentMethodBankTransfer)
	router.Register(walletAdapter, models.PaymentMethodPayPal)
	router.RegisterCapturer(models.ProviderPayPal, walletAdapter)

	orchestrator := payment.NewOrchestrator(log, orders, router, reconciler)

	limiters, closeLimiters, err := newLimiters(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer closeLimiters()

	trusted, err := ratelimit.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}
	hooks := webhook.NewHandler(log, reconciler, cardwallet.NewVerifier(cfg.Midtrans.ServerKey), walletAdapter, limiters,
		webhook.Config{
			Production:     cfg.IsProduction(),
			MaxBodyBytes:   cfg.Webhook.MaxBodyBytes,
			TrustedProxies: trusted,
		})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Mount("/webhooks", hooks.Routes())
	r.Mount("/payments", api.NewHandler(log, orchestrator).Routes())

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "port", cfg.Server.Port, "env", cfg.Env)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newDispatcher(log *slog.Logger, cfg *config.Config) (notify.Dispatcher, func()) {
	if len(cfg.Kafka.Brokers) == 0 {
		log.Warn("KAFKA_BROKERS not set, notifications are only logged")
		return notify.NewLogDispatcher(log), func() {}
	}

	writer := notify.NewWriter(cfg.Kafka.Brokers)
	return notify.NewKafkaDispatcher(log, writer, cfg.Kafka.NotifyTopic), func() {
		if err := writer.Close(); err != nil {
			log.Error("close kafka writer", "err", err)
		}
	}
}

func newLimiters(ctx context.Context, log *slog.Logger, cfg *config.Config) (webhook.Limiters, func(), error) {
	limits := ratelimit.Limits{
		PerSecond: cfg.Webhook.BurstPerSecond,
		PerMinute: cfg.Webhook.SustainedPerMinute,
	}

	if cfg.Webhook.RateLimitBackend == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			rdb.Close()
			return webhook.Limiters{}, nil, err
		}
		log.Info("webhook rate limits backed by redis", "addr", cfg.Redis.Addr)
		return webhook.Limiters{
			CardWallet:   ratelimit.NewRedis(rdb, string(models.ProviderMidtrans), limits),
			GlobalWallet: ratelimit.NewRedis(rdb, string(models.ProviderPayPal), limits),
		}, func() { rdb.Close() }, nil
	}

	card := ratelimit.NewMemory(limits, cfg.Webhook.LimiterIdleDuration)
	wallet := ratelimit.NewMemory(limits, cfg.Webhook.LimiterIdleDuration)
	go card.Run(ctx, 5*time.Minute)
	go wallet.Run(ctx, 5*time.Minute)

	return webhook.Limiters{CardWallet: card, GlobalWallet: wallet}, func() {}, nil
}
