// Package main runs escrowd, the cash-on-delivery escrow service
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	escrow "github.com/logistic-platform/logistics-contract"
	"github.com/logistic-platform/logistics-contract/hibernate/boltdb"
	"github.com/logistic-platform/logistics-contract/hibernate/postgres"
	"github.com/logistic-platform/logistics-contract/internal/api"
	"github.com/logistic-platform/logistics-contract/relay"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := newLogger(cfg.Development)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("escrowd failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config, logger *zap.Logger) error {
	closeHibernator, err := openHibernator(ctx, &cfg)
	if err != nil {
		return err
	}
	defer closeHibernator()

	cfg.Escrow.Logger = logger
	vault, err := escrow.NewVault(cfg.Escrow)
	if err != nil {
		return err
	}
	defer func() { _ = vault.Close() }()

	store, err := vault.NewStore(cfg.Escrow.Store)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	svc := escrow.NewService(store,
		escrow.WithMetrics(escrow.NewMetrics(reg)),
		escrow.WithLogger(logger),
	)

	var rel *relay.Relay
	if len(cfg.KafkaBrokers) > 0 {
		client, err := relay.NewClient(cfg.KafkaBrokers, cfg.Relay)
		if err != nil {
			return err
		}
		defer client.Close()
		rel = relay.New(store, client, cfg.Relay, logger)
	}

	router := chi.NewRouter()
	api.New(svc, logger).Register(router)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(
			context.Background(), cfg.ShutdownTimeout,
		)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	g.Go(func() error {
		watchSettlements(ctx, vault.Hub(), logger)
		return nil
	})
	if cfg.Hibernate != hibernateNone {
		h := newHibernation(store, svc, cfg, logger)
		g.Go(func() error { return h.Run(ctx) })
	}

	if rel != nil {
		g.Go(func() error { return rel.Run(ctx) })
	}

	return g.Wait()
}

// watchSettlements logs every settlement committed by this process
func watchSettlements(
	ctx context.Context, hub *escrow.EventHub, logger *zap.Logger,
) {
	consumer := hub.NewConsumer(escrow.EventReleased, escrow.EventRefunded)
	defer func() { _ = consumer.Close() }()

	settle := func(ev *escrow.Event, amount int64, to escrow.Address) error {
		logger.Info("settlement committed",
			zap.String("account_id", string(ev.AccountID)),
			zap.String("event_type", string(ev.Type)),
			zap.Int64("amount", amount),
			zap.String("recipient", string(to)),
		)
		return nil
	}

	dispatch := escrow.MakeDispatcher(map[escrow.EventType]escrow.Handler{
		escrow.EventReleased: escrow.MakeHandler(
			func(ev *escrow.Event, data escrow.Released) error {
				return settle(ev, data.Amount, data.Recipient)
			},
		),
		escrow.EventRefunded: escrow.MakeHandler(
			func(ev *escrow.Event, data escrow.Refunded) error {
				return settle(ev, data.Amount, data.Recipient)
			},
		),
	})

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-consumer.Receive():
			if !ok {
				return
			}
			if err := dispatch(ev); err != nil {
				logger.Warn("settlement handling failed",
					zap.String("account_id", string(ev.AccountID)),
					zap.Error(err),
				)
			}
		}
	}
}

func openHibernator(ctx context.Context, cfg *config) (func(), error) {
	switch cfg.Hibernate {
	case hibernateBolt:
		h, err := boltdb.Open(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		cfg.Escrow.Store.Hibernator = h
		return func() { _ = h.Close() }, nil
	case hibernatePostgres:
		h, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		cfg.Escrow.Store.Hibernator = h
		return h.Close, nil
	default:
		return func() {}, nil
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
