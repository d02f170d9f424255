package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"patientq/internal/awsutil"
	"patientq/internal/command"
	"patientq/internal/config"
	"patientq/internal/httpapi"
	"patientq/internal/hub"
	"patientq/internal/lease"
	"patientq/internal/logging"
	"patientq/internal/observability"
	sqsqueue "patientq/internal/queue/sqs"
	"patientq/internal/store/pg"
	"patientq/internal/util"
)

func main() {
	cfg := config.LoadHub()
	logging.Init("hub", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("hub db connect failed", "err", err)
		os.Exit(1)
	}

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion)
	if err != nil {
		slog.Error("hub sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	store := pg.New(db)
	api := &hub.API{
		Leases: &lease.Manager{
			Store:    store,
			IDGen:    util.NewLeaseID,
			TokenGen: util.NewToken,
		},
		Commands: &command.Service{Store: store, IDGen: util.NewCommandID},
		Messages: store,
		Queue:    &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.SQSQueueURL},
		Now:      util.NowUTC,
	}

	s := hub.New()
	api.Register(s.Mux)
	s.Mux.HandleFunc("/healthz", httpapi.Healthz())
	s.Mux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	}))

	handler := hub.Logging(hub.Metrics(observability.HubRequests)(s.Mux))
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("hub shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("hub listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("hub server failed", "err", err)
		os.Exit(1)
	}

	db.Close()
}
