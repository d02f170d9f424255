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
	"patientq/internal/lease"
	"patientq/internal/logging"
	"patientq/internal/observability"
	"patientq/internal/plan"
	sqsqueue "patientq/internal/queue/sqs"
	"patientq/internal/store/pg"
	"patientq/internal/sweep"
	"patientq/internal/util"
)

func main() {
	cfg := config.LoadSweeper()
	logger := logging.Init("sweeper", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("sweeper db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion)
	if err != nil {
		slog.Error("sweeper sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	commands := &command.Service{Store: store, IDGen: util.NewCommandID}
	producer := &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.SQSQueueURL}

	planner := &plan.Planner{
		Messages: store,
		Commands: commands,
		Queue:    producer,
		Logger:   logger,
	}
	sweeper := &sweep.Sweeper{
		Planner:  planner,
		Commands: commands,
		Messages: store,
		Leases:   &lease.Manager{Store: store, IDGen: util.NewLeaseID, TokenGen: util.NewToken},
		Queue:    producer,
		Interval: time.Duration(cfg.SweepIntervalSecs) * time.Second,
		LeaseTTL: time.Duration(cfg.LeaseTTLSecs) * time.Second,
		Logger:   logger,
		Now:      util.NowUTC,
	}

	healthMux := httpapi.New().Mux
	healthMux.HandleFunc("/healthz", httpapi.Healthz())
	healthMux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second, func(c context.Context) error {
		return db.Ping(c)
	}))
	healthSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.Logging(healthMux),
	}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("sweeper health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	doneCh := make(chan struct{})
	go func() {
		slog.Info("sweeper starting", "interval_secs", cfg.SweepIntervalSecs)
		sweeper.Run(ctx)
		close(doneCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("sweeper health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("sweeper shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	select {
	case <-doneCh:
	case <-time.After(10 * time.Second):
		slog.Info("sweeper shutdown timeout waiting for loop")
	}
}
