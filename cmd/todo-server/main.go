package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/todo-1m/eventsourcing/internal/app/commandapi"
	"github.com/todo-1m/eventsourcing/internal/app/datasink"
	"github.com/todo-1m/eventsourcing/internal/app/domainengine"
	"github.com/todo-1m/eventsourcing/internal/app/query"
	"github.com/todo-1m/eventsourcing/internal/messaging"
	"github.com/todo-1m/eventsourcing/internal/platform/config"
	"github.com/todo-1m/eventsourcing/internal/platform/logging"
	"github.com/todo-1m/eventsourcing/internal/platform/metrics"
	"github.com/todo-1m/eventsourcing/internal/platform/natsutil"
	"github.com/todo-1m/eventsourcing/internal/platform/otel"
	"github.com/todo-1m/eventsourcing/internal/platform/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal(err)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Setup(runCtx, "todo-server", cfg.OTelEndpoint)
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		_ = shutdownTracing(context.Background())
	}()

	res, err := storage.Open(runCtx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer res.Close()

	projector := datasink.NewService(res.ReadModel, res.Log)
	if cfg.Projection.RebuildOnStart {
		applied, err := projector.Rebuild(runCtx, res.Log)
		if err != nil {
			log.Fatal(err)
		}
		log.WithField("events", applied).Info("read model rebuilt")
	}

	var (
		dispatch domainengine.DispatchFunc
		client   *natsutil.Client
	)
	switch cfg.Projection.Mode {
	case config.ProjectionSync:
		dispatch = projector.OnEvents
	case config.ProjectionAsync:
		dispatcher := datasink.NewDispatcher(projector.OnEvents, cfg.Projection.Workers, cfg.Projection.QueueSize, cfg.Projection.ApplyTimeout)
		dispatcher.Start()
		defer dispatcher.Close()
		dispatch = dispatcher.Dispatch
	case config.ProjectionJetStream:
		client, err = natsutil.Connect(runCtx, cfg.NATSURL, "todo-server", cfg.NATSConnectTimeout)
		if err != nil {
			log.Fatal(err)
		}
		defer client.Close()
		dispatch = messaging.NewEventPublisher(client.JS).Publish
	}

	engine := domainengine.NewService(res.Log, dispatch)
	service := commandapi.NewService(engine, query.NewService(res.ReadModel), res.Log)
	service.ConsistencyWait = cfg.ConsistencyWait
	handler := commandapi.NewHandler(service, cfg.AllowedOrigin)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := res.Ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if client != nil {
			if err := client.Ready(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.WithFields(log.Fields{
		"addr":       cfg.HTTPAddr,
		"projection": cfg.Projection.Mode,
	}).Info("todo server listening")
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatal(err)
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("todo-server graceful shutdown failed")
	}
}
