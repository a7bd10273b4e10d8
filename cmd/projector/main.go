package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
	"github.com/todo-1m/eventsourcing/internal/app/datasink"
	"github.com/todo-1m/eventsourcing/internal/messaging"
	"github.com/todo-1m/eventsourcing/internal/platform/config"
	"github.com/todo-1m/eventsourcing/internal/platform/logging"
	"github.com/todo-1m/eventsourcing/internal/platform/metrics"
	"github.com/todo-1m/eventsourcing/internal/platform/natsutil"
	"github.com/todo-1m/eventsourcing/internal/platform/otel"
	"github.com/todo-1m/eventsourcing/internal/platform/storage"
)

const queueGroup = "todo-projector"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal(err)
	}
	if cfg.Projection.Mode != config.ProjectionJetStream {
		log.Fatalf("projector requires PROJECTION_MODE=%s, got %q", config.ProjectionJetStream, cfg.Projection.Mode)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Setup(runCtx, "todo-projector", cfg.OTelEndpoint)
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

	// A process-local log holds nothing the server wrote.
	var source datasink.Source
	if res.Durable {
		source = res.Log
	} else {
		log.Warn("event log is not durable, gaps cannot be back-filled")
	}
	service := datasink.NewService(res.ReadModel, source)

	if cfg.Projection.RebuildOnStart && res.Durable {
		applied, err := service.Rebuild(runCtx, res.Log)
		if err != nil {
			log.Fatal(err)
		}
		log.WithField("events", applied).Info("read model rebuilt")
	}

	client, err := natsutil.Connect(runCtx, cfg.NATSURL, queueGroup, cfg.NATSConnectTimeout)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	c := &consumer{handle: service.Handle, applyTimeout: cfg.Projection.ApplyTimeout}
	sub, err := client.JS.QueueSubscribe(messaging.EventsSubjects, queueGroup, func(msg *nats.Msg) {
		c.onMessage(runCtx, msg)
	}, nats.ManualAck(), nats.AckWait(cfg.Projection.ApplyTimeout+5*time.Second))
	if err != nil {
		log.Fatal(err)
	}
	log.WithField("subject", sub.Subject).Info("projector listening")

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := res.Ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := client.Ready(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultHandler())
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("projector status server failed")
		}
	}()

	<-runCtx.Done()

	if err := sub.Drain(); err != nil {
		log.WithError(err).Warn("draining subscription")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}
