package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/todo-1m/eventsourcing/internal/platform/config"
	"github.com/todo-1m/eventsourcing/internal/platform/logging"
	"github.com/todo-1m/eventsourcing/internal/platform/metrics"
	"golang.org/x/time/rate"
)

type loadConfig struct {
	APIBase        string        `env:"LOADGEN_API_BASE" envDefault:"http://localhost:8080"`
	Workers        int           `env:"LOADGEN_WORKERS" envDefault:"50"`
	Todos          int           `env:"LOADGEN_TODOS" envDefault:"20"`
	Duration       time.Duration `env:"LOADGEN_DURATION" envDefault:"1m"`
	RatePerWorker  float64       `env:"LOADGEN_RATE_PER_WORKER" envDefault:"5"`
	MaxRetries     int           `env:"LOADGEN_MAX_RETRIES" envDefault:"5"`
	RequestTimeout time.Duration `env:"LOADGEN_REQUEST_TIMEOUT" envDefault:"10s"`
	StartupWait    time.Duration `env:"LOADGEN_STARTUP_WAIT" envDefault:"1m"`
	MetricsAddr    string        `env:"LOADGEN_METRICS_ADDR" envDefault:":9099"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	CompleteEvery  int           `env:"LOADGEN_COMPLETE_EVERY" envDefault:"10"`
}

type createResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Code string `json:"code"`
}

const codeConflict = "OPTIMISTIC_LOCKING_FAILED"

var errConflict = errors.New("optimistic locking conflict")

type runner struct {
	cfg    loadConfig
	client *http.Client
	todos  []string

	success   atomic.Int64
	conflicts atomic.Int64
	failures  atomic.Int64
}

var (
	requestsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "todo_loadgen_requests_total",
		Help: "HTTP requests sent by the load generator.",
	}, []string{"action", "status", "outcome"})

	retriesTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "todo_loadgen_conflict_retries_total",
		Help: "Commands retried after an optimistic locking conflict.",
	}, []string{"action"})

	workersGauge = metrics.NewGauge(metrics.Opts{
		Name: "todo_loadgen_workers",
		Help: "Workers currently sending commands.",
	})
)

func init() {
	metrics.Default.MustRegister(requestsTotal, retriesTotal, workersGauge)
}

func main() {
	var cfg loadConfig
	if err := config.ParseEnv(&cfg); err != nil {
		log.Fatal(err)
	}
	if err := logging.Setup(cfg.LogLevel, "text"); err != nil {
		log.Fatal(err)
	}
	if cfg.Workers <= 0 || cfg.Todos <= 0 {
		log.Fatal("LOADGEN_WORKERS and LOADGEN_TODOS must be > 0")
	}
	cfg.APIBase = strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runMetricsServer(cfg.MetricsAddr)

	r := &runner{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.Workers * 2,
				MaxIdleConnsPerHost: cfg.Workers * 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}

	if err := r.waitReady(baseCtx); err != nil {
		log.Fatalf("todo-server not ready: %v", err)
	}
	if err := r.seed(baseCtx); err != nil {
		log.Fatalf("seeding todos: %v", err)
	}

	ctx := baseCtx
	if cfg.Duration > 0 {
		timeoutCtx, cancel := context.WithTimeout(baseCtx, cfg.Duration)
		defer cancel()
		ctx = timeoutCtx
	}

	log.WithFields(log.Fields{
		"workers": cfg.Workers,
		"todos":   len(r.todos),
		"rate":    cfg.RatePerWorker,
	}).Info("load generator started")

	go r.logProgress(ctx)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			r.runWorker(ctx, idx)
		}(i)
	}
	wg.Wait()

	log.WithFields(log.Fields{
		"success":   r.success.Load(),
		"conflicts": r.conflicts.Load(),
		"failures":  r.failures.Load(),
	}).Info("load test complete")
}

func (r *runner) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(r.cfg.StartupWait)
	var lastErr error
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.APIBase+"/readyz", nil)
		if err != nil {
			return err
		}
		resp, err := r.client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			err = fmt.Errorf("status=%d", resp.StatusCode)
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	if lastErr == nil {
		lastErr = errors.New("timeout")
	}
	return lastErr
}

// seed creates the shared todos every worker contends on.
func (r *runner) seed(ctx context.Context) error {
	for i := 0; i < r.cfg.Todos; i++ {
		var resp createResponse
		err := r.send(ctx, "create", http.MethodPost, "/api/todos", map[string]string{
			"title": fmt.Sprintf("Load Todo %03d", i),
		}, &resp)
		if err != nil {
			return err
		}
		r.todos = append(r.todos, resp.ID)
	}
	return nil
}

func (r *runner) runWorker(ctx context.Context, idx int) {
	workersGauge.Inc()
	defer workersGauge.Dec()

	limiter := rate.NewLimiter(rate.Limit(r.cfg.RatePerWorker), 1)
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(idx*7)))
	for n := 0; ; n++ {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		todoID := r.todos[rng.Intn(len(r.todos))]
		if r.cfg.CompleteEvery > 0 && n%r.cfg.CompleteEvery == r.cfg.CompleteEvery-1 {
			r.withRetry(ctx, "complete", func() error {
				return r.send(ctx, "complete", http.MethodPut, "/api/todos/"+todoID+"/complete", nil, nil)
			})
			continue
		}
		body := map[string]string{
			"title":       fmt.Sprintf("Load Todo w%d-%d", idx, n),
			"description": strconv.Itoa(rng.Intn(1_000_000)),
		}
		r.withRetry(ctx, "update", func() error {
			return r.send(ctx, "update", http.MethodPut, "/api/todos/"+todoID, body, nil)
		})
	}
}

// withRetry re-sends a command rejected by optimistic locking, with jittered
// backoff, up to MaxRetries times.
func (r *runner) withRetry(ctx context.Context, action string, fn func() error) {
	backoff := 10 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := fn()
		switch {
		case err == nil:
			r.success.Add(1)
			return
		case errors.Is(err, errConflict) && attempt < r.cfg.MaxRetries:
			r.conflicts.Add(1)
			retriesTotal.WithLabelValues(action).Inc()
			jitter := time.Duration(rand.Int63n(int64(backoff)))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff + jitter):
			}
			backoff *= 2
		default:
			if ctx.Err() == nil {
				r.failures.Add(1)
				log.WithField("action", action).WithError(err).Debug("command failed")
			}
			return
		}
	}
}

func (r *runner) send(ctx context.Context, action, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.APIBase+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(action, "0", "error").Inc()
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	status := strconv.Itoa(resp.StatusCode)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		requestsTotal.WithLabelValues(action, status, "success").Inc()
		if out != nil && len(raw) > 0 {
			return json.Unmarshal(raw, out)
		}
		return nil
	}

	var apiErr errorResponse
	_ = json.Unmarshal(raw, &apiErr)
	if resp.StatusCode == http.StatusConflict && apiErr.Code == codeConflict {
		requestsTotal.WithLabelValues(action, status, "conflict").Inc()
		return errConflict
	}
	requestsTotal.WithLabelValues(action, status, "error").Inc()
	return fmt.Errorf("unexpected status=%d code=%s", resp.StatusCode, apiErr.Code)
}

func (r *runner) logProgress(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.WithFields(log.Fields{
				"success":   r.success.Load(),
				"conflicts": r.conflicts.Load(),
				"failures":  r.failures.Load(),
			}).Info("progress")
		}
	}
}

func runMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.DefaultHandler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.WithField("addr", addr).Info("load generator metrics endpoint listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Warn("load generator metrics server failed")
	}
}
