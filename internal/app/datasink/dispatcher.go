package datasink

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/todo-1m/eventsourcing/internal/contracts"
	"github.com/todo-1m/eventsourcing/internal/platform/metrics"
	"github.com/todo-1m/eventsourcing/internal/sharding"
)

var ErrDispatcherClosed = errors.New("dispatcher is closed")

const (
	defaultWorkers      = 4
	defaultQueueSize    = 256
	defaultApplyTimeout = 3 * time.Second
)

var queueDepth = metrics.NewGauge(metrics.Opts{
	Name: "todo_projection_queue_depth",
	Help: "Committed batches waiting for a projector worker.",
})

func init() {
	metrics.Default.MustRegister(queueDepth)
}

// HandlerFunc applies one committed batch to the read side.
type HandlerFunc func(ctx context.Context, events []contracts.Event) error

// Dispatcher queues committed batches for asynchronous projection. Each
// aggregate always hashes to the same worker, so its events are applied in
// the order they were dispatched.
type Dispatcher struct {
	handler      HandlerFunc
	applyTimeout time.Duration
	queues       []chan []contracts.Event

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(handler HandlerFunc, workers, queueSize int, applyTimeout time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if applyTimeout <= 0 {
		applyTimeout = defaultApplyTimeout
	}
	queues := make([]chan []contracts.Event, workers)
	for i := range queues {
		queues[i] = make(chan []contracts.Event, queueSize)
	}
	return &Dispatcher{
		handler:      handler,
		applyTimeout: applyTimeout,
		queues:       queues,
	}
}

// Start launches one goroutine per worker queue. Workers exit once Close
// has been called and their queue is drained.
func (d *Dispatcher) Start() {
	for idx, q := range d.queues {
		d.wg.Add(1)
		go d.run(idx, q)
	}
}

// Dispatch enqueues events, blocking while the target queue is full.
func (d *Dispatcher) Dispatch(ctx context.Context, events []contracts.Event) error {
	if len(events) == 0 {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	q := d.queues[sharding.ShardFor(events[0].AggregateID.String(), len(d.queues))]
	select {
	case q <- events:
		queueDepth.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting batches and waits for queued ones to be applied.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run(idx int, q <-chan []contracts.Event) {
	defer d.wg.Done()
	for events := range q {
		queueDepth.Dec()
		ctx, cancel := context.WithTimeout(context.Background(), d.applyTimeout)
		err := d.handler(ctx, events)
		cancel()
		if err != nil {
			log.WithFields(log.Fields{
				"worker":  idx,
				"todo_id": events[0].AggregateID.String(),
			}).WithError(err).Error("projection failed")
		}
	}
}
