package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink consumes committed events downstream of the ledger (reputation,
// notifications). Sink errors never affect the append that produced the
// event.
type Sink interface {
	Name() string
	Consume(ctx context.Context, ev *Event) error
}

// DeliveryRecorder is called once per sink delivery attempt.
type DeliveryRecorder func(sink string, err error)

const defaultSinkTimeout = 10 * time.Second

// Dispatcher fans committed events out to sinks on a bounded worker pool.
// Publish never blocks: when the queue is full the event is dropped for the
// sinks and logged.
type Dispatcher struct {
	sinks    []Sink
	queue    chan *Event
	workers  int
	timeout  time.Duration
	logger   *zap.Logger
	recorder DeliveryRecorder

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. Call Start before publishing.
func NewDispatcher(workers, queueSize int, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Dispatcher{
		sinks:   sinks,
		queue:   make(chan *Event, queueSize),
		workers: workers,
		timeout: defaultSinkTimeout,
		logger:  logger,
	}
}

// SetDeliveryRecorder registers a callback for sink outcomes.
func (d *Dispatcher) SetDeliveryRecorder(fn DeliveryRecorder) {
	d.recorder = fn
}

// Start launches the worker goroutines.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for ev := range d.queue {
				d.deliver(ev)
			}
		}()
	}
}

// Publish hands ev to the sinks without waiting for them. It reports whether
// the event was queued.
func (d *Dispatcher) Publish(ev *Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || len(d.sinks) == 0 {
		return false
	}
	select {
	case d.queue <- ev:
		return true
	default:
		d.logger.Warn("sink queue full, event dropped for sinks",
			zap.String("event_id", ev.ID.String()),
			zap.String("rental_id", ev.RentalID.String()),
		)
		if d.recorder != nil {
			d.recorder("queue", fmt.Errorf("queue full"))
		}
		return false
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ev *Event) {
	for _, s := range d.sinks {
		err := d.consume(s, ev)
		if err != nil {
			d.logger.Error("sink delivery failed",
				zap.String("sink", s.Name()),
				zap.String("event_id", ev.ID.String()),
				zap.Error(err),
			)
		}
		if d.recorder != nil {
			d.recorder(s.Name(), err)
		}
	}
}

func (d *Dispatcher) consume(s Sink, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	return s.Consume(ctx, ev.clone())
}
