package webhook

import (
	"context"
	"sync"

	"github.com/micromdm/nanoform/log/logkeys"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// Sender delivers a payload to a target.
type Sender interface {
	Deliver(ctx context.Context, t *Target, payload interface{}) error
}

type job struct {
	ctx     context.Context
	target  *Target
	payload interface{}
}

// Dispatcher hands deliveries to background workers.
// Dispatch never blocks: deliveries are dropped when the queue is full.
type Dispatcher struct {
	sender  Sender
	logger  log.Logger
	queue   chan job
	workers int
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchLogger sets the logger.
func WithDispatchLogger(logger log.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithQueueSize sets the number of deliveries that may wait for a worker.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.queue = make(chan job, n)
		}
	}
}

// WithWorkers sets the number of concurrent delivery workers.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// NewDispatcher creates a new Dispatcher that delivers using sender.
// Deliveries only start once Run is called.
func NewDispatcher(sender Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sender:  sender,
		logger:  log.NopLogger,
		queue:   make(chan job, 100),
		workers: 2,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch queues payload for delivery to t.
// Cancellation of ctx does not affect the delivery; its values are kept.
func (d *Dispatcher) Dispatch(ctx context.Context, t *Target, payload interface{}) {
	j := job{ctx: context.WithoutCancel(ctx), target: t, payload: payload}
	select {
	case d.queue <- j:
		queueDepth.Inc()
	default:
		deliveriesTotal.WithLabelValues("dropped").Inc()
		ctxlog.Logger(ctx, d.logger).Info(
			logkeys.Message, "webhook queue full: dropping delivery",
			logkeys.URL, t.URL,
		)
	}
}

// Run starts the workers and blocks until ctx is done.
// Deliveries still queued when ctx is done are not sent.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-d.queue:
					queueDepth.Dec()
					d.deliver(j)
				}
			}
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(j job) {
	if err := d.sender.Deliver(j.ctx, j.target, j.payload); err != nil {
		ctxlog.Logger(j.ctx, d.logger).Info(
			logkeys.Message, "webhook delivery",
			logkeys.URL, j.target.URL,
			logkeys.Error, err,
		)
	}
}
