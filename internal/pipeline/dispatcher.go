package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loopmesh/dm-ingest/internal/metrics"
	"github.com/loopmesh/dm-ingest/internal/models"
)

// Dispatcher decouples webhook acknowledgment from event processing
// for the long-lived hosting model: the handler acknowledges the
// delivery after signature verification and hands the batch here.
//
// Delivery contract: once Enqueue returns, the batch will be processed
// at least once by a worker in this process. A crash between
// acknowledgment and completion loses the batch; deployments that
// cannot accept that run the pipeline synchronously instead.
type Dispatcher struct {
	pipeline *Pipeline
	queue    chan []models.MessageEvent
	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
	log      *slog.Logger
}

func NewDispatcher(p *Pipeline, queueSize, workers int, log *slog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 4
	}

	d := &Dispatcher{
		pipeline: p,
		queue:    make(chan []models.MessageEvent, queueSize),
		stop:     make(chan struct{}),
		log:      log,
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue hands a batch to the workers. When the queue is full the
// batch is processed inline rather than dropped: backpressure degrades
// latency, never durability.
func (d *Dispatcher) Enqueue(events []models.MessageEvent) {
	if len(events) == 0 {
		return
	}
	select {
	case d.queue <- events:
		metrics.QueueDepth.Set(float64(len(d.queue)))
	default:
		d.log.Warn("async queue full, processing delivery inline",
			slog.Int("events", len(events)),
		)
		d.pipeline.Process(context.Background(), events)
	}
}

// Process enqueues the batch. The context is ignored: by the time a
// batch reaches the dispatcher the delivery is already acknowledged,
// so processing must not be tied to the request lifetime.
func (d *Dispatcher) Process(_ context.Context, events []models.MessageEvent) {
	d.Enqueue(events)
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case events := <-d.queue:
			metrics.QueueDepth.Set(float64(len(d.queue)))
			d.pipeline.Process(context.Background(), events)
		case <-d.stop:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case events := <-d.queue:
					d.pipeline.Process(context.Background(), events)
				default:
					return
				}
			}
		}
	}
}

// Close stops the workers after draining the queue.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
}
