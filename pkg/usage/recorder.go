package usage

import (
	"context"
	"sync"
	"time"

	"github.com/modelgate/modelgate/pkg/observability"
	"github.com/modelgate/modelgate/pkg/store"
)

// flushBatchSize triggers an early flush before the interval elapses.
const flushBatchSize = 64

// Event is one metered upstream call.
type Event struct {
	Username         string
	APIType          string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	CreatedAt        time.Time
}

// Recorder accepts usage events from the request path.
type Recorder interface {
	Record(event Event)
}

// NopRecorder discards every event. Used when usage metering is
// disabled.
type NopRecorder struct{}

func (NopRecorder) Record(Event) {}

// eventSink is the slice of the store the recorder writes through.
type eventSink interface {
	InsertUsageEvents(ctx context.Context, events []store.UsageEvent) error
}

// DBRecorder buffers events in a channel and writes them to the
// database in batches from a single background worker.
type DBRecorder struct {
	sink          eventSink
	events        chan Event
	flushInterval time.Duration
	logger        *observability.Logger
	metrics       *observability.Metrics

	stop     chan struct{}
	stopOnce sync.Once
	done     sync.WaitGroup
}

// NewDBRecorder creates the recorder and starts its worker.
func NewDBRecorder(sink eventSink, bufferSize int, flushInterval time.Duration, logger *observability.Logger, metrics *observability.Metrics) *DBRecorder {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	r := &DBRecorder{
		sink:          sink,
		events:        make(chan Event, bufferSize),
		flushInterval: flushInterval,
		logger:        logger,
		metrics:       metrics,
		stop:          make(chan struct{}),
	}

	r.done.Add(1)
	go r.worker()
	return r
}

// Record enqueues an event without blocking. A full buffer drops the
// event.
func (r *DBRecorder) Record(event Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	if r.metrics != nil {
		r.metrics.UsageTokensTotal.WithLabelValues(event.APIType, event.Model).Add(float64(event.TotalTokens))
	}

	select {
	case r.events <- event:
	default:
		r.countDropped(1)
		r.logger.WithFields(map[string]interface{}{
			"username": event.Username,
			"model":    event.Model,
		}).Debug("usage buffer full, dropping event")
	}
}

// Close stops the worker after draining buffered events.
func (r *DBRecorder) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.done.Wait()
}

func (r *DBRecorder) worker() {
	defer r.done.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]store.UsageEvent, 0, flushBatchSize)

	for {
		select {
		case ev := <-r.events:
			batch = append(batch, toStoreEvent(ev))
			if len(batch) >= flushBatchSize {
				batch = r.flush(batch)
			}
		case <-ticker.C:
			batch = r.flush(batch)
		case <-r.stop:
			// Drain whatever is still buffered, then do a final flush.
			for {
				select {
				case ev := <-r.events:
					batch = append(batch, toStoreEvent(ev))
				default:
					r.flush(batch)
					return
				}
			}
		}
	}
}

// flush writes the batch and returns an empty slice reusing its backing
// array. Write failures drop the batch: usage is advisory and must not
// wedge the worker behind a dead database.
func (r *DBRecorder) flush(batch []store.UsageEvent) []store.UsageEvent {
	if len(batch) == 0 {
		return batch
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.sink.InsertUsageEvents(ctx, batch); err != nil {
		r.countDropped(len(batch))
		r.logger.WithError(err).WithField("events", len(batch)).Error("failed to flush usage events")
	}
	return batch[:0]
}

func (r *DBRecorder) countDropped(n int) {
	if r.metrics == nil {
		return
	}
	r.metrics.UsageEventsDropped.Add(float64(n))
}

func toStoreEvent(ev Event) store.UsageEvent {
	return store.UsageEvent{
		Username:         ev.Username,
		APIType:          ev.APIType,
		Model:            ev.Model,
		PromptTokens:     ev.PromptTokens,
		CompletionTokens: ev.CompletionTokens,
		TotalTokens:      ev.TotalTokens,
		CreatedAt:        ev.CreatedAt,
	}
}
