// Package broker implements C8: the per-room serialization point between
// channel connectors (via internal/bus) and the agent loop. It group-commits
// inbound events into the event store (C1) and enforces strict per-room FIFO
// while allowing full parallelism across rooms (spec §4.8, §5).
package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nanobot-run/nanobot/internal/eventstore"
)

const (
	defaultBatchWindow  = 5 * time.Millisecond
	defaultBatchSize    = 64
	defaultHighWaterMark = 100
)

// ErrBusy is returned by Enqueue when a room's queue is above its
// high-water mark (spec §4.8, §7 BusyError).
var ErrBusy = errors.New("broker: room queue busy")

// Handler is invoked once per dispatched event, in FIFO order, by the single
// worker owning that room. It must respect ctx cancellation at its next
// cooperative suspension point (spec §4.8 cancellation).
type Handler func(ctx context.Context, roomID string, evt *eventstore.Event) error

type pendingAppend struct {
	event *eventstore.Event
	done  chan appendResult
}

type appendResult struct {
	id  int64
	err error
}

type roomQueue struct {
	mu      sync.Mutex
	items   []*eventstore.Event
	cancel  context.CancelFunc // cancels the in-flight turn, if any
	closed  bool
}

// Broker is the C8 per-room broker.
type Broker struct {
	store   *eventstore.Store
	handler Handler

	batchWindow   time.Duration
	batchSize     int
	highWaterMark int

	appendCh chan *pendingAppend

	mu    sync.Mutex
	rooms map[string]*roomQueue
	wake  map[string]chan struct{}

	metrics *Metrics
}

// Metrics are the Prometheus counters backing `memory doctor` visibility
// into broker health (spec §7).
type Metrics struct {
	Rejections prometheus.Counter
	BatchSizes prometheus.Histogram
	Dispatched prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Rejections: prometheus.NewCounter(prometheus.CounterOpts{Name: "nanobot_broker_rejections_total"}),
		BatchSizes: prometheus.NewHistogram(prometheus.HistogramOpts{Name: "nanobot_broker_batch_sizes", Buckets: prometheus.LinearBuckets(1, 8, 8)}),
		Dispatched: prometheus.NewCounter(prometheus.CounterOpts{Name: "nanobot_broker_dispatched_total"}),
	}
	if reg != nil {
		reg.MustRegister(m.Rejections, m.BatchSizes, m.Dispatched)
	}
	return m
}

func New(store *eventstore.Store, handler Handler, metrics *Metrics) *Broker {
	return &Broker{
		store:         store,
		handler:       handler,
		batchWindow:   defaultBatchWindow,
		batchSize:     defaultBatchSize,
		highWaterMark: defaultHighWaterMark,
		appendCh:      make(chan *pendingAppend, defaultBatchSize*4),
		rooms:         make(map[string]*roomQueue),
		wake:          make(map[string]chan struct{}),
		metrics:       metrics,
	}
}

// Run starts the group-commit writer. It must be running before Enqueue is
// called, and stops when ctx is cancelled.
func (b *Broker) Run(ctx context.Context) {
	go b.groupCommitLoop(ctx)
}

// groupCommitLoop batches pending appends every batchWindow or batchSize,
// whichever comes first, flushing them in a single eventstore transaction
// (spec §4.8: "enqueue returns only after its group's fsync completes").
func (b *Broker) groupCommitLoop(ctx context.Context) {
	var batch []*pendingAppend
	timer := time.NewTimer(b.batchWindow)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		events := make([]*eventstore.Event, len(batch))
		for i, p := range batch {
			events[i] = p.event
		}
		ids, err := b.store.AppendBatch(context.Background(), events)
		if b.metrics != nil {
			b.metrics.BatchSizes.Observe(float64(len(batch)))
		}
		for i, p := range batch {
			if err != nil {
				p.done <- appendResult{err: err}
				continue
			}
			p.done <- appendResult{id: ids[i]}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case p := <-b.appendCh:
			batch = append(batch, p)
			if len(batch) >= b.batchSize {
				flush()
				timer.Reset(b.batchWindow)
			}
		case <-timer.C:
			flush()
			timer.Reset(b.batchWindow)
		}
	}
}

func (b *Broker) queueFor(roomID string) *roomQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.rooms[roomID]
	if !ok {
		q = &roomQueue{}
		b.rooms[roomID] = q
		b.wake[roomID] = make(chan struct{}, 1)
	}
	return q
}

func (b *Broker) signal(roomID string) {
	b.mu.Lock()
	ch := b.wake[roomID]
	b.mu.Unlock()
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Enqueue persists evt (via group commit) and appends it to room_id's FIFO,
// starting that room's dispatch worker on first use. Returns ErrBusy above
// the per-room high-water mark.
func (b *Broker) Enqueue(ctx context.Context, roomID string, evt *eventstore.Event) (int64, error) {
	q := b.queueFor(roomID)

	q.mu.Lock()
	depth := len(q.items)
	if q.cancel != nil {
		depth++ // the in-flight turn still occupies the room's queue
	}
	q.mu.Unlock()
	if depth >= b.highWaterMark {
		if b.metrics != nil {
			b.metrics.Rejections.Inc()
		}
		return 0, ErrBusy
	}

	done := make(chan appendResult, 1)
	select {
	case b.appendCh <- &pendingAppend{event: evt, done: done}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	var res appendResult
	select {
	case res = <-done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if res.err != nil {
		return 0, res.err
	}
	evt.ID = res.id

	q.mu.Lock()
	if q.items == nil {
		go b.dispatchLoop(context.Background(), roomID, q)
	}
	q.items = append(q.items, evt)
	q.mu.Unlock()
	b.signal(roomID)

	return res.id, nil
}

// dispatchLoop is the single cooperative worker per room enforcing FIFO
// ordering (spec §4.8, §8 property 1).
func (b *Broker) dispatchLoop(ctx context.Context, roomID string, q *roomQueue) {
	b.mu.Lock()
	wake := b.wake[roomID]
	b.mu.Unlock()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			<-wake
			continue
		}
		evt := q.items[0]
		q.items = q.items[1:]
		turnCtx, cancel := context.WithCancel(ctx)
		q.cancel = cancel
		q.mu.Unlock()

		if err := b.handler(turnCtx, roomID, evt); err != nil {
			// The handler is responsible for translating failures into
			// escalation/error events; the broker itself never halts the
			// room's worker on a single turn's error.
			_ = err
		}
		cancel()
		if b.metrics != nil {
			b.metrics.Dispatched.Inc()
		}

		q.mu.Lock()
		q.cancel = nil
		q.mu.Unlock()
	}
}

// Cancel implements spec §4.8 cancellation: clears pending un-started
// events for room_id and signals the active turn to stop at its next
// suspension point.
func (b *Broker) Cancel(roomID string) {
	q := b.queueFor(roomID)
	q.mu.Lock()
	q.items = q.items[:0]
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Depth reports a room's current pending-event count, used by backpressure
// decisions and `memory doctor`.
func (b *Broker) Depth(roomID string) int {
	q := b.queueFor(roomID)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
