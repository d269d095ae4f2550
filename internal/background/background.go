// Package background implements C6: the cooperative background task
// manager driving extraction, summary refresh, and learning decay off the
// event store, sharing the agent loop's runtime rather than spawning OS
// threads (spec §4.7, §5).
package background

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

const (
	defaultQuietThreshold     = 30 * time.Second
	defaultQueueCapacity      = 1000
	defaultWorkerCount        = 2
	defaultSchedulerInterval = 10 * time.Second
	defaultTimeout            = 300 * time.Second
	defaultMaxRetries         = 3
)

// ActivityTracker records the last observed user event time (spec §4.7).
type ActivityTracker struct {
	mu             sync.RWMutex
	lastUserEvent  time.Time
	quietThreshold time.Duration
}

func NewActivityTracker(quietThreshold time.Duration) *ActivityTracker {
	if quietThreshold <= 0 {
		quietThreshold = defaultQuietThreshold
	}
	return &ActivityTracker{lastUserEvent: time.Now(), quietThreshold: quietThreshold}
}

func (a *ActivityTracker) Pulse() {
	a.mu.Lock()
	a.lastUserEvent = time.Now()
	a.mu.Unlock()
}

func (a *ActivityTracker) IsUserActive() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return time.Since(a.lastUserEvent) < a.quietThreshold
}

// TaskFunc is the unit of background work.
type TaskFunc func(ctx context.Context, args map[string]string) error

// Task mirrors spec §4.7's task contract. Either IntervalSeconds or CronExpr
// schedules periodic re-runs; CronExpr (checked via gronx) takes precedence
// when set, allowing calendar-style schedules (e.g. nightly decay) instead
// of a plain fixed interval.
type Task struct {
	Type             string
	Priority         Priority
	Function         TaskFunc
	Args             map[string]string
	IntervalSeconds  int
	CronExpr         string
	NextRun          time.Time
	RequiresQuiet    bool
	TimeoutSeconds   int
	MaxRetries       int
	retryCount       int
}

func (t *Task) dedupeKey() string {
	h := sha256.New()
	h.Write([]byte(t.Type))
	b, _ := json.Marshal(t.Args)
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

func (t *Task) timeout() time.Duration {
	if t.TimeoutSeconds <= 0 {
		return defaultTimeout
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

func (t *Task) maxRetries() int {
	if t.MaxRetries <= 0 {
		return defaultMaxRetries
	}
	return t.MaxRetries
}

// Metrics are the Prometheus gauges/counters feeding `memory doctor` (spec
// §7: "the memory doctor CLI reports background health").
type Metrics struct {
	QueueDepth    prometheus.Gauge
	ActiveWorkers prometheus.Gauge
	Retries       prometheus.Counter
	Failures      prometheus.Counter
	Completed     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "nanobot_background_queue_depth"}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{Name: "nanobot_background_active_workers"}),
		Retries:       prometheus.NewCounter(prometheus.CounterOpts{Name: "nanobot_background_retries_total"}),
		Failures:      prometheus.NewCounter(prometheus.CounterOpts{Name: "nanobot_background_failures_total"}),
		Completed:     prometheus.NewCounter(prometheus.CounterOpts{Name: "nanobot_background_completed_total"}),
	}
	if reg != nil {
		reg.MustRegister(m.QueueDepth, m.ActiveWorkers, m.Retries, m.Failures, m.Completed)
	}
	return m
}

// Manager is the bounded priority queue + cooperative worker pool +
// periodic scheduler (spec §4.7).
type Manager struct {
	Activity *ActivityTracker
	metrics  *Metrics
	log      *slog.Logger

	capacity int
	workers  int

	mu       sync.Mutex
	queue    []*Task
	seen     map[string]bool
	periodic []*Task
	gron     gronx.Gronx

	cond *sync.Cond
}

func NewManager(workers, capacity int, metrics *Metrics, log *slog.Logger) *Manager {
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		Activity: NewActivityTracker(0),
		metrics:  metrics,
		log:      log,
		capacity: capacity,
		workers:  workers,
		seen:     make(map[string]bool),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// RegisterPeriodic adds a task the scheduler will re-enqueue on its own
// cadence (spec §4.7 "Registered periodic tasks").
func (m *Manager) RegisterPeriodic(t *Task) {
	t.NextRun = time.Now()
	m.mu.Lock()
	m.periodic = append(m.periodic, t)
	m.mu.Unlock()
}

// Enqueue pushes a one-off task, dropping it if the queue is at capacity or
// an identical (type,args) task is already pending (spec §4.7 dedup).
func (m *Manager) Enqueue(t *Task) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) >= m.capacity {
		if m.metrics != nil {
			m.metrics.Failures.Inc()
		}
		return false
	}
	key := t.dedupeKey()
	if m.seen[key] {
		return false
	}
	m.seen[key] = true
	m.queue = append(m.queue, t)
	m.sortQueueLocked()
	if m.metrics != nil {
		m.metrics.QueueDepth.Set(float64(len(m.queue)))
	}
	m.cond.Signal()
	return true
}

func (m *Manager) sortQueueLocked() {
	// Stable priority ordering: HIGH > MEDIUM > LOW, FIFO within a priority.
	q := m.queue
	for i := 1; i < len(q); i++ {
		j := i
		for j > 0 && q[j-1].Priority < q[j].Priority {
			q[j-1], q[j] = q[j], q[j-1]
			j--
		}
	}
}

func (m *Manager) pop() *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.queue) == 0 {
		m.cond.Wait()
	}
	t := m.queue[0]
	m.queue = m.queue[1:]
	delete(m.seen, t.dedupeKey())
	if m.metrics != nil {
		m.metrics.QueueDepth.Set(float64(len(m.queue)))
	}
	return t
}

func (m *Manager) pushBack(t *Task) {
	m.mu.Lock()
	m.queue = append(m.queue, t)
	m.sortQueueLocked()
	m.mu.Unlock()
	m.cond.Signal()
}

// Run starts the scheduler and worker pool; it blocks until ctx is
// cancelled, then drains cooperatively via errgroup.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(defaultSchedulerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				m.tick()
			}
		}
	})

	for i := 0; i < m.workers; i++ {
		g.Go(func() error {
			return m.workerLoop(ctx)
		})
	}

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	}()

	return g.Wait()
}

func (m *Manager) tick() {
	now := time.Now()
	m.mu.Lock()
	due := make([]*Task, 0)
	for _, t := range m.periodic {
		ready := false
		if t.CronExpr != "" {
			ok, err := m.gron.IsDue(t.CronExpr, now)
			ready = err == nil && ok
		} else {
			ready = !now.Before(t.NextRun)
		}
		if ready {
			cp := *t
			due = append(due, &cp)
			if t.CronExpr == "" {
				interval := t.IntervalSeconds
				if interval <= 0 {
					interval = int(defaultSchedulerInterval.Seconds())
				}
				t.NextRun = now.Add(time.Duration(interval) * time.Second)
			}
		}
	}
	m.mu.Unlock()
	for _, t := range due {
		m.Enqueue(t)
	}
}

func (m *Manager) workerLoop(ctx context.Context) error {
	if m.metrics != nil {
		m.metrics.ActiveWorkers.Inc()
		defer m.metrics.ActiveWorkers.Dec()
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		t := m.popOrDone(ctx)
		if t == nil {
			return nil
		}
		if t.RequiresQuiet && m.Activity.IsUserActive() {
			t.NextRun = time.Now().Add(defaultQuietThreshold)
			m.pushBack(t)
			continue
		}
		m.execute(ctx, t)
	}
}

func (m *Manager) popOrDone(ctx context.Context) *Task {
	type result struct{ t *Task }
	ch := make(chan result, 1)
	go func() { ch <- result{m.pop()} }()
	select {
	case <-ctx.Done():
		return nil
	case r := <-ch:
		return r.t
	}
}

func (m *Manager) execute(ctx context.Context, t *Task) {
	taskCtx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()

	err := t.Function(taskCtx, t.Args)
	if err == nil {
		if m.metrics != nil {
			m.metrics.Completed.Inc()
		}
		return
	}

	t.retryCount++
	if t.retryCount <= t.maxRetries() {
		if m.metrics != nil {
			m.metrics.Retries.Inc()
		}
		backoff := time.Duration(math.Pow(2, float64(t.retryCount))) * time.Second
		m.log.Warn("background task failed, retrying", "type", t.Type, "retry", t.retryCount, "backoff", backoff, "err", err)
		time.AfterFunc(backoff, func() { m.Enqueue(t) })
		return
	}
	if m.metrics != nil {
		m.metrics.Failures.Inc()
	}
	m.log.Error("background task permanently failed", "type", t.Type, "err", err)
}

// DefaultPeriodicTasks returns the spec §4.7 "Registered periodic tasks"
// table, wired to the supplied functions.
func DefaultPeriodicTasks(extraction, summaryRefresh, learningMaintenance TaskFunc) []*Task {
	return []*Task{
		{Type: "extraction", Priority: PriorityHigh, Function: extraction, IntervalSeconds: 60, RequiresQuiet: true, TimeoutSeconds: 120},
		{Type: "summary_refresh", Priority: PriorityMedium, Function: summaryRefresh, IntervalSeconds: 300, RequiresQuiet: true, TimeoutSeconds: 300},
		{Type: "learning_decay_and_cross_pollination", Priority: PriorityLow, Function: learningMaintenance, IntervalSeconds: 3600, RequiresQuiet: false, TimeoutSeconds: 60},
	}
}
