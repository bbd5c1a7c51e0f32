/*
Copyright © 2025 AiArt Labs.

Released under MIT license.
*/

package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/service"
	"github.com/rs/xid"
)

// Defaults for the queue Manager.
const (
	DefaultWorkers         = 4
	DefaultServiceTime     = 30 * time.Second
	DefaultMaxQueueWait    = 30 * time.Minute
	DefaultRetention       = 24 * time.Hour
	DefaultCleanupInterval = 30 * time.Second

	// serviceTimeEMAAlpha weights the most recent observation in the
	// exponentially-weighted moving average of per-request service time.
	serviceTimeEMAAlpha = 0.2
)

// Executor is the injected task execution callback. The queue owns none of
// its semantics and treats it as opaque and potentially failing. Task-level
// timeouts are the executor's concern.
type Executor func(ctx context.Context, payload interface{}) (interface{}, error)

// Manager accepts every admitted request and executes them fairly under a
// hard concurrency ceiling. Higher-priority requests are always dequeued
// first; ties break FIFO by enqueue time. Implements service.Worker interface
// (Run starts the worker pool and blocks until the context is canceled).
type Manager struct {
	executor Executor
	logger   log.FieldLogger
	metrics  *MetricsCollector

	workers            int
	defaultServiceTime time.Duration
	maxQueueWait       time.Duration
	retention          time.Duration
	cleanupInterval    time.Duration

	mu       sync.Mutex
	cond     *sync.Cond
	pq       requestHeap
	requests map[string]*Request
	nextSeq  uint64

	processing int
	total      int
	completed  int
	failed     int
	cancelled  int

	serviceEMA float64 // seconds, 0 until the first observation
	waitEMA    float64 // seconds

	timeNow func() time.Time
}

// Opts represents options for the queue Manager.
type Opts struct {
	// Workers is the number of concurrent executors.
	Workers int

	// DefaultServiceTime is the wait estimate per queue position
	// used until real service time observations exist.
	DefaultServiceTime time.Duration

	// MaxQueueWait fails requests that stay queued longer than this.
	MaxQueueWait time.Duration

	// Retention is how long terminal requests stay resolvable by Status.
	Retention time.Duration

	// CleanupInterval is the period of the retention sweep started by CleanupWorker.
	CleanupInterval time.Duration

	// MetricsCollector, if not nil, exports queue metrics to Prometheus.
	MetricsCollector *MetricsCollector

	// TimeNowFunc overrides the time source. Intended for tests.
	TimeNowFunc func() time.Time
}

// NewManager creates a new queue Manager with default options.
func NewManager(executor Executor, logger log.FieldLogger) (*Manager, error) {
	return NewManagerWithOpts(executor, logger, Opts{})
}

// NewManagerWithOpts is a version of NewManager
// with an ability to specify additional options.
func NewManagerWithOpts(executor Executor, logger log.FieldLogger, opts Opts) (*Manager, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if opts.Workers == 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Workers < 0 {
		return nil, fmt.Errorf("workers should be positive, got %d", opts.Workers)
	}
	if opts.DefaultServiceTime == 0 {
		opts.DefaultServiceTime = DefaultServiceTime
	}
	if opts.MaxQueueWait == 0 {
		opts.MaxQueueWait = DefaultMaxQueueWait
	}
	if opts.Retention == 0 {
		opts.Retention = DefaultRetention
	}
	if opts.CleanupInterval == 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	timeNow := opts.TimeNowFunc
	if timeNow == nil {
		timeNow = time.Now
	}
	m := &Manager{
		executor:           executor,
		logger:             logger,
		metrics:            opts.MetricsCollector,
		workers:            opts.Workers,
		defaultServiceTime: opts.DefaultServiceTime,
		maxQueueWait:       opts.MaxQueueWait,
		retention:          opts.Retention,
		cleanupInterval:    opts.CleanupInterval,
		requests:           make(map[string]*Request),
		timeNow:            timeNow,
	}
	m.cond = sync.NewCond(&m.mu)
	return m, nil
}

// MustNewManager is a version of NewManager that panics if an error occurs.
func MustNewManager(executor Executor, logger log.FieldLogger) *Manager {
	m, err := NewManager(executor, logger)
	if err != nil {
		panic(err)
	}
	return m
}

// Enqueue inserts a request into the queue. It always succeeds; queue depth
// is never a reason to reject. The returned id stays resolvable by Status
// until the retention window expires past a terminal transition.
func (m *Manager) Enqueue(payload interface{}, identity string, priority Priority) string {
	if priority < PriorityHigh || priority > PriorityLow {
		priority = PriorityLow
	}
	m.mu.Lock()
	req := &Request{
		ID:          xid.New().String(),
		Identity:    identity,
		Priority:    priority,
		Payload:     payload,
		EnqueueTime: m.timeNow(),
		Status:      StatusQueued,
		seq:         m.nextSeq,
	}
	m.nextSeq++
	m.total++
	heap.Push(&m.pq, req)
	m.requests[req.ID] = req
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.IncEnqueued(priority)
	}
	m.logger.Debug("request enqueued",
		log.String("request_id", req.ID),
		log.String("identity", identity),
		log.String("priority", priority.String()),
	)
	m.cond.Signal()
	return req.ID
}

// Run starts the worker pool and blocks until ctx is canceled.
// Implements service.Worker interface.
func (m *Manager) Run(ctx context.Context) error {
	stopWake := context.AfterFunc(ctx, func() {
		// The lock pairs the broadcast with the ctx.Err() check in claim,
		// otherwise a cancellation landing between that check and cond.Wait
		// would wake nobody and leave the worker parked forever.
		m.mu.Lock()
		defer m.mu.Unlock()
		m.cond.Broadcast()
	})
	defer stopWake()

	m.logger.Info("queue worker pool started", log.Int("workers", m.workers))
	var wg sync.WaitGroup
	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.workerLoop(ctx)
		}()
	}
	wg.Wait()
	m.logger.Info("queue worker pool stopped")
	return nil
}

func (m *Manager) workerLoop(ctx context.Context) {
	for {
		req := m.claim(ctx)
		if req == nil {
			return
		}
		m.execute(ctx, req)
	}
}

// claim blocks until a ready request is available or ctx is canceled.
func (m *Manager) claim(ctx context.Context) *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if req := m.popReadyLocked(); req != nil {
			now := m.timeNow()
			req.Status = StatusProcessing
			req.StartTime = now
			m.processing++
			m.observeWaitLocked(now.Sub(req.EnqueueTime))
			if m.metrics != nil {
				m.metrics.SetBusyWorkers(m.processing)
			}
			return req
		}
		m.cond.Wait()
	}
}

// popReadyLocked pops the highest-priority queued request, skipping entries
// that were cancelled or failed while still in the heap and failing entries
// that exceeded the maximum queue wait.
func (m *Manager) popReadyLocked() *Request {
	for m.pq.Len() > 0 {
		req := heap.Pop(&m.pq).(*Request)
		if req.Status != StatusQueued {
			continue
		}
		if m.timeNow().Sub(req.EnqueueTime) >= m.maxQueueWait {
			m.failTimedOutLocked(req)
			continue
		}
		return req
	}
	return nil
}

func (m *Manager) failTimedOutLocked(req *Request) {
	req.Status = StatusFailed
	req.Err = ErrQueueTimeout
	req.CompletionTime = m.timeNow()
	m.failed++
	if m.metrics != nil {
		m.metrics.IncFinished(StatusFailed)
	}
	m.logger.Warn("request timed out in queue",
		log.String("request_id", req.ID),
		log.Duration("max_queue_wait", m.maxQueueWait),
	)
}

func (m *Manager) execute(ctx context.Context, req *Request) {
	start := m.timeNow()
	result, err := m.safeExecute(ctx, req.Payload)
	now := m.timeNow()

	m.mu.Lock()
	req.CompletionTime = now
	if err != nil {
		req.Status = StatusFailed
		req.Err = &ExecutorError{Inner: err}
		m.failed++
	} else {
		req.Status = StatusCompleted
		req.Result = result
		m.completed++
	}
	m.processing--
	m.observeServiceLocked(now.Sub(start))
	if m.metrics != nil {
		m.metrics.SetBusyWorkers(m.processing)
		m.metrics.IncFinished(req.Status)
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("request failed",
			log.String("request_id", req.ID),
			log.Error(err),
			log.Duration("service_time", now.Sub(start)),
		)
		return
	}
	m.logger.Debug("request completed",
		log.String("request_id", req.ID),
		log.Duration("service_time", now.Sub(start)),
	)
}

// safeExecute invokes the executor recovering panics at the worker boundary
// so that a failing task cannot crash the pool.
func (m *Manager) safeExecute(ctx context.Context, payload interface{}) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return m.executor(ctx, payload)
}

// Status returns a point-in-time view of the request. The read is idempotent:
// with no intervening state change two calls return identical values.
func (m *Manager) Status(requestID string) (StatusInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return StatusInfo{}, ErrRequestNotFound
	}

	info := StatusInfo{RequestID: req.ID, Status: req.Status}
	if req.Status == StatusQueued {
		info.PositionInQueue = m.positionLocked(req)
		info.EstimatedWaitSeconds = int(m.estimatedWaitLocked(info.PositionInQueue).Seconds())
	}
	if req.Status == StatusFailed && req.Err != nil {
		info.Error = req.Err.Error()
	}
	info.Message = m.statusMessageLocked(req, info)
	return info, nil
}

// positionLocked counts entries strictly ahead of req in dequeue order.
func (m *Manager) positionLocked(req *Request) int {
	position := 0
	for _, other := range m.pq {
		if other != req && other.Status == StatusQueued && aheadOf(other, req) {
			position++
		}
	}
	return position
}

// estimatedWaitLocked is position times the average recent service time,
// falling back to the configured default when no history exists.
func (m *Manager) estimatedWaitLocked(position int) time.Duration {
	perRequest := m.defaultServiceTime
	if m.serviceEMA > 0 {
		perRequest = time.Duration(m.serviceEMA * float64(time.Second))
	}
	return time.Duration(position) * perRequest
}

func (m *Manager) statusMessageLocked(req *Request, info StatusInfo) string {
	switch req.Status {
	case StatusQueued:
		switch {
		case info.PositionInQueue == 0:
			return "You're next in line! Processing will begin shortly."
		case info.PositionInQueue < 3:
			return fmt.Sprintf("You're #%d in line. Almost there!", info.PositionInQueue+1)
		default:
			wait := time.Duration(info.EstimatedWaitSeconds) * time.Second
			return fmt.Sprintf("You're #%d in queue. Estimated wait: %s.", info.PositionInQueue+1, formatWait(wait))
		}
	case StatusProcessing:
		return "Your request is being processed."
	case StatusCompleted:
		return "Your request has been completed successfully."
	case StatusFailed:
		if req.Err == ErrQueueTimeout {
			return "Your request timed out waiting in the queue. Please try again."
		}
		return "Your request failed. Please retry later."
	case StatusCancelled:
		return "Your request was cancelled."
	}
	return fmt.Sprintf("Status: %s", req.Status)
}

// Cancel marks a queued request cancelled. Only the identity that enqueued
// the request may cancel it, and only before a worker claims it. Cancelling
// an already cancelled request is a no-op.
func (m *Manager) Cancel(requestID, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return ErrRequestNotFound
	}
	if req.Identity != identity {
		return ErrNotOwner
	}
	if req.Status == StatusCancelled {
		return nil
	}
	if req.Status != StatusQueued {
		return ErrNotCancellable
	}
	req.Status = StatusCancelled
	req.CompletionTime = m.timeNow()
	m.cancelled++
	if m.metrics != nil {
		m.metrics.IncFinished(StatusCancelled)
	}
	m.logger.Info("request cancelled",
		log.String("request_id", requestID), log.String("identity", identity))
	return nil
}

// Cleanup runs one sweep synchronously: it fails queued entries that
// exceeded the maximum wait, evicts terminal entries older than the
// retention window and compacts the heap. Queued and processing entries
// are never evicted regardless of age.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	now := m.timeNow()

	for _, req := range m.requests {
		if req.Status == StatusQueued && now.Sub(req.EnqueueTime) >= m.maxQueueWait {
			m.failTimedOutLocked(req)
		}
	}

	evicted := 0
	for id, req := range m.requests {
		if req.Status.terminal() && now.Sub(req.CompletionTime) >= m.retention {
			delete(m.requests, id)
			evicted++
		}
	}

	// Drop dead heap entries accumulated between sweeps.
	compacted := m.pq[:0]
	for _, req := range m.pq {
		if req.Status == StatusQueued {
			compacted = append(compacted, req)
		}
	}
	m.pq = compacted
	heap.Init(&m.pq)
	m.mu.Unlock()

	if evicted > 0 {
		m.logger.Info("cleaned up old requests", log.Int("evicted", evicted))
	}
}

// CleanupWorker returns a periodic worker running Cleanup at the configured
// interval, for registration as a service unit.
func (m *Manager) CleanupWorker() *service.PeriodicWorker {
	return service.NewPeriodicWorker(service.WorkerFunc(func(ctx context.Context) error {
		m.Cleanup()
		return nil
	}), m.cleanupInterval, m.logger)
}

// QueueMetrics is a point-in-time summary of queue state and throughput.
type QueueMetrics struct {
	TotalRequests      int              `json:"total_requests"`
	QueuedRequests     int              `json:"queued_requests"`
	ProcessingRequests int              `json:"processing_requests"`
	CompletedRequests  int              `json:"completed_requests"`
	FailedRequests     int              `json:"failed_requests"`
	CancelledRequests  int              `json:"cancelled_requests"`
	AverageWaitTime    time.Duration    `json:"average_wait_time_ns"`
	AverageServiceTime time.Duration    `json:"average_service_time_ns"`
	Throughput         float64          `json:"throughput_per_minute"`
	QueueDepths        map[Priority]int `json:"-"`
	Workers            int              `json:"workers"`
	WorkerUtilization  float64          `json:"worker_utilization"`
}

// Metrics returns a snapshot of queue metrics.
func (m *Manager) Metrics() QueueMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	depths := map[Priority]int{PriorityHigh: 0, PriorityMedium: 0, PriorityLow: 0}
	queued := 0
	for _, req := range m.pq {
		if req.Status == StatusQueued {
			depths[req.Priority]++
			queued++
		}
	}

	throughput := 0.0
	if m.serviceEMA > 0 {
		throughput = 60.0 / m.serviceEMA * float64(m.workers)
	}

	return QueueMetrics{
		TotalRequests:      m.total,
		QueuedRequests:     queued,
		ProcessingRequests: m.processing,
		CompletedRequests:  m.completed,
		FailedRequests:     m.failed,
		CancelledRequests:  m.cancelled,
		AverageWaitTime:    time.Duration(m.waitEMA * float64(time.Second)),
		AverageServiceTime: time.Duration(m.serviceEMA * float64(time.Second)),
		Throughput:         throughput,
		QueueDepths:        depths,
		Workers:            m.workers,
		WorkerUtilization:  float64(m.processing) / float64(m.workers),
	}
}

func (m *Manager) observeServiceLocked(d time.Duration) {
	m.serviceEMA = observeEMA(m.serviceEMA, d)
}

func (m *Manager) observeWaitLocked(d time.Duration) {
	m.waitEMA = observeEMA(m.waitEMA, d)
}

func observeEMA(ema float64, observed time.Duration) float64 {
	seconds := observed.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	if ema == 0 {
		return seconds
	}
	return serviceTimeEMAAlpha*seconds + (1-serviceTimeEMAAlpha)*ema
}

func formatWait(d time.Duration) string {
	seconds := int(d.Seconds())
	switch {
	case seconds < 60:
		return fmt.Sprintf("%d seconds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%d minutes", seconds/60)
	default:
		return fmt.Sprintf("%d hours", seconds/3600)
	}
}
