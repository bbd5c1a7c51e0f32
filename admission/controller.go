/*
Copyright © 2025 AiArt Labs.

Released under MIT license.
*/

// Package admission glues the resource monitor, the adaptive rate limiter
// and the priority queue into a single admission decision: execute a request
// right away, queue it for a worker, or reject it with a retry hint.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/service"

	"github.com/aiartlab/go-loadguard/monitor"
	"github.com/aiartlab/go-loadguard/queue"
	"github.com/aiartlab/go-loadguard/ratelimit"
)

// Action is the kind of an admission decision.
type Action string

// Admission decision kinds.
const (
	ActionAllow  Action = "allow"
	ActionQueue  Action = "queue"
	ActionReject Action = "reject"
)

// Request is a unit of work submitted for admission.
type Request struct {
	Identity string
	Tier     ratelimit.Tier
	Endpoint string
	Payload  interface{}
}

// Decision is the outcome of an admission evaluation. Reject happens only
// due to rate-limit exhaustion, never because of queue depth; resource
// pressure routes a request to the queue instead of immediate execution.
type Decision struct {
	Action         Action        `json:"action"`
	RequestID      string        `json:"request_id,omitempty"`
	RetryAfter     time.Duration `json:"-"`
	GraceRemaining int           `json:"grace_remaining,omitempty"`
	Load           float64       `json:"load"`
	Message        string        `json:"message"`
}

// Controller is the admission entry point shared by the whole process.
// Construct it once at start and inject it into the handler layer.
type Controller struct {
	Monitor *monitor.ResourceMonitor
	Limiter *ratelimit.AdaptiveRateLimiter
	Queue   *queue.Manager

	logger log.FieldLogger
}

// NewController creates a new Controller from already built components.
func NewController(
	mon *monitor.ResourceMonitor,
	limiter *ratelimit.AdaptiveRateLimiter,
	qm *queue.Manager,
	logger log.FieldLogger,
) *Controller {
	return &Controller{Monitor: mon, Limiter: limiter, Queue: qm, logger: logger}
}

// NewControllerFromConfig builds all components from the configuration and
// wires them together. The executor is the task execution callback for
// queued requests.
func NewControllerFromConfig(cfg *Config, executor queue.Executor, logger log.FieldLogger) (*Controller, error) {
	mon := monitor.NewResourceMonitorWithOpts(monitor.NewSystemSampler(), logger, cfg.MonitorOpts())
	limiter, err := ratelimit.NewAdaptiveRateLimiterWithOpts(
		func() (float64, bool) {
			// The admission path samples right before checking the limiter,
			// so the last snapshot is fresh enough here.
			snapshot, ok := mon.LastSnapshot()
			if !ok {
				snapshot = mon.Sample()
			}
			return snapshot.WeightedLoad, snapshot.Throttle
		},
		logger, cfg.RateLimitOpts())
	if err != nil {
		return nil, fmt.Errorf("new adaptive rate limiter: %w", err)
	}
	qm, err := queue.NewManagerWithOpts(executor, logger, cfg.QueueOpts())
	if err != nil {
		return nil, fmt.Errorf("new queue manager: %w", err)
	}
	return NewController(mon, limiter, qm, logger), nil
}

// Evaluate decides what to do with the request: execute it right away,
// queue it, or reject it. The call is synchronous and non-blocking; it never
// waits on queue or worker state.
func (c *Controller) Evaluate(ctx context.Context, req Request) Decision {
	c.Monitor.RecordActivity()
	snapshot := c.Monitor.Sample()

	res := c.Limiter.Check(req.Identity, req.Endpoint, req.Tier)
	if !res.Allowed {
		return Decision{
			Action:     ActionReject,
			RetryAfter: res.RetryAfter,
			Load:       snapshot.WeightedLoad,
			Message:    res.Message,
		}
	}

	if snapshot.Throttle {
		id := c.Queue.Enqueue(req.Payload, req.Identity, PriorityForTier(req.Tier))
		message := "Server is busy. Your request has been queued."
		if info, err := c.Queue.Status(id); err == nil {
			message = info.Message
		}
		c.logger.Info("request queued due to high load",
			log.String("request_id", id),
			log.String("identity", req.Identity),
			log.Float64("load", snapshot.WeightedLoad),
		)
		return Decision{
			Action:    ActionQueue,
			RequestID: id,
			Load:      snapshot.WeightedLoad,
			Message:   message,
		}
	}

	return Decision{
		Action:         ActionAllow,
		GraceRemaining: res.GraceRemaining,
		Load:           snapshot.WeightedLoad,
		Message:        res.Message,
	}
}

// Workers returns the background units of the controller for registration
// in a service: the queue worker pool and the periodic retention sweep.
func (c *Controller) Workers() []service.Worker {
	return []service.Worker{c.Queue, c.Queue.CleanupWorker()}
}

// MetricsSnapshot is a point-in-time summary for an external monitoring or
// admin display.
type MetricsSnapshot struct {
	WeightedLoad      float64       `json:"weighted_load"`
	CPUPercent        float64       `json:"cpu_percent"`
	MemoryPercent     float64       `json:"memory_percent"`
	Trend             monitor.Trend `json:"trend"`
	Throttle          bool          `json:"throttle"`
	Hibernating       bool          `json:"hibernating"`
	QueueDepth        int           `json:"queue_depth"`
	ProcessingCount   int           `json:"processing_count"`
	Workers           int           `json:"workers"`
	WorkerUtilization float64       `json:"worker_utilization"`
}

// Metrics returns a snapshot of current load and queue state.
func (c *Controller) Metrics() MetricsSnapshot {
	snapshot := c.Monitor.Sample()
	qm := c.Queue.Metrics()
	return MetricsSnapshot{
		WeightedLoad:      snapshot.WeightedLoad,
		CPUPercent:        snapshot.CPUPercent,
		MemoryPercent:     snapshot.MemoryPercent,
		Trend:             snapshot.Trend,
		Throttle:          snapshot.Throttle,
		Hibernating:       c.Monitor.IsHibernating(),
		QueueDepth:        qm.QueuedRequests,
		ProcessingCount:   qm.ProcessingRequests,
		Workers:           qm.Workers,
		WorkerUtilization: qm.WorkerUtilization,
	}
}

// PriorityForTier maps a caller tier to its queue priority.
// Unknown tiers get the lowest priority.
func PriorityForTier(tier ratelimit.Tier) queue.Priority {
	switch tier {
	case ratelimit.TierDonor:
		return queue.PriorityHigh
	case ratelimit.TierRegistered:
		return queue.PriorityMedium
	default:
		return queue.PriorityLow
	}
}
