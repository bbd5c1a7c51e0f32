/*
Copyright © 2025 AiArt Labs.

Released under MIT license.
*/

// Package queue implements a priority request queue with a bounded worker
// pool. Admitted requests are never rejected for capacity reasons; the queue
// exists to smooth bursts, and the worker pool size is what bounds concurrent
// resource consumption.
package queue

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a queued request.
// Transitions are monotonic forward only.
type Status string

// Request lifecycle states.
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// terminal reports whether no further transitions are possible.
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority is the dequeue ranking of a request. Lower values are served first.
type Priority int

// Supported priorities.
const (
	PriorityHigh Priority = iota + 1
	PriorityMedium
	PriorityLow
)

// String returns a string representation of the priority.
// Implements fmt.Stringer interface.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Request is a unit of queued work. All fields are owned by the Manager;
// callers observe requests through the StatusInfo accessor only.
type Request struct {
	ID             string
	Identity       string
	Priority       Priority
	Payload        interface{}
	EnqueueTime    time.Time
	StartTime      time.Time
	CompletionTime time.Time
	Status         Status
	Result         interface{}
	Err            error

	seq uint64 // FIFO tie-breaker within the same priority and enqueue time
}

// StatusInfo is a JSON-serializable view of a request for poll-based clients.
type StatusInfo struct {
	RequestID            string `json:"request_id"`
	Status               Status `json:"status"`
	PositionInQueue      int    `json:"position_in_queue"`
	EstimatedWaitSeconds int    `json:"estimated_wait_seconds"`
	Message              string `json:"message"`
	Error                string `json:"error,omitempty"`
}

// Sentinel errors of the queue.
var (
	// ErrRequestNotFound is returned when the request id is unknown
	// or its retention window has expired.
	ErrRequestNotFound = errors.New("request not found")

	// ErrNotOwner is returned when a cancellation is attempted
	// by an identity other than the one that enqueued the request.
	ErrNotOwner = errors.New("request belongs to another identity")

	// ErrNotCancellable is returned when the request has already been
	// claimed by a worker or has reached a terminal state.
	ErrNotCancellable = errors.New("request is no longer cancellable")

	// ErrQueueTimeout marks a request that stayed queued longer
	// than the configured maximum wait.
	ErrQueueTimeout = errors.New("request timed out waiting in the queue")
)

// ExecutorError wraps a failure of the injected task executor so that it can
// be distinguished from queue-level failures.
type ExecutorError struct {
	Inner error
}

// Error implements the error interface.
func (e *ExecutorError) Error() string {
	return fmt.Sprintf("task execution failed: %v", e.Inner)
}

// Unwrap returns the wrapped error.
func (e *ExecutorError) Unwrap() error {
	return e.Inner
}
