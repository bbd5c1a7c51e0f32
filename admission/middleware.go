/*
Copyright © 2025 AiArt Labs.

Released under MIT license.
*/

package admission

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/restapi"
	"github.com/go-chi/chi/v5"

	"github.com/aiartlab/go-loadguard/queue"
	"github.com/aiartlab/go-loadguard/ratelimit"
)

// ErrorDomain is the error domain of the admission REST API.
const ErrorDomain = "LoadGuard"

// Error codes of the admission REST API.
const (
	ErrCodeRateLimitExceeded = "rateLimitExceeded"
	ErrCodeRequestNotFound   = "requestNotFound"
	ErrCodeNotOwner          = "accessDenied"
	ErrCodeNotCancellable    = "notCancellable"
)

// IdentityResolver extracts the caller identity and tier from the request.
// Typical implementations read an API key, a session, or fall back to the
// client IP for anonymous callers.
type IdentityResolver func(r *http.Request) (identity string, tier ratelimit.Tier)

// HTTPPayload describes a deferred HTTP request handed to the queue executor.
type HTTPPayload struct {
	Method   string `json:"method"`
	Path     string `json:"path"`
	Identity string `json:"identity"`
}

// queuedResponse is the body of a 202 response for a queued request.
type queuedResponse struct {
	RequestID            string  `json:"request_id"`
	Status               string  `json:"status"`
	PositionInQueue      int     `json:"position_in_queue"`
	EstimatedWaitSeconds int     `json:"estimated_wait_seconds"`
	Load                 float64 `json:"load"`
	Message              string  `json:"message"`
}

// Middleware returns a middleware performing admission control before
// delegating to the next handler. Allowed requests pass through, queued
// requests get 202 with the request id for polling, rejected requests get
// 429 with a Retry-After header.
func Middleware(ctrl *Controller, resolver IdentityResolver, logger log.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			identity, tier := resolver(r)
			decision := ctrl.Evaluate(r.Context(), Request{
				Identity: identity,
				Tier:     tier,
				Endpoint: r.URL.Path,
				Payload:  HTTPPayload{Method: r.Method, Path: r.URL.Path, Identity: identity},
			})

			switch decision.Action {
			case ActionAllow:
				next.ServeHTTP(rw, r)

			case ActionQueue:
				resp := queuedResponse{
					RequestID: decision.RequestID,
					Status:    string(queue.StatusQueued),
					Load:      decision.Load,
					Message:   decision.Message,
				}
				if info, err := ctrl.Queue.Status(decision.RequestID); err == nil {
					resp.Status = string(info.Status)
					resp.PositionInQueue = info.PositionInQueue
					resp.EstimatedWaitSeconds = info.EstimatedWaitSeconds
				}
				restapi.RespondCodeAndJSON(rw, http.StatusAccepted, resp, logger)

			case ActionReject:
				rw.Header().Set("Retry-After", retryAfterSeconds(decision))
				restapi.RespondError(rw, http.StatusTooManyRequests,
					restapi.NewError(ErrorDomain, ErrCodeRateLimitExceeded, decision.Message), logger)
			}
		})
	}
}

func retryAfterSeconds(decision Decision) string {
	return strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds())))
}

// Handler serves the status, cancellation and metrics endpoints of the
// admission REST API.
type Handler struct {
	ctrl     *Controller
	resolver IdentityResolver
	logger   log.FieldLogger
}

// NewHandler creates a new Handler.
func NewHandler(ctrl *Controller, resolver IdentityResolver, logger log.FieldLogger) *Handler {
	return &Handler{ctrl: ctrl, resolver: resolver, logger: logger}
}

// Routes returns a router of the admission REST API.
func (h *Handler) Routes() chi.Router {
	router := chi.NewRouter()
	router.Get("/queue/requests/{requestID}", h.GetRequestStatus)
	router.Delete("/queue/requests/{requestID}", h.CancelRequest)
	router.Get("/load", h.GetMetrics)
	return router
}

// GetRequestStatus responds with the current status of a queued request.
func (h *Handler) GetRequestStatus(rw http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	info, err := h.ctrl.Queue.Status(requestID)
	if err != nil {
		restapi.RespondError(rw, http.StatusNotFound,
			restapi.NewError(ErrorDomain, ErrCodeRequestNotFound, "Request not found or expired."), h.logger)
		return
	}
	restapi.RespondJSON(rw, info, h.logger)
}

// CancelRequest cancels a queued request on behalf of its owner.
func (h *Handler) CancelRequest(rw http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	identity, _ := h.resolver(r)
	err := h.ctrl.Queue.Cancel(requestID, identity)
	switch {
	case err == nil:
		restapi.RespondJSON(rw, map[string]string{"request_id": requestID, "status": string(queue.StatusCancelled)}, h.logger)
	case errors.Is(err, queue.ErrRequestNotFound):
		restapi.RespondError(rw, http.StatusNotFound,
			restapi.NewError(ErrorDomain, ErrCodeRequestNotFound, "Request not found or expired."), h.logger)
	case errors.Is(err, queue.ErrNotOwner):
		restapi.RespondError(rw, http.StatusForbidden,
			restapi.NewError(ErrorDomain, ErrCodeNotOwner, "Request belongs to another identity."), h.logger)
	default:
		restapi.RespondError(rw, http.StatusConflict,
			restapi.NewError(ErrorDomain, ErrCodeNotCancellable, "Request is no longer cancellable."), h.logger)
	}
}

// GetMetrics responds with current load and queue state for monitoring.
func (h *Handler) GetMetrics(rw http.ResponseWriter, r *http.Request) {
	restapi.RespondJSON(rw, h.ctrl.Metrics(), h.logger)
}
