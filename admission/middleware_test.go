/*
Copyright © 2025 AiArt Labs.

Released under MIT license.
*/

package admission

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/restapi"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/aiartlab/go-loadguard/queue"
	"github.com/aiartlab/go-loadguard/ratelimit"
)

func staticResolver(identity string, tier ratelimit.Tier) IdentityResolver {
	return func(r *http.Request) (string, ratelimit.Tier) {
		return identity, tier
	}
}

func decodeErrorResponse(t *testing.T, resp *http.Response) *restapi.Error {
	t.Helper()
	var respData restapi.ErrorResponseData
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&respData))
	require.NotNil(t, respData.Err)
	return respData.Err
}

func TestMiddleware(t *testing.T) {
	logger := log.NewDisabledLogger()
	nextCalled := false
	next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		nextCalled = true
		rw.WriteHeader(http.StatusOK)
	})

	t.Run("allowed request passes through", func(t *testing.T) {
		nextCalled = false
		ctrl := newTestController(t, &stubSampler{cpu: 10, mem: 10}, testControllerOpts{graceRequests: -1})
		handler := Middleware(ctrl, staticResolver("alice", ratelimit.TierRegistered), logger)(next)

		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/generate", nil))
		require.True(t, nextCalled)
		require.Equal(t, http.StatusOK, resp.Code)
	})

	t.Run("queued request gets 202 with request id", func(t *testing.T) {
		nextCalled = false
		ctrl := newTestController(t, &stubSampler{cpu: 95, mem: 50}, testControllerOpts{graceRequests: -1})
		handler := Middleware(ctrl, staticResolver("alice", ratelimit.TierRegistered), logger)(next)

		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/generate", nil))
		require.False(t, nextCalled)
		require.Equal(t, http.StatusAccepted, resp.Code)

		var body queuedResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.NotEmpty(t, body.RequestID)
		require.Equal(t, string(queue.StatusQueued), body.Status)
		require.NotEmpty(t, body.Message)

		_, err := ctrl.Queue.Status(body.RequestID)
		require.NoError(t, err)
	})

	t.Run("rejected request gets 429 with Retry-After", func(t *testing.T) {
		nextCalled = false
		ctrl := newTestController(t, &stubSampler{cpu: 0, mem: 0}, testControllerOpts{
			graceRequests: -1,
			tierRules: map[ratelimit.Tier]ratelimit.RuleSet{
				ratelimit.TierAnonymous: {{Count: 1, Period: ratelimit.PeriodMinute}},
			},
		})
		handler := Middleware(ctrl, staticResolver("alice", ratelimit.TierAnonymous), logger)(next)

		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/generate", nil))
		require.Equal(t, http.StatusOK, resp.Code)

		nextCalled = false
		resp = httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/generate", nil))
		require.False(t, nextCalled)
		require.Equal(t, http.StatusTooManyRequests, resp.Code)
		require.Equal(t, "1", resp.Header().Get("Retry-After"))

		apiErr := decodeErrorResponse(t, resp.Result())
		require.Equal(t, ErrorDomain, apiErr.Domain)
		require.Equal(t, ErrCodeRateLimitExceeded, apiErr.Code)
	})
}

func TestHandlerRoutes(t *testing.T) {
	logger := log.NewDisabledLogger()
	ctrl := newTestController(t, &stubSampler{cpu: 10, mem: 10}, testControllerOpts{graceRequests: -1})
	requestID := ctrl.Queue.Enqueue("payload", "alice", queue.PriorityMedium)

	newServer := func(resolver IdentityResolver) *httptest.Server {
		router := chi.NewRouter()
		router.Mount("/", NewHandler(ctrl, resolver, logger).Routes())
		srv := httptest.NewServer(router)
		t.Cleanup(srv.Close)
		return srv
	}

	t.Run("request status", func(t *testing.T) {
		srv := newServer(staticResolver("alice", ratelimit.TierAnonymous))

		resp, err := http.Get(srv.URL + "/queue/requests/" + requestID)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var info queue.StatusInfo
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
		require.Equal(t, requestID, info.RequestID)
		require.Equal(t, queue.StatusQueued, info.Status)
	})

	t.Run("unknown request status", func(t *testing.T) {
		srv := newServer(staticResolver("alice", ratelimit.TierAnonymous))

		resp, err := http.Get(srv.URL + "/queue/requests/no-such-id")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		require.Equal(t, ErrCodeRequestNotFound, decodeErrorResponse(t, resp).Code)
	})

	t.Run("cancel by another identity is forbidden", func(t *testing.T) {
		srv := newServer(staticResolver("mallory", ratelimit.TierAnonymous))

		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/queue/requests/"+requestID, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
		require.Equal(t, ErrCodeNotOwner, decodeErrorResponse(t, resp).Code)
	})

	t.Run("cancel by owner", func(t *testing.T) {
		srv := newServer(staticResolver("alice", ratelimit.TierAnonymous))

		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/queue/requests/"+requestID, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		info, err := ctrl.Queue.Status(requestID)
		require.NoError(t, err)
		require.Equal(t, queue.StatusCancelled, info.Status)
	})

	t.Run("load metrics", func(t *testing.T) {
		srv := newServer(staticResolver("alice", ratelimit.TierAnonymous))

		resp, err := http.Get(srv.URL + "/load")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var snapshot MetricsSnapshot
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&snapshot))
		require.Equal(t, 1, snapshot.Workers)
	})
}
