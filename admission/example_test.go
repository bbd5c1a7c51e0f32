/*
Copyright © 2025 AiArt Labs.

Released under MIT license.
*/

package admission_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/acronis/go-appkit/config"
	"github.com/acronis/go-appkit/log"
	"github.com/go-chi/chi/v5"

	"github.com/aiartlab/go-loadguard/admission"
	"github.com/aiartlab/go-loadguard/ratelimit"
)

func Example() {
	cfgData := `
loadguard:
  queue:
    workers: 2
  rateLimit:
    tiers:
      anonymous:
        rules: ["3/minute", "100/day"]
`
	cfg := admission.NewConfig()
	if err := config.NewDefaultLoader("").LoadFromReader(
		bytes.NewReader([]byte(cfgData)), config.DataTypeYAML, cfg); err != nil {
		fmt.Println(err)
		return
	}

	logger, closeLogger := log.NewLogger(&log.Config{Output: log.OutputStderr, Level: log.LevelError})
	defer closeLogger()

	// The executor is the long-running work the queue defers under load,
	// an image generation call in our case.
	executor := func(ctx context.Context, payload interface{}) (interface{}, error) {
		return "generated", nil
	}

	ctrl, err := admission.NewControllerFromConfig(cfg, executor, logger)
	if err != nil {
		fmt.Println(err)
		return
	}

	// Start the worker pool and the retention sweep.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, worker := range ctrl.Workers() {
		worker := worker
		go func() { _ = worker.Run(ctx) }()
	}

	// Anonymous callers are identified by their client IP.
	resolver := func(r *http.Request) (string, ratelimit.Tier) {
		return r.RemoteAddr, ratelimit.TierAnonymous
	}

	router := chi.NewRouter()
	router.With(admission.Middleware(ctrl, resolver, logger)).Post("/generate",
		func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(http.StatusOK)
		})
	router.Mount("/", admission.NewHandler(ctrl, resolver, logger).Routes())

	// The decision depends on the real system load: allow when idle,
	// queue when busy, reject once the caller's budget is spent.
	decision := ctrl.Evaluate(ctx, admission.Request{
		Identity: "203.0.113.7",
		Tier:     ratelimit.TierAnonymous,
		Endpoint: "/generate",
		Payload:  "prompt: a lighthouse at dawn",
	})
	fmt.Println(decision.Action)
}
