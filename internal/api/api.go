// Package api exposes the ledger over HTTP: a versioned JSON surface
// for every pool operation, a WebSocket event feed, and the health and
// metrics endpoints.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"prorata/internal/ledger"
	"prorata/internal/metrics"
)

// Config carries the HTTP-layer knobs. Zero values disable the
// corresponding guard: no tokens means no auth, no rate means no
// throttling.
type Config struct {
	// AuthTokens are the bearer tokens accepted on /v1.
	AuthTokens []string
	// RatePerSec refills each caller's token bucket for mutating routes.
	RatePerSec float64
	// RateBurst is the bucket size; defaults to 1 when a rate is set.
	RateBurst int
}

type handler struct {
	ledger  *ledger.Ledger
	logger  *zap.Logger
	hub     *hub
	tokens  map[string]struct{}
	limiter *callerLimiter
}

// New builds the service router over the ledger and subscribes the
// event feed. Amounts travel as decimal strings, addresses as 0x-hex,
// call payloads hex-encoded.
func New(led *ledger.Ledger, logger *zap.Logger, cfg Config) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{
		ledger: led,
		logger: logger,
		hub:    newHub(logger),
	}
	if len(cfg.AuthTokens) > 0 {
		h.tokens = make(map[string]struct{}, len(cfg.AuthTokens))
		for _, tok := range cfg.AuthTokens {
			h.tokens[tok] = struct{}{}
		}
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = newCallerLimiter(cfg.RatePerSec, burst)
	}
	led.Subscribe(h.hub.broadcast)

	r := chi.NewRouter()
	r.Use(h.recoverPanics)
	r.Use(metrics.InstrumentHandler)
	r.Use(h.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(h.requireAuth)
		v1.Use(h.requireCaller)

		v1.Get("/events/ws", h.serveEvents)

		v1.With(h.throttle).Post("/pools", h.createPool)
		v1.Get("/pools/count", h.poolCount)
		v1.Get("/pools/{id}", h.getPool)
		v1.Get("/pools/{id}/balance", h.getBalance)
		v1.Get("/pools/{id}/balances/{asset}", h.getAssetBalance)
		v1.Get("/pools/{id}/contributors", h.getContributors)
		v1.Get("/pools/{id}/contributions/{contributor}", h.getContribution)
		v1.With(h.throttle).Post("/pools/{id}/contribute", h.contribute)
		v1.With(h.throttle).Post("/pools/{id}/contribute-token", h.contributeToken)
		v1.With(h.throttle).Post("/pools/{id}/execute", h.execute)
		v1.With(h.throttle).Post("/pools/{id}/deposit", h.deposit)
		v1.With(h.throttle).Post("/pools/{id}/deposit-token", h.depositToken)
		v1.With(h.throttle).Post("/pools/{id}/distribute", h.distribute)
	})

	return r
}
