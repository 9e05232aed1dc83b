package api

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ctxKey int

const callerKey ctxKey = iota

// callerFrom returns the acting identity established by requireCaller.
func callerFrom(ctx context.Context) common.Address {
	caller, _ := ctx.Value(callerKey).(common.Address)
	return caller
}

func (h *handler) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()))
				writeError(w, http.StatusInternalServerError, "internal", errors.New("internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

// requireAuth checks the bearer token against the configured set. An
// empty set leaves the surface open.
func (h *handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.tokens == nil {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, "unauthorized", errors.New("missing or malformed Authorization header"))
			return
		}
		if _, ok := h.tokens[parts[1]]; !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", errors.New("unknown token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireCaller reads the acting identity from X-Caller. Every ledger
// operation is attributed to it, so the header is mandatory on /v1.
func (h *handler) requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-Caller")
		if !common.IsHexAddress(raw) {
			writeError(w, http.StatusBadRequest, "bad_request", errors.New("X-Caller header must be a hex address"))
			return
		}
		ctx := context.WithValue(r.Context(), callerKey, common.HexToAddress(raw))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// throttle rate-limits mutating routes per caller.
func (h *handler) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := callerFrom(r.Context()).Hex()
		if !h.limiter.allow(key) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", errors.New("too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerLimiter keeps one token bucket per caller address.
type callerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newCallerLimiter(perSec float64, burst int) *callerLimiter {
	return &callerLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSec),
		burst:    burst,
	}
}

func (cl *callerLimiter) allow(key string) bool {
	cl.mu.Lock()
	lim, ok := cl.limiters[key]
	if !ok {
		lim = rate.NewLimiter(cl.rate, cl.burst)
		cl.limiters[key] = lim
	}
	cl.mu.Unlock()
	return lim.Allow()
}
