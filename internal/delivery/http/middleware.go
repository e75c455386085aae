package http

import (
	"net/http"
	"time"

	"github.com/azizikri/coupon-redemption/internal/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the chi router with request ids, panic recovery and
// structured access logs, then mounts the handler's routes.
func NewRouter(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	h.Routes(r)
	return r
}

func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		fields := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		}
		if actor := r.Header.Get(ActorHeader); actor != "" {
			fields = append(fields, "actor_id", actor)
		}
		if ww.Status() >= http.StatusInternalServerError {
			logger.Warnw("http_request", fields...)
			return
		}
		logger.Debugw("http_request", fields...)
	})
}
