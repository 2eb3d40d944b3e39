package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/alliedcare/membersync/pkg/internal"
	"github.com/alliedcare/membersync/pkg/membership"
)

// RequestIDHeader carries the request id on every response
const RequestIDHeader = "X-Request-ID"

// RouterConfig wires the HTTP surface of the site
type RouterConfig struct {
	// Handler serves the /api routes (required)
	Handler *Handler

	// Webhook receives provider events at /webhooks/stripe (required)
	Webhook http.Handler

	// Metrics is mounted at /metrics when set (promhttp.Handler())
	Metrics http.Handler

	// MemberHub wraps routes under /api/hub with an access gate when set
	MemberHub func(http.Handler) http.Handler

	Logger membership.Logger
}

// NewRouter builds the chi router
func NewRouter(config RouterConfig) http.Handler {
	logger := config.Logger
	if logger == nil {
		logger = &membership.NoopLogger{}
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(accessLog(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_ = internal.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if config.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", config.Metrics)
	}

	// The webhook handler enforces its own method and body rules
	r.Handle("/webhooks/stripe", config.Webhook)

	r.Route("/api", func(r chi.Router) {
		r.Get("/membership", config.Handler.GetMembership)
		r.Post("/checkout", config.Handler.CreateCheckout)
		r.Post("/admin/users/{userID}/resync", config.Handler.ResyncUser)

		if config.MemberHub != nil {
			r.Route("/hub", func(r chi.Router) {
				r.Use(config.MemberHub)
				r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
					_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"member": true})
				})
			})
		}
	})

	return r
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(contextWithRequestID(r.Context(), id)))
	})
}

func accessLog(logger membership.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []membership.Field{
				membership.F("method", r.Method),
				membership.F("path", r.URL.Path),
				membership.F("status", status),
				membership.F("duration", time.Since(start)),
				membership.F("request_id", RequestIDFromContext(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				logger.Error("request failed", fields...)
				return
			}
			logger.Debug("request served", fields...)
		})
	}
}
