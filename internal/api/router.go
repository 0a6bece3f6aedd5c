package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/oceanvision/reefscan/internal/api/middleware"
	"github.com/oceanvision/reefscan/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	DeployHandler       http.HandlerFunc
	DeployStatusHandler http.HandlerFunc
	DeployResultHandler http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc

	ListJobsHandler  http.HandlerFunc
	GetJobHandler    http.HandlerFunc
	AbortJobHandler  http.HandlerFunc
	DeleteJobHandler http.HandlerFunc
	TrainHandler     http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/classifiers/{classifierID}/deploy", orNotImplemented(deps.DeployHandler))
		r.Get("/api/v1/deploy_jobs/{jobID}/status", orNotImplemented(deps.DeployStatusHandler))
		r.Get("/api/v1/deploy_jobs/{jobID}/result", orNotImplemented(deps.DeployResultHandler))

		r.Post("/api/v1/keys", orNotImplemented(deps.CreateKeyHandler))
		r.Get("/api/v1/keys", orNotImplemented(deps.ListKeysHandler))
		r.Delete("/api/v1/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Get("/api/v1/admin/jobs", orNotImplemented(deps.ListJobsHandler))
			r.Get("/api/v1/admin/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
			r.Post("/api/v1/admin/jobs/{jobID}/abort", orNotImplemented(deps.AbortJobHandler))
			r.Delete("/api/v1/admin/jobs/{jobID}", orNotImplemented(deps.DeleteJobHandler))
			r.Post("/api/v1/admin/sources/{sourceID}/train", orNotImplemented(deps.TrainHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
