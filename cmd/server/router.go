package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/parcelhub/jobcore/internal/api"
	apiMiddleware "github.com/parcelhub/jobcore/internal/api/middleware"
)

// setupRouter wires handlers and middleware onto a chi router.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(app.logger))

	authMiddleware := apiMiddleware.NewAuthMiddleware(app.jwtService)
	bulkHandler := api.NewBulkHandler(app.jobService)
	analyticsHandler := api.NewAnalyticsHandler(app.analytics)
	adminHandler := api.NewAdminHandler(app.jobService, app.admins)

	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		r.Post("/bulk-operations", bulkHandler.Submit)
		r.Get("/bulk-operations", bulkHandler.List)
		r.Get("/bulk-operations/{id}", bulkHandler.Get)

		r.Get("/analytics/{scope}", analyticsHandler.Get)
		r.Delete("/analytics/cache", analyticsHandler.Clear)

		r.Route("/admin", func(r chi.Router) {
			r.Use(adminHandler.RequireAdmin)
			r.Get("/queues/{queue}/stats", adminHandler.Stats)
			r.Get("/queues/{queue}/dead-letters", adminHandler.DeadLetters)
			r.Delete("/queues/{queue}/dead-letters", adminHandler.Purge)
			r.Post("/queues/{queue}/dead-letters/{jobID}/requeue", adminHandler.Requeue)
			r.Get("/schedules", adminHandler.Schedules)
			r.Delete("/schedules/{id}", adminHandler.Unschedule)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("Failed to write health check response", "error", err)
		}
	})

	return r
}
