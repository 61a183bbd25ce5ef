package http

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// MountRoutes registers all ops API routes on the given chi router. API
// requests are bounded by requestTimeout when it is positive; the /ws feed
// is long-lived and is mounted outside that bound.
func MountRoutes(r chi.Router, h *Handlers, requestTimeout time.Duration) {
	r.Get("/health", h.Health)

	if h.Events != nil {
		r.Handle("/ws", h.Events)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if requestTimeout > 0 {
			r.Use(chimw.Timeout(requestTimeout))
		}

		r.Route("/sync", func(r chi.Router) {
			r.Get("/stats", h.SyncStats)
			r.Post("/drain", h.DrainNow)

			r.Get("/operations/pending", h.ListPendingOperations)
			r.Get("/operations/failed", h.ListFailedOperations)
			r.Get("/operations/{id}", h.GetOperation)
			r.Post("/operations/{id}/requeue", h.RequeueOperation)

			r.Get("/conflicts", h.ListConflicts)
			r.Get("/conflicts/{id}", h.GetConflict)
			r.Post("/conflicts/{id}/resolve", h.ResolveConflict)
		})

		r.Route("/status", func(r chi.Router) {
			r.Post("/recalculate", h.Recalculate)
			r.Get("/{type}/{id}", h.GetNode)
			r.Get("/{type}/{id}/history", h.StatusHistory)
			r.Post("/{type}/{id}/recompute", h.RecomputeNode)
			r.Put("/{type}/{id}/override", h.SetOverride)
		})
	})
}
