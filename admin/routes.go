package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Router builds the chi router for the admin API. Paths are relative to /admin.
func Router(handlers *AdminHandlers) chi.Router {
	r := chi.NewRouter()
	r.Use(chiAuthMiddleware)

	// Instance operations
	r.Route("/instances", func(r chi.Router) {
		r.Post("/check", handlers.handleCheckInstance)
		r.Post("/configure", handlers.handleConfigureInstance)
	})

	// Cluster operations
	r.Route("/clusters", func(r chi.Router) {
		r.Get("/", handlers.handleListClusters)
		r.Post("/", handlers.handleCreateCluster)

		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", handlers.handleGetCluster)
			r.Delete("/", handlers.handleDissolveCluster)
			r.Post("/fetch", handlers.handleFetchCluster)
			r.Post("/instances", handlers.handleAddInstance)
			r.Post("/rejoin", handlers.handleRejoinInstance)
			r.Post("/remove", handlers.handleRemoveInstance)
			r.Get("/status", handlers.handleClusterStatus)
			r.Post("/wait", handlers.handleWaitForState)
			r.Post("/reboot", handlers.handleRebootCluster)
		})
	})

	return r
}

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := Router(handlers)

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/instances/* and /admin/clusters/*")
}

// chiAuthMiddleware adapts AuthMiddleware for chi
func chiAuthMiddleware(next http.Handler) http.Handler {
	return AuthMiddleware(next)
}
