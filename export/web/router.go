package web

import (
	"net/http"

	"github.com/CMSgov/bcda-export/export/monitoring"
	bcdamiddleware "github.com/CMSgov/bcda-export/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// NewAPIRouter serves the export trigger endpoints.
func NewAPIRouter(h *Handler, timer monitoring.Timer) http.Handler {
	r := chi.NewRouter()
	r.Use(
		bcdamiddleware.NewTransactionID,
		NewStructuredLogger(),
		ContextLogger,
		withTimer(timer),
		render.SetContentType(render.ContentTypeJSON),
		ConnectionClose,
	)

	r.Route("/api/v1/exports", func(r chi.Router) {
		r.Post("/", traced("StartExport", h.startExport))
		r.Get("/{instanceID}", traced("ExportStatus", h.exportStatus))
		r.Delete("/{instanceID}", traced("CancelExport", h.cancelExport))
	})
	r.Get("/_version", getVersion)
	r.Get("/_health", h.healthCheck)
	return r
}

func withTimer(timer monitoring.Timer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if timer != nil {
				r = r.WithContext(monitoring.NewContext(r.Context(), timer))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func traced(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, end := monitoring.NewParent(r.Context(), name)
		defer end()
		h(w, r.WithContext(ctx))
	}
}
