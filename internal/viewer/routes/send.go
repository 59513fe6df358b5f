package routes

import (
	"errors"
	"net/http"

	"github.com/petervdpas/reliefmesh/internal/connectivity"
	"github.com/petervdpas/reliefmesh/internal/transport"
)

func registerSendRoutes(mux *http.ServeMux, d Deps) {
	// POST /api/send
	handlePost(mux, "/api/send", func(w http.ResponseWriter, r *http.Request, req struct {
		Channel string `json:"channel"`
		Content string `json:"content"`
	}) {
		if req.Channel != "" {
			if _, ok := d.Registry.Lookup(r.Context(), req.Channel); !ok {
				http.Error(w, "unknown channel", http.StatusNotFound)
				return
			}
		}
		m, err := d.Coord.Send(r.Context(), req.Channel, req.Content, nil)
		switch {
		case errors.Is(err, connectivity.ErrMissingChannel), errors.Is(err, connectivity.ErrEmptyContent):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case errors.Is(err, transport.ErrPublishFailed):
			writeJSONStatus(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"message": m, "queued": m.IsLocal()})
	})
}
