package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/petervdpas/reliefmesh/internal/channels"
	"github.com/petervdpas/reliefmesh/internal/chat"
)

type locationVM struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Fallback bool    `json:"fallback"`
}

func registerChannelRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/channels
	handleGet(mux, "/api/channels", func(w http.ResponseWriter, r *http.Request) {
		list := d.Registry.WellKnown(r.Context())
		lat, lng, fallback := d.Registry.Position(r.Context())
		list = append(list, channels.LocationChannels(lat, lng)...)
		writeJSON(w, map[string]any{
			"channels": list,
			"active":   d.Chat.Active().ID,
			"location": locationVM{Lat: lat, Lng: lng, Fallback: fallback},
		})
	})

	// GET /api/channels/messages?channel=ID
	handleGet(mux, "/api/channels/messages", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("channel")
		if id == "" {
			http.Error(w, "missing channel", http.StatusBadRequest)
			return
		}
		ch, ok := d.Registry.Lookup(r.Context(), id)
		if !ok {
			http.Error(w, "unknown channel", http.StatusNotFound)
			return
		}
		msgs, err := d.Chat.View(ch.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"channel": ch, "messages": msgs})
	})

	// POST /api/channels/open
	handlePost(mux, "/api/channels/open", func(w http.ResponseWriter, r *http.Request, req struct {
		Channel string `json:"channel"`
	}) {
		if req.Channel == "" {
			http.Error(w, "missing channel", http.StatusBadRequest)
			return
		}
		msgs, err := d.Chat.Open(r.Context(), req.Channel)
		if errors.Is(err, chat.ErrNoChannel) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"channel": d.Chat.Active(), "messages": msgs})
	})

	// GET /api/channels/stream: SSE of new inbound messages on the active channel
	handleGet(mux, "/api/channels/stream", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch := d.Chat.Subscribe()
		defer d.Chat.Unsubscribe(ch)

		fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				b, _ := json.Marshal(m)
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", b)
				flusher.Flush()
			}
		}
	})
}
