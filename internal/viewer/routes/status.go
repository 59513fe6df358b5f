package routes

import (
	"net/http"
	"strconv"

	"github.com/petervdpas/reliefmesh/internal/connectivity"
	"github.com/petervdpas/reliefmesh/internal/storage"
)

type statusVM struct {
	State       string   `json:"state"`
	Draining    bool     `json:"draining"`
	Outbox      int      `json:"outbox"`
	Active      string   `json:"active"`
	Connected   bool     `json:"connected"`
	Connecting  bool     `json:"connecting"`
	Relays      []string `json:"relays"`
	Contexts    int      `json:"contexts"`
	BridgePeers int      `json:"bridge_peers"`
	LastDrainAt int64    `json:"last_drain_at,omitempty"`
}

func buildStatus(d Deps) statusVM {
	st := statusVM{
		State:    d.Coord.State().String(),
		Draining: d.Coord.Draining(),
		Active:   d.Chat.Active().ID,
		Relays:   d.Relays,
		Contexts: d.Bus.Len(),
	}
	if n, err := d.DB.OutboxLen(); err == nil {
		st.Outbox = n
	}
	st.Connected = d.Chat.Connected()
	st.Connecting = st.Active != "" && !st.Connected && d.Coord.State() == connectivity.Online
	if d.BridgePeers != nil {
		st.BridgePeers = d.BridgePeers()
	}
	// Any process sharing the outbox may have run the last drain.
	if v, err := d.DB.Meta(storage.MetaLastDrain); err == nil && v != "" {
		st.LastDrainAt, _ = strconv.ParseInt(v, 10, 64)
	}
	return st
}

func registerStatusRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/identity
	handleGet(mux, "/api/identity", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{
			"pubkey": d.Identity.PublicHex(),
			"alias":  d.Identity.Alias(),
		})
	})

	// GET /api/status
	handleGet(mux, "/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, buildStatus(d))
	})

	// POST /api/connectivity: manual host signal, loopback callers only
	handlePost(mux, "/api/connectivity", func(w http.ResponseWriter, r *http.Request, req struct {
		Online *bool `json:"online"`
	}) {
		if !isLocalRequest(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if req.Online == nil {
			http.Error(w, "missing online", http.StatusBadRequest)
			return
		}
		d.Coord.SetOnline(*req.Online)
		writeJSON(w, buildStatus(d))
	})
}
