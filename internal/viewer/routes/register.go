package routes

import (
	"net/http"

	"github.com/petervdpas/reliefmesh/internal/bus"
	"github.com/petervdpas/reliefmesh/internal/channels"
	"github.com/petervdpas/reliefmesh/internal/chat"
	"github.com/petervdpas/reliefmesh/internal/connectivity"
	"github.com/petervdpas/reliefmesh/internal/identity"
	"github.com/petervdpas/reliefmesh/internal/storage"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Identity identity.Identity
	Registry *channels.Registry
	Chat     *chat.Manager
	Coord    *connectivity.Coordinator
	Bus      *bus.Bus
	DB       *storage.DB
	Logs     Logs

	Relays []string

	// BridgePeers reports connected sibling processes; nil when the bus
	// bridge is disabled.
	BridgePeers func() int
}

func Register(mux *http.ServeMux, d Deps) {
	if d.Logs != nil {
		mux.HandleFunc("/api/logs", d.Logs.ServeLogsJSON)
		mux.HandleFunc("/api/logs/stream", d.Logs.ServeLogsSSE)
	}
	registerChannelRoutes(mux, d)
	registerSendRoutes(mux, d)
	registerStatusRoutes(mux, d)
	registerWSRoutes(mux, d)
}
