// Package viewer serves the local HTTP and WebSocket surface that browser
// tabs and other local tools use to talk to the daemon.
package viewer

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/petervdpas/reliefmesh/internal/bus"
	"github.com/petervdpas/reliefmesh/internal/channels"
	"github.com/petervdpas/reliefmesh/internal/chat"
	"github.com/petervdpas/reliefmesh/internal/connectivity"
	"github.com/petervdpas/reliefmesh/internal/identity"
	"github.com/petervdpas/reliefmesh/internal/storage"
	"github.com/petervdpas/reliefmesh/internal/viewer/routes"
)

type Viewer struct {
	Identity identity.Identity
	Registry *channels.Registry
	Chat     *chat.Manager
	Coord    *connectivity.Coordinator
	Bus      *bus.Bus
	DB       *storage.DB
	Logs     *LogBuffer
	Relays   []string

	BridgePeers func() int
}

// Handler builds the API mux.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()

	deps := routes.Deps{
		Identity:    v.Identity,
		Registry:    v.Registry,
		Chat:        v.Chat,
		Coord:       v.Coord,
		Bus:         v.Bus,
		DB:          v.DB,
		Relays:      v.Relays,
		BridgePeers: v.BridgePeers,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)

	return noCache(mux)
}

// Start serves the API on addr until ctx is done.
func Start(ctx context.Context, addr string, v Viewer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Printf("VIEWER: listening on http://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// noCache keeps browsers from caching API responses; channel views and
// status change with every message.
func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store, max-age=0")
		next.ServeHTTP(w, r)
	})
}
