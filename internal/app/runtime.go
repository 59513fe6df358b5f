package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/petervdpas/reliefmesh/internal/bus"
	"github.com/petervdpas/reliefmesh/internal/channels"
	"github.com/petervdpas/reliefmesh/internal/chat"
	"github.com/petervdpas/reliefmesh/internal/config"
	"github.com/petervdpas/reliefmesh/internal/connectivity"
	"github.com/petervdpas/reliefmesh/internal/identity"
	"github.com/petervdpas/reliefmesh/internal/storage"
	"github.com/petervdpas/reliefmesh/internal/transport"
	"github.com/petervdpas/reliefmesh/internal/util"
)

// Local is the offline half of a peer: identity and the SQLite store. The
// read-only commands need nothing else.
type Local struct {
	PeerDir  string
	Cfg      config.Config
	Identity identity.Identity
	DB       *storage.DB
}

func OpenLocal(peerDir string, cfg config.Config) (*Local, error) {
	id, err := identity.NewManager(util.ResolvePath(peerDir, cfg.Identity.KeyFile)).GetOrCreate()
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(util.ResolvePath(peerDir, cfg.Storage.DataDir))
	if err != nil {
		return nil, err
	}
	return &Local{PeerDir: peerDir, Cfg: cfg, Identity: id, DB: db}, nil
}

func (l *Local) Close() error {
	return l.DB.Close()
}

// Registry builds the channel registry from the camp and location config.
func (l *Local) Registry() *channels.Registry {
	return NewRegistry(l.PeerDir, l.Cfg)
}

func NewRegistry(peerDir string, cfg config.Config) *channels.Registry {
	var sources channels.MultiCamps
	if cfg.Camps.File != "" {
		sources = append(sources, channels.FileCamps{Path: util.ResolvePath(peerDir, cfg.Camps.File)})
	}
	if cfg.Camps.URL != "" {
		sources = append(sources, channels.NewHTTPCamps(cfg.Camps.URL))
	}

	o := channels.Options{
		FallbackLat: cfg.Location.DefaultLat,
		FallbackLng: cfg.Location.DefaultLng,
		Timeout:     time.Duration(cfg.Location.TimeoutSec) * time.Second,
	}
	if len(sources) > 0 {
		o.Camps = sources
	}
	if cfg.Location.Lat != nil && cfg.Location.Lng != nil {
		o.Locator = channels.StaticLocator{Lat: *cfg.Location.Lat, Lng: *cfg.Location.Lng}
	}
	return channels.NewRegistry(o)
}

// Runtime is a fully wired peer.
type Runtime struct {
	*Local

	Pool      transport.Pool
	Transport *transport.Client
	Bus       *bus.Bus
	Bridge    *bus.Bridge
	Coord     *connectivity.Coordinator
	Chat      *chat.Manager
	Channels  *channels.Registry
}

// OpenRuntime wires every component of a peer. The bus bridge is started
// when enabled; a bridge failure is logged and the peer runs without it.
func OpenRuntime(ctx context.Context, peerDir string, cfg config.Config) (*Runtime, error) {
	local, err := OpenLocal(peerDir, cfg)
	if err != nil {
		return nil, err
	}
	return newRuntime(ctx, local, transport.NewPool(ctx)), nil
}

func newRuntime(ctx context.Context, local *Local, pool transport.Pool) *Runtime {
	cfg := local.Cfg
	rt := &Runtime{
		Local:    local,
		Pool:     pool,
		Bus:      bus.New(),
		Channels: local.Registry(),
	}
	rt.Transport = transport.New(rt.Pool, local.Identity, transport.Options{
		Relays:         cfg.Relays.URLs,
		Namespace:      cfg.Relays.Namespace,
		PublishTimeout: time.Duration(cfg.Relays.PublishTimeoutSec) * time.Second,
		ConnectWait:    time.Duration(cfg.Relays.ConnectWaitSec) * time.Second,
		SinceWindow:    time.Duration(cfg.Relays.SinceHours) * time.Hour,
	})
	rt.Coord = connectivity.New(ctx, local.DB, rt.Transport, connectivity.Options{
		Identity:    local.Identity,
		DrainPolicy: cfg.Outbox.DrainPolicy,
		Bus:         rt.Bus,
	})
	rt.Chat = chat.New(ctx, local.DB, rt.Transport, rt.Coord, rt.Channels)

	if cfg.Bus.Bridge {
		br, err := bus.StartBridge(ctx, rt.Bus, bus.BridgeOptions{
			Dir:   util.ResolvePath(local.PeerDir, cfg.Bus.Dir),
			Topic: cfg.Bus.Topic,
		})
		if err != nil {
			log.Printf("BUS: bridge disabled: %v", err)
		} else {
			rt.Bridge = br
		}
	}

	return rt
}

// BridgePeers returns the number of sibling processes, 0 without a bridge.
func (rt *Runtime) BridgePeers() int {
	if rt.Bridge == nil {
		return 0
	}
	return rt.Bridge.Peers()
}

// NewProber builds the relay prober from the connectivity config.
func (rt *Runtime) NewProber() (*connectivity.Prober, error) {
	c := rt.Cfg.Connectivity
	p, err := connectivity.NewProber(rt.Cfg.Relays.URLs,
		time.Duration(c.ProbeIntervalSec)*time.Second,
		time.Duration(c.ProbeTimeoutSec)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connectivity prober: %w", err)
	}
	return p, nil
}

// Close tears the peer down in reverse order of construction.
func (rt *Runtime) Close() error {
	rt.Chat.Close()
	rt.Coord.Close()
	if rt.Bridge != nil {
		_ = rt.Bridge.Close()
	}
	rt.Pool.Close("shutdown")
	return rt.Local.Close()
}
