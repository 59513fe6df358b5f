package app

import (
	"context"
	"io"
	"log"
	"os"
	"sync"

	"github.com/petervdpas/reliefmesh/internal/channels"
	"github.com/petervdpas/reliefmesh/internal/config"
	"github.com/petervdpas/reliefmesh/internal/viewer"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// Console attaches the terminal as a chat context.
	Console bool
	// Channel opened at startup; empty opens the emergency channel.
	Channel string
}

// Run starts a peer and blocks until ctx is cancelled or the console exits.
func Run(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(800)
	if opt.Console {
		// Keep the terminal for chat; logs stay reachable over /api/logs.
		log.SetOutput(logBuf)
	} else {
		log.SetOutput(io.MultiWriter(os.Stderr, logBuf))
	}

	logBanner(opt.PeerDir, opt.CfgPath, opt.Cfg)

	return runPeer(ctx, opt, logBuf)
}

func runPeer(ctx context.Context, opt Options, logs *viewer.LogBuffer) error {
	cfg := opt.Cfg

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rt, err := OpenRuntime(ctx, opt.PeerDir, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	log.Printf("IDENTITY: %s (%s)", rt.Identity.Alias(), rt.Identity.PublicHex())

	var wg sync.WaitGroup
	defer wg.Wait()

	// ── Connectivity signal
	if cfg.Connectivity.Probe {
		p, err := rt.NewProber()
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Run(ctx, rt.Coord)
		}()
	} else {
		log.Printf("NET: prober disabled, waiting for POST /api/connectivity")
	}

	// ── Active channel
	channel := opt.Channel
	if channel == "" {
		channel = channels.EmergencyChannelID
	}
	if _, err := rt.Chat.Open(ctx, channel); err != nil {
		log.Printf("CHAT: cannot open %s: %v", channel, err)
	}

	// ── Local API
	if addr := NormalizeLocalViewer(cfg.Viewer.HTTPAddr); addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := viewer.Start(ctx, addr, viewer.Viewer{
				Identity:    rt.Identity,
				Registry:    rt.Channels,
				Chat:        rt.Chat,
				Coord:       rt.Coord,
				Bus:         rt.Bus,
				DB:          rt.DB,
				Logs:        logs,
				Relays:      cfg.Relays.URLs,
				BridgePeers: rt.BridgePeers,
			})
			if err != nil {
				log.Printf("VIEWER: %v", err)
			}
		}()
	}

	if opt.Console {
		err := NewConsole(rt, os.Stdin, os.Stdout).Run(ctx)
		cancel()
		return err
	}

	<-ctx.Done()
	log.Println("PEER: shutting down")
	return nil
}
