package app

import (
	"log"
	"strings"

	"github.com/petervdpas/reliefmesh/internal/config"
)

// NormalizeLocalViewer keeps the viewer on loopback: an empty host or
// 0.0.0.0 becomes 127.0.0.1.
func NormalizeLocalViewer(cfgAddr string) string {
	a := strings.TrimSpace(cfgAddr)
	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a
}

func logBanner(peerDir, cfgPath string, cfg config.Config) {
	log.Println("────────────────────────────────────────")
	log.Println("reliefmesh peer")
	log.Printf(" Peer folder : %s", peerDir)
	log.Printf(" Config file : %s", cfgPath)
	log.Printf(" Relays      : %s", strings.Join(cfg.Relays.URLs, ", "))
	log.Printf(" Namespace   : %s", cfg.Relays.Namespace)
	log.Printf(" Drain policy: %s", cfg.Outbox.DrainPolicy)
	log.Println("")
	log.Println(" Processes sharing this folder share one")
	log.Println(" identity, one message log and one outbox.")
	log.Println("────────────────────────────────────────")
}
