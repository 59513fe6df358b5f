package connectivity

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/petervdpas/reliefmesh/internal/util"
)

// Prober turns relay reachability into the host connectivity signal. A device
// counts as online as soon as one relay accepts a TCP connection.
type Prober struct {
	targets  []string
	interval time.Duration
	timeout  time.Duration
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewProber(relays []string, interval, timeout time.Duration) (*Prober, error) {
	if timeout <= 0 {
		timeout = util.DefaultConnectTimeout
	}
	p := &Prober{interval: interval, timeout: timeout}
	for _, r := range relays {
		hp, err := util.RelayHostPort(r)
		if err != nil {
			return nil, fmt.Errorf("probe target %s: %w", r, err)
		}
		p.targets = append(p.targets, hp)
	}
	if len(p.targets) == 0 {
		return nil, fmt.Errorf("no probe targets")
	}
	var d net.Dialer
	p.dial = d.DialContext
	return p, nil
}

// Check dials every target at once and reports whether any answered within
// the timeout.
func (p *Prober) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	results := make(chan bool, len(p.targets))
	for _, t := range p.targets {
		go func(addr string) {
			conn, err := p.dial(ctx, "tcp", addr)
			if err != nil {
				results <- false
				return
			}
			conn.Close()
			results <- true
		}(t)
	}

	for range p.targets {
		if <-results {
			return true
		}
	}
	return false
}

// Run probes immediately and then every interval until ctx is done, feeding
// each result into c.
func (p *Prober) Run(ctx context.Context, c *Coordinator) {
	log.Printf("NET: probing %d relays every %s", len(p.targets), p.interval)
	probe := func() {
		ok := p.Check(ctx)
		if ctx.Err() == nil {
			c.SetOnline(ok)
			c.Kick()
		}
	}
	probe()

	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			probe()
		}
	}
}
