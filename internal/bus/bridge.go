package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/petervdpas/reliefmesh/internal/proto"
	"github.com/petervdpas/reliefmesh/internal/util"
)

func init() {
	// The bridge only ever dials loopback peers that may have exited; keep
	// the resulting dial noise out of the terminal.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("pubsub", "error")
	logging.SetLogLevel("basichost", "error")
}

const addrSuffix = ".addr"

type BridgeOptions struct {
	// Directory shared by all processes of the device. Each bridge writes
	// its listen addresses to <Dir>/<peer id>.addr.
	Dir   string
	Topic string
}

// Bridge carries bus traffic between processes on the same device over a
// loopback-only libp2p host and a GossipSub topic.
type Bridge struct {
	host  host.Host
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	ep    *Endpoint

	dir      string
	addrFile string
	watcher  *fsnotify.Watcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

type bridgeMsg struct {
	From    string        `json:"from"`
	Message proto.Message `json:"message"`
}

// StartBridge joins b to the bridge topic and starts discovering sibling
// processes in opts.Dir.
func StartBridge(ctx context.Context, b *Bus, opts BridgeOptions) (*Bridge, error) {
	if opts.Topic == "" {
		opts.Topic = proto.BusTopic
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bus dir: %w", err)
	}

	h, err := libp2p.New(
		libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
		libp2p.DisableRelay(),
	)
	if err != nil {
		return nil, fmt.Errorf("bus host: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	fail := func(err error) (*Bridge, error) {
		cancel()
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return fail(fmt.Errorf("gossipsub: %w", err))
	}
	topic, err := ps.Join(opts.Topic)
	if err != nil {
		return fail(fmt.Errorf("join %s: %w", opts.Topic, err))
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return fail(fmt.Errorf("subscribe %s: %w", opts.Topic, err))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		sub.Cancel()
		return fail(fmt.Errorf("create fsnotify watcher: %w", err))
	}
	if err := watcher.Add(opts.Dir); err != nil {
		watcher.Close()
		sub.Cancel()
		return fail(fmt.Errorf("watch %s: %w", opts.Dir, err))
	}

	br := &Bridge{
		host:    h,
		topic:   topic,
		sub:     sub,
		dir:     opts.Dir,
		watcher: watcher,
		cancel:  cancel,
	}

	if err := br.announce(); err != nil {
		br.Close()
		return nil, err
	}

	br.ep = b.Join("bridge")
	br.ep.OnMessage(func(m proto.Message) {
		data, err := json.Marshal(bridgeMsg{From: h.ID().String(), Message: m})
		if err != nil {
			return
		}
		if err := topic.Publish(ctx, data); err != nil && ctx.Err() == nil {
			log.Printf("BUS: bridge publish: %v", err)
		}
	})

	br.connectExisting(ctx)

	br.wg.Add(2)
	go br.readLoop(ctx)
	go br.watchLoop(ctx)

	log.Printf("BUS: bridge %s listening on %v", shortPeer(h.ID()), h.Addrs())
	return br, nil
}

// Peers returns the number of connected sibling processes.
func (br *Bridge) Peers() int { return len(br.host.Network().Peers()) }

// Close stops the bridge and withdraws its address file.
func (br *Bridge) Close() error {
	var err error
	br.once.Do(func() {
		if br.ep != nil {
			br.ep.Close()
		}
		if br.addrFile != "" {
			_ = os.Remove(br.addrFile)
		}
		br.cancel()
		br.watcher.Close()
		br.sub.Cancel()
		br.wg.Wait()
		_ = br.topic.Close()
		err = br.host.Close()
	})
	return err
}

// announce writes the loopback listen addresses to the shared directory.
// The file is renamed into place so watchers never read a partial write.
func (br *Bridge) announce() error {
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{
		ID:    br.host.ID(),
		Addrs: loopbackOnly(br.host.Addrs()),
	})
	if err != nil {
		return fmt.Errorf("bridge addrs: %w", err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("bridge has no loopback address")
	}

	lines := make([]string, len(addrs))
	for i, a := range addrs {
		lines[i] = a.String()
	}

	final := filepath.Join(br.dir, br.host.ID().String()+addrSuffix)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("write bridge addrs: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("publish bridge addrs: %w", err)
	}
	br.addrFile = final
	return nil
}

func loopbackOnly(in []ma.Multiaddr) []ma.Multiaddr {
	var out []ma.Multiaddr
	for _, a := range in {
		if manet.IsIPLoopback(a) {
			out = append(out, a)
		}
	}
	return out
}

func (br *Bridge) connectExisting(ctx context.Context) {
	entries, err := os.ReadDir(br.dir)
	if err != nil {
		log.Printf("BUS: read %s: %v", br.dir, err)
		return
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), addrSuffix) {
			br.connectFile(ctx, filepath.Join(br.dir, e.Name()))
		}
	}
}

func (br *Bridge) connectFile(ctx context.Context, path string) {
	if path == br.addrFile {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var addrs []ma.Multiaddr
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		a, err := ma.NewMultiaddr(line)
		if err != nil {
			log.Printf("BUS: bad address in %s: %v", filepath.Base(path), err)
			continue
		}
		addrs = append(addrs, a)
	}
	infos, err := peer.AddrInfosFromP2pAddrs(addrs...)
	if err != nil {
		log.Printf("BUS: %s: %v", filepath.Base(path), err)
		return
	}

	for _, ai := range infos {
		if ai.ID == br.host.ID() {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, util.ShortTimeout)
		err := br.host.Connect(cctx, ai)
		cancel()
		if err != nil {
			// Stale file of a process that exited without cleanup.
			log.Printf("BUS: sibling %s unreachable: %v", shortPeer(ai.ID), err)
			continue
		}
		log.Printf("BUS: connected sibling %s", shortPeer(ai.ID))
	}
}

func (br *Bridge) readLoop(ctx context.Context) {
	defer br.wg.Done()
	self := br.host.ID()
	for {
		m, err := br.sub.Next(ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == self {
			continue
		}
		var bm bridgeMsg
		if err := json.Unmarshal(m.Data, &bm); err != nil {
			continue
		}
		if bm.From == self.String() || bm.Message.ID == "" {
			continue
		}
		br.ep.Broadcast(bm.Message)
	}
}

func (br *Bridge) watchLoop(ctx context.Context) {
	defer br.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-br.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, addrSuffix) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				br.connectFile(ctx, event.Name)
			}
		case err, ok := <-br.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("BUS: watcher error: %v", err)
		}
	}
}

func shortPeer(id peer.ID) string {
	s := id.String()
	if len(s) > 8 {
		return s[len(s)-8:]
	}
	return s
}
