package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/petervdpas/reliefmesh/internal/bus"
	"github.com/petervdpas/reliefmesh/internal/connectivity"
	"github.com/petervdpas/reliefmesh/internal/proto"
)

// IsInteractive reports whether stdin is a terminal.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Console is the terminal context of a peer. It joins the local bus like a
// browser tab does and sends plain lines to the active channel.
type Console struct {
	rt  *Runtime
	in  io.Reader
	out io.Writer
	ep  *bus.Endpoint
	mu  sync.Mutex
}

func NewConsole(rt *Runtime, in io.Reader, out io.Writer) *Console {
	return &Console{rt: rt, in: in, out: out}
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *Console) printMessage(m proto.Message) {
	mark := ""
	if m.IsLocal() {
		mark = " (queued)"
	}
	ts := time.Unix(m.CreatedAt, 0).Format("15:04")
	c.printf("[%s] #%s %s: %s%s\n", ts, m.ChannelID, m.Alias, m.Content, mark)
}

// Run reads commands until EOF, /quit or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	ep := c.rt.Bus.Join("console")
	defer ep.Close()
	c.ep = ep
	ep.OnMessage(func(m proto.Message) {
		if m.SupersededBy == "" {
			c.printMessage(m)
		}
	})

	inbound := c.rt.Chat.Subscribe()
	defer c.rt.Chat.Unsubscribe(inbound)
	go func() {
		for m := range inbound {
			c.printMessage(m)
		}
	}()

	c.printf("Type a message, or /help for commands.\n")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func (c *Console) handle(ctx context.Context, line string) (quit bool) {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.send(ctx, line)
		return false
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "quit", "exit":
		return true

	case "help":
		c.printf("/channels          list channels\n" +
			"/join <channel>    open a channel\n" +
			"/status            connectivity and outbox\n" +
			"/online, /offline  set connectivity by hand\n" +
			"/quit              leave\n")

	case "channels":
		active := c.rt.Chat.Active().ID
		for _, ch := range c.rt.Channels.All(ctx) {
			mark := " "
			if ch.ID == active {
				mark = "*"
			}
			c.printf("%s %-28s %s\n", mark, ch.ID, ch.Name)
		}

	case "join":
		if arg == "" {
			c.printf("usage: /join <channel>\n")
			return false
		}
		msgs, err := c.rt.Chat.Open(ctx, arg)
		if err != nil {
			c.printf("join: %v\n", err)
			return false
		}
		ch := c.rt.Chat.Active()
		c.printf("── %s (%s) ──\n", ch.Name, ch.ID)
		if len(msgs) > 20 {
			msgs = msgs[len(msgs)-20:]
		}
		for _, m := range msgs {
			c.printMessage(m)
		}

	case "status":
		n, _ := c.rt.DB.OutboxLen()
		st := c.rt.Coord.State()
		state := st.String()
		if st == connectivity.Online && c.rt.Chat.Active().ID != "" && !c.rt.Chat.Connected() {
			state += ", connecting"
		}
		c.printf("%s, %d queued, %d sibling processes\n", state, n, c.rt.BridgePeers())

	case "online":
		c.rt.Coord.SetOnline(true)
	case "offline":
		c.rt.Coord.SetOnline(false)

	default:
		c.printf("unknown command /%s\n", cmd)
	}
	return false
}

func (c *Console) send(ctx context.Context, text string) {
	active := c.rt.Chat.Active().ID
	if active == "" {
		c.printf("join a channel first (/channels, /join <channel>)\n")
		return
	}
	// Sent from the console's endpoint, so fan-out skips it and the line
	// below is the only copy printed here.
	m, err := c.rt.Coord.Send(ctx, active, text, c.ep)
	if err != nil {
		c.printf("send failed: %v\n", err)
		return
	}
	c.printMessage(m)
}
