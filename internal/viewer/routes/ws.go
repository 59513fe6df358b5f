package routes

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/reliefmesh/internal/bus"
	"github.com/petervdpas/reliefmesh/internal/channels"
	"github.com/petervdpas/reliefmesh/internal/proto"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The server only listens on loopback; any local page may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsIn is a frame sent by the client.
type wsIn struct {
	Type    string `json:"type"` // send | open
	Channel string `json:"channel"`
	Content string `json:"content,omitempty"`
	Ref     string `json:"ref,omitempty"` // echoed back in the reply
}

// wsOut is a frame pushed by the server.
type wsOut struct {
	Type     string            `json:"type"` // message | status | sent | view | error
	Ref      string            `json:"ref,omitempty"`
	Message  *proto.Message    `json:"message,omitempty"`
	Messages []proto.Message   `json:"messages,omitempty"`
	Channel  *channels.Channel `json:"channel,omitempty"`
	Status   *statusVM         `json:"status,omitempty"`
	Error    string            `json:"error,omitempty"`
}

const wsWriteTimeout = 10 * time.Second

func registerWSRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/ws: each connection is one context on the local bus
	handleGet(mux, "/api/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WS: upgrade error: %v", err)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ep := d.Bus.Join("ws")
		defer ep.Close()
		log.Printf("WS: context %s connected", ep.ID()[:8])

		out := make(chan wsOut, 64)
		push := func(f wsOut) {
			select {
			case out <- f:
			default:
				// slow client, drop
			}
		}

		ep.OnMessage(func(m proto.Message) {
			push(wsOut{Type: "message", Message: &m})
		})

		inbound := d.Chat.Subscribe()
		defer d.Chat.Unsubscribe(inbound)

		events, stopEvents := d.Coord.Subscribe()
		defer stopEvents()

		st := buildStatus(d)
		push(wsOut{Type: "status", Status: &st})

		go func() {
			defer cancel()
			for {
				var in wsIn
				if err := conn.ReadJSON(&in); err != nil {
					return
				}
				push(handleWSFrame(ctx, d, ep, in))
			}
		}()

		for {
			var f wsOut
			select {
			case <-ctx.Done():
				log.Printf("WS: context %s disconnected", ep.ID()[:8])
				return
			case f = <-out:
			case m, ok := <-inbound:
				if !ok {
					return
				}
				f = wsOut{Type: "message", Message: &m}
			case _, ok := <-events:
				if !ok {
					return
				}
				st := buildStatus(d)
				f = wsOut{Type: "status", Status: &st}
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
	})
}

func handleWSFrame(ctx context.Context, d Deps, ep *bus.Endpoint, in wsIn) wsOut {
	switch in.Type {
	case "send":
		if in.Channel != "" {
			if _, ok := d.Registry.Lookup(ctx, in.Channel); !ok {
				return wsOut{Type: "error", Ref: in.Ref, Error: "unknown channel"}
			}
		}
		m, err := d.Coord.Send(ctx, in.Channel, in.Content, ep)
		if err != nil {
			return wsOut{Type: "error", Ref: in.Ref, Error: err.Error()}
		}
		return wsOut{Type: "sent", Ref: in.Ref, Message: &m}

	case "open":
		msgs, err := d.Chat.Open(ctx, in.Channel)
		if err != nil {
			return wsOut{Type: "error", Ref: in.Ref, Error: err.Error()}
		}
		ch := d.Chat.Active()
		return wsOut{Type: "view", Ref: in.Ref, Channel: &ch, Messages: msgs}

	default:
		return wsOut{Type: "error", Ref: in.Ref, Error: "unknown frame type " + in.Type}
	}
}
