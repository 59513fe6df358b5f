package app

import (
	"context"
	"fmt"
	"log"

	"github.com/petervdpas/reliefmesh/internal/chat"
	"github.com/petervdpas/reliefmesh/internal/connectivity"
	"github.com/petervdpas/reliefmesh/internal/proto"
)

// SendOnce applies a single connectivity reading and sends content to a
// known channel. When the reading brings the peer online, the drain it starts
// is awaited first so queued entries keep their order ahead of this one.
func (rt *Runtime) SendOnce(ctx context.Context, online bool, channelID, content string) (proto.Message, error) {
	if _, ok := rt.Channels.Lookup(ctx, channelID); !ok {
		return proto.Message{}, fmt.Errorf("%w: %s", chat.ErrNoChannel, channelID)
	}

	events, cancel := rt.Coord.Subscribe()
	defer cancel()

	flip := online && rt.Coord.State() == connectivity.Offline
	rt.Coord.SetOnline(online)
	if flip {
		if res, err := waitDrain(ctx, events); err != nil {
			return proto.Message{}, err
		} else if res.Attempted > 0 {
			log.Printf("OUTBOX: drained %d/%d before send", res.Published, res.Attempted)
		}
	}

	return rt.Coord.Send(ctx, channelID, content, nil)
}

func waitDrain(ctx context.Context, events <-chan connectivity.Event) (connectivity.DrainResult, error) {
	for {
		select {
		case <-ctx.Done():
			return connectivity.DrainResult{}, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return connectivity.DrainResult{}, context.Canceled
			}
			if ev.Drain != nil {
				return *ev.Drain, nil
			}
		}
	}
}
