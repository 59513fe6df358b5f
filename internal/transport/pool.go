package transport

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Pool is the part of a relay pool the client needs. NewPool returns the
// production implementation; tests substitute their own.
type Pool interface {
	PublishMany(ctx context.Context, urls []string, evt nostr.Event) <-chan nostr.PublishResult
	SubscribeMany(ctx context.Context, urls []string, filter nostr.Filter) <-chan nostr.RelayEvent
	Close(reason string)
}

type simplePool struct {
	p *nostr.SimplePool
}

// NewPool creates a relay pool bound to ctx. Connections are opened lazily on
// first use and kept for the lifetime of the pool.
func NewPool(ctx context.Context) Pool {
	return &simplePool{p: nostr.NewSimplePool(ctx)}
}

func (s *simplePool) PublishMany(ctx context.Context, urls []string, evt nostr.Event) <-chan nostr.PublishResult {
	return s.p.PublishMany(ctx, urls, evt)
}

func (s *simplePool) SubscribeMany(ctx context.Context, urls []string, filter nostr.Filter) <-chan nostr.RelayEvent {
	return s.p.SubscribeMany(ctx, urls, filter)
}

func (s *simplePool) Close(reason string) {
	s.p.Close(reason)
}
