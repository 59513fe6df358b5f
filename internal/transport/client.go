// Package transport publishes and subscribes channel messages on public
// Nostr relays.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/petervdpas/reliefmesh/internal/identity"
	"github.com/petervdpas/reliefmesh/internal/proto"
)

// ErrPublishFailed is returned when no relay accepted an event before the
// publish deadline.
var ErrPublishFailed = errors.New("publish failed on all relays")

type Options struct {
	Relays         []string
	Namespace      string
	PublishTimeout time.Duration
	ConnectWait    time.Duration
	// Default lower bound of a subscription, relative to now.
	SinceWindow time.Duration
}

type Client struct {
	pool Pool
	id   identity.Identity
	opts Options
}

func New(pool Pool, id identity.Identity, opts Options) *Client {
	if opts.Namespace == "" {
		opts.Namespace = proto.DefaultNamespace
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 10 * time.Second
	}
	if opts.ConnectWait <= 0 {
		opts.ConnectWait = 2 * time.Second
	}
	if opts.SinceWindow <= 0 {
		opts.SinceWindow = 24 * time.Hour
	}
	return &Client{pool: pool, id: id, opts: opts}
}

// Tag returns the relay-side tag of a channel.
func (c *Client) Tag(channelID string) string {
	return proto.ChannelTag(c.opts.Namespace, channelID)
}

// Publish signs a channel message and sends it to every relay at once. The
// first relay to accept it wins; the other results are discarded.
func (c *Client) Publish(ctx context.Context, channelID, content string) (proto.Message, error) {
	evt := nostr.Event{
		PubKey:    c.id.PublicHex(),
		CreatedAt: nostr.Now(),
		Kind:      proto.EventKind,
		Tags:      nostr.Tags{{proto.ChannelTagName, c.Tag(channelID)}},
		Content:   content,
	}
	if err := evt.Sign(c.id.SecretHex()); err != nil {
		return proto.Message{}, fmt.Errorf("sign event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.PublishTimeout)
	defer cancel()

	results := c.pool.PublishMany(ctx, c.opts.Relays, evt)
	lastErr := errors.New("no relays configured")
	for {
		select {
		case res, ok := <-results:
			if !ok {
				return proto.Message{}, fmt.Errorf("%w: %w", ErrPublishFailed, lastErr)
			}
			if res.Error != nil {
				log.Printf("TRANSPORT: publish to %s failed: %v", res.RelayURL, res.Error)
				lastErr = res.Error
				continue
			}
			go drain(results)
			log.Printf("TRANSPORT: published %s to %s via %s", shortID(evt.ID), channelID, res.RelayURL)
			return eventMessage(&evt, channelID), nil
		case <-ctx.Done():
			go drain(results)
			return proto.Message{}, fmt.Errorf("%w: %w", ErrPublishFailed, ctx.Err())
		}
	}
}

func drain[T any](ch <-chan T) {
	for range ch {
	}
}

// Subscription is a live channel subscription across all relays.
type Subscription struct {
	ChannelID string

	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
	connected atomic.Bool
	timer     *time.Timer
}

// Subscribe opens a live subscription for channelID. Every matching event from
// any relay is passed to onMessage, duplicates included; deduplication is the
// caller's job. A zero since means the configured window before now.
//
// onMessage runs on the subscription goroutine and must not call Close.
func (c *Client) Subscribe(ctx context.Context, channelID string, onMessage func(proto.Message), since time.Time) *Subscription {
	if since.IsZero() {
		since = time.Now().Add(-c.opts.SinceWindow)
	}
	tag := c.Tag(channelID)
	ts := nostr.Timestamp(since.Unix())

	sctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		ChannelID: channelID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	// Relays that never answer must not leave the caller waiting forever.
	s.timer = time.AfterFunc(c.opts.ConnectWait, func() { s.connected.Store(true) })

	events := c.pool.SubscribeMany(sctx, c.opts.Relays, nostr.Filter{
		Kinds: []int{proto.EventKind},
		Tags:  nostr.TagMap{proto.ChannelTagName: {tag}},
		Since: &ts,
	})

	log.Printf("TRANSPORT: subscribed to %s on %d relays", channelID, len(c.opts.Relays))

	go func() {
		defer close(s.done)
		for {
			select {
			case <-sctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Event == nil {
					continue
				}
				if !hasTag(ev.Event.Tags, tag) {
					log.Printf("TRANSPORT: dropping %s from %s: tag mismatch", shortID(ev.Event.ID), relayURL(ev))
					continue
				}
				s.connected.Store(true)
				if sctx.Err() != nil {
					return
				}
				onMessage(eventMessage(ev.Event, channelID))
			}
		}
	}()

	return s
}

// Connected reports whether the subscription delivered an event or the
// connect wait has elapsed.
func (s *Subscription) Connected() bool {
	return s.connected.Load()
}

// Close cancels the relay subscriptions and waits for delivery to stop.
// Calling it more than once is safe.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.timer.Stop()
		s.cancel()
		log.Printf("TRANSPORT: closed subscription %s", s.ChannelID)
	})
	<-s.done
}

func eventMessage(evt *nostr.Event, channelID string) proto.Message {
	return proto.Message{
		ID:        evt.ID,
		PubKey:    evt.PubKey,
		Content:   evt.Content,
		CreatedAt: int64(evt.CreatedAt),
		ChannelID: channelID,
		Alias:     identity.AliasHex(evt.PubKey),
	}
}

func hasTag(tags nostr.Tags, value string) bool {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == proto.ChannelTagName && t[1] == value {
			return true
		}
	}
	return false
}

func relayURL(ev nostr.RelayEvent) string {
	if ev.Relay == nil {
		return "?"
	}
	return ev.Relay.URL
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
