package chat

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/petervdpas/reliefmesh/internal/channels"
	"github.com/petervdpas/reliefmesh/internal/connectivity"
	"github.com/petervdpas/reliefmesh/internal/identity"
	"github.com/petervdpas/reliefmesh/internal/proto"
	"github.com/petervdpas/reliefmesh/internal/storage"
	"github.com/petervdpas/reliefmesh/internal/transport"
)

type relaySub struct {
	ctx    context.Context
	filter nostr.Filter
	events chan nostr.RelayEvent
}

type fakePool struct {
	mu   sync.Mutex
	subs []*relaySub
}

func (f *fakePool) PublishMany(ctx context.Context, urls []string, evt nostr.Event) <-chan nostr.PublishResult {
	out := make(chan nostr.PublishResult, 1)
	out <- nostr.PublishResult{RelayURL: urls[0]}
	close(out)
	return out
}

func (f *fakePool) SubscribeMany(ctx context.Context, urls []string, filter nostr.Filter) <-chan nostr.RelayEvent {
	s := &relaySub{ctx: ctx, filter: filter, events: make(chan nostr.RelayEvent, 16)}
	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.mu.Unlock()
	return s.events
}

func (f *fakePool) Close(string) {}

func (f *fakePool) all() []*relaySub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*relaySub(nil), f.subs...)
}

func (f *fakePool) live() []*relaySub {
	var out []*relaySub
	for _, s := range f.all() {
		if s.ctx.Err() == nil {
			out = append(out, s)
		}
	}
	return out
}

type env struct {
	pool  *fakePool
	db    *storage.DB
	coord *connectivity.Coordinator
	m     *Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	id, err := identity.NewManager(filepath.Join(dir, "identity.key")).GetOrCreate()
	if err != nil {
		t.Fatal(err)
	}
	pool := &fakePool{}
	tr := transport.New(pool, id, transport.Options{Relays: []string{"wss://a", "wss://b"}})
	coord := connectivity.New(context.Background(), db, tr, connectivity.Options{Identity: id})
	reg := channels.NewRegistry(channels.Options{
		Camps:       channels.StaticCamps{{ID: "c1", Name: "Camp One"}},
		FallbackLat: 26.1388,
		FallbackLng: 91.6625,
		Timeout:     time.Second,
	})
	m := New(context.Background(), db, tr, coord, reg)

	t.Cleanup(func() {
		m.Close()
		coord.Close()
		db.Close()
	})
	return &env{pool: pool, db: db, coord: coord, m: m}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func event(id, tag string, at int64) nostr.RelayEvent {
	return nostr.RelayEvent{Event: &nostr.Event{
		ID:        id,
		PubKey:    "0000000000000000000000000000000000000000000000000000000000000000",
		CreatedAt: nostr.Timestamp(at),
		Kind:      proto.EventKind,
		Tags:      nostr.Tags{{"t", tag}},
		Content:   "content " + id,
	}}
}

// openOnline opens channelID while offline and then brings the coordinator
// online, so the only subscription is the one made on reconnect.
func openOnline(t *testing.T, e *env, channelID string) {
	t.Helper()
	if _, err := e.m.Open(context.Background(), channelID); err != nil {
		t.Fatal(err)
	}
	e.coord.SetOnline(true)
	waitFor(t, "subscription", func() bool { return len(e.pool.live()) == 1 })
}

func TestOpenUnknownChannel(t *testing.T) {
	e := newEnv(t)
	_, err := e.m.Open(context.Background(), "camp-")
	if !errors.Is(err, ErrNoChannel) {
		t.Fatalf("err = %v", err)
	}
	if e.m.Active().ID != "" {
		t.Fatal("active channel set on failure")
	}
}

func TestSwitchClosesPreviousSubscription(t *testing.T) {
	e := newEnv(t)
	openOnline(t, e, "camp-c1")

	if _, err := e.m.Open(context.Background(), channels.EmergencyChannelID); err != nil {
		t.Fatal(err)
	}

	subs := e.pool.all()
	if len(subs) != 2 {
		t.Fatalf("subscriptions opened = %d", len(subs))
	}
	if subs[0].ctx.Err() == nil {
		t.Fatal("previous subscription still live")
	}
	live := e.pool.live()
	if len(live) != 1 || live[0].filter.Tags["t"][0] != "idcs-emergency-broadcast" {
		t.Fatalf("live subscriptions = %d", len(live))
	}
	if e.m.Active().ID != channels.EmergencyChannelID {
		t.Fatalf("active = %s", e.m.Active().ID)
	}
}

func TestInboundDuplicatesAreDropped(t *testing.T) {
	e := newEnv(t)
	openOnline(t, e, "camp-c1")

	listener := e.m.Subscribe()
	defer e.m.Unsubscribe(listener)

	sub := e.pool.live()[0]
	sub.events <- event("e2", "idcs-camp-c1", 200)
	sub.events <- event("e1", "idcs-camp-c1", 100)
	sub.events <- event("e2", "idcs-camp-c1", 200) // second relay

	got := map[string]int{}
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case m := <-listener:
			got[m.ID]++
		case <-timeout:
			t.Fatalf("got %v", got)
		}
	}
	select {
	case m := <-listener:
		t.Fatalf("duplicate delivered: %s", m.ID)
	case <-time.After(100 * time.Millisecond):
	}

	view, err := e.m.View("camp-c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(view) != 2 || view[0].ID != "e1" || view[1].ID != "e2" {
		t.Fatalf("view = %+v", view)
	}
	if view[0].Alias != "SwiftFalcon0" {
		t.Fatalf("alias = %s", view[0].Alias)
	}
	if len(e.m.Recent()) != 2 {
		t.Fatalf("recent = %d", len(e.m.Recent()))
	}
	if !e.m.Connected() {
		t.Fatal("not connected after inbound events")
	}
}

func TestOfflineOpenWaitsForConnectivity(t *testing.T) {
	e := newEnv(t)

	view, err := e.m.Open(context.Background(), "loc-wh9ht")
	if err != nil {
		t.Fatal(err)
	}
	if view == nil || len(view) != 0 {
		t.Fatalf("view = %v", view)
	}
	if n := len(e.pool.all()); n != 0 {
		t.Fatalf("subscribed while offline: %d", n)
	}
	if e.m.Connected() {
		t.Fatal("connected while offline")
	}

	e.coord.SetOnline(true)
	waitFor(t, "resubscribe", func() bool { return len(e.pool.live()) == 1 })
	if tag := e.pool.live()[0].filter.Tags["t"][0]; tag != "idcs-loc-wh9ht" {
		t.Fatalf("tag = %s", tag)
	}

	e.coord.SetOnline(false)
	waitFor(t, "unsubscribe", func() bool { return len(e.pool.live()) == 0 })
}
