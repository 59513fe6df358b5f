package transport

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/petervdpas/reliefmesh/internal/identity"
	"github.com/petervdpas/reliefmesh/internal/proto"
)

type fakePool struct {
	mu        sync.Mutex
	published []nostr.Event
	filters   []nostr.Filter

	// publish results per relay url; a missing entry never answers
	results map[string]error

	events chan nostr.RelayEvent
	subCtx context.Context
}

func (f *fakePool) PublishMany(ctx context.Context, urls []string, evt nostr.Event) <-chan nostr.PublishResult {
	f.mu.Lock()
	f.published = append(f.published, evt)
	f.mu.Unlock()

	out := make(chan nostr.PublishResult)
	var wg sync.WaitGroup
	for _, u := range urls {
		err, ok := f.results[u]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(u string, err error) {
			defer wg.Done()
			select {
			case out <- nostr.PublishResult{RelayURL: u, Error: err}:
			case <-ctx.Done():
			}
		}(u, err)
	}
	go func() {
		wg.Wait()
		if len(f.results) < len(urls) {
			<-ctx.Done()
		}
		close(out)
	}()
	return out
}

func (f *fakePool) SubscribeMany(ctx context.Context, urls []string, filter nostr.Filter) <-chan nostr.RelayEvent {
	f.mu.Lock()
	f.filters = append(f.filters, filter)
	f.subCtx = ctx
	f.mu.Unlock()
	return f.events
}

func (f *fakePool) Close(string) {}

func testIdentity(t *testing.T) identity.Identity {
	t.Helper()
	id, err := identity.NewManager(filepath.Join(t.TempDir(), "identity.key")).GetOrCreate()
	if err != nil {
		t.Fatal(err)
	}
	return id
}

var relays = []string{"wss://a", "wss://b", "wss://c"}

func TestPublishFirstAcceptanceWins(t *testing.T) {
	id := testIdentity(t)
	pool := &fakePool{results: map[string]error{
		"wss://a": errors.New("rate limited"),
		"wss://b": nil,
		"wss://c": errors.New("blocked"),
	}}
	c := New(pool, id, Options{Relays: relays})

	m, err := c.Publish(context.Background(), "camp-c1", "need water")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if m.ChannelID != "camp-c1" || m.Content != "need water" || m.PubKey != id.PublicHex() {
		t.Fatalf("message = %+v", m)
	}
	if m.Alias != id.Alias() {
		t.Fatalf("alias = %s, want %s", m.Alias, id.Alias())
	}

	evt := pool.published[0]
	if evt.Kind != proto.EventKind {
		t.Fatalf("kind = %d", evt.Kind)
	}
	if !hasTag(evt.Tags, "idcs-camp-c1") {
		t.Fatalf("tags = %v", evt.Tags)
	}
	if evt.ID != m.ID {
		t.Fatalf("id mismatch %s vs %s", evt.ID, m.ID)
	}
	if ok, err := evt.CheckSignature(); !ok || err != nil {
		t.Fatalf("signature invalid: %v", err)
	}
}

func TestPublishAllRelaysFail(t *testing.T) {
	pool := &fakePool{results: map[string]error{
		"wss://a": errors.New("down"),
		"wss://b": errors.New("down"),
		"wss://c": errors.New("last"),
	}}
	c := New(pool, testIdentity(t), Options{Relays: relays})

	_, err := c.Publish(context.Background(), "emergency-broadcast", "x")
	if !errors.Is(err, ErrPublishFailed) {
		t.Fatalf("err = %v, want ErrPublishFailed", err)
	}
}

func TestPublishTimesOut(t *testing.T) {
	pool := &fakePool{results: map[string]error{}}
	c := New(pool, testIdentity(t), Options{Relays: relays, PublishTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := c.Publish(context.Background(), "emergency-broadcast", "x")
	if !errors.Is(err, ErrPublishFailed) {
		t.Fatalf("err = %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err does not wrap the deadline: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("publish did not honour the deadline")
	}
}

func TestNamespaceChangesTag(t *testing.T) {
	pool := &fakePool{results: map[string]error{"wss://a": nil}}
	c := New(pool, testIdentity(t), Options{Relays: []string{"wss://a"}, Namespace: "drill"})

	if _, err := c.Publish(context.Background(), "camp-c1", "x"); err != nil {
		t.Fatal(err)
	}
	if !hasTag(pool.published[0].Tags, "drill-camp-c1") {
		t.Fatalf("tags = %v", pool.published[0].Tags)
	}
}

func signed(t *testing.T, id identity.Identity, tag, content string, at int64) *nostr.Event {
	t.Helper()
	evt := &nostr.Event{
		PubKey:    id.PublicHex(),
		CreatedAt: nostr.Timestamp(at),
		Kind:      proto.EventKind,
		Tags:      nostr.Tags{{"t", tag}},
		Content:   content,
	}
	if err := evt.Sign(id.SecretHex()); err != nil {
		t.Fatal(err)
	}
	return evt
}

func TestSubscribeDeliversMatchingEvents(t *testing.T) {
	id := testIdentity(t)
	pool := &fakePool{events: make(chan nostr.RelayEvent, 8)}
	c := New(pool, id, Options{Relays: relays, ConnectWait: time.Hour})

	got := make(chan proto.Message, 8)
	since := time.Unix(1000, 0)
	sub := c.Subscribe(context.Background(), "camp-c1", func(m proto.Message) { got <- m }, since)
	defer sub.Close()

	if sub.Connected() {
		t.Fatal("connected before any event")
	}

	f := pool.filters[0]
	if f.Since == nil || int64(*f.Since) != 1000 {
		t.Fatalf("since = %v", f.Since)
	}
	if len(f.Kinds) != 1 || f.Kinds[0] != proto.EventKind {
		t.Fatalf("kinds = %v", f.Kinds)
	}
	if v := f.Tags["t"]; len(v) != 1 || v[0] != "idcs-camp-c1" {
		t.Fatalf("tag filter = %v", f.Tags)
	}

	good := signed(t, id, "idcs-camp-c1", "hello", 1500)
	pool.events <- nostr.RelayEvent{Event: signed(t, id, "idcs-other", "nope", 1400)}
	pool.events <- nostr.RelayEvent{Event: good}
	pool.events <- nostr.RelayEvent{Event: good} // second relay, same event

	for i := 0; i < 2; i++ {
		select {
		case m := <-got:
			if m.ID != good.ID || m.ChannelID != "camp-c1" || m.CreatedAt != 1500 || m.Alias != id.Alias() {
				t.Fatalf("message = %+v", m)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
	if !sub.Connected() {
		t.Fatal("not connected after an event")
	}
}

func TestSubscribeDefaultSinceWindow(t *testing.T) {
	pool := &fakePool{events: make(chan nostr.RelayEvent)}
	c := New(pool, testIdentity(t), Options{Relays: relays})

	sub := c.Subscribe(context.Background(), "x", func(proto.Message) {}, time.Time{})
	defer sub.Close()

	want := time.Now().Add(-24 * time.Hour).Unix()
	got := int64(*pool.filters[0].Since)
	if got < want-5 || got > want+5 {
		t.Fatalf("since = %d, want about %d", got, want)
	}
}

func TestSubscribeConnectWaitElapses(t *testing.T) {
	pool := &fakePool{events: make(chan nostr.RelayEvent)}
	c := New(pool, testIdentity(t), Options{Relays: relays, ConnectWait: 20 * time.Millisecond})

	sub := c.Subscribe(context.Background(), "x", func(proto.Message) {}, time.Time{})
	defer sub.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !sub.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("never reported connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	pool := &fakePool{events: make(chan nostr.RelayEvent)}
	c := New(pool, testIdentity(t), Options{Relays: relays})

	sub := c.Subscribe(context.Background(), "x", func(proto.Message) {
		t.Error("no delivery expected")
	}, time.Time{})

	sub.Close()
	sub.Close()

	if pool.subCtx.Err() == nil {
		t.Fatal("relay subscription context not cancelled")
	}
}
