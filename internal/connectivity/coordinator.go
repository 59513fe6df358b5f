// Package connectivity owns the online/offline state of the device and the
// send path that depends on it: direct publish while online, outbox while
// offline, and one drain of the outbox per return to online.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/petervdpas/reliefmesh/internal/bus"
	"github.com/petervdpas/reliefmesh/internal/config"
	"github.com/petervdpas/reliefmesh/internal/identity"
	"github.com/petervdpas/reliefmesh/internal/proto"
	"github.com/petervdpas/reliefmesh/internal/storage"
)

var (
	ErrEmptyContent   = errors.New("message content is empty")
	ErrMissingChannel = errors.New("no channel given")
)

type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// Publisher sends a message to the relay network.
type Publisher interface {
	Publish(ctx context.Context, channelID, content string) (proto.Message, error)
}

type DrainResult struct {
	Attempted int   `json:"attempted"`
	Published int   `json:"published"`
	Failed    int   `json:"failed"`
	Cleared   int64 `json:"cleared"`
	Err       error `json:"-"`
}

// Event is pushed to subscribers on every state change and after each drain.
type Event struct {
	State State
	Drain *DrainResult
}

type Options struct {
	Identity    identity.Identity
	DrainPolicy string
	Bus         *bus.Bus
}

type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	db     *storage.DB
	owner  string // claims outbox entries for this coordinator's drains
	pub    Publisher
	id     identity.Identity
	policy string
	ep     *bus.Endpoint

	// mu orders offline enqueues against state flips so a drain started by
	// a flip sees every entry queued before it.
	mu    sync.Mutex
	state State

	draining atomic.Bool
	again    atomic.Bool
	drains   atomic.Int64
	lastSeq  atomic.Int64 // highest outbox seq any drain attempted

	lmu       sync.Mutex
	listeners []chan Event
}

// New returns a coordinator in the Offline state. The host signal (prober or
// manual) moves it online, which also drains anything left from a previous run.
func New(ctx context.Context, db *storage.DB, pub Publisher, opts Options) *Coordinator {
	ctx, cancel := context.WithCancel(ctx)
	if opts.DrainPolicy == "" {
		opts.DrainPolicy = config.DrainBestEffort
	}
	c := &Coordinator{
		ctx:    ctx,
		cancel: cancel,
		db:     db,
		owner:  uuid.NewString(),
		pub:    pub,
		id:     opts.Identity,
		policy: opts.DrainPolicy,
	}
	if opts.Bus != nil {
		c.ep = opts.Bus.Join("coordinator")
	}
	return c
}

// Close stops any running drain and releases subscribers.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
	if c.ep != nil {
		c.ep.Close()
	}
	c.lmu.Lock()
	for _, ch := range c.listeners {
		close(ch)
	}
	c.listeners = nil
	c.lmu.Unlock()
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Draining reports whether an outbox drain is in progress.
func (c *Coordinator) Draining() bool { return c.draining.Load() }

// Drains returns how many drains have completed.
func (c *Coordinator) Drains() int64 { return c.drains.Load() }

// SetOnline feeds the host connectivity signal. Only an Offline to Online
// transition starts a drain; repeating the current state does nothing.
func (c *Coordinator) SetOnline(online bool) {
	next := Offline
	if online {
		next = Online
	}

	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()

	if prev == next {
		return
	}
	log.Printf("NET: %s -> %s", prev, next)
	c.notify(Event{State: next})

	if next == Online {
		c.startDrain()
	}
}

// Send delivers content to a channel. Online it is published and logged;
// offline it is queued and a local copy is logged so it shows up right away.
// Either way the result is broadcast to every other context on the bus, never
// back to origin.
func (c *Coordinator) Send(ctx context.Context, channelID, content string, origin *bus.Endpoint) (proto.Message, error) {
	if strings.TrimSpace(channelID) == "" {
		return proto.Message{}, ErrMissingChannel
	}
	if strings.TrimSpace(content) == "" {
		return proto.Message{}, ErrEmptyContent
	}

	c.mu.Lock()
	if c.state == Offline {
		m, err := c.queueLocked(channelID, content)
		c.mu.Unlock()
		if err != nil {
			return proto.Message{}, err
		}
		c.fanOut(origin, m)
		return m, nil
	}
	c.mu.Unlock()

	m, err := c.pub.Publish(ctx, channelID, content)
	if err != nil {
		return proto.Message{}, err
	}
	if _, err := c.db.AppendMessage(m); err != nil {
		return m, fmt.Errorf("log sent message: %w", err)
	}
	c.fanOut(origin, m)
	return m, nil
}

func (c *Coordinator) queueLocked(channelID, content string) (proto.Message, error) {
	now := proto.NowUnix()
	local := proto.Message{
		ID:        proto.LocalIDPrefix + uuid.NewString(),
		PubKey:    c.id.PublicHex(),
		Content:   content,
		CreatedAt: now,
		ChannelID: channelID,
		Alias:     c.id.Alias(),
		Local:     true,
	}
	seq, err := c.db.QueueOffline(proto.QueuedMessage{
		ChannelID:  channelID,
		Content:    content,
		EnqueuedAt: now,
	}, local)
	if err != nil {
		return proto.Message{}, fmt.Errorf("queue offline message: %w", err)
	}
	log.Printf("OUTBOX: queued #%d for %s", seq, channelID)
	return local, nil
}

func (c *Coordinator) fanOut(origin *bus.Endpoint, m proto.Message) {
	switch {
	case origin != nil:
		origin.Broadcast(m)
	case c.ep != nil:
		c.ep.Broadcast(m)
	}
}

func (c *Coordinator) startDrain() {
	if !c.draining.CompareAndSwap(false, true) {
		c.again.Store(true)
		log.Printf("OUTBOX: drain already running")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			c.again.Store(false)
			res, last := c.drain()
			if last > c.lastSeq.Load() {
				c.lastSeq.Store(last)
			}
			c.drains.Add(1)
			c.draining.Store(false)
			c.notify(Event{State: c.State(), Drain: &res})

			// A flap that arrived while draining may have queued entries
			// the drain never saw.
			if !c.again.Load() || c.State() != Online || !c.hasNewer(last) {
				return
			}
			if !c.draining.CompareAndSwap(false, true) {
				return
			}
		}
	}()
}

// Kick starts a drain when the coordinator is online and the shared outbox
// holds entries no drain has attempted yet, such as those queued by another
// process using the same data directory. Entries a drain already attempted
// wait for the next return to online.
func (c *Coordinator) Kick() {
	if c.State() != Online || c.draining.Load() {
		return
	}
	if c.hasNewer(c.lastSeq.Load()) {
		log.Printf("OUTBOX: found entries queued elsewhere")
		c.startDrain()
	}
}

func (c *Coordinator) hasNewer(seq int64) bool {
	ok, err := c.db.HasClaimable(c.owner, seq)
	if err != nil {
		log.Printf("OUTBOX: check pending: %v", err)
		return false
	}
	return ok
}

// drain publishes pending entries in FIFO order. Entries are claimed in the
// database first, so a sibling process draining the same outbox never
// publishes them too. It keeps claiming until no entry newer than the last
// attempted one is left, stops early if the device goes offline, and returns
// the highest seq attempted.
func (c *Coordinator) drain() (DrainResult, int64) {
	var (
		res  DrainResult
		last int64
	)

	for c.ctx.Err() == nil && c.State() == Online {
		batch, err := c.db.ClaimOutbox(c.owner, last)
		if err != nil {
			log.Printf("OUTBOX: claim pending: %v", err)
			res.Err = err
			break
		}
		if len(batch) == 0 {
			break
		}

		var (
			published []int64
			attempted int64
		)
		for _, q := range batch {
			if c.ctx.Err() != nil || c.State() != Online {
				break
			}
			if held, err := c.db.RenewClaim(c.owner, q.Seq); err != nil || !held {
				log.Printf("OUTBOX: lost claim on #%d (%v)", q.Seq, err)
				continue
			}
			attempted = q.Seq
			res.Attempted++

			m, err := c.pub.Publish(c.ctx, q.ChannelID, q.Content)
			if err != nil {
				res.Failed++
				log.Printf("OUTBOX: publish #%d to %s failed: %v", q.Seq, q.ChannelID, err)
				continue
			}
			res.Published++
			published = append(published, q.Seq)
			c.recordPublished(q, m)
		}
		if attempted == 0 {
			break
		}
		last = attempted

		if err := c.clear(published, attempted, &res); err != nil {
			log.Printf("OUTBOX: clear: %v", err)
			res.Err = err
			break
		}
	}

	// Whatever is still held (failed under retain_failed, or cut off by going
	// offline) goes back to the queue for the next drain in any process.
	if err := c.db.ReleaseOutbox(c.owner); err != nil {
		log.Printf("OUTBOX: release: %v", err)
	}

	if res.Attempted > 0 {
		log.Printf("OUTBOX: drain done: %d attempted, %d published, %d failed (%s)",
			res.Attempted, res.Published, res.Failed, c.policy)
	}
	if res.Published > 0 {
		if err := c.db.SetMeta(storage.MetaLastDrain, strconv.FormatInt(proto.NowUnix(), 10)); err != nil {
			log.Printf("OUTBOX: record drain time: %v", err)
		}
	}
	return res, last
}

func (c *Coordinator) clear(published []int64, through int64, res *DrainResult) error {
	if c.policy == config.DrainRetainFailed {
		if err := c.db.DeleteOutbox(published...); err != nil {
			return err
		}
		res.Cleared += int64(len(published))
		return nil
	}
	n, err := c.db.ClearOutboxThrough(c.owner, through)
	if err != nil {
		return err
	}
	res.Cleared += n
	return nil
}

func (c *Coordinator) recordPublished(q proto.QueuedMessage, m proto.Message) {
	if err := c.db.RecordPublished(q.LocalID, m); err != nil {
		log.Printf("OUTBOX: log published #%d: %v", q.Seq, err)
		return
	}
	if q.LocalID != "" {
		if old, ok, err := c.db.GetMessage(q.LocalID); err == nil && ok {
			c.fanOut(nil, old)
		}
	}
	c.fanOut(nil, m)
}

// Subscribe returns a channel of state and drain events and a cancel func.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	c.lmu.Lock()
	c.listeners = append(c.listeners, ch)
	c.lmu.Unlock()

	return ch, func() {
		c.lmu.Lock()
		defer c.lmu.Unlock()
		for i, l := range c.listeners {
			if l == ch {
				c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (c *Coordinator) notify(ev Event) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	for _, ch := range c.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}
