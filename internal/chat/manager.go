// Package chat keeps the active channel view: one live relay subscription at
// a time, inbound messages deduplicated through the durable log, and local
// listeners notified of every new message.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/reliefmesh/internal/channels"
	"github.com/petervdpas/reliefmesh/internal/connectivity"
	"github.com/petervdpas/reliefmesh/internal/proto"
	"github.com/petervdpas/reliefmesh/internal/storage"
	"github.com/petervdpas/reliefmesh/internal/transport"
	"github.com/petervdpas/reliefmesh/internal/util"
)

// ErrNoChannel is returned when a channel id does not resolve.
var ErrNoChannel = errors.New("unknown channel")

const (
	// DefaultBufferSize is the number of recent inbound messages kept in memory
	DefaultBufferSize = 100
)

// Manager handles the channel view of a peer
type Manager struct {
	ctx   context.Context
	db    *storage.DB
	tr    *transport.Client
	coord *connectivity.Coordinator
	reg   *channels.Registry

	// switchMu serializes subscription changes. It is never held while a
	// listener is notified, so a closing subscription can always finish
	// delivering.
	switchMu sync.Mutex

	mu        sync.RWMutex
	active    channels.Channel
	sub       *transport.Subscription
	listeners []chan proto.Message

	recent    *util.RingBuffer[proto.Message]
	stopWatch func()
	watchDone chan struct{}
}

// New creates a chat manager and starts following connectivity changes.
func New(ctx context.Context, db *storage.DB, tr *transport.Client, coord *connectivity.Coordinator, reg *channels.Registry) *Manager {
	m := &Manager{
		ctx:       ctx,
		db:        db,
		tr:        tr,
		coord:     coord,
		reg:       reg,
		listeners: make([]chan proto.Message, 0),
		recent:    util.NewRingBuffer[proto.Message](DefaultBufferSize),
		watchDone: make(chan struct{}),
	}

	events, stop := coord.Subscribe()
	m.stopWatch = stop
	go m.watch(events)

	return m
}

func (m *Manager) watch(events <-chan connectivity.Event) {
	defer close(m.watchDone)
	for ev := range events {
		if ev.Drain != nil {
			continue
		}
		if ev.State == connectivity.Online {
			m.resubscribe()
		} else {
			m.unsubscribeRelays()
		}
	}
}

// Open makes channelID the active channel and returns its current view. The
// previous subscription is closed before the new one is opened.
func (m *Manager) Open(ctx context.Context, channelID string) ([]proto.Message, error) {
	ch, ok := m.reg.Lookup(ctx, channelID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoChannel, channelID)
	}

	m.switchMu.Lock()
	m.closeSubLocked()
	m.mu.Lock()
	m.active = ch
	m.mu.Unlock()
	if m.coord.State() == connectivity.Online {
		m.openSubLocked(ch.ID)
	}
	m.switchMu.Unlock()

	log.Printf("CHAT: opened %s (%s)", ch.ID, ch.Name)
	return m.View(ch.ID)
}

// View returns the visible messages of a channel in creation order.
func (m *Manager) View(channelID string) ([]proto.Message, error) {
	msgs, err := m.db.MessagesByChannel(channelID)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []proto.Message{}
	}
	return msgs, nil
}

// Active returns the active channel; the zero Channel if none was opened.
func (m *Manager) Active() channels.Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Connected reports whether the active channel has a live subscription that
// is past its connecting phase.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sub != nil && m.sub.Connected()
}

// Recent returns the most recent inbound messages across channels.
func (m *Manager) Recent() []proto.Message {
	return m.recent.Snapshot()
}

func (m *Manager) resubscribe() {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.mu.RLock()
	active := m.active.ID
	m.mu.RUnlock()
	if active == "" {
		return
	}
	m.closeSubLocked()
	m.openSubLocked(active)
}

func (m *Manager) unsubscribeRelays() {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()
	m.closeSubLocked()
}

// closeSubLocked requires switchMu.
func (m *Manager) closeSubLocked() {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// openSubLocked requires switchMu.
func (m *Manager) openSubLocked(channelID string) {
	sub := m.tr.Subscribe(m.ctx, channelID, func(msg proto.Message) {
		m.handleInbound(msg)
	}, time.Time{})
	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()
}

// handleInbound logs a relay message and notifies listeners if it is new.
// Duplicates from other relays stop at the log.
func (m *Manager) handleInbound(msg proto.Message) {
	inserted, err := m.db.AppendMessage(msg)
	if err != nil {
		log.Printf("CHAT: store %s: %v", msg.ID, err)
		return
	}
	if !inserted {
		return
	}
	m.addMessage(msg)
	log.Printf("CHAT: %s in %s: %.50s", msg.Alias, msg.ChannelID, msg.Content)
}

// addMessage adds a message to the buffer and notifies listeners
func (m *Manager) addMessage(msg proto.Message) {
	m.recent.Push(msg)

	m.mu.RLock()
	for _, listener := range m.listeners {
		select {
		case listener <- msg:
		default:
			// Listener buffer full, skip
		}
	}
	m.mu.RUnlock()
}

// Subscribe returns a channel that receives new inbound messages
func (m *Manager) Subscribe() <-chan proto.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan proto.Message, 32)
	m.listeners = append(m.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel
func (m *Manager) Unsubscribe(ch <-chan proto.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, listener := range m.listeners {
		if listener == ch {
			close(listener)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// Close shuts down the chat manager
func (m *Manager) Close() error {
	m.stopWatch()
	<-m.watchDone

	m.switchMu.Lock()
	m.closeSubLocked()
	m.switchMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, listener := range m.listeners {
		close(listener)
	}
	m.listeners = nil

	return nil
}
