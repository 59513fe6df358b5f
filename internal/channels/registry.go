// Package channels derives the channel set a participant can join: fixed
// well-known channels, one per relief camp, and three location channels
// computed from a geohash of the device position. Every participant computes
// the same ids for the same inputs, so channels converge without coordination.
package channels

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
)

type Kind string

const (
	KindEmergency Kind = "emergency"
	KindLocation  Kind = "location"
	KindCamp      Kind = "camp"
)

const (
	EmergencyChannelID = "emergency-broadcast"

	campPrefix     = "camp-"
	locationPrefix = "loc-"
)

// Location channel precisions, finest to coarsest.
var locationLevels = []struct {
	precision int
	label     string
}{
	{7, "Block"},
	{5, "City"},
	{3, "Region"},
}

// Channel is a value: any participant can compute the same ID.
type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Kind        Kind   `json:"kind"`
	Geohash     string `json:"geohash,omitempty"`
	CampRef     string `json:"camp_ref,omitempty"`
	Description string `json:"description,omitempty"`
}

// ErrNoLocation is returned by locators that have no position to offer.
var ErrNoLocation = errors.New("location unavailable")

// Locator supplies the device position. Implementations may block; the
// registry bounds every call with its own timeout.
type Locator interface {
	Locate(ctx context.Context) (lat, lng float64, err error)
}

// StaticLocator always reports the same position.
type StaticLocator struct {
	Lat, Lng float64
}

func (s StaticLocator) Locate(context.Context) (float64, float64, error) {
	return s.Lat, s.Lng, nil
}

// Registry builds channel lists from camps and the device position.
type Registry struct {
	camps   CampSource
	locator Locator

	fallbackLat float64
	fallbackLng float64
	timeout     time.Duration
}

type Options struct {
	Camps       CampSource // may be nil
	Locator     Locator    // may be nil: the fallback coordinate is used
	FallbackLat float64
	FallbackLng float64
	Timeout     time.Duration
}

func NewRegistry(o Options) *Registry {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	return &Registry{
		camps:       o.Camps,
		locator:     o.Locator,
		fallbackLat: o.FallbackLat,
		fallbackLng: o.FallbackLng,
		timeout:     o.Timeout,
	}
}

// Emergency is the broadcast channel every participant sees.
func Emergency() Channel {
	return Channel{
		ID:          EmergencyChannelID,
		Name:        "Emergency Broadcast",
		Kind:        KindEmergency,
		Description: "Critical alerts for everyone in the affected area",
	}
}

// CampChannel returns the channel of a relief camp.
func CampChannel(c Camp) Channel {
	return Channel{
		ID:          campPrefix + c.ID,
		Name:        c.Name,
		Kind:        KindCamp,
		CampRef:     c.ID,
		Description: c.Summary(),
	}
}

// LocationChannels returns the block, city and region channels around
// (lat, lng) at geohash precisions 7, 5 and 3.
func LocationChannels(lat, lng float64) []Channel {
	out := make([]Channel, 0, len(locationLevels))
	for _, lvl := range locationLevels {
		gh := Geohash(lat, lng, lvl.precision)
		out = append(out, locationChannel(gh, lvl.label))
	}
	return out
}

func locationChannel(gh, label string) Channel {
	return Channel{
		ID:      locationPrefix + gh,
		Name:    label + " #" + gh,
		Kind:    KindLocation,
		Geohash: gh,
	}
}

// WellKnown returns the emergency channel followed by one channel per camp.
// A failing camp source is logged and yields only the emergency channel.
func (r *Registry) WellKnown(ctx context.Context) []Channel {
	out := []Channel{Emergency()}
	if r.camps == nil {
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	camps, err := r.camps.Camps(ctx)
	if err != nil {
		log.Printf("CHANNELS: camp list unavailable: %v", err)
		return out
	}
	seen := make(map[string]bool, len(camps))
	for _, c := range camps {
		if c.ID == "" || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, CampChannel(c))
	}
	return out
}

// Position asks the locator for the device position, falling back to the
// configured default when the locator is missing, fails, or exceeds the
// timeout. fallback reports whether the default was used.
func (r *Registry) Position(ctx context.Context) (lat, lng float64, fallback bool) {
	if r.locator == nil {
		return r.fallbackLat, r.fallbackLng, true
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type result struct {
		lat, lng float64
		err      error
	}
	ch := make(chan result, 1)
	go func() {
		lat, lng, err := r.locator.Locate(ctx)
		ch <- result{lat, lng, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			log.Printf("CHANNELS: location unavailable (%v), using default", res.err)
			return r.fallbackLat, r.fallbackLng, true
		}
		if res.lat < -90 || res.lat > 90 || res.lng < -180 || res.lng > 180 {
			log.Printf("CHANNELS: location out of range (%f,%f), using default", res.lat, res.lng)
			return r.fallbackLat, r.fallbackLng, true
		}
		return res.lat, res.lng, false
	case <-ctx.Done():
		log.Printf("CHANNELS: location timed out after %s, using default", r.timeout)
		return r.fallbackLat, r.fallbackLng, true
	}
}

// All returns the well-known channels followed by the location channels.
func (r *Registry) All(ctx context.Context) []Channel {
	out := r.WellKnown(ctx)
	lat, lng, _ := r.Position(ctx)
	return append(out, LocationChannels(lat, lng)...)
}

// Lookup resolves a channel id. Location ids are accepted for any valid
// geohash, not only those around the current position, so a participant can
// follow a neighbouring block.
func (r *Registry) Lookup(ctx context.Context, id string) (Channel, bool) {
	switch {
	case id == EmergencyChannelID:
		return Emergency(), true

	case strings.HasPrefix(id, locationPrefix):
		gh := strings.TrimPrefix(id, locationPrefix)
		if gh == "" || len(gh) > 12 {
			return Channel{}, false
		}
		if _, _, _, _, ok := GeohashBounds(gh); !ok {
			return Channel{}, false
		}
		label := "Area"
		for _, lvl := range locationLevels {
			if lvl.precision == len(gh) {
				label = lvl.label
			}
		}
		return locationChannel(gh, label), true

	case strings.HasPrefix(id, campPrefix):
		for _, ch := range r.WellKnown(ctx) {
			if ch.ID == id {
				return ch, true
			}
		}
		ref := strings.TrimPrefix(id, campPrefix)
		if ref == "" {
			return Channel{}, false
		}
		// Camp not in our list (yet): still joinable by id.
		return Channel{ID: id, Name: ref, Kind: KindCamp, CampRef: ref}, true
	}
	return Channel{}, false
}
