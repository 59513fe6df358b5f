package channels

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

type failingLocator struct{ err error }

func (f failingLocator) Locate(context.Context) (float64, float64, error) {
	return 0, 0, f.err
}

type slowLocator struct{}

func (slowLocator) Locate(ctx context.Context) (float64, float64, error) {
	<-ctx.Done()
	return 0, 0, ctx.Err()
}

func ids(chs []Channel) []string {
	out := make([]string, len(chs))
	for i, c := range chs {
		out[i] = c.ID
	}
	return out
}

func TestLocationChannelsDeterministic(t *testing.T) {
	a := LocationChannels(26.1388, 91.6625)
	b := LocationChannels(26.1388, 91.6625)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("same coordinates produced different channels")
	}
	want := []string{"loc-wh9hty6", "loc-wh9ht", "loc-wh9"}
	if got := ids(a); !reflect.DeepEqual(got, want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	if a[0].Name != "Block #wh9hty6" || a[1].Name != "City #wh9ht" || a[2].Name != "Region #wh9" {
		t.Fatalf("unexpected names: %q %q %q", a[0].Name, a[1].Name, a[2].Name)
	}
	for _, c := range a {
		if c.Kind != KindLocation {
			t.Fatalf("kind = %q", c.Kind)
		}
	}
}

func TestWellKnownIncludesCamps(t *testing.T) {
	r := NewRegistry(Options{Camps: StaticCamps{
		{ID: "c1", Name: "North Camp", Purpose: "Shelter"},
		{ID: "c1", Name: "dup"},
		{ID: "", Name: "no id"},
		{ID: "c2", Name: "River Camp", Description: "Medical"},
	}})
	got := r.WellKnown(context.Background())
	if want := []string{EmergencyChannelID, "camp-c1", "camp-c2"}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("ids = %v, want %v", ids(got), want)
	}
	if got[1].Description != "Shelter" || got[2].Description != "Medical" {
		t.Fatalf("descriptions = %q, %q", got[1].Description, got[2].Description)
	}
	if got[1].CampRef != "c1" || got[1].Kind != KindCamp {
		t.Fatalf("camp channel = %+v", got[1])
	}
}

func TestPositionFallsBack(t *testing.T) {
	cases := map[string]Locator{
		"nil":     nil,
		"denied":  failingLocator{err: errors.New("permission denied")},
		"timeout": slowLocator{},
		"range":   StaticLocator{Lat: 120, Lng: 0},
	}
	for name, loc := range cases {
		t.Run(name, func(t *testing.T) {
			r := NewRegistry(Options{
				Locator:     loc,
				FallbackLat: 26.1388,
				FallbackLng: 91.6625,
				Timeout:     50 * time.Millisecond,
			})
			lat, lng, fallback := r.Position(context.Background())
			if !fallback || lat != 26.1388 || lng != 91.6625 {
				t.Fatalf("got %v,%v fallback=%v", lat, lng, fallback)
			}
			all := r.All(context.Background())
			if len(all) != 4 || all[1].ID != "loc-wh9hty6" {
				t.Fatalf("channels = %v", ids(all))
			}
		})
	}
}

func TestPositionUsesLocator(t *testing.T) {
	r := NewRegistry(Options{Locator: StaticLocator{Lat: 57.64911, Lng: 10.40744}})
	lat, lng, fallback := r.Position(context.Background())
	if fallback || lat != 57.64911 || lng != 10.40744 {
		t.Fatalf("got %v,%v fallback=%v", lat, lng, fallback)
	}
}

func TestLookup(t *testing.T) {
	r := NewRegistry(Options{Camps: StaticCamps{{ID: "c1", Name: "North Camp"}}})
	ctx := context.Background()

	if ch, ok := r.Lookup(ctx, EmergencyChannelID); !ok || ch.Kind != KindEmergency {
		t.Fatalf("emergency lookup = %+v %v", ch, ok)
	}
	if ch, ok := r.Lookup(ctx, "camp-c1"); !ok || ch.Name != "North Camp" {
		t.Fatalf("camp lookup = %+v %v", ch, ok)
	}
	if ch, ok := r.Lookup(ctx, "camp-unknown"); !ok || ch.CampRef != "unknown" {
		t.Fatalf("unknown camp lookup = %+v %v", ch, ok)
	}
	if ch, ok := r.Lookup(ctx, "loc-wh9ht"); !ok || ch.Name != "City #wh9ht" {
		t.Fatalf("location lookup = %+v %v", ch, ok)
	}
	for _, bad := range []string{"", "loc-", "loc-wh9a", "camp-", "random"} {
		if _, ok := r.Lookup(ctx, bad); ok {
			t.Fatalf("lookup %q should fail", bad)
		}
	}
}

func TestFileAndHTTPCamps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "camps.json")
	body, _ := json.Marshal([]Camp{{ID: "f1", Name: "File Camp"}})
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"camps":[{"id":"h1","name":"HTTP Camp"},{"id":"f1","name":"shadowed"}]}`))
	}))
	defer srv.Close()

	src := MultiCamps{FileCamps{Path: path}, NewHTTPCamps(srv.URL)}
	camps, err := src.Camps(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(camps) != 2 || camps[0].Name != "File Camp" || camps[1].ID != "h1" {
		t.Fatalf("camps = %+v", camps)
	}

	broken := MultiCamps{FileCamps{Path: filepath.Join(dir, "missing.json")}}
	if _, err := broken.Camps(context.Background()); err == nil {
		t.Fatal("expected error when every source fails")
	}
}

func TestWellKnownSurvivesCampFailure(t *testing.T) {
	r := NewRegistry(Options{Camps: FileCamps{Path: filepath.Join(t.TempDir(), "nope.json")}})
	got := r.WellKnown(context.Background())
	if len(got) != 1 || got[0].ID != EmergencyChannelID {
		t.Fatalf("channels = %v", ids(got))
	}
}
