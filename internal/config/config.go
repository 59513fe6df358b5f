package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/reliefmesh/internal/util"
)

const (
	DrainBestEffort   = "best_effort"
	DrainRetainFailed = "retain_failed"
)

type Config struct {
	Identity     Identity     `json:"identity"`
	Storage      Storage      `json:"storage"`
	Relays       Relays       `json:"relays"`
	Location     Location     `json:"location"`
	Camps        Camps        `json:"camps"`
	Outbox       Outbox       `json:"outbox"`
	Connectivity Connectivity `json:"connectivity"`
	Bus          Bus          `json:"bus"`
	Viewer       Viewer       `json:"viewer"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type Storage struct {
	// Directory holding chat.db. Relative to the peer directory.
	DataDir string `json:"data_dir"`
}

type Relays struct {
	URLs      []string `json:"urls"`
	Namespace string   `json:"namespace"`

	// Subscription lower bound when the caller passes none.
	SinceHours int `json:"since_hours"`

	PublishTimeoutSec int `json:"publish_timeout_seconds"`

	// How long a fresh subscription may stay silent before it is reported as
	// connected anyway. Until then the UI shows "connecting".
	ConnectWaitSec int `json:"connect_wait_seconds"`
}

type Location struct {
	// Fallback coordinate used when no location provider answers.
	DefaultLat float64 `json:"default_lat"`
	DefaultLng float64 `json:"default_lng"`

	// Optional fixed position of this device. When nil the default is used.
	Lat *float64 `json:"lat,omitempty"`
	Lng *float64 `json:"lng,omitempty"`

	TimeoutSec int `json:"timeout_seconds"`
}

type Camps struct {
	// JSON file with [{"id","name","purpose"}]. Relative to the peer directory.
	File string `json:"file"`
	// HTTP endpoint returning the same JSON shape.
	URL string `json:"url"`
}

type Outbox struct {
	DrainPolicy string `json:"drain_policy"` // best_effort | retain_failed
}

type Connectivity struct {
	// When false the daemon only changes state through POST /api/connectivity.
	Probe            bool `json:"probe"`
	ProbeIntervalSec int  `json:"probe_interval_seconds"`
	ProbeTimeoutSec  int  `json:"probe_timeout_seconds"`
}

type Bus struct {
	// Bridge the local bus to sibling processes sharing the data directory.
	Bridge bool   `json:"bridge"`
	Dir    string `json:"dir"`
	Topic  string `json:"topic"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Storage: Storage{
			DataDir: "data",
		},
		Relays: Relays{
			URLs: []string{
				"wss://relay.damus.io",
				"wss://nos.lol",
				"wss://relay.nostr.band",
			},
			Namespace:         "idcs",
			SinceHours:        24,
			PublishTimeoutSec: 10,
			ConnectWaitSec:    2,
		},
		Location: Location{
			DefaultLat: 26.1388,
			DefaultLng: 91.6625,
			TimeoutSec: 5,
		},
		Outbox: Outbox{
			DrainPolicy: DrainBestEffort,
		},
		Connectivity: Connectivity{
			Probe:            true,
			ProbeIntervalSec: 5,
			ProbeTimeoutSec:  3,
		},
		Bus: Bus{
			Bridge: true,
			Dir:    "data/bus",
			Topic:  "reliefmesh.bus.v1",
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8790",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return errors.New("storage.data_dir is required")
	}

	// Relays
	if len(c.Relays.URLs) == 0 {
		return errors.New("relays.urls must list at least one relay")
	}
	for _, r := range c.Relays.URLs {
		if err := validateRelayURL(r); err != nil {
			return fmt.Errorf("relays.urls: %s: %w", r, err)
		}
	}
	if strings.TrimSpace(c.Relays.Namespace) == "" {
		return errors.New("relays.namespace is required")
	}
	if strings.ContainsAny(c.Relays.Namespace, " \t") {
		return errors.New("relays.namespace must not contain whitespace")
	}
	if c.Relays.SinceHours <= 0 {
		return errors.New("relays.since_hours must be > 0")
	}
	if c.Relays.PublishTimeoutSec <= 0 {
		return errors.New("relays.publish_timeout_seconds must be > 0")
	}
	if c.Relays.ConnectWaitSec <= 0 || c.Relays.ConnectWaitSec > 60 {
		return errors.New("relays.connect_wait_seconds must be 1..60")
	}

	// Location
	if !validLat(c.Location.DefaultLat) || !validLng(c.Location.DefaultLng) {
		return errors.New("location.default_lat/default_lng out of range")
	}
	if (c.Location.Lat == nil) != (c.Location.Lng == nil) {
		return errors.New("location.lat and location.lng must be set together")
	}
	if c.Location.Lat != nil && (!validLat(*c.Location.Lat) || !validLng(*c.Location.Lng)) {
		return errors.New("location.lat/lng out of range")
	}
	if c.Location.TimeoutSec <= 0 {
		return errors.New("location.timeout_seconds must be > 0")
	}

	// Camps
	if u := strings.TrimSpace(c.Camps.URL); u != "" {
		pu, err := url.Parse(u)
		if err != nil || (pu.Scheme != "http" && pu.Scheme != "https") || pu.Host == "" {
			return errors.New("camps.url must be an http(s) url")
		}
	}

	// Outbox
	switch c.Outbox.DrainPolicy {
	case DrainBestEffort, DrainRetainFailed:
	default:
		return fmt.Errorf("outbox.drain_policy must be %q or %q", DrainBestEffort, DrainRetainFailed)
	}

	// Connectivity
	if c.Connectivity.Probe {
		if c.Connectivity.ProbeIntervalSec <= 0 {
			return errors.New("connectivity.probe_interval_seconds must be > 0")
		}
		if c.Connectivity.ProbeTimeoutSec <= 0 {
			return errors.New("connectivity.probe_timeout_seconds must be > 0")
		}
		if c.Connectivity.ProbeTimeoutSec > c.Connectivity.ProbeIntervalSec {
			return errors.New("connectivity.probe_timeout_seconds must be <= probe_interval_seconds")
		}
	}

	// Bus
	if c.Bus.Bridge {
		if strings.TrimSpace(c.Bus.Dir) == "" {
			return errors.New("bus.dir is required when bus.bridge is enabled")
		}
		if strings.TrimSpace(c.Bus.Topic) == "" {
			return errors.New("bus.topic is required when bus.bridge is enabled")
		}
	}

	// Viewer
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	return nil
}

func validLat(v float64) bool { return !math.IsNaN(v) && v >= -90 && v <= 90 }
func validLng(v float64) bool { return !math.IsNaN(v) && v >= -180 && v <= 180 }

func validateRelayURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}

	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file without env overrides or validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(util.StripBOM(b), &cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, false, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, false, err
	}
	return cfg, true, nil
}
