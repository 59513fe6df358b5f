package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix of every environment override, e.g.
// RELIEFMESH_RELAYS=wss://a,wss://b or RELIEFMESH_HTTP_ADDR=:8790.
const EnvPrefix = "reliefmesh"

// envOverrides lists the settings that deployments commonly change without
// editing reliefmesh.json. Unset variables leave the file value alone.
type envOverrides struct {
	Relays      []string
	Namespace   string `split_words:"true"`
	HTTPAddr    string `split_words:"true"`
	Lat         *float64
	Lng         *float64
	CampsURL    string `split_words:"true"`
	CampsFile   string `split_words:"true"`
	DrainPolicy string `split_words:"true"`
	Probe       *bool
	BusBridge   *bool `split_words:"true"`
}

// ApplyEnv overlays RELIEFMESH_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("environment: %w", err)
	}

	if len(env.Relays) > 0 {
		cfg.Relays.URLs = env.Relays
	}
	if env.Namespace != "" {
		cfg.Relays.Namespace = env.Namespace
	}
	if env.HTTPAddr != "" {
		cfg.Viewer.HTTPAddr = env.HTTPAddr
	}
	if env.Lat != nil || env.Lng != nil {
		if env.Lat == nil || env.Lng == nil {
			return fmt.Errorf("environment: RELIEFMESH_LAT and RELIEFMESH_LNG must be set together")
		}
		cfg.Location.Lat = env.Lat
		cfg.Location.Lng = env.Lng
	}
	if env.CampsURL != "" {
		cfg.Camps.URL = env.CampsURL
	}
	if env.CampsFile != "" {
		cfg.Camps.File = env.CampsFile
	}
	if env.DrainPolicy != "" {
		cfg.Outbox.DrainPolicy = env.DrainPolicy
	}
	if env.Probe != nil {
		cfg.Connectivity.Probe = *env.Probe
	}
	if env.BusBridge != nil {
		cfg.Bus.Bridge = *env.BusBridge
	}
	return nil
}
