// Package config loads and validates the JSON config file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/parley-app/parley/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Relay    Relay    `json:"relay"`
	ICE      ICE      `json:"ice"`
	Media    Media    `json:"media"`
	Storage  Storage  `json:"storage"`
	Presence Presence `json:"presence"`
	Debug    bool     `json:"debug"`
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type Relay struct {
	// URL of the hosted signaling relay, e.g. "wss://relay.example.org".
	// Empty selects the in-process loopback relay (demo/testing).
	URL string `json:"url"`
}

type ICE struct {
	// STUNServers is the fixed ordered list used for candidate discovery.
	// No TURN fallback; direct/NAT-traversed connectivity only.
	STUNServers []string `json:"stun_servers"`
}

type Media struct {
	MaxWidth  int `json:"max_width"`
	MaxHeight int `json:"max_height"`
	BitRate   int `json:"bit_rate"`
}

type Storage struct {
	// DataDir holds the directory database. Relative to the working dir.
	DataDir string `json:"data_dir"`
}

type Presence struct {
	TTLSec       int `json:"ttl_seconds"`
	HeartbeatSec int `json:"heartbeat_seconds"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			DisplayName: "anonymous",
		},
		ICE: ICE{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
		},
		Media: Media{
			MaxWidth:  640,
			MaxHeight: 480,
			BitRate:   1_500_000,
		},
		Storage: Storage{
			DataDir: "data",
		},
		Presence: Presence{
			TTLSec:       30,
			HeartbeatSec: 10,
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}
	if strings.TrimSpace(c.Identity.DisplayName) == "" {
		return errors.New("identity.display_name is required")
	}

	if raw := strings.TrimSpace(c.Relay.URL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("relay.url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.New("relay.url must use ws:// or wss://")
		}
	}

	if len(c.ICE.STUNServers) == 0 {
		return errors.New("ice.stun_servers must not be empty")
	}
	for _, s := range c.ICE.STUNServers {
		if !strings.HasPrefix(s, "stun:") {
			return fmt.Errorf("ice.stun_servers: %q is not a stun: URI", s)
		}
	}

	if c.Media.MaxWidth <= 0 || c.Media.MaxHeight <= 0 {
		return errors.New("media.max_width and media.max_height must be > 0")
	}
	if c.Media.BitRate <= 0 {
		return errors.New("media.bit_rate must be > 0")
	}

	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return errors.New("storage.data_dir is required")
	}

	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 || c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be > 0 and below the TTL")
	}

	return nil
}

func Load(path string) (Config, error) {
	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := util.ReadJSONFile(path, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
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

// Ensure loads config if it exists; otherwise creates a default config file
// with a fresh user ID. Returns (cfg, createdNew, err).
func Ensure(path string, newUserID func() string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = newUserID()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
