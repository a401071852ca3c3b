// Package config handles configuration for the client component: defaults
// overlaid by an optional JSON file. Command-line overrides are owned by the
// CLI layer, which binds its flags onto the loaded Config.
package config

import "time"

// Config holds runtime settings for the Tether client.
//
// Fields:
//   - ChannelURL: ws(s):// endpoint of the persistent channel.
//   - OriginURL: http(s):// origin whose pages the cache intermediary mediates.
//   - DatabasePath: SQLite file holding the session record and the cache.
//   - ServerPublicKey: base64 X25519 public key credentials are sealed to.
//   - ProxyAddr: local bind address for the offline proxy.
//   - DialTimeout: how long a channel dial may take.
type Config struct {
	ChannelURL      string
	OriginURL       string
	DatabasePath    string
	ServerPublicKey string
	ProxyAddr       string
	DialTimeout     time.Duration
}

// LoadDefaults populates c with sensible development defaults.
func (c *Config) LoadDefaults() {
	c.ChannelURL = "ws://127.0.0.1:8080/channel"
	c.OriginURL = "http://127.0.0.1:8080"
	c.DatabasePath = "tether.db"
	c.ServerPublicKey = ""
	c.ProxyAddr = "127.0.0.1:8090"
	c.DialTimeout = 5 * time.Second
}

// LoadConfig constructs a Config with defaults, then overlays values from
// the JSON file at jsonPath when it is non-empty.
func LoadConfig(jsonPath string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseJson(cfg, jsonPath); err != nil {
		return nil, err
	}
	return cfg, nil
}
