package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mkaverin/tether/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It relies on
// timex.Duration so JSON can specify intervals either as strings like "5s"
// or as integer nanoseconds.
type JsonConfig struct {
	ChannelURL      string         `json:"channel_url"`
	OriginURL       string         `json:"origin_url"`
	DatabasePath    string         `json:"database_path"`
	ServerPublicKey string         `json:"server_public_key"`
	ProxyAddr       string         `json:"proxy_addr"`
	DialTimeout     timex.Duration `json:"dial_timeout"`
}

// parseJson overlays cfg with values from the JSON file at path. An empty
// path is a no-op; fields absent from the file keep their current values.
func parseJson(cfg *Config, path string) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var jc JsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	if jc.ChannelURL != "" {
		cfg.ChannelURL = jc.ChannelURL
	}
	if jc.OriginURL != "" {
		cfg.OriginURL = jc.OriginURL
	}
	if jc.DatabasePath != "" {
		cfg.DatabasePath = jc.DatabasePath
	}
	if jc.ServerPublicKey != "" {
		cfg.ServerPublicKey = jc.ServerPublicKey
	}
	if jc.ProxyAddr != "" {
		cfg.ProxyAddr = jc.ProxyAddr
	}
	if jc.DialTimeout != 0 {
		cfg.DialTimeout = time.Duration(jc.DialTimeout)
	}
	return nil
}
