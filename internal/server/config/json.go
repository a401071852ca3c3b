package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/mkaverin/tether/internal/flagx"
	"github.com/mkaverin/tether/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling.
type JsonConfig struct {
	EndpointAddr            string         `json:"endpoint_addr"`
	DatabaseDSN             string         `json:"database_dsn"`
	RedisAddr               string         `json:"redis_addr"`
	SecretKey               string         `json:"secret_key"`
	PrivateKeyPath          string         `json:"private_key_path"`
	SessionValidityDuration timex.Duration `json:"session_validity_duration"`
}

// parseJson overlays Config with values loaded from a JSON file whose path
// is taken from the -c/-config flags. No file configured means no overlay.
// Panics on read or unmarshal errors, matching the fail-fast startup policy.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.EndpointAddr != "" {
		cfg.EndpointAddr = jc.EndpointAddr
	}
	if jc.DatabaseDSN != "" {
		cfg.DatabaseDSN = jc.DatabaseDSN
	}
	if jc.RedisAddr != "" {
		cfg.RedisAddr = jc.RedisAddr
	}
	if jc.SecretKey != "" {
		cfg.SecretKey = jc.SecretKey
	}
	if jc.PrivateKeyPath != "" {
		cfg.PrivateKeyPath = jc.PrivateKeyPath
	}
	if jc.SessionValidityDuration != 0 {
		cfg.SessionValidityDuration = time.Duration(jc.SessionValidityDuration)
	}
}
