package config

import (
	"flag"
	"os"
	"time"

	"github.com/mkaverin/tether/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   bind address of the channel endpoint (default from Config)
//	-d string   PostgreSQL DSN
//	-r string   Redis address
//	-s string   HMAC secret for session tokens
//	-k string   path to the X25519 private key file
//	-t int      session validity in seconds
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-r", "-s", "-k", "-t"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.EndpointAddr, "a", cfg.EndpointAddr, "bind address of the channel endpoint")
	fs.StringVar(&cfg.DatabaseDSN, "d", cfg.DatabaseDSN, "PostgreSQL DSN")
	fs.StringVar(&cfg.RedisAddr, "r", cfg.RedisAddr, "Redis address")
	fs.StringVar(&cfg.SecretKey, "s", cfg.SecretKey, "HMAC secret for session tokens")
	fs.StringVar(&cfg.PrivateKeyPath, "k", cfg.PrivateKeyPath, "path to the X25519 private key file")
	sessionValidity := fs.Int("t", int(cfg.SessionValidityDuration.Seconds()), "session validity (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.SessionValidityDuration = time.Duration(*sessionValidity) * time.Second
}
