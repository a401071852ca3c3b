// Package cli implements the tether command-line client: interactive
// authentication over the channel, session resumption and the local
// offline-cache proxy.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/mkaverin/tether/internal/client/config"
)

var (
	cfgPath    string
	channelURL string
	originURL  string
	dbPath     string
	pubKey     string
	proxyAddr  string

	cfg *config.Config
)

func Execute() error {
	root := &cobra.Command{
		Use:           "tether",
		Short:         "Authenticated channel client with an offline page cache",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			// flags beat the config file
			if channelURL != "" {
				c.ChannelURL = channelURL
			}
			if originURL != "" {
				c.OriginURL = originURL
			}
			if dbPath != "" {
				c.DatabasePath = dbPath
			}
			if pubKey != "" {
				c.ServerPublicKey = pubKey
			}
			if proxyAddr != "" {
				c.ProxyAddr = proxyAddr
			}
			cfg = c
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to JSON config file")
	root.PersistentFlags().StringVar(&channelURL, "server", "", "ws(s):// endpoint of the channel")
	root.PersistentFlags().StringVar(&originURL, "origin", "", "http(s):// origin served by the cache proxy")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "path to the local SQLite database")
	root.PersistentFlags().StringVar(&pubKey, "pubkey", "", "base64 server public key credentials are sealed to")
	root.PersistentFlags().StringVar(&proxyAddr, "proxy-addr", "", "bind address of the offline proxy")

	root.AddCommand(loginCmd(), signupCmd(), resumeCmd(), logoutCmd(), whoamiCmd(), proxyCmd())
	return root.Execute()
}
