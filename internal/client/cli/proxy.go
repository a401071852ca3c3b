package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/mkaverin/tether/internal/client/cache"
	"github.com/mkaverin/tether/internal/client/localdb"
)

func proxyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proxy [path ...]",
		Short: "Serve the origin through the offline cache",
		Long: `Pre-warms the cache with the given origin paths (default "/") and then
serves the origin through a local stale-while-revalidate proxy. Cached pages
keep working when the origin is unreachable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			manifest := args
			if len(manifest) == 0 {
				manifest = []string{"/"}
			}

			db, err := localdb.Open(ctx, cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("opening local database: %w", err)
			}
			defer db.Close()

			inter, err := cache.New(cfg.OriginURL, http.DefaultTransport, cache.NewSQLiteStore(db), newLogger())
			if err != nil {
				return err
			}
			defer inter.Close()

			if err := inter.Install(ctx, manifest); err != nil {
				return fmt.Errorf("pre-warming cache: %w", err)
			}

			fmt.Printf("Serving %s on http://%s\n", cfg.OriginURL, cfg.ProxyAddr)
			return http.ListenAndServe(cfg.ProxyAddr, inter)
		},
	}
}
