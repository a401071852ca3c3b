package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkaverin/tether/internal/wire"
)

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show who the server thinks you are",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			c, err := connect(ctx, false)
			if err != nil {
				return err
			}
			defer c.close()

			// give a stored session a moment to resume first
			if rec, err := c.hs.CurrentSession(ctx); err == nil && rec != nil {
				_, _ = c.awaitOutcome(ctx, 10*time.Second)
			}

			var who wire.WhoAmI
			if err := c.mgr.Request(ctx, wire.EventWhoAmI, nil, &who); err != nil {
				return err
			}

			if who.Username == "" {
				fmt.Println("not authenticated")
				return nil
			}
			fmt.Printf("%s (%s)\n", who.Username, who.UserID)
			return nil
		},
	}
}
