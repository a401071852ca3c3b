package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Silently resume the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			c, err := connect(ctx, false)
			if err != nil {
				return err
			}
			defer c.close()

			rec, err := c.hs.CurrentSession(ctx)
			if err != nil {
				return err
			}
			if rec == nil {
				return errors.New("no stored session; run login first")
			}

			o, err := c.awaitOutcome(ctx, 10*time.Second)
			if err != nil {
				// a discarded session produces no outcome at all
				rec, loadErr := c.hs.CurrentSession(ctx)
				if loadErr == nil && rec == nil {
					return errors.New("stored session is no longer valid; run login")
				}
				return err
			}
			if !o.Pass {
				return errors.New(o.Notice())
			}

			fmt.Println("Session resumed.")
			return nil
		},
	}
}
