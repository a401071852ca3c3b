package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			db, store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := store.Clear(ctx); err != nil {
				return err
			}
			fmt.Println("Session cleared.")
			return nil
		},
	}
}
