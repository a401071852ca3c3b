package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkaverin/tether/internal/common"
	"github.com/mkaverin/tether/internal/wire"
)

const outcomeTimeout = 30 * time.Second

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <username>",
		Short: "Authenticate with an existing account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return authenticate(cmd.Context(), wire.ActionLogin, args[0])
		},
	}
}

func signupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signup <username>",
		Short: "Create an account and authenticate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return authenticate(cmd.Context(), wire.ActionSignup, args[0])
		},
	}
}

func authenticate(ctx context.Context, action int, username string) error {
	// reject bad input before prompting or generating traffic
	if err := common.ValidateUsername(username); err != nil {
		return err
	}

	password, err := GetPassword(os.Stdout)
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}
	defer common.WipeByteArray(password)

	c, err := connect(ctx, true)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.hs.Submit(ctx, action, username, password); err != nil {
		return err
	}

	o, err := c.awaitOutcome(ctx, outcomeTimeout)
	if err != nil {
		return err
	}
	if !o.Pass {
		return errors.New(o.Notice())
	}

	fmt.Printf("Authenticated as %s. Session stored.\n", username)
	return nil
}
