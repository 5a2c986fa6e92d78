package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newSessionCmd() *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:     "session",
		Short:   "Inspect and revoke user sessions",
		Aliases: []string{"sessions"},
	}

	getCmd := &cobra.Command{
		Use:   "get USER_ID",
		Short: "Show the user's current session record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			rec, err := c.GetSession(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get session: %w", err)
			}
			return render(cmd.OutOrStdout(), rec)
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke USER_ID",
		Short: "Force the user's session to sign out",
		Long: `Flags the user's session record inactive. The device holding the session
observes the change and signs out; the session id itself is left in place.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			if reason == "" {
				return errors.New("--reason is required")
			}
			c, err := apiClient()
			if err != nil {
				return err
			}
			rec, err := c.Revoke(cmd.Context(), args[0], reason)
			if err != nil {
				return fmt.Errorf("failed to revoke session: %w", err)
			}
			return render(cmd.OutOrStdout(), rec)
		},
	}
	revokeCmd.Flags().StringP("reason", "r", "", "reason shown to the signed-out user")

	sessionCmd.AddCommand(getCmd, revokeCmd)
	return sessionCmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete session records idle longer than the server's retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			res, err := c.Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to sweep: %w", err)
			}
			return render(cmd.OutOrStdout(), res)
		},
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the admin server and its store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			res, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), res)
		},
	}
}
