package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/coditime/accounts"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Account administration",
}

func banCommand(use, short string, banned bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id-or-username>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if errors.Is(err, errConfigCreated) {
				return nil
			}
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Logging, cmd.ErrOrStderr())
			store, err := openStore(cmd.Context(), cfg.Database, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			svc := accounts.New(store, accounts.WithLogger(logger))
			u, err := svc.LookupUser(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("looking up %q: %w", args[0], err)
			}
			if err := svc.SetBanned(cmd.Context(), u.ID, banned); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (id %d)\n", use+"ned", u.Username, u.ID)
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(
		banCommand("ban", "Ban an account and revoke its API keys", true),
		banCommand("unban", "Lift a ban", false),
	)
}
