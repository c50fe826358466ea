package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a valid API credential, refreshing if needed",
	Long: `Print the short-lived API credential to stdout for use in scripts,
refreshing the session first when the access token is close to expiry.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, cleanup, err := buildManager(nil)
		if err != nil {
			return err
		}
		defer cleanup()

		if !m.CheckAuthStatus().IsAuthenticated {
			return fmt.Errorf("not logged in, run `tokenfront login` first")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		s, err := m.EnsureFresh(ctx)
		if err != nil {
			return fmt.Errorf("refreshing session: %w", err)
		}
		if !s.UsableForClient(time.Now()) {
			return fmt.Errorf("no usable API credential, run `tokenfront login`")
		}

		fmt.Println(s.EphemeralKey)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}
