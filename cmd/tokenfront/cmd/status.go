package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current authentication state",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, cleanup, err := buildManager(nil)
		if err != nil {
			return err
		}
		defer cleanup()

		status := m.CheckAuthStatus()
		if !status.IsAuthenticated {
			fmt.Println("Not logged in")
			return nil
		}

		s := m.CurrentSession()
		if s != nil && s.User != nil && s.User.Email != "" {
			fmt.Printf("Logged in as %s\n", s.User.Email)
		} else {
			fmt.Println("Logged in")
		}

		switch {
		case !status.HasTokens:
			fmt.Println("No live credentials: a refresh will run on next use")
		case status.NeedsRefresh:
			fmt.Println("Access token close to expiry: a refresh will run on next use")
		default:
			fmt.Printf("Access token valid until %s\n", s.AccessExpires.Local().Format(time.RFC1123))
		}
		if s != nil && s.EphemeralKey != "" {
			if time.Now().Before(s.EphemeralExpires) {
				fmt.Printf("API credential valid until %s\n", s.EphemeralExpires.Local().Format(time.RFC1123))
			} else {
				fmt.Println("API credential expired")
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
