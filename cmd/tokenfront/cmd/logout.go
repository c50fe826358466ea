package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear stored session state",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, cleanup, err := buildManager(nil)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := m.SignOut(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Signed out")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}
