package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewKeyCommand creates the key command group
func NewKeyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys for the REST and MCP endpoints",
	}

	var owner, description string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key and print it once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			token, err := a.keys.Create(cmd.Context(), owner, description)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, token)
			if !a.cfg.Auth.Enabled {
				fmt.Fprintln(os.Stderr, warnStyle.Render("auth.enabled is false; the server does not check keys"))
			}
			return nil
		},
	}
	create.Flags().StringVar(&owner, "owner", "default", "who the key belongs to")
	create.Flags().StringVar(&description, "description", "", "what the key is for")
	cmd.AddCommand(create)
	return cmd
}
