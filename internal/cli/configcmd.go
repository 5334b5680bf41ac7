package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			shown := *a.cfg
			if shown.Server.APIKey != "" {
				shown.Server.APIKey = "<redacted>"
			}
			if shown.Data.ServiceKey != "" {
				shown.Data.ServiceKey = "<redacted>"
			}
			if shown.Redis.Password != "" {
				shown.Redis.Password = "<redacted>"
			}
			if shown.LLM.APIKey != "" {
				shown.LLM.APIKey = "<redacted>"
			}

			out, err := yaml.Marshal(&shown)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", a.configPath(), out)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), a.configPath())
		},
	})
	return cmd
}
