package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/pipectl/internal/config"
)

var errSyncNotConfigured = errors.New("tag sync is not configured: run pipectl configure --owner OWNER --repo REPO")

// ConfigureCmd returns the configure command
func ConfigureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Write the .pipectl/config.json for tag sync",
		Long: `Write the pipectl configuration to .pipectl/config.json in the
current directory.

The GitHub token is never stored; it is read at runtime from the
environment variable named by --token-env (default GITHUB_TOKEN).

Examples:
  pipectl configure --owner acme --repo pipeline
  pipectl configure --owner acme --repo pipeline --tag-prefix wf/ --token-env PIPE_TOKEN`,
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			repo, _ := cmd.Flags().GetString("repo")
			tokenEnv, _ := cmd.Flags().GetString("token-env")
			tagPrefix, _ := cmd.Flags().GetString("tag-prefix")

			if owner == "" || repo == "" {
				return fmt.Errorf("--owner and --repo are required")
			}

			cfg := &config.Config{
				Version:   "1",
				Owner:     owner,
				Repo:      repo,
				TokenEnv:  tokenEnv,
				TagPrefix: tagPrefix,
			}
			if err := config.SaveConfig(".", cfg); err != nil {
				return err
			}

			fmt.Printf("✓ Wrote .pipectl/config.json for %s/%s\n", owner, repo)
			return nil
		},
	}

	cmd.Flags().String("owner", "", "GitHub repository owner")
	cmd.Flags().String("repo", "", "GitHub repository name")
	cmd.Flags().String("token-env", "", "Environment variable holding the API token")
	cmd.Flags().String("tag-prefix", "", "Prefix for projected phase tags (default phase:)")

	return cmd
}
