package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"icalsynchub/internal/config"
	"icalsynchub/internal/fileutil"
)

const sourcesTemplate = `# One calendar URL per line. Text after the first '#' on a URL line is the
# label shown instead of event titles when show_details is false.
#
# https://calendar.example.com/team.ics#Team
# webcal://calendar.example.com/holidays.ics
`

// NewInitCommand creates the init command, which writes a starter config
// and an empty source list next to it.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file and source list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := rootOpts.ConfigPath
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			cfg := defaultInitConfig()
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)

			sources := cfg.SourcesFile
			if !filepath.IsAbs(sources) {
				sources = filepath.Join(filepath.Dir(path), sources)
			}
			if _, err := os.Stat(sources); errors.Is(err, fs.ErrNotExist) {
				if err := fileutil.WriteFileAtomic(sources, []byte(sourcesTemplate), 0o644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", sources)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func defaultInitConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.OutputPath = "public"
	cfg.CacheDir = "cache"
	cfg.Listen = "127.0.0.1:8080"
	return cfg
}
