// Package cli implements areactl, the operator command line for an AREA
// deployment. Store-backed commands open the SQLite database directly;
// tick goes through the management API of a running engine.
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/area/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	DBPath  string
	Server  string
	APIKey  string
	Format  string // "text" | "json"
	Verbose bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the areactl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "areactl",
		Short: "Operate an AREA trigger/reaction engine",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", envOr("DB_PATH", "area.db"), "path to the SQLite database")
	cmd.PersistentFlags().StringVar(&opts.Server, "server", envOr("AREA_SERVER", "http://localhost:8090"), "management API base URL")
	cmd.PersistentFlags().StringVar(&opts.APIKey, "api-key", os.Getenv("MGMT_API_KEY"), "management API key or JWT")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewAreasCommand(opts))
	cmd.AddCommand(NewExecutionsCommand(opts))
	cmd.AddCommand(NewPruneCommand(opts))
	cmd.AddCommand(NewCatalogCommand(opts))
	cmd.AddCommand(NewTickCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (o *RootOptions) logger(cmd *cobra.Command) zerolog.Logger {
	if !o.Verbose {
		return zerolog.Nop()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).With().Timestamp().Logger()
}

func (o *RootOptions) openStore(cmd *cobra.Command) (*store.Store, error) {
	if _, err := os.Stat(o.DBPath); err != nil {
		return nil, fmt.Errorf("database %s: %w", o.DBPath, err)
	}
	return store.New(o.DBPath, o.logger(cmd))
}
