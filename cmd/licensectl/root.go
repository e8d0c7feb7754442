package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"licenseplatform/internal/config"
	"licenseplatform/internal/infrastructure"
	"licenseplatform/internal/license"
)

// RootOptions holds the flags shared by every subcommand.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

// NewRootCommand builds the licensectl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	cmd := &cobra.Command{
		Use:           "licensectl",
		Short:         "Issue and verify signed license files",
		SilenceErrors: true,
		SilenceUsage:  true,
		// One trace ID per invocation ties together the log lines of a run.
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SetContext(infrastructure.EnsureTraceID(cmd.Context()))
		},
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to config.yaml")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		NewIssueCommand(opts).Command(),
		NewVerifyCommand(opts).Command(),
		NewMachineCommand(opts).Command(),
		NewKeystoreCommand(opts).Command(),
	)
	return cmd
}

// load reads the configuration and builds a JSON logger on the command's
// stderr.
func (o *RootOptions) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, o.logger(cmd), nil
}

func (o *RootOptions) logger(cmd *cobra.Command) *slog.Logger {
	return infrastructure.WithComponent(infrastructure.NewLogger(cmd.ErrOrStderr(), o.LogLevel), "licensectl")
}

// RejectedError reports a license that failed validation. It makes the
// process exit with status 2 rather than 1.
type RejectedError struct {
	Kind license.Kind
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("license rejected: %s (%d)", e.Kind.Message(), e.Kind.Code())
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
