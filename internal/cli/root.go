// Package cli implements the enroll command line tool.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"qrattend/internal/app"
	"qrattend/internal/config"
	"qrattend/internal/log"
)

// Env resolves configuration and opens dependencies for a command.
type Env struct {
	Config func(ctx context.Context) (config.App, error)
	Open   func(ctx context.Context, cfg config.App) (*app.Deps, error)
}

// DefaultEnv reads configuration from the environment and opens the
// configured backends.
func DefaultEnv() Env {
	return Env{
		Config: config.Load,
		Open: func(ctx context.Context, cfg config.App) (*app.Deps, error) {
			return app.Open(ctx, cfg, log.New("enroll", cfg.Env), nil)
		},
	}
}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	JSON bool
	env  Env
}

// NewRootCommand creates the enroll command. Invoked with a roster file it
// enrolls every row; subcommands cover card re-rendering and token issuing.
func NewRootCommand(env Env) *cobra.Command {
	opts := &RootOptions{env: env}

	cmd := newImportCommand(opts)
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "print results as JSON")

	cmd.AddCommand(newCardsCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	return cmd
}

// open loads configuration, lets adjust change it, and opens dependencies.
func (o *RootOptions) open(ctx context.Context, adjust func(*config.App)) (*app.Deps, error) {
	cfg, err := o.env.Config(ctx)
	if err != nil {
		return nil, err
	}
	if adjust != nil {
		adjust(&cfg)
	}
	return o.env.Open(ctx, cfg)
}

func (o *RootOptions) printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func table(w io.Writer, header string, rows [][]any) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, header)
	for _, r := range rows {
		for i, v := range r {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, v)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}
