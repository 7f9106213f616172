package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"qrattend/internal/attendance"
	"qrattend/internal/config"
	"qrattend/internal/queue"
	"qrattend/internal/roster"
)

type importOptions struct {
	format   string
	cardsDir string
	queue    bool
	dryRun   bool
}

type importResult struct {
	Report   attendance.EnrollReport `json:"report"`
	Cards    int                     `json:"cards"`
	Queued   int                     `json:"queued"`
	CardsDir string                  `json:"cardsDir,omitempty"`
	Failed   []string                `json:"failed,omitempty"`
}

func newImportCommand(root *RootOptions) *cobra.Command {
	opts := &importOptions{}
	cmd := &cobra.Command{
		Use:   "enroll <roster>",
		Short: "Enroll a roster and produce credential cards",
		Long: `Enroll every row of a CSV or XLSX roster with "name" and "register no"
columns. Each new person gets a token and a credential card; rows that are
blank, incomplete or already enrolled are reported and skipped.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, root, opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.format, "format", "", "roster format (csv|xlsx); guessed from the file name when empty")
	cmd.Flags().StringVar(&opts.cardsDir, "cards-dir", "", "directory for rendered cards (default CARD_OUTPUT_DIR)")
	cmd.Flags().BoolVar(&opts.queue, "queue", false, "queue card rendering for the worker instead of rendering here")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "parse and validate the roster without enrolling")
	return cmd
}

func runImport(cmd *cobra.Command, root *RootOptions, opts *importOptions, path string) error {
	ctx := cmd.Context()

	format := roster.Format(opts.format)
	if format == "" {
		var err error
		if format, err = roster.FormatFromName(path); err != nil {
			return err
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	rows, err := roster.Parse(f, format)
	f.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	if opts.dryRun {
		return printRows(cmd, root, rows)
	}

	deps, err := root.open(ctx, func(cfg *config.App) {
		if opts.cardsDir != "" {
			cfg.CardOutputDir = opts.cardsDir
		}
	})
	if err != nil {
		return err
	}
	defer deps.Close()
	if opts.queue && deps.Config.QueueBackend != "redis" {
		return errors.New("--queue needs QUEUE_BACKEND=redis so a worker can pick the jobs up")
	}

	report, enrollErr := deps.Service.Enroll(ctx, roster.Enrollees(rows))
	res := importResult{Report: report}

	if opts.queue {
		for _, p := range report.Persons {
			if err := deps.Queue.Publish(ctx, queue.RenderCard(p.Token)); err != nil {
				res.Failed = append(res.Failed, p.RegisterNo)
				continue
			}
			res.Queued++
		}
	} else {
		res.CardsDir = deps.Config.CardOutputDir
		renderer := deps.CardRenderer()
		for _, p := range report.Persons {
			if _, err := renderer.Render(ctx, p.Token); err != nil {
				deps.Log.Error("card failed", "register_no", p.RegisterNo, "err", err)
				res.Failed = append(res.Failed, p.RegisterNo)
				continue
			}
			res.Cards++
		}
	}

	if err := printImport(cmd, root, res); err != nil {
		return err
	}
	if enrollErr != nil {
		return enrollErr
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d card(s) failed", len(res.Failed))
	}
	return nil
}

func printRows(cmd *cobra.Command, root *RootOptions, rows []roster.Row) error {
	type checked struct {
		roster.Row
		Error string `json:",omitempty"`
	}
	out := make([]checked, 0, len(rows))
	lines := make([][]any, 0, len(rows))
	for _, r := range rows {
		c := checked{Row: r}
		status := "ok"
		if err := r.Validate(); err != nil {
			c.Error = err.Error()
			status = "invalid"
		}
		out = append(out, c)
		lines = append(lines, []any{r.Line, r.RegisterNo, r.Name, status, c.Error})
	}
	if root.JSON {
		return root.printJSON(cmd.OutOrStdout(), out)
	}
	return tableOut(cmd, "LINE\tREGISTER NO\tNAME\tSTATUS\tREASON", lines)
}

func printImport(cmd *cobra.Command, root *RootOptions, res importResult) error {
	w := cmd.OutOrStdout()
	if root.JSON {
		return root.printJSON(w, res)
	}
	rows := make([][]any, 0, len(res.Report.Rows))
	for _, r := range res.Report.Rows {
		rows = append(rows, []any{r.Line, r.RegisterNo, r.Name, r.Result, r.Reason})
	}
	if err := tableOut(cmd, "LINE\tREGISTER NO\tNAME\tRESULT\tREASON", rows); err != nil {
		return err
	}
	fmt.Fprintf(w, "\ncreated %d, duplicate %d, invalid %d\n",
		res.Report.Created, res.Report.Duplicate, res.Report.Invalid)
	switch {
	case res.Queued > 0:
		fmt.Fprintf(w, "queued %d card(s)\n", res.Queued)
	case res.Cards > 0:
		fmt.Fprintf(w, "wrote %d card(s) to %s\n", res.Cards, res.CardsDir)
	}
	return nil
}

func tableOut(cmd *cobra.Command, header string, rows [][]any) error {
	return table(cmd.OutOrStdout(), header, rows)
}
