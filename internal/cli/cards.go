package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"qrattend/internal/config"
)

const cardsPage = 500

func newCardsCommand(root *RootOptions) *cobra.Command {
	var cardsDir string
	cmd := &cobra.Command{
		Use:   "cards",
		Short: "Re-render the credential cards of every enrolled person",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			deps, err := root.open(ctx, func(cfg *config.App) {
				if cardsDir != "" {
					cfg.CardOutputDir = cardsDir
				}
			})
			if err != nil {
				return err
			}
			defer deps.Close()

			renderer := deps.CardRenderer()
			written, failed := 0, 0
			for offset := 0; ; offset += cardsPage {
				persons, err := deps.Service.List(ctx, cardsPage, offset)
				if err != nil {
					return err
				}
				for _, p := range persons {
					if _, err := renderer.Render(ctx, p.Token); err != nil {
						deps.Log.Error("card failed", "register_no", p.RegisterNo, "err", err)
						failed++
						continue
					}
					written++
				}
				if len(persons) < cardsPage {
					break
				}
			}

			if root.JSON {
				return root.printJSON(cmd.OutOrStdout(), map[string]any{
					"cards": written, "failed": failed, "cardsDir": deps.Config.CardOutputDir,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d card(s) to %s\n", written, deps.Config.CardOutputDir)
			if failed > 0 {
				return fmt.Errorf("%d card(s) failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cardsDir, "cards-dir", "", "directory for rendered cards (default CARD_OUTPUT_DIR)")
	return cmd
}
