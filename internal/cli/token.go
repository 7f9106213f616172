package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"qrattend/internal/auth"
)

// newTokenCommand issues tokens offline with the configured signing key; it
// is how the first admin token is minted.
func newTokenCommand(root *RootOptions) *cobra.Command {
	var subject, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for a scanner station or operator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if role != auth.RoleScanner && role != auth.RoleAdmin {
				return fmt.Errorf("invalid role %q: must be %s or %s", role, auth.RoleScanner, auth.RoleAdmin)
			}
			cfg, err := root.env.Config(cmd.Context())
			if err != nil {
				return err
			}
			pair, err := auth.NewIssuer(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL).Issue(subject, role)
			if err != nil {
				return err
			}

			if root.JSON {
				return root.printJSON(cmd.OutOrStdout(), map[string]any{
					"access_token":  pair.AccessToken,
					"refresh_token": pair.RefreshToken,
					"expires_at":    pair.AccessExp.Unix(),
				})
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "access:  %s\n", pair.AccessToken)
			fmt.Fprintf(w, "refresh: %s\n", pair.RefreshToken)
			fmt.Fprintf(w, "expires: %s\n", pair.AccessExp.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "scanner station or operator id")
	cmd.Flags().StringVar(&role, "role", auth.RoleScanner, "scanner or admin")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
