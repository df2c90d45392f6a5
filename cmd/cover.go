package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newCoverCmd creates the 'cover' subcommand, which downloads a cover image.
func newCoverCmd() *cobra.Command {
	var (
		flags queryFlags
		out   string
	)
	cmd := &cobra.Command{
		Use:   "cover",
		Short: "Download a book cover",
		Long: `Resolves the cover URL for the ISBN, running an identify pass when it is
not cached, and writes the image to --out ("-" for stdout).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if flags.isbn == "" {
				return errors.New("--isbn is required")
			}
			query, err := flags.query()
			if err != nil {
				return err
			}

			img, err := appInstance.Cover(cmd.Context(), query, flags.timeout)
			if err != nil {
				return err
			}
			if out == "-" {
				if _, err := cmd.OutOrStdout().Write(img.Data); err != nil {
					return fmt.Errorf("write cover: %w", err)
				}
				return nil
			}
			if err := os.WriteFile(out, img.Data, 0o600); err != nil {
				return fmt.Errorf("write cover: %w", err)
			}
			appInstance.Logger().Info("cover saved",
				zap.String("isbn", img.ISBN),
				zap.String("url", img.URL),
				zap.String("path", out),
				zap.Int("bytes", len(img.Data)),
			)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.isbn, "isbn", "", "ISBN of the book")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "per-fetch timeout (default lookup.timeout_seconds)")
	cmd.Flags().StringVar(&out, "out", "cover.jpg", `output file, or "-" for stdout`)
	cmd.Flags().String("site", "", "site profile to query (default from config)")
	return cmd
}
