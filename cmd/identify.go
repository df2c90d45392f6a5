package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookmeta/internal/lookup"
)

type queryFlags struct {
	isbn    string
	title   string
	authors []string
	timeout time.Duration
}

func (f queryFlags) query() (lookup.Query, error) {
	q := lookup.Query{Title: strings.TrimSpace(f.title)}
	if isbn := strings.TrimSpace(f.isbn); isbn != "" {
		q.Identifiers = map[string]string{lookup.IdentifierISBN: isbn}
	}
	for _, a := range f.authors {
		if a = strings.TrimSpace(a); a != "" {
			q.Authors = append(q.Authors, a)
		}
	}
	if q.ISBN() == "" && !q.HasText() {
		return lookup.Query{}, errors.New("one of --isbn, --title or --author is required")
	}
	return q, nil
}

// newIdentifyCmd creates the 'identify' subcommand, which runs one lookup
// pass and prints one JSON record per line, best match first.
func newIdentifyCmd() *cobra.Command {
	var flags queryFlags
	cmd := &cobra.Command{
		Use:   "identify",
		Short: "Look up book metadata",
		Long: `Looks the book up by ISBN on the configured site and, with --discover,
through a search engine using the title and authors. Records are printed as
JSON lines sorted by relevance rank.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			query, err := flags.query()
			if err != nil {
				return err
			}

			records, report := appInstance.Identify(cmd.Context(), query, flags.timeout)
			appInstance.Logger().Info("identify finished",
				zap.String("lookup_id", report.LookupID.String()),
				zap.Int("candidates", len(report.Candidates)),
				zap.Int("records", len(records)),
				zap.Bool("aborted", report.Aborted),
			)

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, rec := range records {
				if err := enc.Encode(rec); err != nil {
					return fmt.Errorf("write record: %w", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.isbn, "isbn", "", "ISBN to look up")
	cmd.Flags().StringVar(&flags.title, "title", "", "book title, used by discovery")
	cmd.Flags().StringSliceVar(&flags.authors, "author", nil, "author name, used by discovery (repeatable)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "per-fetch timeout (default lookup.timeout_seconds)")
	cmd.Flags().Bool("discover", false, "also search for candidates by title and author")
	cmd.Flags().String("site", "", "site profile to query (default from config)")
	return cmd
}
