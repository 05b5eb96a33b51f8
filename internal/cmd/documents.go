package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/Iron-Ham/docmesh/internal/config"
	"github.com/Iron-Ham/docmesh/internal/storage"
	"github.com/spf13/cobra"
)

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "List stored documents",
	Long: `List the documents persisted in the configured SQLite database,
most recently stored first.`,
	Args: cobra.NoArgs,
	RunE: runDocuments,
}

func init() {
	rootCmd.AddCommand(documentsCmd)
}

func runDocuments(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !cfg.Storage.Enabled {
		return fmt.Errorf("storage is disabled (storage.enabled = false)")
	}

	db, err := storage.Open(cmd.Context(), storage.Config{Path: cfg.Storage.Path})
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	records, err := db.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No stored documents.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tUPDATED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%d\t%s\n", r.Name, r.Size, r.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}
