package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/overseer/internal/store"
)

// newExportCmd creates the export command
func newExportCmd() *cobra.Command {
	var outputFile string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the task database as a JSON snapshot",
		Long: `Export every task, repository record, and persisted log line as a
single JSON snapshot for backup or migration to another machine.

Examples:
  overseer export                   # snapshot to stdout
  overseer export -o backup.json    # snapshot to file`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			var out io.Writer = os.Stdout
			if outputFile != "" {
				f, err := os.Create(outputFile)
				if err != nil {
					return fmt.Errorf("create %s: %w", outputFile, err)
				}
				defer f.Close()
				out = f
			}

			if err := st.Export(out); err != nil {
				return err
			}
			if outputFile != "" {
				fmt.Printf("Exported database to %s\n", outputFile)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "output path (default: stdout)")

	return cmd
}

// newImportCmd creates the import command
func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <snapshot.json>",
		Short: "Import a JSON snapshot into the task database",
		Long: `Import a snapshot produced by overseer export. Rows are upserted by
primary key, so importing the same snapshot twice is safe.

Example:
  overseer import backup.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			defer f.Close()

			if err := st.Import(f); err != nil {
				return err
			}
			fmt.Printf("Imported snapshot from %s\n", args[0])
			return nil
		},
	}

	return cmd
}
