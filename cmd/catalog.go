package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dhcgn/newsletter-archive/catalog"
	"github.com/dhcgn/newsletter-archive/config"
	"github.com/dhcgn/newsletter-archive/stats"
)

var (
	catalogLimit int
	catalogRuns  int
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List archived newsletters and recent runs from the SQLite catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := cmd.Flags().GetString("catalog")
		if err != nil {
			return err
		}
		if path == "" {
			archiveDir, err := cmd.Flags().GetString("archive-dir")
			if err != nil {
				return err
			}
			path = config.DefaultCatalogPath(archiveDir)
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("catalog %s: %w", path, err)
		}

		store, err := catalog.Open(path)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		records, err := store.Records(ctx, catalogLimit)
		if err != nil {
			return err
		}
		fmt.Printf("Newest %d records:\n", len(records))
		for _, r := range records {
			fmt.Printf("  %s  %s  %-20s  %s\n", r.ID, r.ReceivedAt, r.Platform, r.Subject)
		}
		fmt.Println()

		platforms, err := store.Platforms(ctx)
		if err != nil {
			return err
		}
		fmt.Println("Top platforms:")
		stats.PrettyPrintTop(platforms, 10)
		fmt.Println()

		runs, err := store.Runs(ctx, catalogRuns)
		if err != nil {
			return err
		}
		fmt.Println("Recent runs:")
		for _, r := range runs {
			flag := ""
			if r.Incomplete {
				flag = " (incomplete listing)"
			}
			fmt.Printf("  %s  %-5s  scanned=%d archived=%d up-to-date=%d deleted=%d failed=%d size=%dB%s\n",
				r.StartedAt, r.Source, r.Scanned, r.Processed, r.UpToDate, r.Deleted, r.Failed, r.ArchiveBytes, flag)
		}
		return nil
	},
}

func init() {
	catalogCmd.Flags().IntVar(&catalogLimit, "limit", 20, "Number of records to list, newest first")
	catalogCmd.Flags().IntVar(&catalogRuns, "runs", 5, "Number of runs to list")
	rootCmd.AddCommand(catalogCmd)
}
