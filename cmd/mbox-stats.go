package cmd

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/newsletter-archive/filter"
	"github.com/dhcgn/newsletter-archive/identity"
	"github.com/dhcgn/newsletter-archive/mbox"
	"github.com/dhcgn/newsletter-archive/message"
	"github.com/dhcgn/newsletter-archive/model"
	"github.com/dhcgn/newsletter-archive/stats"
)

var (
	reportDir string
	topN      int
)

const (
	keySubject  = "Subject"
	keyFrom     = "From"
	keyIdentity = "Identity"
)

var trackedKeys = []string{keyFrom, keySubject, keyIdentity}

var mboxStatsCmd = &cobra.Command{
	Use:   "mbox-stats [mbox file]",
	Short: "Analyse an mbox export: top senders, subjects and resent newsletters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mboxPath := args[0]

		fmt.Println("Analyzing mbox file:", mboxPath)

		includeHeader, err := cmd.Flags().GetStringArray("include-header")
		if err != nil {
			return err
		}
		excludeHeader, err := cmd.Flags().GetStringArray("exclude-header")
		if err != nil {
			return err
		}
		policyName, err := cmd.Flags().GetString("identity")
		if err != nil {
			return err
		}
		policy, err := identity.ParsePolicy(policyName)
		if err != nil {
			return err
		}

		f, err := filter.New(filter.Options{IncludeHeader: includeHeader, ExcludeHeader: excludeHeader})
		if err != nil {
			return fmt.Errorf("create filter: %w", err)
		}

		counter := make(map[string]map[string]int)
		for _, k := range trackedKeys {
			counter[k] = make(map[string]int)
		}

		messageCount := 0
		skippedCount := 0
		brokenCount := 0
		printStats := func() {
			// ANSI escape code to clear screen and move cursor to top-left
			fmt.Print("\033[H\033[2J")
			totalMessages := messageCount + skippedCount
			var filterPercent float64
			if totalMessages > 0 {
				filterPercent = float64(skippedCount) / float64(totalMessages) * 100
			}
			fmt.Printf("Processed %d messages (skipped %d by filters, %.2f%%, %d unreadable)...\n\n", messageCount, skippedCount, filterPercent, brokenCount)

			filterStats := f.Stats()
			if len(filterStats.IncludePatterns) > 0 {
				fmt.Println("Include Header Filters:")
				printFilterHits(filterStats.IncludePatterns, filterStats.Hits)
				fmt.Println()
			}
			if len(filterStats.ExcludePatterns) > 0 {
				fmt.Println("Exclude Header Filters:")
				printFilterHits(filterStats.ExcludePatterns, filterStats.Hits)
				fmt.Println()
			}
			if len(filterStats.IncludePatterns) > 0 || len(filterStats.ExcludePatterns) > 0 {
				fmt.Println("---")
				fmt.Println()
			}

			for _, key := range trackedKeys {
				fmt.Printf("Top %d %s:\n", topN, key)
				stats.PrettyPrintTop(counter[key], topN)
				fmt.Println()
			}
		}

		err = mbox.Read(cmd.Context(), mboxPath, func(_ int, raw []byte) error {
			header, err := message.ParseHeader(raw)
			if err != nil {
				brokenCount++
				return nil
			}
			if !f.Allows(header) {
				skippedCount++
				return nil
			}

			messageCount++
			count(counter, header, policy)

			if messageCount%250 == 0 {
				printStats()
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("error reading mbox file: %w", err)
		}

		printStats()

		if err := saveCSVReports(counter, trackedKeys, reportDir, 1000); err != nil {
			return fmt.Errorf("error saving CSV reports: %w", err)
		}

		fmt.Printf("\nReports saved to directory: %s\n", reportDir)
		return nil
	},
}

func init() {
	mboxStatsCmd.Flags().StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	mboxStatsCmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	rootCmd.AddCommand(mboxStatsCmd)
}

// count tallies one message. Identities seen more than once are resends that
// the archive collapses into a single record.
func count(counter map[string]map[string]int, h model.Header, policy identity.Policy) {
	if h.From != "" {
		counter[keyFrom][h.From]++
	}
	if h.Subject != "" {
		counter[keySubject][h.Subject]++
	}
	counter[keyIdentity][string(identity.Derive(h, policy))+" "+identity.NormalizeSubject(h.Subject)]++
}

func saveCSVReports(counter map[string]map[string]int, keys []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, key := range keys {
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeHeaderName(key)))
		if err := writeCSV(filePath, stats.Top(counter[key], limit)); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(path string, pairs []stats.Pair) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, p := range pairs {
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

func printFilterHits(patterns []string, hits map[string]int) {
	counts := make(map[string]int, len(patterns))
	for _, p := range patterns {
		counts[p] = hits[p]
	}
	for _, p := range stats.Top(counts, -1) {
		if p.Value > 0 {
			fmt.Printf("  ✓ %s: %d hits\n", p.Key, p.Value)
		} else {
			fmt.Printf("  ✗ %s: 0 hits\n", p.Key)
		}
	}
}
