package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhcgn/newsletter-archive/model"
	"github.com/dhcgn/newsletter-archive/runner"
)

var planLimit int

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Enumerate the mailbox and show what a sync would do, without changing the archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := loadRuntime(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		src, err := openSource(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer src.Close()

		r, err := runner.New(cmd.Context(), cfg, src, logger)
		if err != nil {
			return fmt.Errorf("runner.New: %w", err)
		}

		remote, plan, err := r.Preview(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Mailbox: %d scanned, %d filtered out, %d failed, %d identities (%d resends collapsed)\n\n",
			remote.Scanned, remote.Filtered, remote.Failed, len(remote.ByIdentity), remote.Superseded)

		printSet("To archive", plan.ToProcess, func(id model.Identity) string { return remote.Headers[id].Subject })
		printSet("To delete", plan.ToDelete, nil)
		if remote.Incomplete {
			printSet("Deletions withheld (incomplete listing)", plan.Withheld, nil)
		}
		fmt.Printf("Up to date: %d\n", len(plan.UpToDate))
		return nil
	},
}

func init() {
	planCmd.Flags().IntVar(&planLimit, "show", 20, "Maximum number of identities listed per set")
	rootCmd.AddCommand(planCmd)
}

func printSet(title string, ids []model.Identity, label func(model.Identity) string) {
	fmt.Printf("%s: %d\n", title, len(ids))
	for i, id := range ids {
		if planLimit >= 0 && i >= planLimit {
			fmt.Printf("  ... %d more\n", len(ids)-i)
			break
		}
		if label != nil {
			fmt.Printf("  %s  %s\n", id, label(id))
			continue
		}
		fmt.Printf("  %s\n", id)
	}
	fmt.Println()
}
