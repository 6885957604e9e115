package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/newsletter-archive/config"
	"github.com/dhcgn/newsletter-archive/credential"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the IMAP password of --imap-user in the OS keyring (read from stdin)",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := cmd.Flags().GetString("imap-user")
		if err != nil {
			return err
		}
		if user == "" {
			return fmt.Errorf("--imap-user is required")
		}

		fmt.Fprintf(os.Stderr, "Password for %s: ", user)
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		password := strings.TrimRight(line, "\r\n")
		if password == "" {
			return fmt.Errorf("empty password")
		}

		dir, err := config.CredentialDir()
		if err != nil {
			return err
		}
		store, err := credential.Open(dir)
		if err != nil {
			return err
		}
		if err := store.SetPassword(config.SourceIMAP, user, password); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "Password stored.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
}
