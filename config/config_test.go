package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/newsletter-archive/identity"
)

func load(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	if err := RegisterFlags(cmd); err != nil {
		t.Fatalf("RegisterFlags() error = %v", err)
	}
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	return LoadConfig(cmd)
}

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("IMAP_PASS", "")
	for _, k := range []string{"NLARCHIVE_SOURCE", "NLARCHIVE_BATCH_SIZE", "NLARCHIVE_IMAP_PASS"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	orig := passwordLookup
	passwordLookup = func(string) (string, error) { return "", errors.New("no keyring in tests") }
	t.Cleanup(func() { passwordLookup = orig })
	return home
}

func TestLoadConfig_MboxDefaults(t *testing.T) {
	home := isolate(t)

	cfg, err := load(t, "--source", "mbox", "--mbox", "export.mbox")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	wantArchive := filepath.Join(home, ".newsletter-archive", "archive")
	if cfg.ArchiveDir != wantArchive {
		t.Errorf("ArchiveDir = %q, want %q", cfg.ArchiveDir, wantArchive)
	}
	if cfg.CatalogPath != filepath.Join(home, ".newsletter-archive", "catalog.db") {
		t.Errorf("CatalogPath = %q", cfg.CatalogPath)
	}
	if cfg.IdentityPolicy != identity.PolicySubject {
		t.Errorf("IdentityPolicy = %q", cfg.IdentityPolicy)
	}
	if cfg.BatchSize != 0 || cfg.MaxHops != 15 || cfg.LinkConcurrency != 8 || cfg.AssetWorkers != 5 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.FetchTimeout != time.Minute {
		t.Errorf("FetchTimeout = %s, want 1m", cfg.FetchTimeout)
	}
	if len(cfg.IncludeHeader) != 0 || len(cfg.ExcludeHeader) != 0 {
		t.Errorf("filters should be empty: %v %v", cfg.IncludeHeader, cfg.ExcludeHeader)
	}
}

func TestLoadConfig_EnvAndFlagPrecedence(t *testing.T) {
	isolate(t)
	t.Setenv("NLARCHIVE_BATCH_SIZE", "5")

	cfg, err := load(t, "--source", "mbox", "--mbox", "a.mbox")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BatchSize != 5 {
		t.Errorf("BatchSize from env = %d, want 5", cfg.BatchSize)
	}

	cfg, err = load(t, "--source", "mbox", "--mbox", "a.mbox", "--batch-size", "7")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BatchSize != 7 {
		t.Errorf("BatchSize from flag = %d, want 7", cfg.BatchSize)
	}
}

func TestLoadConfig_ConfigFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "archive.yaml")
	content := "source: mbox\nmbox: /data/news.mbox\nmax-hops: 3\nidentity: strict\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := load(t, "--config", path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Source != SourceMbox || cfg.MboxPath != "/data/news.mbox" || cfg.MaxHops != 3 || cfg.IdentityPolicy != identity.PolicyStrict {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadConfig_IMAPPassword(t *testing.T) {
	isolate(t)
	base := []string{"--imap-host", "imap.example.com", "--imap-user", "me"}

	if _, err := load(t, base...); err == nil || !strings.Contains(err.Error(), "password") {
		t.Fatalf("expected missing password error, got %v", err)
	}

	t.Setenv("IMAP_PASS", "from-env")
	cfg, err := load(t, base...)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.IMAPPass != "from-env" {
		t.Errorf("IMAPPass = %q", cfg.IMAPPass)
	}

	t.Setenv("IMAP_PASS", "")
	passwordLookup = func(user string) (string, error) { return "from-keyring-" + user, nil }
	cfg, err = load(t, base...)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.IMAPPass != "from-keyring-me" {
		t.Errorf("IMAPPass = %q", cfg.IMAPPass)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	isolate(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"imap host required", []string{"--imap-user", "me", "--imap-pass", "x"}, "--imap-host"},
		{"mbox path required", []string{"--source", "mbox"}, "--mbox"},
		{"gmail dir required", []string{"--source", "gmail"}, "--gmail-dir"},
		{"unknown source", []string{"--source", "pop3"}, "invalid --source"},
		{"filters exclusive", []string{"--source", "mbox", "--mbox", "a", "--include-header", "a", "--exclude-header", "b"}, "mutually exclusive"},
		{"identity policy", []string{"--source", "mbox", "--mbox", "a", "--identity", "fuzzy"}, "identity policy"},
		{"log level", []string{"--source", "mbox", "--mbox", "a", "--log-level", "trace"}, "--log-level"},
		{"negative batch", []string{"--source", "mbox", "--mbox", "a", "--batch-size", "-1"}, "--batch-size"},
		{"zero fetch timeout", []string{"--source", "mbox", "--mbox", "a", "--fetch-timeout", "0s"}, "--fetch-timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("LoadConfig() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfig_LogLevelAlias(t *testing.T) {
	isolate(t)
	cfg, err := load(t, "--source", "mbox", "--mbox", "a", "--log-level", "WARNING")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}
