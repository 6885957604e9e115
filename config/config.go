package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhcgn/newsletter-archive/credential"
	"github.com/dhcgn/newsletter-archive/identity"
)

const EnvPrefix = "NLARCHIVE"

const (
	SourceIMAP  = "imap"
	SourceMbox  = "mbox"
	SourceGmail = "gmail"
)

// Config captures all options of a synchronization run.
type Config struct {
	Source string

	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string

	MboxPath string

	GmailDir   string
	GmailLabel string

	ArchiveDir  string
	CatalogPath string
	NoCatalog   bool

	BatchSize         int
	Force             bool
	IdentityPolicy    identity.Policy
	LinkConcurrency   int
	AssetWorkers      int
	MaxHops           int
	HTTPTimeout       time.Duration
	FetchTimeout      time.Duration
	RequestsPerSecond float64
	UserAgent         string
	Retries           int
	RulesFile         string

	IncludeHeader []string
	ExcludeHeader []string

	LogLevel string
	LogDir   string
	Progress bool
}

// passwordLookup reads the IMAP password from the keyring. Tests replace it.
var passwordLookup = func(user string) (string, error) {
	dir, err := CredentialDir()
	if err != nil {
		return "", err
	}
	store, err := credential.Open(dir)
	if err != nil {
		return "", err
	}
	return store.Password(SourceIMAP, user)
}

// RegisterFlags attaches all CLI flags to the provided command. They are
// persistent so every subcommand reads the same configuration.
func RegisterFlags(cmd *cobra.Command) error {
	defaultArchiveDir, err := defaultArchiveDir()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to a YAML/TOML/JSON config file with the same keys as the flags")
	flags.String("source", SourceIMAP, "Mailbox source: imap, mbox or gmail")

	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var, then the OS keyring)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("folder", "INBOX", "IMAP folder (or Gmail label exposed over IMAP) holding the newsletters")

	flags.String("mbox", "", "Path to an .mbox export (source=mbox)")

	flags.String("gmail-dir", "", "Directory with client_secret.json and token.json (source=gmail)")
	flags.String("gmail-label", "INBOX", "Gmail label name or id (source=gmail)")

	flags.String("archive-dir", defaultArchiveDir, "Directory holding one folder per archived newsletter")
	flags.String("catalog", "", "SQLite catalog path (default: catalog.db next to the archive directory)")
	flags.Bool("no-catalog", false, "Do not update the SQLite catalog after a run")

	flags.Int("batch-size", 0, "Maximum number of messages processed per run (0 = unlimited)")
	flags.Bool("force", false, "Reprocess every message even if its record exists")
	flags.String("identity", string(identity.PolicySubject), "Identity policy: subject (collapse resends) or strict (subject+date+message-id)")
	flags.Int("link-concurrency", 8, "Parallel redirect resolutions per message")
	flags.Int("asset-workers", 5, "Parallel image downloads per message")
	flags.Int("max-hops", 15, "Maximum length of a redirect chain")
	flags.Duration("http-timeout", 10*time.Second, "Timeout of every outbound HTTP request")
	flags.Duration("fetch-timeout", 60*time.Second, "Timeout of every single mailbox header or message fetch")
	flags.Float64("requests-per-second", 0, "Global outbound HTTP rate limit (0 = unlimited)")
	flags.String("user-agent", "", "User-Agent for outbound requests (default: desktop browser)")
	flags.Int("retries", 2, "Retries for transient mailbox fetch failures")
	flags.String("rules", "", "YAML file overriding the built-in tracking/platform rule tables")

	flags.StringArray("include-header", nil, "Regex allow-list applied to Subject/From/Date/Message-Id (mutually exclusive with exclude)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to Subject/From/Date/Message-Id (mutually exclusive with include)")

	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for an additional log file")
	flags.Bool("progress", true, "Show a progress bar when logging at info level")

	return nil
}

// LoadConfig merges flags, NLARCHIVE_* environment variables and the optional
// config file (in that order of precedence) into a validated Config.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	policy, err := identity.ParsePolicy(v.GetString("identity"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Source:             strings.ToLower(strings.TrimSpace(v.GetString("source"))),
		IMAPHost:           v.GetString("imap-host"),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           v.GetString("imap-user"),
		IMAPPass:           v.GetString("imap-pass"),
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		Folder:             v.GetString("folder"),
		MboxPath:           v.GetString("mbox"),
		GmailDir:           v.GetString("gmail-dir"),
		GmailLabel:         v.GetString("gmail-label"),
		ArchiveDir:         v.GetString("archive-dir"),
		CatalogPath:        v.GetString("catalog"),
		NoCatalog:          v.GetBool("no-catalog"),
		BatchSize:          v.GetInt("batch-size"),
		Force:              v.GetBool("force"),
		IdentityPolicy:     policy,
		LinkConcurrency:    v.GetInt("link-concurrency"),
		AssetWorkers:       v.GetInt("asset-workers"),
		MaxHops:            v.GetInt("max-hops"),
		HTTPTimeout:        v.GetDuration("http-timeout"),
		FetchTimeout:       v.GetDuration("fetch-timeout"),
		RequestsPerSecond:  v.GetFloat64("requests-per-second"),
		UserAgent:          v.GetString("user-agent"),
		Retries:            v.GetInt("retries"),
		RulesFile:          v.GetString("rules"),
		IncludeHeader:      v.GetStringSlice("include-header"),
		ExcludeHeader:      v.GetStringSlice("exclude-header"),
		LogLevel:           v.GetString("log-level"),
		LogDir:             v.GetString("log-dir"),
		Progress:           v.GetBool("progress"),
	}

	if cfg.Source == SourceIMAP && cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("IMAP_PASS")
	}
	if cfg.Source == SourceIMAP && cfg.IMAPPass == "" && cfg.IMAPUser != "" {
		if pass, err := passwordLookup(cfg.IMAPUser); err == nil {
			cfg.IMAPPass = pass
		}
	}

	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir, err = defaultArchiveDir()
		if err != nil {
			return Config{}, err
		}
	}
	cfg.ArchiveDir = filepath.Clean(cfg.ArchiveDir)
	if cfg.CatalogPath == "" {
		cfg.CatalogPath = DefaultCatalogPath(cfg.ArchiveDir)
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	switch cfg.Source {
	case SourceIMAP:
		if cfg.IMAPHost == "" {
			return fmt.Errorf("--imap-host is required")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass, IMAP_PASS env var or the OS keyring")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	case SourceMbox:
		if cfg.MboxPath == "" {
			return fmt.Errorf("--mbox is required")
		}
	case SourceGmail:
		if cfg.GmailDir == "" {
			return fmt.Errorf("--gmail-dir is required")
		}
	default:
		return fmt.Errorf("invalid --source: %s", cfg.Source)
	}

	if len(cfg.IncludeHeader) > 0 && len(cfg.ExcludeHeader) > 0 {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}
	if cfg.BatchSize < 0 {
		return fmt.Errorf("--batch-size must not be negative")
	}
	if cfg.MaxHops < 1 {
		return fmt.Errorf("--max-hops must be at least 1")
	}
	if cfg.LinkConcurrency < 1 || cfg.AssetWorkers < 1 {
		return fmt.Errorf("--link-concurrency and --asset-workers must be at least 1")
	}
	if cfg.HTTPTimeout <= 0 {
		return fmt.Errorf("--http-timeout must be positive")
	}
	if cfg.FetchTimeout <= 0 {
		return fmt.Errorf("--fetch-timeout must be positive")
	}
	if cfg.Retries < 0 {
		return fmt.Errorf("--retries must not be negative")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func defaultBaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".newsletter-archive"), nil
}

// DefaultCatalogPath places the catalog next to the archive directory, outside
// the folder the viewer generator reads.
func DefaultCatalogPath(archiveDir string) string {
	return filepath.Join(filepath.Dir(filepath.Clean(archiveDir)), "catalog.db")
}

// CredentialDir holds the encrypted keyring file used when no OS keyring is available.
func CredentialDir() (string, error) {
	base, err := defaultBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "credentials"), nil
}

func defaultArchiveDir() (string, error) {
	base, err := defaultBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "archive"), nil
}
