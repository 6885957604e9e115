package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/newsletter-archive/config"
	"github.com/dhcgn/newsletter-archive/gmail"
	"github.com/dhcgn/newsletter-archive/imap"
	"github.com/dhcgn/newsletter-archive/inventory"
	"github.com/dhcgn/newsletter-archive/mbox"
	"github.com/dhcgn/newsletter-archive/progress"
	"github.com/dhcgn/newsletter-archive/runner"
	"github.com/dhcgn/newsletter-archive/stats"
)

var rootCmd = &cobra.Command{
	Use:          "newsletter-archive",
	Short:        "Mirror a newsletter mailbox into a local static archive",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := loadRuntime(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		logger.Info("starting newsletter-archive", "source", cfg.Source, "archive", cfg.ArchiveDir, "force", cfg.Force, "identity", cfg.IdentityPolicy)

		return run(cmd.Context(), cfg, logger)
	},
}

// Execute runs the CLI. SIGINT and SIGTERM cancel the run; records already
// committed stay valid.
func Execute() {
	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	src, err := openSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Debug("closing source", "err", err)
		}
	}()

	r, err := runner.New(ctx, cfg, src, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	stats.NewReporter(r, logger)
	if cfg.Progress {
		progress.NewProgressReporter(r, progress.New(cfg.LogLevel), logger)
	}

	return r.Start()
}

func loadRuntime(cmd *cobra.Command) (config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	logger, cleanup, err := setupLogger(cfg)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, cleanup, nil
}

func openSource(ctx context.Context, cfg config.Config, logger *slog.Logger) (inventory.Source, error) {
	switch cfg.Source {
	case config.SourceIMAP:
		src, err := imap.New(imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Folder:             cfg.Folder,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("imap.New: %w", err)
		}
		return src, nil
	case config.SourceMbox:
		src, err := mbox.New(mbox.Options{Path: cfg.MboxPath}, logger)
		if err != nil {
			return nil, fmt.Errorf("mbox.New: %w", err)
		}
		return src, nil
	case config.SourceGmail:
		src, err := gmail.New(ctx, gmail.Options{ConfigDir: cfg.GmailDir, Label: cfg.GmailLabel}, logger)
		if err != nil {
			return nil, fmt.Errorf("gmail.New: %w", err)
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown source %q", cfg.Source)
	}
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("newsletter-archive-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
