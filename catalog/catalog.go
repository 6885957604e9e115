// Package catalog mirrors the archive's metadata documents into a SQLite database
// that index generators can query without walking the archive tree.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/dhcgn/newsletter-archive/model"
)

// Record is one archived message as stored in the catalog.
type Record struct {
	ID                 string `db:"id"`
	Subject            string `db:"subject"`
	Sender             string `db:"sender"`
	Platform           string `db:"platform"`
	ReceivedAt         string `db:"received_at"`
	ArchivedAt         string `db:"archived_at"`
	Preheader          string `db:"preheader"`
	ReadingTime        int    `db:"reading_time"`
	LinkCount          int    `db:"link_count"`
	PixelCount         int    `db:"pixel_count"`
	Forwarded          bool   `db:"forwarded"`
	SubjectLengthClass string `db:"subject_length_class"`
	UnsubscribeFound   bool   `db:"unsubscribe_found"`
}

// Run is the outcome of one synchronization.
type Run struct {
	ID           string `db:"id"`
	StartedAt    string `db:"started_at"`
	FinishedAt   string `db:"finished_at"`
	Source       string `db:"source"`
	Scanned      int    `db:"scanned"`
	Processed    int    `db:"processed"`
	UpToDate     int    `db:"up_to_date"`
	Skipped      int    `db:"skipped"`
	Deleted      int    `db:"deleted"`
	Failed       int    `db:"failed"`
	Incomplete   bool   `db:"incomplete"`
	ArchiveBytes int64  `db:"archive_bytes"`
}

type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the catalog at path and applies pending migrations.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(&tableCount, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// Sync replaces the catalog's records with metas, so records pruned from the
// archive disappear from the catalog too.
func (s *Store) Sync(ctx context.Context, metas []model.Metadata) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM records"); err != nil {
		return fmt.Errorf("clearing records: %w", err)
	}

	const query = `
		INSERT INTO records (
			id, subject, sender, platform,
			received_at, archived_at, preheader, reading_time,
			link_count, pixel_count, forwarded,
			subject_length_class, unsubscribe_found
		) VALUES (
			:id, :subject, :sender, :platform,
			:received_at, :archived_at, :preheader, :reading_time,
			:link_count, :pixel_count, :forwarded,
			:subject_length_class, :unsubscribe_found
		)`

	for _, m := range metas {
		if _, err := tx.NamedExecContext(ctx, query, FromMetadata(m)); err != nil {
			return fmt.Errorf("inserting record %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing records: %w", err)
	}
	return nil
}

// FromMetadata flattens a metadata document into a catalog row.
func FromMetadata(m model.Metadata) Record {
	return Record{
		ID:                 string(m.ID),
		Subject:            m.Subject,
		Sender:             m.Sender,
		Platform:           m.Platform,
		ReceivedAt:         formatTime(m.ReceivedAt),
		ArchivedAt:         formatTime(m.ArchivedAt),
		Preheader:          m.Preheader,
		ReadingTime:        m.ReadingTime,
		LinkCount:          len(m.Links),
		PixelCount:         len(m.Pixels),
		Forwarded:          m.Forwarded,
		SubjectLengthClass: m.Audit.SubjectLengthClass,
		UnsubscribeFound:   m.Audit.UnsubscribeFound,
	}
}

// RecordRun stores run and returns its generated id.
func (s *Store) RecordRun(ctx context.Context, run Run) (string, error) {
	run.ID = uuid.NewString()

	const query = `
		INSERT INTO runs (
			id, started_at, finished_at, source,
			scanned, processed, up_to_date, skipped, deleted, failed,
			incomplete, archive_bytes
		) VALUES (
			:id, :started_at, :finished_at, :source,
			:scanned, :processed, :up_to_date, :skipped, :deleted, :failed,
			:incomplete, :archive_bytes
		)`
	if _, err := s.db.NamedExecContext(ctx, query, run); err != nil {
		return "", fmt.Errorf("inserting run: %w", err)
	}
	return run.ID, nil
}

// Records lists records newest first. A non-positive limit returns all of them.
func (s *Store) Records(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	var out []Record
	err := s.db.SelectContext(ctx, &out, "SELECT * FROM records ORDER BY received_at DESC, id ASC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	return out, nil
}

// Runs lists runs, most recent first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	var out []Run
	err := s.db.SelectContext(ctx, &out, "SELECT * FROM runs ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return out, nil
}

// Platforms counts records per platform label.
func (s *Store) Platforms(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Platform string `db:"platform"`
		N        int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, "SELECT platform, COUNT(*) AS n FROM records GROUP BY platform"); err != nil {
		return nil, fmt.Errorf("counting platforms: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Platform] = r.N
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
