// Package store persists delivered emails to a local SQLite database.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailsync/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
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

// emailRow is the database shape of a stored email.
type emailRow struct {
	UUID               string    `db:"uuid"`
	Folder             string    `db:"folder"`
	Origin             string    `db:"origin"`
	Subject            string    `db:"subject"`
	FromUser           string    `db:"from_user"`
	ToUser             string    `db:"to_user"`
	Date               time.Time `db:"date"`
	Body               string    `db:"body"`
	ContentType        string    `db:"content_type"`
	Charset            string    `db:"charset"`
	AttachmentsPresent bool      `db:"attachments_present"`
	MessageID          string    `db:"message_id"`
	ThreadID           string    `db:"thread_id"`
}

func (r emailRow) toEmail() model.Email {
	return model.Email{
		Folder:             r.Folder,
		Origin:             model.Origin(r.Origin),
		Subject:            r.Subject,
		From:               r.FromUser,
		To:                 r.ToUser,
		Date:               r.Date,
		Body:               r.Body,
		ContentType:        r.ContentType,
		Charset:            r.Charset,
		AttachmentsPresent: r.AttachmentsPresent,
		MessageID:          r.MessageID,
		ThreadID:           r.ThreadID,
	}
}

// SaveEmail inserts one delivered email with a fresh row id.
func (s *SQLiteStore) SaveEmail(ctx context.Context, em model.Email) error {
	const query = `
		INSERT INTO emails (
			uuid, folder, origin, subject,
			from_user, to_user, date, body,
			content_type, charset, attachments_present,
			message_id, thread_id
		) VALUES (
			?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?,
			?, ?
		)`

	_, err := s.db.ExecContext(ctx, query,
		uuid.NewString(), em.Folder, string(em.Origin), em.Subject,
		em.From, em.To, em.Date.UTC(), em.Body,
		em.ContentType, em.Charset, em.AttachmentsPresent,
		em.MessageID, em.ThreadID,
	)
	if err != nil {
		return fmt.Errorf("inserting email %q: %w", em.MessageID, err)
	}
	return nil
}

// ListEmails retrieves stored emails matching the filter, newest first.
func (s *SQLiteStore) ListEmails(
	ctx context.Context, filter EmailFilter,
) ([]model.Email, error) {
	var conditions []string
	var args []interface{}

	if filter.Folder != "" {
		conditions = append(conditions, "folder = ?")
		args = append(args, filter.Folder)
	}
	if filter.Origin != "" {
		conditions = append(conditions, "origin = ?")
		args = append(args, string(filter.Origin))
	}

	query := "SELECT * FROM emails"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY date DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var rows []emailRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing emails: %w", err)
	}

	emails := make([]model.Email, 0, len(rows))
	for _, r := range rows {
		emails = append(emails, r.toEmail())
	}
	return emails, nil
}

// CountEmails returns the number of stored emails.
func (s *SQLiteStore) CountEmails(ctx context.Context) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM emails"); err != nil {
		return 0, fmt.Errorf("counting emails: %w", err)
	}
	return count, nil
}
