// Package sqlite stores agendamentos in SQLite
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/guregu/null"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/witroch4/chatwit/publish"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	migrationsTable = "chatwit_schema_migrations"

	selectColumns = `id, user_id, account_id, caption, media, target_feed, target_story, target_reel,
		recurrence, randomize, scheduled_at, status, job_key, attempts, last_error, external_id,
		published_at, created_at, updated_at`
)

// Store is a publish.Store backed by a SQLite database
type Store struct {
	db *sql.DB
}

// Open opens the SQLite database at dsn, brings its schema up to date, and returns a store on it
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	// sqlite allows a single writer, and every connection to ":memory:" is a separate database
	db.SetMaxOpenConns(1)

	if err = Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return New(db), nil
}

// New returns a store on an already migrated database
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the store's migrations to db
func Migrate(db *sql.DB) error {
	migrations, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("unable to read migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return fmt.Errorf("unable to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrations, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("unable to create migrator: %w", err)
	}

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("unable to apply up migration: %w", err)
	}

	return nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Create(ctx context.Context, a *publish.Agendamento) error {
	media, err := json.Marshal(a.Media)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO agendamentos (
			id, user_id, account_id, caption, media, target_feed, target_story, target_reel,
			recurrence, randomize, scheduled_at, status, job_key, attempts, last_error, external_id,
			published_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		a.ID,
		a.UserID,
		a.AccountID,
		a.Caption,
		string(media),
		a.Targets.Feed,
		a.Targets.Story,
		a.Targets.Reel,
		string(a.Recurrence),
		a.Randomize,
		a.ScheduledAt.UnixMilli(),
		string(a.Status),
		a.JobKey,
		a.Attempts,
		a.LastError,
		a.ExternalID,
		publishedAt(a),
		a.CreatedAt.UnixMilli(),
		a.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("unable to insert agendamento: %w", err)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, userID, id string) (*publish.Agendamento, error) {
	query := `SELECT ` + selectColumns + ` FROM agendamentos WHERE id = ? AND user_id = ?`
	a, err := scanAgendamento(s.db.QueryRowContext(ctx, query, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, publish.ErrNotFound
	}

	return a, err
}

func (s *Store) List(ctx context.Context, userID string) ([]*publish.Agendamento, error) {
	query := `SELECT ` + selectColumns + ` FROM agendamentos WHERE user_id = ? ORDER BY scheduled_at ASC, id ASC`
	return s.query(ctx, query, userID)
}

func (s *Store) ListDue(ctx context.Context, before time.Time) ([]*publish.Agendamento, error) {
	query := `SELECT ` + selectColumns + ` FROM agendamentos
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY scheduled_at ASC, id ASC`
	return s.query(ctx, query, string(publish.StatusScheduled), before.UnixMilli())
}

func (s *Store) Update(ctx context.Context, a *publish.Agendamento) error {
	media, err := json.Marshal(a.Media)
	if err != nil {
		return err
	}

	query := `
		UPDATE agendamentos SET
			account_id = ?, caption = ?, media = ?, target_feed = ?, target_story = ?, target_reel = ?,
			recurrence = ?, randomize = ?, scheduled_at = ?, status = ?, job_key = ?, attempts = ?,
			last_error = ?, external_id = ?, published_at = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		a.AccountID,
		a.Caption,
		string(media),
		a.Targets.Feed,
		a.Targets.Story,
		a.Targets.Reel,
		string(a.Recurrence),
		a.Randomize,
		a.ScheduledAt.UnixMilli(),
		string(a.Status),
		a.JobKey,
		a.Attempts,
		a.LastError,
		a.ExternalID,
		publishedAt(a),
		a.UpdatedAt.UnixMilli(),
		a.ID,
		a.UserID,
	)
	if err != nil {
		return fmt.Errorf("unable to update agendamento: %w", err)
	}

	return mustAffect(res)
}

func (s *Store) Delete(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM agendamentos WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return fmt.Errorf("unable to delete agendamento: %w", err)
	}

	return mustAffect(res)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*publish.Agendamento, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("unable to list agendamentos: %w", err)
	}
	defer rows.Close()

	list := []*publish.Agendamento{}
	for rows.Next() {
		a, err := scanAgendamento(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}

	return list, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgendamento(row scanner) (*publish.Agendamento, error) {
	var a publish.Agendamento
	var media, recurrence, status string
	var scheduledAt, createdAt, updatedAt int64
	var published null.Int

	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.AccountID,
		&a.Caption,
		&media,
		&a.Targets.Feed,
		&a.Targets.Story,
		&a.Targets.Reel,
		&recurrence,
		&a.Randomize,
		&scheduledAt,
		&status,
		&a.JobKey,
		&a.Attempts,
		&a.LastError,
		&a.ExternalID,
		&published,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err = json.Unmarshal([]byte(media), &a.Media); err != nil {
		return nil, fmt.Errorf("agendamento %s has unreadable media: %w", a.ID, err)
	}

	a.Recurrence = publish.Recurrence(recurrence)
	a.Status = publish.Status(status)
	a.ScheduledAt = time.UnixMilli(scheduledAt).UTC()
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	a.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if published.Valid {
		t := time.UnixMilli(published.Int64).UTC()
		a.PublishedAt = &t
	}

	return &a, nil
}

func publishedAt(a *publish.Agendamento) null.Int {
	if a.PublishedAt == nil {
		return null.Int{}
	}

	return null.IntFrom(a.PublishedAt.UnixMilli())
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return publish.ErrNotFound
	}

	return nil
}
