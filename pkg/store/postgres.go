package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql

	"github.com/opencouncil/councild/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresStore persists sessions in a single JSONB document per session.
// Message appends use jsonb concatenation so the user turn and the assistant
// turn land in one atomic statement.
type PostgresStore struct {
	db *stdsql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens a connection pool, verifies connectivity, and applies
// pending embedded migrations.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := stdsql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// runMigrations applies embedded migrations via golang-migrate. Migration
// files are compiled into the binary so deployments need no external files.
func runMigrations(db *stdsql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver. m.Close() would also close the database
	// driver, which closes the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreateSession(ctx context.Context, sess *models.CouncilSession) error {
	messages, err := json.Marshal(sess.Messages)
	if err != nil {
		return fmt.Errorf("failed to encode messages: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO council_sessions (user_id, session_id, title, messages, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.UserID, sess.SessionID, sess.Title, messages, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetSession(ctx context.Context, userID, sessionID string) (*models.CouncilSession, error) {
	var sess models.CouncilSession
	var messages []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT user_id, session_id, title, messages, created_at, updated_at
		 FROM council_sessions WHERE user_id = $1 AND session_id = $2`,
		userID, sessionID).
		Scan(&sess.UserID, &sess.SessionID, &sess.Title, &messages, &sess.CreatedAt, &sess.UpdatedAt)
	if err == stdsql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if err := json.Unmarshal(messages, &sess.Messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return &sess, nil
}

func (p *PostgresStore) ListSessions(ctx context.Context, userID string) ([]models.SessionSummary, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT session_id, title, jsonb_array_length(messages), created_at, updated_at
		 FROM council_sessions WHERE user_id = $1 ORDER BY updated_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	summaries := make([]models.SessionSummary, 0)
	for rows.Next() {
		var s models.SessionSummary
		if err := rows.Scan(&s.SessionID, &s.Title, &s.MessageCount, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return summaries, nil
}

func (p *PostgresStore) CountSessions(ctx context.Context, userID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM council_sessions WHERE user_id = $1`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

func (p *PostgresStore) AppendMessages(ctx context.Context, userID, sessionID string, msgs ...models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	encoded, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("failed to encode messages: %w", err)
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE council_sessions
		 SET messages = messages || $3::jsonb, updated_at = now()
		 WHERE user_id = $1 AND session_id = $2`,
		userID, sessionID, encoded)
	if err != nil {
		return fmt.Errorf("failed to append messages: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check append result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateTitle(ctx context.Context, userID, sessionID, title string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE council_sessions SET title = $3, updated_at = now()
		 WHERE user_id = $1 AND session_id = $2`,
		userID, sessionID, title)
	if err != nil {
		return fmt.Errorf("failed to update title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check title update: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteSession(ctx context.Context, userID, sessionID string) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM council_sessions WHERE user_id = $1 AND session_id = $2`,
		userID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }
