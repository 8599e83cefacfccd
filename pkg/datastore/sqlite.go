package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/chatline/pkg/model"
)

// Fixed width so that text ordering in SQL matches chronological ordering.
const dbTimeLayout = "2006-01-02 15:04:05.000000000"

// SQLite is the default gateway, a single-file database in WAL mode.
type SQLite struct {
	db *sql.DB

	// SQLite allows a single writer; serializing here keeps busy retries
	// off the hot path.
	writeMu sync.Mutex
	now     func() time.Time
	errorLog
}

// NewSQLite opens (or creates) the database at path and runs migrations.
func NewSQLite(path string, opts ...Option) (*SQLite, error) {
	o := buildOptions(opts)

	// busy_timeout is per connection, so it goes in the DSN where every
	// pooled connection picks it up.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: open DB %s: %w", path, err)
	}

	s := &SQLite{db: db, now: o.now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	ctx := context.Background()
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version: 1,
			statements: []string{`
			CREATE TABLE IF NOT EXISTS messages (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				sender     TEXT    NOT NULL CHECK(length(sender) > 0),
				receiver   TEXT    NOT NULL CHECK(length(receiver) > 0),
				body       TEXT    NOT NULL,
				created_at TEXT    NOT NULL
			)`},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages (sender, receiver, created_at)",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("datastore: migrate to v%d: %w", m.version, err)
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *SQLite) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *SQLite) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// Append inserts one message row.
func (s *SQLite) Append(ctx context.Context, sender, receiver, body string) (model.Message, error) {
	m, err := validate(sender, receiver, body)
	if err != nil {
		return model.Message{}, s.record(err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	m.CreatedAt = s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (sender, receiver, body, created_at) VALUES (?, ?, ?, ?)",
		m.Sender, m.Receiver, m.Body, formatDBTime(m.CreatedAt))
	if err != nil {
		return model.Message{}, s.record(fmt.Errorf("datastore: insert message: %w", err))
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return model.Message{}, s.record(fmt.Errorf("datastore: message id: %w", err))
	}
	return m, nil
}

// Fetch streams the conversation rows of userA and userB.
func (s *SQLite) Fetch(ctx context.Context, userA, userB string) iter.Seq2[model.Message, error] {
	return func(yield func(model.Message, error) bool) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, sender, receiver, body, created_at FROM messages
			WHERE (sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)
			ORDER BY created_at, id`,
			userA, userB, userB, userA)
		if err != nil {
			yield(model.Message{}, s.record(fmt.Errorf("datastore: query history: %w", err)))
			return
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var (
				m  model.Message
				at string
			)
			if err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Body, &at); err != nil {
				yield(model.Message{}, s.record(fmt.Errorf("datastore: scan message: %w", err)))
				return
			}
			if m.CreatedAt, err = parseDBTime(at); err != nil {
				yield(model.Message{}, s.record(fmt.Errorf("datastore: parse created_at: %w", err)))
				return
			}
			if !yield(m, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.Message{}, s.record(fmt.Errorf("datastore: iterate history: %w", err)))
		}
	}
}

// Delete removes the conversation rows of userA and userB.
func (s *SQLite) Delete(ctx context.Context, userA, userB string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE (sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)",
		userA, userB, userB, userA)
	if err != nil {
		return 0, s.record(fmt.Errorf("datastore: delete history: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.record(fmt.Errorf("datastore: delete history: %w", err))
	}
	return n, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}
