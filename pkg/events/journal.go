package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Dialect selects placeholder syntax.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// SQLJournal persists events to a SQL database.
type SQLJournal struct {
	db      *sql.DB
	dialect Dialect
}

// OpenJournal opens a journal from a URL: sqlite://<path> or postgres://...
func OpenJournal(ctx context.Context, url string) (*SQLJournal, error) {
	var (
		db      *sql.DB
		err     error
		dialect Dialect
	)
	switch {
	case strings.HasPrefix(url, "sqlite://"):
		db, err = sql.Open("sqlite", strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		db, err = sql.Open("postgres", url)
		dialect = Postgres
	default:
		return nil, fmt.Errorf("unsupported journal url %q", url)
	}
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j, err := NewSQLJournal(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// NewSQLJournal wraps db and creates the events table if needed.
func NewSQLJournal(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLJournal, error) {
	j := &SQLJournal{db: db, dialect: dialect}
	if err := j.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

func (j *SQLJournal) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		event_type TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		data TEXT
	);`
	_, err := j.db.ExecContext(ctx, query)
	return err
}

func (j *SQLJournal) bind(query string) string {
	if j.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (j *SQLJournal) Emit(ctx context.Context, e Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	query := j.bind(`INSERT INTO events (event_id, source, event_type, occurred_at, data) VALUES (?, ?, ?, ?, ?)`)
	_, err = j.db.ExecContext(ctx, query, e.ID, e.Source, string(e.Type), e.Time.UTC().Format(timeLayout), string(data))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// List returns up to limit events, newest first.
func (j *SQLJournal) List(ctx context.Context, limit int) ([]Event, error) {
	query := j.bind(`
		SELECT event_id, source, event_type, occurred_at, data
		FROM events
		ORDER BY occurred_at DESC
		LIMIT ?`)
	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			e        Event
			typ      string
			occurred string
			data     sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Source, &typ, &occurred, &data); err != nil {
			return nil, err
		}
		e.Type = Type(typ)
		e.Time, _ = time.Parse(timeLayout, occurred)
		if data.Valid && data.String != "" && data.String != "null" {
			_ = json.Unmarshal([]byte(data.String), &e.Data)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *SQLJournal) Close() error {
	return j.db.Close()
}
