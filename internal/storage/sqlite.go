package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage keeps the journal in a SQLite database.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens the database at path in WAL mode and creates the
// schema if needed.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if path == "" {
		return nil, errors.New("sqlite storage: path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStorage{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		time DATETIME NOT NULL,
		pnl REAL NOT NULL,
		fields TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);

	CREATE TABLE IF NOT EXISTS sessions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		date TEXT NOT NULL,
		reason TEXT,
		pnl REAL NOT NULL,
		loss_taken REAL NOT NULL,
		stop_loss_triggers INTEGER NOT NULL,
		closed_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_date ON sessions(date);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AppendEvent inserts e.
func (s *SQLiteStorage) AppendEvent(e Event) error {
	var fields []byte
	if len(e.Fields) > 0 {
		var err error
		if fields, err = json.Marshal(e.Fields); err != nil {
			return fmt.Errorf("encoding event fields: %w", err)
		}
	}
	_, err := s.db.Exec(
		`INSERT INTO events (id, session_id, type, time, pnl, fields) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, string(e.Type), e.Time.UTC(), e.PnL, string(fields),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// Events returns the events of a session in insertion order.
func (s *SQLiteStorage) Events(sessionID string) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, type, time, pnl, fields FROM events WHERE session_id = ? ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e      Event
			typ    string
			fields sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &typ, &e.Time, &e.PnL, &fields); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Type = EventType(typ)
		if fields.Valid && fields.String != "" {
			if err := json.Unmarshal([]byte(fields.String), &e.Fields); err != nil {
				return nil, fmt.Errorf("decoding event fields: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: session %s", ErrNoEvents, sessionID)
	}
	return out, nil
}

// RecordSession inserts the closing record of a session.
func (s *SQLiteStorage) RecordSession(rec SessionRecord) error {
	closedAt := rec.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (session_id, date, reason, pnl, loss_taken, stop_loss_triggers, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Date, rec.Reason, rec.PnL, rec.LossTaken, rec.StopLossTriggers, closedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// DailyPnL returns the summed P&L of sessions closed on date.
func (s *SQLiteStorage) DailyPnL(date string) (float64, error) {
	var pnl sql.NullFloat64
	if err := s.db.QueryRow(`SELECT SUM(pnl) FROM sessions WHERE date = ?`, date).Scan(&pnl); err != nil {
		return 0, fmt.Errorf("querying daily pnl: %w", err)
	}
	return pnl.Float64, nil
}

// Statistics replays every closed session in order.
func (s *SQLiteStorage) Statistics() (*Statistics, error) {
	rows, err := s.db.Query(`SELECT pnl FROM sessions ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	stats := &Statistics{}
	for rows.Next() {
		var pnl float64
		if err := rows.Scan(&pnl); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		stats.add(pnl)
	}
	return stats, rows.Err()
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
