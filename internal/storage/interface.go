// Package storage journals strangle sessions: an append-only event log and one
// closing record per session, from which daily P&L and statistics are derived.
package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names a journal entry.
type EventType string

const (
	EventSessionStarted    EventType = "session_started"
	EventLegsEntered       EventType = "legs_entered"
	EventStopTightened     EventType = "stop_tightened"
	EventHedgePlaced       EventType = "hedge_placed"
	EventLegReplaced       EventType = "leg_replaced"
	EventLegClosed         EventType = "leg_closed"
	EventDeltaBreach       EventType = "delta_breach"
	EventSessionTerminated EventType = "session_terminated"
)

// Event is one journal entry of a session.
type Event struct {
	Time      time.Time         `json:"time"`
	Fields    map[string]string `json:"fields,omitempty"`
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Type      EventType         `json:"type"`
	PnL       float64           `json:"pnl"`
}

// NewEvent stamps an event with a fresh id.
func NewEvent(sessionID string, t EventType, at time.Time, pnl float64, fields map[string]string) Event {
	return Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      t,
		Time:      at,
		PnL:       pnl,
		Fields:    fields,
	}
}

// SessionRecord is written once when a session ends.
type SessionRecord struct {
	ClosedAt         time.Time `json:"closed_at"`
	SessionID        string    `json:"session_id"`
	Date             string    `json:"date"` // 2006-01-02 in exchange time
	Reason           string    `json:"reason"`
	PnL              float64   `json:"pnl"`
	LossTaken        float64   `json:"loss_taken"`
	StopLossTriggers int       `json:"stop_loss_triggers"`
}

// Interface defines the contract for the session journal.
//
// Implementations must be safe for concurrent use.
type Interface interface {
	AppendEvent(e Event) error
	// Events returns a session's events in append order, or ErrNoEvents.
	Events(sessionID string) ([]Event, error)
	RecordSession(rec SessionRecord) error
	DailyPnL(date string) (float64, error)
	Statistics() (*Statistics, error)
	Close() error
}

// NewStorage opens the journal for backend ("json" or "sqlite") at path.
func NewStorage(backend, path string) (Interface, error) {
	switch backend {
	case "", "json":
		return NewJSONStorage(path)
	case "sqlite":
		return NewSQLiteStorage(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

var (
	_ Interface = (*JSONStorage)(nil)
	_ Interface = (*SQLiteStorage)(nil)
	_ Interface = (*MockStorage)(nil)
)
