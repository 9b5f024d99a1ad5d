package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JSONStorage keeps the journal in a single JSON file, rewritten atomically
// on every change.
type JSONStorage struct {
	data     *journalData
	filepath string
	mu       sync.RWMutex
}

type journalData struct {
	LastUpdated time.Time          `json:"last_updated"`
	DailyPnL    map[string]float64 `json:"daily_pnl"`
	Statistics  *Statistics        `json:"statistics"`
	Events      []Event            `json:"events"`
	Sessions    []SessionRecord    `json:"sessions"`
}

// NewJSONStorage opens (or creates on first write) the journal at path.
func NewJSONStorage(path string) (*JSONStorage, error) {
	if path == "" {
		return nil, errors.New("json storage: path is required")
	}
	s := &JSONStorage{
		filepath: path,
		data: &journalData{
			DailyPnL:   make(map[string]float64),
			Statistics: &Statistics{},
		},
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	}
	return s, nil
}

func (s *JSONStorage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, s.data); err != nil {
		return err
	}
	if s.data.DailyPnL == nil {
		s.data.DailyPnL = make(map[string]float64)
	}
	if s.data.Statistics == nil {
		s.data.Statistics = &Statistics{}
	}
	return nil
}

// save must be called with s.mu held.
func (s *JSONStorage) save() error {
	s.data.LastUpdated = time.Now()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.filepath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}

	tmp := s.filepath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.filepath)
}

// AppendEvent adds e to the journal.
func (s *JSONStorage) AppendEvent(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Events = append(s.data.Events, e)
	return s.save()
}

// Events returns the events of a session.
func (s *JSONStorage) Events(sessionID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.data.Events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: session %s", ErrNoEvents, sessionID)
	}
	return out, nil
}

// RecordSession stores the closing record and folds it into the daily P&L
// and statistics.
func (s *JSONStorage) RecordSession(rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Sessions = append(s.data.Sessions, rec)
	s.data.DailyPnL[rec.Date] += rec.PnL
	s.data.Statistics.add(rec.PnL)
	return s.save()
}

// DailyPnL returns the summed P&L of sessions closed on date.
func (s *JSONStorage) DailyPnL(date string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.DailyPnL[date], nil
}

// Statistics returns a copy of the running statistics.
func (s *JSONStorage) Statistics() (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Statistics.clone(), nil
}

// Close is a no-op; every write is already on disk.
func (s *JSONStorage) Close() error {
	return nil
}
