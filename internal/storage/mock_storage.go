package storage

import (
	"fmt"
	"sync"
)

// MockStorage is an in-memory journal for tests, with error injection.
type MockStorage struct {
	appendError error
	recordError error
	dailyPnL    map[string]float64
	statistics  *Statistics
	events      []Event
	sessions    []SessionRecord
	appendCalls int
	mu          sync.Mutex
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{
		dailyPnL:   make(map[string]float64),
		statistics: &Statistics{},
	}
}

func (m *MockStorage) AppendEvent(e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendCalls++
	if m.appendError != nil {
		return m.appendError
	}
	m.events = append(m.events, e)
	return nil
}

func (m *MockStorage) Events(sessionID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: session %s", ErrNoEvents, sessionID)
	}
	return out, nil
}

func (m *MockStorage) RecordSession(rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordError != nil {
		return m.recordError
	}
	m.sessions = append(m.sessions, rec)
	m.dailyPnL[rec.Date] += rec.PnL
	m.statistics.add(rec.PnL)
	return nil
}

func (m *MockStorage) DailyPnL(date string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyPnL[date], nil
}

func (m *MockStorage) Statistics() (*Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statistics.clone(), nil
}

func (m *MockStorage) Close() error { return nil }

// Mock control methods for testing

func (m *MockStorage) SetAppendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendError = err
}

func (m *MockStorage) SetRecordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordError = err
}

func (m *MockStorage) AppendCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendCalls
}

// EventTypes returns the type of every stored event in order.
func (m *MockStorage) EventTypes() []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventType, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

// Sessions returns the closing records written so far.
func (m *MockStorage) Sessions() []SessionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SessionRecord(nil), m.sessions...)
}
