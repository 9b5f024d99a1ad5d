package models

import (
	"errors"
	"time"
)

// ErrMaxStopLossTriggers is returned once the session has used up its stop-loss budget.
var ErrMaxStopLossTriggers = errors.New("maximum stop-loss triggers reached")

// ActiveLeg is one short option held by the session together with its protective stop.
type ActiveLeg struct {
	EnteredAt    time.Time      `json:"entered_at"`
	Contract     OptionContract `json:"contract"`
	EntryOrderID string         `json:"entry_order_id"`
	StopOrderID  string         `json:"stop_order_id"`
	EntryPrice   float64        `json:"entry_price"`
	StopOffset   float64        `json:"stop_offset"`
	StopTrigger  float64        `json:"stop_trigger"`
	StopLimit    float64        `json:"stop_limit"`
	LastPrice    float64        `json:"last_price"`
	ExitPrice    float64        `json:"exit_price,omitempty"`
	Quantity     int            `json:"quantity"`
}

// MarkPrice is the price the leg contributes to the combined premium: the
// exit price once the leg is out, otherwise the latest LTP (entry price until
// the first poll).
func (l *ActiveLeg) MarkPrice() float64 {
	if l == nil {
		return 0
	}
	if l.ExitPrice > 0 {
		return l.ExitPrice
	}
	if l.LastPrice > 0 {
		return l.LastPrice
	}
	return l.EntryPrice
}

// IsOpen reports whether the leg is still short.
func (l *ActiveLeg) IsOpen() bool {
	return l != nil && l.ExitPrice == 0
}

// SessionState is the single mutable record of a trading session. It is owned
// by the monitor loop; helpers receive it by pointer and never keep it.
type SessionState struct {
	StartedAt             time.Time   `json:"started_at"`
	Call                  *ActiveLeg  `json:"call,omitempty"`
	Put                   *ActiveLeg  `json:"put,omitempty"`
	ID                    string      `json:"id"`
	Hedges                []ActiveLeg `json:"hedges,omitempty"`
	LossLedger            []float64   `json:"loss_ledger,omitempty"`
	InitialPremium        float64     `json:"initial_premium"`
	LossTaken             float64     `json:"loss_taken"`
	StopLossPercent       float64     `json:"stop_loss_percent"`
	StopLossTriggerCount  int         `json:"stop_loss_trigger_count"`
	MaxStopLossTriggers   int         `json:"max_stop_loss_triggers"`
	HedgeTaken            bool        `json:"hedge_taken"`
	AdjustedForThreshold1 bool        `json:"adjusted_for_threshold_1"`
	AdjustedForThreshold2 bool        `json:"adjusted_for_threshold_2"`
}

// NewSessionState creates the state for a session starting at now.
func NewSessionState(id string, maxStopLossTriggers int, stopLossPercent float64, now time.Time) *SessionState {
	return &SessionState{
		ID:                  id,
		StartedAt:           now,
		MaxStopLossTriggers: maxStopLossTriggers,
		StopLossPercent:     stopLossPercent,
	}
}

// Leg returns the active leg for the given side, or nil.
func (s *SessionState) Leg(t OptionType) *ActiveLeg {
	if t == OptionTypeCall {
		return s.Call
	}
	return s.Put
}

// SetLeg replaces the active leg for the given side.
func (s *SessionState) SetLeg(t OptionType, leg *ActiveLeg) {
	if t == OptionTypeCall {
		s.Call = leg
		return
	}
	s.Put = leg
}

// CurrentPremium is the combined mark price of both legs.
func (s *SessionState) CurrentPremium() float64 {
	return s.Call.MarkPrice() + s.Put.MarkPrice()
}

// PnL returns initialPremium - currentPremium - lossTaken, in points.
func (s *SessionState) PnL(currentPremium float64) float64 {
	return s.InitialPremium - currentPremium - s.LossTaken
}

// RecordLoss adds (currentPremium - initialPremium) to LossTaken and keeps
// the delta in the ledger so LossTaken always equals the ledger sum.
func (s *SessionState) RecordLoss(currentPremium float64) float64 {
	delta := currentPremium - s.InitialPremium
	s.LossLedger = append(s.LossLedger, delta)
	s.LossTaken += delta
	return delta
}

// RebaseInitialPremium sets the reference premium after a leg changes.
func (s *SessionState) RebaseInitialPremium(premium float64) {
	s.InitialPremium = premium
}

// RegisterStopLossTrigger counts one filled protective stop. It reports
// whether the session has now reached its limit. The counter never exceeds
// MaxStopLossTriggers.
func (s *SessionState) RegisterStopLossTrigger() (limitReached bool, err error) {
	if s.StopLossLimitReached() {
		return true, ErrMaxStopLossTriggers
	}
	s.StopLossTriggerCount++
	return s.StopLossLimitReached(), nil
}

// StopLossLimitReached reports whether no more legs may be sold.
func (s *SessionState) StopLossLimitReached() bool {
	return s.MaxStopLossTriggers > 0 && s.StopLossTriggerCount >= s.MaxStopLossTriggers
}

// MarkThreshold sets the tightening flag for level 1 or 2. It returns true
// only the first time the flag is set.
func (s *SessionState) MarkThreshold(level int) bool {
	switch level {
	case 1:
		if s.AdjustedForThreshold1 {
			return false
		}
		s.AdjustedForThreshold1 = true
	case 2:
		if s.AdjustedForThreshold2 {
			return false
		}
		s.AdjustedForThreshold2 = true
	default:
		return false
	}
	return true
}

// Tightened reports whether any profit-lock tightening has fired.
func (s *SessionState) Tightened() bool {
	return s.AdjustedForThreshold1 || s.AdjustedForThreshold2
}

// MarkHedgeTaken sets HedgeTaken and returns true only on the first call.
func (s *SessionState) MarkHedgeTaken() bool {
	if s.HedgeTaken {
		return false
	}
	s.HedgeTaken = true
	return true
}

// OpenLegs returns the legs that are still short.
func (s *SessionState) OpenLegs() []*ActiveLeg {
	var legs []*ActiveLeg
	if s.Call.IsOpen() {
		legs = append(legs, s.Call)
	}
	if s.Put.IsOpen() {
		legs = append(legs, s.Put)
	}
	return legs
}
