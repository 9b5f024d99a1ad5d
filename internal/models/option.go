package models

import (
	"fmt"
	"time"
)

// OptionType is CALL or PUT.
type OptionType string

const (
	OptionTypeCall OptionType = "CALL"
	OptionTypePut  OptionType = "PUT"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that closes a position opened with s.
func (s Side) Opposite() Side {
	if s == SideSell {
		return SideBuy
	}
	return SideSell
}

// OptionContract is a single listed option. It does not change during a
// trading day once loaded from the instrument dump.
type OptionContract struct {
	Expiry        time.Time  `json:"expiry"`
	ID            string     `json:"id"` // EXCHANGE:TRADINGSYMBOL
	TradingSymbol string     `json:"trading_symbol"`
	Underlying    string     `json:"underlying"`
	Exchange      string     `json:"exchange"`
	Type          OptionType `json:"type"`
	Strike        float64    `json:"strike"`
	LotSize       float64    `json:"lot_size"`
	TickSize      float64    `json:"tick_size"`
	Token         uint32     `json:"token"`
}

// String returns a short human label such as "NIFTY 19500 CALL 2024-08-22".
func (c OptionContract) String() string {
	return fmt.Sprintf("%s %.0f %s %s", c.Underlying, c.Strike, c.Type, c.Expiry.Format("2006-01-02"))
}

// SameExpiry reports whether both contracts expire on the same calendar date.
func (c OptionContract) SameExpiry(other OptionContract) bool {
	y1, m1, d1 := c.Expiry.Date()
	y2, m2, d2 := other.Expiry.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// Quote is a single read of an instrument's last traded price.
type Quote struct {
	Timestamp    time.Time `json:"timestamp"`
	VWAP         *float64  `json:"vwap,omitempty"`
	InstrumentID string    `json:"instrument_id"`
	LastPrice    float64   `json:"last_price"`
}

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// TypicalPrice returns (high + low + close) / 3.
func (c Candle) TypicalPrice() float64 {
	return (c.High + c.Low + c.Close) / 3
}

// StrikePair is one evaluated (call, put) combination from a selection attempt.
type StrikePair struct {
	CallVWAP      *float64       `json:"call_vwap,omitempty"`
	PutVWAP       *float64       `json:"put_vwap,omitempty"`
	Call          OptionContract `json:"call"`
	Put           OptionContract `json:"put"`
	CallDelta     float64        `json:"call_delta"`
	PutDelta      float64        `json:"put_delta"`
	CallPrice     float64        `json:"call_price"`
	PutPrice      float64        `json:"put_price"`
	PriceDiffPct  float64        `json:"price_diff_pct"`
	CallSLOffset  float64        `json:"call_sl_offset"`
	PutSLOffset   float64        `json:"put_sl_offset"`
	BothBelowVWAP bool           `json:"both_below_vwap"`
	Accepted      bool           `json:"accepted"`
}

// CombinedPremium returns callPrice + putPrice.
func (p StrikePair) CombinedPremium() float64 {
	return p.CallPrice + p.PutPrice
}
