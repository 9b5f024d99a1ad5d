package vwap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/nifty_strangler/internal/models"
)

type mockCandleSource struct {
	mock.Mock
}

func (m *mockCandleSource) HistoricalCandles(ctx context.Context, instrumentID string, from, to time.Time, interval string) ([]models.Candle, error) {
	args := m.Called(ctx, instrumentID, from, to, interval)
	candles, _ := args.Get(0).([]models.Candle)
	return candles, args.Error(1)
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name    string
		candles []models.Candle
		want    float64
		wantOK  bool
	}{
		{
			name:    "no candles",
			candles: nil,
			wantOK:  false,
		},
		{
			name: "zero volume",
			candles: []models.Candle{
				{High: 10, Low: 8, Close: 9, Volume: 0},
			},
			wantOK: false,
		},
		{
			name: "single candle",
			candles: []models.Candle{
				{High: 12, Low: 9, Close: 9, Volume: 100},
			},
			want:   10,
			wantOK: true,
		},
		{
			name: "volume weighted",
			candles: []models.Candle{
				{High: 12, Low: 9, Close: 9, Volume: 100},  // typical 10
				{High: 21, Low: 18, Close: 21, Volume: 300}, // typical 20
			},
			want:   17.5,
			wantOK: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Compute(tt.candles)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.InDelta(t, tt.want, got, 1e-9)
			}
		})
	}
}

func TestEngine_VWAPRequestsTrailingWindow(t *testing.T) {
	now := time.Date(2024, 8, 19, 10, 0, 0, 0, time.UTC)
	src := &mockCandleSource{}
	engine := NewEngine(src, func() time.Time { return now })
	c := models.OptionContract{ID: "NFO:NIFTY24AUG19700CE"}

	src.On("HistoricalCandles", mock.Anything, c.ID, now.Add(-5*time.Minute), now, MinuteInterval).
		Return([]models.Candle{{High: 12, Low: 9, Close: 9, Volume: 10}}, nil).Once()

	v, ok, err := engine.VWAP(context.Background(), c, 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 10.0, v, 1e-9)
	src.AssertExpectations(t)
}

func TestEngine_VWAPFetchErrorIsAbsent(t *testing.T) {
	src := &mockCandleSource{}
	engine := NewEngine(src, nil)
	src.On("HistoricalCandles", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("too many requests"))

	_, ok, err := engine.VWAP(context.Background(), models.OptionContract{ID: "x"}, 5)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestEngine_VWAPRejectsBadLookback(t *testing.T) {
	engine := NewEngine(&mockCandleSource{}, nil)
	_, ok, err := engine.VWAP(context.Background(), models.OptionContract{}, 0)
	assert.Error(t, err)
	assert.False(t, ok)
}
