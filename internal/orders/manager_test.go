package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/nifty_strangler/internal/broker"
	"github.com/eddiefleurent/nifty_strangler/internal/mock"
	"github.com/eddiefleurent/nifty_strangler/internal/models"
)

var ist = time.FixedZone("IST", 5*3600+1800)

// recordingBroker wraps the paper gateway to capture requests and inject failures.
type recordingBroker struct {
	*broker.PaperBroker
	stopErr        error
	buyErr         error
	orders         []broker.OrderRequest
	modifies       [][2]float64
	modifyFailures int
	zeroAverage    bool
	mu             sync.Mutex
}

func (r *recordingBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	r.mu.Lock()
	r.orders = append(r.orders, req)
	r.mu.Unlock()
	if req.Side == models.SideBuy && r.buyErr != nil {
		return "", r.buyErr
	}
	return r.PaperBroker.PlaceOrder(ctx, req)
}

func (r *recordingBroker) PlaceStopOrder(ctx context.Context, req broker.StopOrderRequest) (string, error) {
	if r.stopErr != nil {
		return "", r.stopErr
	}
	return r.PaperBroker.PlaceStopOrder(ctx, req)
}

func (r *recordingBroker) ModifyOrder(ctx context.Context, id string, trigger, limit float64) (string, error) {
	r.mu.Lock()
	r.modifies = append(r.modifies, [2]float64{trigger, limit})
	fail := r.modifyFailures > 0
	if fail {
		r.modifyFailures--
	}
	r.mu.Unlock()
	if fail {
		return "", &broker.APIError{Op: "modify_order", Type: "InputException", Message: "trigger price too close to LTP"}
	}
	return r.PaperBroker.ModifyOrder(ctx, id, trigger, limit)
}

func (r *recordingBroker) OrderStatus(ctx context.Context, id string) (broker.OrderStatus, error) {
	status, err := r.PaperBroker.OrderStatus(ctx, id)
	if err == nil && r.zeroAverage {
		status.AveragePrice = 0
	}
	return status, err
}

type fixture struct {
	data     *mock.DataProvider
	paper    *broker.PaperBroker
	rec      *recordingBroker
	manager  *Manager
	hook     *test.Hook
	call     models.OptionContract
	put      models.OptionContract
	marketUp bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2024, 8, 19, 10, 0, 0, 0, ist)
	expiry := time.Date(2024, 8, 22, 0, 0, 0, 0, ist)

	data := mock.NewStaticDataProvider(24500, 14)
	data.SetClock(func() time.Time { return now })
	call := mock.Contract(models.OptionTypeCall, 24700, expiry)
	put := mock.Contract(models.OptionTypePut, 24300, expiry)
	data.AddContract(call, 100)
	data.AddContract(put, 98)

	paper := broker.NewPaperBroker(data, func() time.Time { return now })
	rec := &recordingBroker{PaperBroker: paper}

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	f := &fixture{data: data, paper: paper, rec: rec, hook: hook, call: call, put: put, marketUp: true}
	f.manager = NewManager(rec, logger, func(time.Time) bool { return f.marketUp }, Config{
		Tag:                  "test",
		PollInterval:         time.Millisecond,
		Timeout:              50 * time.Millisecond,
		CallTimeout:          20 * time.Millisecond,
		StopLimitGap:         1,
		TightenTriggerOffset: 1,
		TightenLimitOffset:   2,
	})
	f.manager.SetClock(func() time.Time { return now })
	return f
}

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(&recordingBroker{}, nil, nil, Config{})
	assert.Equal(t, DefaultConfig.PollInterval, m.config.PollInterval)
	assert.Equal(t, DefaultConfig.Timeout, m.config.Timeout)
	assert.Equal(t, DefaultConfig.CallTimeout, m.config.CallTimeout)
	assert.Equal(t, 1.0, m.config.TightenTriggerOffset)
	assert.Equal(t, 2.0, m.config.TightenLimitOffset)
	assert.True(t, m.marketOpen(time.Now()))

	assert.Panics(t, func() { NewManager(nil, nil, nil) })
}

func TestStopPrices_RoundToTick(t *testing.T) {
	f := newFixture(t)
	trigger, limit := f.manager.StopPrices(f.call, 100.05, 30)
	assert.InDelta(t, 130.05, trigger, 1e-9)
	assert.InDelta(t, 131.05, limit, 1e-9)

	trigger, limit = f.manager.StopPrices(f.call, 97.33, 29.2)
	assert.InDelta(t, 126.55, trigger, 1e-9)
	assert.InDelta(t, 127.55, limit, 1e-9)
}

func TestEnterLeg_SellsAndPlacesStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	leg, err := f.manager.EnterLeg(ctx, f.call, 25, 30)
	require.NoError(t, err)

	assert.Equal(t, 100.0, leg.EntryPrice)
	assert.Equal(t, 130.0, leg.StopTrigger)
	assert.Equal(t, 131.0, leg.StopLimit)
	assert.Equal(t, 25, leg.Quantity)
	assert.NotEmpty(t, leg.StopOrderID)
	assert.True(t, leg.IsOpen())

	assert.Equal(t, 1, f.paper.CountOrders(models.SideSell, broker.OrderTypeMarket))
	assert.Equal(t, 1, f.paper.CountOrders(models.SideBuy, broker.OrderTypeSL))
	trigger, ok := f.paper.StopTrigger(leg.StopOrderID)
	require.True(t, ok)
	assert.Equal(t, 130.0, trigger)

	require.Len(t, f.rec.orders, 1)
	assert.Equal(t, "test", f.rec.orders[0].Tag)
	assert.False(t, f.rec.orders[0].AfterMarket)
}

func TestEnterLeg_AfterMarketOutsideHours(t *testing.T) {
	f := newFixture(t)
	f.marketUp = false

	_, err := f.manager.EnterLeg(context.Background(), f.put, 50, 29)
	require.NoError(t, err)
	require.Len(t, f.rec.orders, 1)
	assert.True(t, f.rec.orders[0].AfterMarket)
}

func TestEnterLeg_StopFailureBuysBack(t *testing.T) {
	f := newFixture(t)
	f.rec.stopErr = errors.New("margin exceeded")

	leg, err := f.manager.EnterLeg(context.Background(), f.call, 25, 30)
	require.Error(t, err)
	assert.Nil(t, leg)
	assert.Contains(t, err.Error(), "margin exceeded")

	assert.Equal(t, 1, f.paper.CountOrders(models.SideSell, broker.OrderTypeMarket))
	assert.Equal(t, 1, f.paper.CountOrders(models.SideBuy, broker.OrderTypeMarket))

	var found bool
	for _, e := range f.hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Message == "stop placement failed, buying back the short" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestEnterLeg_StopAndBuyBackFailReturnsLeg(t *testing.T) {
	f := newFixture(t)
	f.rec.stopErr = errors.New("margin exceeded")
	f.rec.buyErr = errors.New("exchange closed")

	leg, err := f.manager.EnterLeg(context.Background(), f.call, 25, 30)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLegOpen)
	require.NotNil(t, leg)
	assert.True(t, leg.IsOpen())
	assert.Empty(t, leg.StopOrderID)
	assert.Equal(t, 100.0, leg.EntryPrice)
}

func TestAwaitFill_Timeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.paper.PlaceOrder(ctx, broker.OrderRequest{
		Contract: f.call, Side: models.SideSell, Type: broker.OrderTypeLimit, Price: 500, Quantity: 25,
	})
	require.NoError(t, err)

	_, err = f.manager.AwaitFill(ctx, id, f.call)
	assert.ErrorIs(t, err, ErrFillTimeout)
}

func TestAwaitFill_Rejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.paper.PlaceOrder(ctx, broker.OrderRequest{
		Contract: f.call, Side: models.SideSell, Type: broker.OrderTypeLimit, Price: 500, Quantity: 25,
	})
	require.NoError(t, err)
	require.NoError(t, f.paper.CancelOrder(ctx, id))

	_, err = f.manager.AwaitFill(ctx, id, f.call)
	assert.ErrorIs(t, err, ErrOrderRejected)
}

func TestAwaitFill_FallsBackToLTP(t *testing.T) {
	f := newFixture(t)
	f.rec.zeroAverage = true
	ctx := context.Background()

	id, err := f.paper.PlaceOrder(ctx, broker.OrderRequest{Contract: f.put, Side: models.SideSell, Quantity: 25})
	require.NoError(t, err)
	f.data.SetPrice(f.put.ID, 97.5)

	price, err := f.manager.AwaitFill(ctx, id, f.put)
	require.NoError(t, err)
	assert.Equal(t, 97.5, price)
}

func TestAwaitFill_ContextCanceled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	id, err := f.paper.PlaceOrder(ctx, broker.OrderRequest{
		Contract: f.call, Side: models.SideSell, Type: broker.OrderTypeLimit, Price: 500, Quantity: 25,
	})
	require.NoError(t, err)
	cancel()

	_, err = f.manager.AwaitFill(ctx, id, f.call)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTightenStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	leg, err := f.manager.EnterLeg(ctx, f.call, 25, 30)
	require.NoError(t, err)

	require.NoError(t, f.manager.TightenStop(ctx, leg, 80))
	assert.Equal(t, 81.0, leg.StopTrigger)
	assert.Equal(t, 82.0, leg.StopLimit)
	trigger, _ := f.paper.StopTrigger(leg.StopOrderID)
	assert.Equal(t, 81.0, trigger)
}

func TestTightenStop_RetriesWider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	leg, err := f.manager.EnterLeg(ctx, f.call, 25, 30)
	require.NoError(t, err)

	f.rec.modifyFailures = 1
	require.NoError(t, f.manager.TightenStop(ctx, leg, 80))
	require.Len(t, f.rec.modifies, 2)
	assert.Equal(t, [2]float64{81, 82}, f.rec.modifies[0])
	assert.Equal(t, [2]float64{82, 84}, f.rec.modifies[1])
	assert.Equal(t, 82.0, leg.StopTrigger)
	assert.Equal(t, 84.0, leg.StopLimit)

	f.rec.modifyFailures = 2
	err = f.manager.TightenStop(ctx, leg, 70)
	require.Error(t, err)
	assert.Equal(t, 82.0, leg.StopTrigger)
}

func TestTightenStop_NoStop(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.manager.TightenStop(context.Background(), &models.ActiveLeg{}, 80))
	assert.Error(t, f.manager.TightenStop(context.Background(), nil, 80))
}

func TestStopFilled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	leg, err := f.manager.EnterLeg(ctx, f.call, 25, 30)
	require.NoError(t, err)

	filled, _, err := f.manager.StopFilled(ctx, leg)
	require.NoError(t, err)
	assert.False(t, filled)

	f.data.SetPrice(f.call.ID, 135)
	filled, price, err := f.manager.StopFilled(ctx, leg)
	require.NoError(t, err)
	assert.True(t, filled)
	assert.Equal(t, 131.0, price)

	filled, _, err = f.manager.StopFilled(ctx, &models.ActiveLeg{})
	require.NoError(t, err)
	assert.False(t, filled)
}

func TestExitLeg_CancelsStopAndBuysBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	leg, err := f.manager.EnterLeg(ctx, f.put, 25, 29)
	require.NoError(t, err)

	f.data.SetPrice(f.put.ID, 90)
	price, err := f.manager.ExitLeg(ctx, leg)
	require.NoError(t, err)
	assert.Equal(t, 90.0, price)
	assert.Equal(t, 90.0, leg.ExitPrice)
	assert.False(t, leg.IsOpen())

	status, err := f.paper.OrderStatus(ctx, leg.StopOrderID)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusCancelled, status.Status)
	assert.Equal(t, 1, f.paper.CountOrders(models.SideBuy, broker.OrderTypeMarket))

	again, err := f.manager.ExitLeg(ctx, leg)
	require.NoError(t, err)
	assert.Equal(t, 90.0, again)
	assert.Equal(t, 1, f.paper.CountOrders(models.SideBuy, broker.OrderTypeMarket))
}

func TestExitLeg_FailedBuyBackRestoresStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	leg, err := f.manager.EnterLeg(ctx, f.put, 25, 29)
	require.NoError(t, err)
	original := leg.StopOrderID

	f.rec.buyErr = errors.New("exchange closed")
	_, err = f.manager.ExitLeg(ctx, leg)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLegUnprotected)

	assert.True(t, leg.IsOpen())
	require.NotEqual(t, original, leg.StopOrderID)
	status, err := f.paper.OrderStatus(ctx, original)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusCancelled, status.Status)
	status, err = f.paper.OrderStatus(ctx, leg.StopOrderID)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusTriggerPending, status.Status)
	assert.Equal(t, 127.0, leg.StopTrigger)
	assert.Equal(t, 128.0, leg.StopLimit)

	f.rec.buyErr = nil
	price, err := f.manager.ExitLeg(ctx, leg)
	require.NoError(t, err)
	assert.Equal(t, 98.0, price)
}

func TestExitLeg_RestoredStopStaysAboveLTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	leg, err := f.manager.EnterLeg(ctx, f.put, 25, 29)
	require.NoError(t, err)

	// The stop is gone and the price has run past its old trigger.
	require.NoError(t, f.manager.CancelStop(ctx, leg))
	leg.StopOrderID = ""
	f.data.SetPrice(f.put.ID, 140)
	f.rec.buyErr = errors.New("exchange closed")

	_, err = f.manager.ExitLeg(ctx, leg)
	require.Error(t, err)
	assert.Equal(t, 141.0, leg.StopTrigger)
	assert.Equal(t, 142.0, leg.StopLimit)
	assert.NotEmpty(t, leg.StopOrderID)
}

func TestExitLeg_UnprotectedWhenStopCannotBeRestored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	leg, err := f.manager.EnterLeg(ctx, f.put, 25, 29)
	require.NoError(t, err)

	f.rec.buyErr = errors.New("exchange closed")
	f.rec.stopErr = errors.New("margin exceeded")
	_, err = f.manager.ExitLeg(ctx, leg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLegUnprotected)
	assert.True(t, leg.IsOpen())
	assert.Empty(t, leg.StopOrderID)
}

func TestExitLeg_StopAlreadyFilled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	leg, err := f.manager.EnterLeg(ctx, f.call, 25, 30)
	require.NoError(t, err)

	f.data.SetPrice(f.call.ID, 130.5)
	price, err := f.manager.ExitLeg(ctx, leg)
	require.NoError(t, err)
	assert.Equal(t, 130.5, price)
	assert.Equal(t, 0, f.paper.CountOrders(models.SideBuy, broker.OrderTypeMarket))
}

func TestBuyHedge(t *testing.T) {
	f := newFixture(t)
	hedge := mock.Contract(models.OptionTypeCall, 24600, f.call.Expiry)
	f.data.AddContract(hedge, 140)

	leg, err := f.manager.BuyHedge(context.Background(), hedge, 25)
	require.NoError(t, err)
	assert.Equal(t, 140.0, leg.EntryPrice)
	assert.Equal(t, hedge.ID, leg.Contract.ID)
	assert.Equal(t, 1, f.paper.CountOrders(models.SideBuy, broker.OrderTypeMarket))

	_, err = f.manager.BuyHedge(context.Background(), mock.Contract(models.OptionTypePut, 30000, f.call.Expiry), 25)
	assert.ErrorIs(t, err, broker.ErrQuoteUnavailable)
}
