package broker

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"github.com/eddiefleurent/nifty_strangler/internal/models"
)

const (
	varietyRegular = "regular"
	varietyAMO     = "amo"
	validityDay    = "DAY"
	segmentOptions = "NFO-OPT"
)

// kiteClient is the subset of *kiteconnect.Client used by KiteBroker.
type kiteClient interface {
	GetInstrumentsByExchange(exchange string) (kiteconnect.Instruments, error)
	GetQuote(instruments ...string) (kiteconnect.Quote, error)
	GetHistoricalData(instrumentToken int, interval string, fromDate time.Time, toDate time.Time, continuous bool, OI bool) ([]kiteconnect.HistoricalData, error)
	PlaceOrder(variety string, orderParams kiteconnect.OrderParams) (kiteconnect.OrderResponse, error)
	ModifyOrder(variety string, orderID string, orderParams kiteconnect.OrderParams) (kiteconnect.OrderResponse, error)
	CancelOrder(variety string, orderID string, parentOrderID *string) (kiteconnect.OrderResponse, error)
	GetOrderHistory(OrderID string) ([]kiteconnect.Order, error)
}

var _ kiteClient = (*kiteconnect.Client)(nil)

// KiteConfig holds the Kite Connect adapter settings.
type KiteConfig struct {
	APIKey          string
	AccessToken     string
	Underlying      string // instrument name, e.g. NIFTY
	UnderlyingQuote string // e.g. "NSE:NIFTY 50"
	VolatilityQuote string // e.g. "NSE:INDIA VIX"
	Product         string // NRML or MIS
	RequestTimeout  time.Duration
}

// KiteBroker implements Broker on top of Zerodha Kite Connect.
type KiteBroker struct {
	client kiteClient
	cfg    KiteConfig

	mu          sync.RWMutex
	tokens      map[string]int      // instrument id -> instrument token
	orderParams map[string]kiteMeta // order id -> what we sent
}

type kiteMeta struct {
	variety string
	params  kiteconnect.OrderParams
}

// Ensure KiteBroker implements Broker at compile time.
var _ Broker = (*KiteBroker)(nil)

// NewKiteBroker creates a Kite adapter with an authenticated client.
func NewKiteBroker(cfg KiteConfig) *KiteBroker {
	client := kiteconnect.New(cfg.APIKey)
	client.SetAccessToken(cfg.AccessToken)
	if cfg.RequestTimeout > 0 {
		client.SetHTTPClient(&http.Client{Timeout: cfg.RequestTimeout})
	}
	return newKiteBrokerWithClient(client, cfg)
}

func newKiteBrokerWithClient(client kiteClient, cfg KiteConfig) *KiteBroker {
	if cfg.Product == "" {
		cfg.Product = "NRML"
	}
	return &KiteBroker{
		client:      client,
		cfg:         cfg,
		tokens:      make(map[string]int),
		orderParams: make(map[string]kiteMeta),
	}
}

func kiteError(op string, err error) error {
	if err == nil {
		return nil
	}
	apiErr := &APIError{Op: op, Type: "KiteException", Message: err.Error()}
	if IsRateLimit(err) {
		apiErr.Status = 429
		apiErr.Type = "RateLimit"
	}
	return apiErr
}

// ListInstruments returns the option contracts for the configured underlying,
// sorted by expiry then strike.
func (k *KiteBroker) ListInstruments(ctx context.Context, exchange string) ([]models.OptionContract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	instruments, err := k.client.GetInstrumentsByExchange(exchange)
	if err != nil {
		return nil, kiteError("instruments", err)
	}

	var contracts []models.OptionContract
	tokens := make(map[string]int)
	for _, inst := range instruments {
		if inst.Exchange != exchange || inst.Segment != segmentOptions || inst.Name != k.cfg.Underlying {
			continue
		}
		var optType models.OptionType
		switch inst.InstrumentType {
		case "CE":
			optType = models.OptionTypeCall
		case "PE":
			optType = models.OptionTypePut
		default:
			continue
		}
		id := InstrumentID(inst.Exchange, inst.Tradingsymbol)
		tokens[id] = inst.InstrumentToken
		contracts = append(contracts, models.OptionContract{
			ID:            id,
			TradingSymbol: inst.Tradingsymbol,
			Underlying:    inst.Name,
			Exchange:      inst.Exchange,
			Type:          optType,
			Strike:        inst.StrikePrice,
			Expiry:        inst.Expiry.Time,
			LotSize:       inst.LotSize,
			TickSize:      inst.TickSize,
			Token:         uint32(inst.InstrumentToken),
		})
	}

	sort.SliceStable(contracts, func(i, j int) bool {
		if !contracts[i].Expiry.Equal(contracts[j].Expiry) {
			return contracts[i].Expiry.Before(contracts[j].Expiry)
		}
		return contracts[i].Strike < contracts[j].Strike
	})

	k.mu.Lock()
	for id, tok := range tokens {
		k.tokens[id] = tok
	}
	k.mu.Unlock()

	return contracts, nil
}

// Quote fetches the last traded price of one instrument.
func (k *KiteBroker) Quote(ctx context.Context, instrumentID string) (models.Quote, error) {
	if err := ctx.Err(); err != nil {
		return models.Quote{}, err
	}
	quotes, err := k.client.GetQuote(instrumentID)
	if err != nil {
		return models.Quote{}, kiteError("quote", err)
	}
	q, ok := quotes[instrumentID]
	if !ok || q.LastPrice <= 0 {
		return models.Quote{}, fmt.Errorf("%w: %s", ErrQuoteUnavailable, instrumentID)
	}
	return models.Quote{
		InstrumentID: instrumentID,
		LastPrice:    q.LastPrice,
		Timestamp:    q.LastTradeTime.Time,
	}, nil
}

// HistoricalCandles fetches OHLCV bars; the instrument must have been seen by
// ListInstruments so its token is known.
func (k *KiteBroker) HistoricalCandles(ctx context.Context, instrumentID string, from, to time.Time, interval string) ([]models.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k.mu.RLock()
	token, ok := k.tokens[instrumentID]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s has no known token", ErrInstrumentNotFound, instrumentID)
	}

	data, err := k.client.GetHistoricalData(token, interval, from, to, false, false)
	if err != nil {
		return nil, kiteError("historical", err)
	}
	candles := make([]models.Candle, len(data))
	for i, d := range data {
		candles[i] = models.Candle{
			Time:   d.Date.Time,
			Open:   d.Open,
			High:   d.High,
			Low:    d.Low,
			Close:  d.Close,
			Volume: int64(d.Volume),
		}
	}
	return candles, nil
}

// VolatilityIndex returns the India VIX level.
func (k *KiteBroker) VolatilityIndex(ctx context.Context) (float64, error) {
	q, err := k.Quote(ctx, k.cfg.VolatilityQuote)
	if err != nil {
		return 0, err
	}
	return q.LastPrice, nil
}

// UnderlyingPrice returns the index level.
func (k *KiteBroker) UnderlyingPrice(ctx context.Context) (float64, error) {
	q, err := k.Quote(ctx, k.cfg.UnderlyingQuote)
	if err != nil {
		return 0, err
	}
	return q.LastPrice, nil
}

// PlaceOrder sends a market or limit order, as an AMO when requested.
func (k *KiteBroker) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	orderType := req.Type
	if orderType == "" {
		orderType = OrderTypeMarket
	}
	params := kiteconnect.OrderParams{
		Exchange:        req.Contract.Exchange,
		Tradingsymbol:   req.Contract.TradingSymbol,
		TransactionType: string(req.Side),
		OrderType:       string(orderType),
		Product:         k.cfg.Product,
		Quantity:        req.Quantity,
		Validity:        validityDay,
		Tag:             req.Tag,
	}
	if orderType == OrderTypeLimit {
		params.Price = req.Price
	}
	variety := varietyRegular
	if req.AfterMarket {
		variety = varietyAMO
	}
	return k.place(variety, params)
}

// PlaceStopOrder sends an SL (stop-limit) order.
func (k *KiteBroker) PlaceStopOrder(ctx context.Context, req StopOrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := kiteconnect.OrderParams{
		Exchange:        req.Contract.Exchange,
		Tradingsymbol:   req.Contract.TradingSymbol,
		TransactionType: string(req.Side),
		OrderType:       string(OrderTypeSL),
		Product:         k.cfg.Product,
		Quantity:        req.Quantity,
		TriggerPrice:    req.TriggerPrice,
		Price:           req.LimitPrice,
		Validity:        validityDay,
		Tag:             req.Tag,
	}
	return k.place(varietyRegular, params)
}

func (k *KiteBroker) place(variety string, params kiteconnect.OrderParams) (string, error) {
	resp, err := k.client.PlaceOrder(variety, params)
	if err != nil {
		return "", kiteError("place_order", err)
	}
	k.mu.Lock()
	k.orderParams[resp.OrderID] = kiteMeta{variety: variety, params: params}
	k.mu.Unlock()
	return resp.OrderID, nil
}

// ModifyOrder moves a stop order's trigger and limit prices.
func (k *KiteBroker) ModifyOrder(ctx context.Context, orderID string, triggerPrice, limitPrice float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	meta := k.meta(orderID)
	params := kiteconnect.OrderParams{
		OrderType:    string(OrderTypeSL),
		Quantity:     meta.params.Quantity,
		TriggerPrice: triggerPrice,
		Price:        limitPrice,
		Validity:     validityDay,
	}
	resp, err := k.client.ModifyOrder(meta.variety, orderID, params)
	if err != nil {
		return "", kiteError("modify_order", err)
	}
	newID := resp.OrderID
	if newID == "" {
		newID = orderID
	}
	k.mu.Lock()
	meta.params.TriggerPrice = triggerPrice
	meta.params.Price = limitPrice
	k.orderParams[newID] = meta
	k.mu.Unlock()
	return newID, nil
}

// CancelOrder cancels a pending order.
func (k *KiteBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := k.client.CancelOrder(k.meta(orderID).variety, orderID, nil); err != nil {
		return kiteError("cancel_order", err)
	}
	return nil
}

// OrderStatus returns the last entry of the order's history.
func (k *KiteBroker) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return OrderStatus{}, err
	}
	history, err := k.client.GetOrderHistory(orderID)
	if err != nil {
		return OrderStatus{}, kiteError("order_history", err)
	}
	if len(history) == 0 {
		return OrderStatus{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	last := history[len(history)-1]
	return OrderStatus{
		OrderID:        orderID,
		Status:         strings.ToUpper(last.Status),
		Message:        last.StatusMessage,
		AveragePrice:   last.AveragePrice,
		FilledQuantity: last.FilledQuantity,
		UpdatedAt:      last.OrderTimestamp.Time,
	}, nil
}

func (k *KiteBroker) meta(orderID string) kiteMeta {
	k.mu.RLock()
	defer k.mu.RUnlock()
	meta, ok := k.orderParams[orderID]
	if !ok {
		meta.variety = varietyRegular
	}
	return meta
}
