// Package mt5 adapts MetaTrader 5 terminal wire shapes to the uniform
// broker model. MT5 reports snake_case fields, lot-denominated unsigned
// volumes with a separate position type, and P&L under "profit".
package mt5

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"broker-core/internal/httpclient"
	"broker-core/pkg/brokers/common"
)

const testSymbol = "EURUSD"

type Adapter struct {
	common.Base
}

func New(doer common.Doer) *Adapter {
	return &Adapter{Base: common.NewBase("mt5", "MetaTrader 5", doer)}
}

func (a *Adapter) Connect(ctx context.Context, credentials map[string]string) error {
	a.SetStatus(common.StatusConnecting, "")
	_, err := a.HTTP.Request(ctx, "/api/broker/connect", httpclient.RequestOptions{
		Method: http.MethodPost,
		Body: map[string]any{
			"broker":      a.BrokerID,
			"credentials": credentials,
		},
	})
	if err != nil {
		a.SetStatus(common.StatusError, err.Error())
		return fmt.Errorf("mt5 connect: %w", err)
	}
	a.SetStatus(common.StatusConnected, "")
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	_, err := a.HTTP.Request(ctx, "/api/broker/disconnect", httpclient.RequestOptions{
		Method: http.MethodPost,
		Body:   map[string]any{"broker": a.BrokerID},
	})
	if err != nil {
		return fmt.Errorf("mt5 disconnect: %w", err)
	}
	a.SetStatus(common.StatusDisconnected, "")
	return nil
}

// AccountSummary maps the terminal account info. The account id is the
// numeric login; equity doubles as net liquidation.
func (a *Adapter) AccountSummary(ctx context.Context) (common.AccountSummary, error) {
	resp, err := a.HTTP.Request(ctx, "/api/account/summary?broker=mt5", httpclient.RequestOptions{})
	if err != nil {
		return common.AccountSummary{}, fmt.Errorf("mt5 account summary: %w", err)
	}
	var raw map[string]any
	if err := resp.JSON(&raw); err != nil {
		return common.AccountSummary{}, fmt.Errorf("mt5 account summary: %w", err)
	}
	accountID := "N/A"
	if login := common.Num(raw, "login"); login > 0 {
		accountID = strconv.FormatInt(int64(login), 10)
	}
	return common.AccountSummary{
		AccountID:      accountID,
		TotalCash:      common.Num(raw, "balance"),
		BuyingPower:    common.Num(raw, "margin_free"),
		NetLiquidation: common.Num(raw, "equity"),
		Currency:       common.Str(raw, "currency", "USD"),
	}, nil
}

// Positions maps terminal position rows. Volume is unsigned lots with the
// direction in "type"; sells become negative quantities.
func (a *Adapter) Positions(ctx context.Context) ([]common.Position, error) {
	resp, err := a.HTTP.Request(ctx, "/api/positions?broker=mt5", httpclient.RequestOptions{})
	if err != nil {
		return nil, fmt.Errorf("mt5 positions: %w", err)
	}
	var raw map[string]any
	if err := resp.JSON(&raw); err != nil {
		return nil, fmt.Errorf("mt5 positions: %w", err)
	}
	rows := common.Slice(raw, "positions")
	out := make([]common.Position, 0, len(rows))
	for _, row := range rows {
		pos, ok := row.(map[string]any)
		if !ok {
			continue
		}
		volume := common.Num(pos, "volume")
		if common.Str(pos, "type", "buy") == "sell" {
			volume = -volume
		}
		price := common.Num(pos, "price_current")
		out = append(out, common.Position{
			Symbol:        common.Str(pos, "symbol", "N/A"),
			Quantity:      volume,
			AvgCost:       common.Num(pos, "price_open"),
			MarketPrice:   price,
			MarketValue:   volume * price,
			UnrealizedPnL: common.Num(pos, "profit"),
			Currency:      common.Str(pos, "currency", "USD"),
		})
	}
	return out, nil
}

func (a *Adapter) MarketData(ctx context.Context, symbol string) (common.MarketData, error) {
	path := "/api/market-data?broker=mt5&symbol=" + url.QueryEscape(symbol)
	resp, err := a.HTTP.Request(ctx, path, httpclient.RequestOptions{})
	if err != nil {
		return common.MarketData{}, fmt.Errorf("mt5 market data %s: %w", symbol, err)
	}
	var raw map[string]any
	if err := resp.JSON(&raw); err != nil {
		return common.MarketData{}, fmt.Errorf("mt5 market data %s: %w", symbol, err)
	}
	md := common.MarketData{
		Symbol:    common.Str(raw, "symbol", symbol),
		Bid:       common.Num(raw, "bid"),
		Ask:       common.Num(raw, "ask"),
		Last:      common.Num(raw, "last"),
		Volume:    common.Num(raw, "volume"),
		Timestamp: time.Now(),
	}
	// Ticks without trades carry no last price; midpoint stands in.
	if md.Last == 0 && md.Bid > 0 && md.Ask > 0 {
		md.Last = (md.Bid + md.Ask) / 2
	}
	return md, nil
}

func (a *Adapter) HistoricalData(ctx context.Context, symbol, interval string, bars int) (common.HistoricalData, error) {
	path := fmt.Sprintf("/api/historical-data?broker=mt5&symbol=%s&interval=%s&bars=%d",
		url.QueryEscape(symbol), url.QueryEscape(interval), bars)
	resp, err := a.HTTP.Request(ctx, path, httpclient.RequestOptions{})
	if err != nil {
		return common.HistoricalData{}, fmt.Errorf("mt5 historical data %s: %w", symbol, err)
	}
	var raw map[string]any
	if err := resp.JSON(&raw); err != nil {
		return common.HistoricalData{}, fmt.Errorf("mt5 historical data %s: %w", symbol, err)
	}
	out := common.HistoricalData{
		Symbol:   common.Str(raw, "symbol", symbol),
		Interval: interval,
	}
	for _, row := range common.Slice(raw, "bars") {
		bar, ok := row.(map[string]any)
		if !ok {
			continue
		}
		out.Bars = append(out.Bars, common.Bar{
			Time:   time.Unix(int64(common.Num(bar, "time")), 0),
			Open:   common.Num(bar, "open"),
			High:   common.Num(bar, "high"),
			Low:    common.Num(bar, "low"),
			Close:  common.Num(bar, "close"),
			Volume: common.Num(bar, "tick_volume"),
		})
	}
	return out, nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	resp, err := a.HTTP.Request(ctx, "/api/trade", httpclient.RequestOptions{
		Method: http.MethodPost,
		Body: map[string]any{
			"broker": "mt5",
			"symbol": req.Symbol,
			"action": string(req.Side),
			"type":   string(req.Type),
			"volume": req.Quantity,
			"price":  req.Price,
		},
	})
	if err != nil {
		return common.Order{}, fmt.Errorf("mt5 place order: %w", err)
	}
	var raw map[string]any
	if err := resp.JSON(&raw); err != nil {
		return common.Order{}, fmt.Errorf("mt5 place order: %w", err)
	}
	return a.translateOrder(raw, req), nil
}

func (a *Adapter) OrderStatus(ctx context.Context, orderID string) (common.Order, error) {
	resp, err := a.HTTP.Request(ctx, "/api/orders/"+url.PathEscape(orderID)+"?broker=mt5", httpclient.RequestOptions{})
	if err != nil {
		return common.Order{}, fmt.Errorf("mt5 order status %s: %w", orderID, err)
	}
	var raw map[string]any
	if err := resp.JSON(&raw); err != nil {
		return common.Order{}, fmt.Errorf("mt5 order status %s: %w", orderID, err)
	}
	return a.translateOrder(raw, common.OrderRequest{}), nil
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string) error {
	_, err := a.HTTP.Request(ctx, "/api/orders/"+url.PathEscape(orderID)+"/cancel", httpclient.RequestOptions{
		Method: http.MethodPost,
		Body:   map[string]any{"broker": "mt5"},
	})
	if err != nil {
		return fmt.Errorf("mt5 cancel order %s: %w", orderID, err)
	}
	return nil
}

func (a *Adapter) RunSelfTests(ctx context.Context) []common.TestResult {
	return []common.TestResult{
		common.RunTest("terminal reachable", common.TestConnection, func() error {
			_, err := a.HTTP.Request(ctx, "/api/broker/status?broker=mt5", httpclient.RequestOptions{})
			return err
		}),
		common.RunTest("tick lookup", common.TestMarketData, func() error {
			md, err := a.MarketData(ctx, testSymbol)
			if err != nil {
				return err
			}
			if md.Bid == 0 && md.Ask == 0 {
				return fmt.Errorf("empty tick for %s", testSymbol)
			}
			return nil
		}),
		common.RunTest("account summary", common.TestAccount, func() error {
			_, err := a.AccountSummary(ctx)
			return err
		}),
	}
}

// translateOrder maps terminal order fields. The order id is the numeric
// ticket; filled volume comes back under volume_current.
func (a *Adapter) translateOrder(raw map[string]any, req common.OrderRequest) common.Order {
	orderID := "N/A"
	if ticket := common.Num(raw, "ticket"); ticket > 0 {
		orderID = strconv.FormatInt(int64(ticket), 10)
	}
	quantity := common.Num(raw, "volume_initial")
	if quantity == 0 {
		quantity = common.Num(raw, "volume")
	}
	if quantity == 0 {
		quantity = req.Quantity
	}
	price := common.Num(raw, "price_open")
	if price == 0 {
		price = req.Price
	}
	return common.Order{
		OrderID:   orderID,
		Symbol:    common.Str(raw, "symbol", req.Symbol),
		Side:      common.Side(common.Str(raw, "action", string(req.Side))),
		Type:      common.OrderType(common.Str(raw, "type", string(req.Type))),
		Quantity:  quantity,
		Filled:    common.Num(raw, "volume_current"),
		Price:     price,
		Status:    translateStatus(common.Str(raw, "state", "")),
		CreatedAt: time.Now(),
	}
}

func translateStatus(s string) common.OrderStatus {
	switch s {
	case "placed", "started":
		return common.OrderNew
	case "partial":
		return common.OrderPartial
	case "filled":
		return common.OrderFilled
	case "canceled", "expired":
		return common.OrderCancelled
	case "rejected":
		return common.OrderRejected
	default:
		return common.OrderUnknown
	}
}
