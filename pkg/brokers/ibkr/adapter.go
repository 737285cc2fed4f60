// Package ibkr adapts the Interactive Brokers gateway wire shapes to the
// uniform broker model. IBKR reports account values as quoted strings
// (e.g. "netLiquidation": "25000.50") and signed position quantities.
package ibkr

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"broker-core/internal/httpclient"
	"broker-core/pkg/brokers/common"
)

const testSymbol = "AAPL"

type Adapter struct {
	common.Base
}

func New(doer common.Doer) *Adapter {
	return &Adapter{Base: common.NewBase("ibkr", "Interactive Brokers", doer)}
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
		return fmt.Errorf("ibkr connect: %w", err)
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
		return fmt.Errorf("ibkr disconnect: %w", err)
	}
	a.SetStatus(common.StatusDisconnected, "")
	return nil
}

// AccountSummary reads the gateway account tags. All monetary tags arrive
// as quoted strings.
func (a *Adapter) AccountSummary(ctx context.Context) (common.AccountSummary, error) {
	resp, err := a.HTTP.Request(ctx, "/api/account/summary?broker=ibkr", httpclient.RequestOptions{})
	if err != nil {
		return common.AccountSummary{}, fmt.Errorf("ibkr account summary: %w", err)
	}
	var raw map[string]any
	if err := resp.JSON(&raw); err != nil {
		return common.AccountSummary{}, fmt.Errorf("ibkr account summary: %w", err)
	}
	return common.AccountSummary{
		AccountID:      common.Str(raw, "accountId", "N/A"),
		TotalCash:      common.Num(raw, "totalCashValue"),
		BuyingPower:    common.Num(raw, "buyingPower"),
		NetLiquidation: common.Num(raw, "netLiquidation"),
		Currency:       common.Str(raw, "currency", "USD"),
	}, nil
}

// Positions translates the gateway position rows. Quantity is already
// signed (short positions negative).
func (a *Adapter) Positions(ctx context.Context) ([]common.Position, error) {
	resp, err := a.HTTP.Request(ctx, "/api/positions?broker=ibkr", httpclient.RequestOptions{})
	if err != nil {
		return nil, fmt.Errorf("ibkr positions: %w", err)
	}
	var raw map[string]any
	if err := resp.JSON(&raw); err != nil {
		return nil, fmt.Errorf("ibkr positions: %w", err)
	}
	rows := common.Slice(raw, "positions")
	out := make([]common.Position, 0, len(rows))
	for _, row := range rows {
		pos, ok := row.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, common.Position{
			Symbol:        common.Str(pos, "symbol", "N/A"),
			Quantity:      common.Num(pos, "position"),
			AvgCost:       common.Num(pos, "avgCost"),
			MarketPrice:   common.Num(pos, "marketPrice"),
			MarketValue:   common.Num(pos, "marketValue"),
			UnrealizedPnL: common.Num(pos, "unrealizedPNL"),
			Currency:      common.Str(pos, "currency", "USD"),
		})
	}
	return out, nil
}

func (a *Adapter) MarketData(ctx context.Context, symbol string) (common.MarketData, error) {
	path := "/api/market-data?broker=ibkr&symbol=" + url.QueryEscape(symbol)
	resp, err := a.HTTP.Request(ctx, path, httpclient.RequestOptions{})
	if err != nil {
		return common.MarketData{}, fmt.Errorf("ibkr market data %s: %w", symbol, err)
	}
	var raw map[string]any
	if err := resp.JSON(&raw); err != nil {
		return common.MarketData{}, fmt.Errorf("ibkr market data %s: %w", symbol, err)
	}
	return common.MarketData{
		Symbol:    common.Str(raw, "symbol", symbol),
		Bid:       common.Num(raw, "bid"),
		Ask:       common.Num(raw, "ask"),
		Last:      common.Num(raw, "last"),
		Volume:    common.Num(raw, "volume"),
		Timestamp: time.Now(),
	}, nil
}

func (a *Adapter) HistoricalData(ctx context.Context, symbol, interval string, bars int) (common.HistoricalData, error) {
	path := fmt.Sprintf("/api/historical-data?broker=ibkr&symbol=%s&interval=%s&bars=%d",
		url.QueryEscape(symbol), url.QueryEscape(interval), bars)
	resp, err := a.HTTP.Request(ctx, path, httpclient.RequestOptions{})
	if err != nil {
		return common.HistoricalData{}, fmt.Errorf("ibkr historical data %s: %w", symbol, err)
	}
	var raw map[string]any
	if err := resp.JSON(&raw); err != nil {
		return common.HistoricalData{}, fmt.Errorf("ibkr historical data %s: %w", symbol, err)
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
			Time:   parseBarTime(bar),
			Open:   common.Num(bar, "open"),
			High:   common.Num(bar, "high"),
			Low:    common.Num(bar, "low"),
			Close:  common.Num(bar, "close"),
			Volume: common.Num(bar, "volume"),
		})
	}
	return out, nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	resp, err := a.HTTP.Request(ctx, "/api/trade", httpclient.RequestOptions{
		Method: http.MethodPost,
		Body: map[string]any{
			"broker":        "ibkr",
			"symbol":        req.Symbol,
			"action":        string(req.Side),
			"orderType":     string(req.Type),
			"totalQuantity": req.Quantity,
			"lmtPrice":      req.Price,
			"clientId":      req.ClientID,
		},
	})
	if err != nil {
		return common.Order{}, fmt.Errorf("ibkr place order: %w", err)
	}
	var raw map[string]any
	if err := resp.JSON(&raw); err != nil {
		return common.Order{}, fmt.Errorf("ibkr place order: %w", err)
	}
	return a.translateOrder(raw, req), nil
}

func (a *Adapter) OrderStatus(ctx context.Context, orderID string) (common.Order, error) {
	resp, err := a.HTTP.Request(ctx, "/api/orders/"+url.PathEscape(orderID)+"?broker=ibkr", httpclient.RequestOptions{})
	if err != nil {
		return common.Order{}, fmt.Errorf("ibkr order status %s: %w", orderID, err)
	}
	var raw map[string]any
	if err := resp.JSON(&raw); err != nil {
		return common.Order{}, fmt.Errorf("ibkr order status %s: %w", orderID, err)
	}
	return a.translateOrder(raw, common.OrderRequest{}), nil
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string) error {
	_, err := a.HTTP.Request(ctx, "/api/orders/"+url.PathEscape(orderID)+"/cancel", httpclient.RequestOptions{
		Method: http.MethodPost,
		Body:   map[string]any{"broker": "ibkr"},
	})
	if err != nil {
		return fmt.Errorf("ibkr cancel order %s: %w", orderID, err)
	}
	return nil
}

func (a *Adapter) RunSelfTests(ctx context.Context) []common.TestResult {
	return []common.TestResult{
		common.RunTest("gateway reachable", common.TestConnection, func() error {
			_, err := a.HTTP.Request(ctx, "/api/broker/status?broker=ibkr", httpclient.RequestOptions{})
			return err
		}),
		common.RunTest("quote lookup", common.TestMarketData, func() error {
			_, err := a.MarketData(ctx, testSymbol)
			return err
		}),
		common.RunTest("account summary", common.TestAccount, func() error {
			summary, err := a.AccountSummary(ctx)
			if err != nil {
				return err
			}
			if summary.AccountID == "N/A" {
				return fmt.Errorf("no account id reported")
			}
			return nil
		}),
	}
}

// translateOrder maps gateway order fields; the ack may echo only a
// subset, so the request fills the gaps.
func (a *Adapter) translateOrder(raw map[string]any, req common.OrderRequest) common.Order {
	order := common.Order{
		OrderID:   common.Str(raw, "orderId", "N/A"),
		ClientID:  common.Str(raw, "clientId", req.ClientID),
		Symbol:    common.Str(raw, "symbol", req.Symbol),
		Side:      common.Side(common.Str(raw, "action", string(req.Side))),
		Type:      common.OrderType(common.Str(raw, "orderType", string(req.Type))),
		Quantity:  common.Num(raw, "totalQuantity"),
		Filled:    common.Num(raw, "filled"),
		Price:     common.Num(raw, "lmtPrice"),
		Status:    translateStatus(common.Str(raw, "status", "")),
		CreatedAt: time.Now(),
	}
	if order.Quantity == 0 {
		order.Quantity = req.Quantity
	}
	if order.Price == 0 {
		order.Price = req.Price
	}
	return order
}

func translateStatus(s string) common.OrderStatus {
	switch s {
	case "PendingSubmit", "PreSubmitted", "Submitted":
		return common.OrderNew
	case "Filled":
		return common.OrderFilled
	case "Cancelled", "ApiCancelled":
		return common.OrderCancelled
	case "Inactive":
		return common.OrderRejected
	default:
		return common.OrderUnknown
	}
}

func parseBarTime(bar map[string]any) time.Time {
	if ms := common.Num(bar, "time"); ms > 0 {
		return time.UnixMilli(int64(ms))
	}
	return time.Time{}
}
