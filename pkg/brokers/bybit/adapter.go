// Package bybit adapts ByBit v5 API wire shapes to the uniform broker
// model. Every v5 response nests its payload under {retCode, retMsg,
// result: {list: [...]}} and quotes all numbers as strings; a non-zero
// retCode is a broker-level failure even on HTTP 200.
package bybit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"broker-core/internal/httpclient"
	"broker-core/pkg/brokers/common"
)

const testSymbol = "BTCUSDT"

type Adapter struct {
	common.Base
}

func New(doer common.Doer) *Adapter {
	return &Adapter{Base: common.NewBase("bybit", "ByBit", doer)}
}

// envelope unwraps a v5 response, surfacing retCode failures.
func envelope(resp *httpclient.Response, op string) (map[string]any, error) {
	var raw map[string]any
	if err := resp.JSON(&raw); err != nil {
		return nil, fmt.Errorf("bybit %s: %w", op, err)
	}
	if code := common.Num(raw, "retCode"); code != 0 {
		return nil, fmt.Errorf("bybit %s: retCode %d: %s", op, int(code), common.Str(raw, "retMsg", "unknown"))
	}
	return common.Obj(raw, "result"), nil
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
		return fmt.Errorf("bybit connect: %w", err)
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
		return fmt.Errorf("bybit disconnect: %w", err)
	}
	a.SetStatus(common.StatusDisconnected, "")
	return nil
}

// AccountSummary reads the unified wallet balance. The summary keys off
// the USDT coin entry.
func (a *Adapter) AccountSummary(ctx context.Context) (common.AccountSummary, error) {
	resp, err := a.HTTP.Request(ctx, "/api/account/summary?broker=bybit", httpclient.RequestOptions{})
	if err != nil {
		return common.AccountSummary{}, fmt.Errorf("bybit account summary: %w", err)
	}
	result, err := envelope(resp, "account summary")
	if err != nil {
		return common.AccountSummary{}, err
	}
	accounts := common.Slice(result, "list")
	summary := common.AccountSummary{AccountID: "N/A", Currency: "USDT"}
	if len(accounts) == 0 {
		return summary, nil
	}
	account, _ := accounts[0].(map[string]any)
	summary.AccountID = common.Str(account, "accountType", "UNIFIED")
	for _, row := range common.Slice(account, "coin") {
		coin, ok := row.(map[string]any)
		if !ok || common.Str(coin, "coin", "") != "USDT" {
			continue
		}
		equity := common.Num(coin, "equity")
		summary.TotalCash = common.Num(coin, "walletBalance")
		summary.BuyingPower = common.Num(coin, "availableToWithdraw")
		summary.NetLiquidation = equity
		break
	}
	return summary, nil
}

// Positions maps v5 position rows. Size is unsigned with the direction
// in "side"; Sell positions become negative quantities.
func (a *Adapter) Positions(ctx context.Context) ([]common.Position, error) {
	resp, err := a.HTTP.Request(ctx, "/api/positions?broker=bybit", httpclient.RequestOptions{})
	if err != nil {
		return nil, fmt.Errorf("bybit positions: %w", err)
	}
	result, err := envelope(resp, "positions")
	if err != nil {
		return nil, err
	}
	rows := common.Slice(result, "list")
	out := make([]common.Position, 0, len(rows))
	for _, row := range rows {
		pos, ok := row.(map[string]any)
		if !ok {
			continue
		}
		size := common.Num(pos, "size")
		if size == 0 {
			continue
		}
		if common.Str(pos, "side", "Buy") == "Sell" {
			size = -size
		}
		mark := common.Num(pos, "markPrice")
		out = append(out, common.Position{
			Symbol:        common.Str(pos, "symbol", "N/A"),
			Quantity:      size,
			AvgCost:       common.Num(pos, "avgPrice"),
			MarketPrice:   mark,
			MarketValue:   size * mark,
			UnrealizedPnL: common.Num(pos, "unrealisedPnl"),
			Currency:      "USDT",
		})
	}
	return out, nil
}

func (a *Adapter) MarketData(ctx context.Context, symbol string) (common.MarketData, error) {
	path := "/api/market-data?broker=bybit&symbol=" + url.QueryEscape(symbol)
	resp, err := a.HTTP.Request(ctx, path, httpclient.RequestOptions{})
	if err != nil {
		return common.MarketData{}, fmt.Errorf("bybit market data %s: %w", symbol, err)
	}
	result, err := envelope(resp, "market data")
	if err != nil {
		return common.MarketData{}, err
	}
	tickers := common.Slice(result, "list")
	if len(tickers) == 0 {
		return common.MarketData{Symbol: symbol, Timestamp: time.Now()}, nil
	}
	ticker, _ := tickers[0].(map[string]any)
	return common.MarketData{
		Symbol:    common.Str(ticker, "symbol", symbol),
		Bid:       common.Num(ticker, "bid1Price"),
		Ask:       common.Num(ticker, "ask1Price"),
		Last:      common.Num(ticker, "lastPrice"),
		Volume:    common.Num(ticker, "volume24h"),
		Timestamp: time.Now(),
	}, nil
}

// HistoricalData maps v5 klines. Rows are positional string arrays
// [startMs, open, high, low, close, volume, turnover], newest first, so
// the series is reversed into chronological order.
func (a *Adapter) HistoricalData(ctx context.Context, symbol, interval string, bars int) (common.HistoricalData, error) {
	path := fmt.Sprintf("/api/historical-data?broker=bybit&symbol=%s&interval=%s&bars=%d",
		url.QueryEscape(symbol), url.QueryEscape(interval), bars)
	resp, err := a.HTTP.Request(ctx, path, httpclient.RequestOptions{})
	if err != nil {
		return common.HistoricalData{}, fmt.Errorf("bybit historical data %s: %w", symbol, err)
	}
	result, err := envelope(resp, "historical data")
	if err != nil {
		return common.HistoricalData{}, err
	}
	rows := common.Slice(result, "list")
	out := common.HistoricalData{
		Symbol:   common.Str(result, "symbol", symbol),
		Interval: interval,
		Bars:     make([]common.Bar, 0, len(rows)),
	}
	for i := len(rows) - 1; i >= 0; i-- {
		cols, ok := rows[i].([]any)
		if !ok || len(cols) < 6 {
			continue
		}
		out.Bars = append(out.Bars, common.Bar{
			Time:   time.UnixMilli(int64(col(cols, 0))),
			Open:   col(cols, 1),
			High:   col(cols, 2),
			Low:    col(cols, 3),
			Close:  col(cols, 4),
			Volume: col(cols, 5),
		})
	}
	return out, nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	side := "Buy"
	if req.Side == common.SideSell {
		side = "Sell"
	}
	resp, err := a.HTTP.Request(ctx, "/api/trade", httpclient.RequestOptions{
		Method: http.MethodPost,
		Body: map[string]any{
			"broker":      "bybit",
			"symbol":      req.Symbol,
			"side":        side,
			"orderType":   titleCase(string(req.Type)),
			"qty":         fmt.Sprintf("%g", req.Quantity),
			"price":       fmt.Sprintf("%g", req.Price),
			"orderLinkId": req.ClientID,
		},
	})
	if err != nil {
		return common.Order{}, fmt.Errorf("bybit place order: %w", err)
	}
	result, err := envelope(resp, "place order")
	if err != nil {
		return common.Order{}, err
	}
	return common.Order{
		OrderID:   common.Str(result, "orderId", "N/A"),
		ClientID:  common.Str(result, "orderLinkId", req.ClientID),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     req.Price,
		Status:    common.OrderNew,
		CreatedAt: time.Now(),
	}, nil
}

func (a *Adapter) OrderStatus(ctx context.Context, orderID string) (common.Order, error) {
	resp, err := a.HTTP.Request(ctx, "/api/orders/"+url.PathEscape(orderID)+"?broker=bybit", httpclient.RequestOptions{})
	if err != nil {
		return common.Order{}, fmt.Errorf("bybit order status %s: %w", orderID, err)
	}
	result, err := envelope(resp, "order status")
	if err != nil {
		return common.Order{}, err
	}
	orders := common.Slice(result, "list")
	if len(orders) == 0 {
		return common.Order{OrderID: orderID, Status: common.OrderUnknown}, nil
	}
	order, _ := orders[0].(map[string]any)
	side := common.SideBuy
	if common.Str(order, "side", "Buy") == "Sell" {
		side = common.SideSell
	}
	return common.Order{
		OrderID:   common.Str(order, "orderId", orderID),
		ClientID:  common.Str(order, "orderLinkId", ""),
		Symbol:    common.Str(order, "symbol", "N/A"),
		Side:      side,
		Type:      common.OrderType(common.Str(order, "orderType", "")),
		Quantity:  common.Num(order, "qty"),
		Filled:    common.Num(order, "cumExecQty"),
		Price:     common.Num(order, "price"),
		Status:    translateStatus(common.Str(order, "orderStatus", "")),
		CreatedAt: time.UnixMilli(int64(common.Num(order, "createdTime"))),
	}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string) error {
	resp, err := a.HTTP.Request(ctx, "/api/orders/"+url.PathEscape(orderID)+"/cancel", httpclient.RequestOptions{
		Method: http.MethodPost,
		Body:   map[string]any{"broker": "bybit"},
	})
	if err != nil {
		return fmt.Errorf("bybit cancel order %s: %w", orderID, err)
	}
	_, err = envelope(resp, "cancel order")
	return err
}

func (a *Adapter) RunSelfTests(ctx context.Context) []common.TestResult {
	return []common.TestResult{
		common.RunTest("api reachable", common.TestConnection, func() error {
			_, err := a.HTTP.Request(ctx, "/api/broker/status?broker=bybit", httpclient.RequestOptions{})
			return err
		}),
		common.RunTest("ticker lookup", common.TestMarketData, func() error {
			md, err := a.MarketData(ctx, testSymbol)
			if err != nil {
				return err
			}
			if md.Last == 0 {
				return fmt.Errorf("empty ticker for %s", testSymbol)
			}
			return nil
		}),
		common.RunTest("wallet balance", common.TestAccount, func() error {
			_, err := a.AccountSummary(ctx)
			return err
		}),
	}
}

func translateStatus(s string) common.OrderStatus {
	switch s {
	case "New", "Created", "Untriggered":
		return common.OrderNew
	case "PartiallyFilled":
		return common.OrderPartial
	case "Filled":
		return common.OrderFilled
	case "Cancelled", "Deactivated":
		return common.OrderCancelled
	case "Rejected":
		return common.OrderRejected
	default:
		return common.OrderUnknown
	}
}

// col reads one positional kline column, quoted or not.
func col(cols []any, i int) float64 {
	return common.AnyNum(cols[i])
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	switch s {
	case string(common.OrderTypeMarket):
		return "Market"
	case string(common.OrderTypeLimit):
		return "Limit"
	default:
		return s
	}
}
