package bybit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"broker-core/internal/httpclient"
)

func newAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := httpclient.DefaultConfig(srv.URL)
	cfg.MaxRetries = 0
	return New(httpclient.New(cfg, nil, nil))
}

func TestAccountSummaryUnwrapsUSDTCoin(t *testing.T) {
	a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"retCode": 0, "retMsg": "OK",
			"result": {"list": [{
				"accountType": "UNIFIED",
				"coin": [
					{"coin": "BTC", "equity": "0.5", "walletBalance": "0.5", "availableToWithdraw": "0.5"},
					{"coin": "USDT", "equity": "12500.75", "walletBalance": "12000", "availableToWithdraw": "9800.25"}
				]
			}]}
		}`))
	}))

	summary, err := a.AccountSummary(context.Background())
	if err != nil {
		t.Fatalf("account summary: %v", err)
	}
	if summary.NetLiquidation != 12500.75 {
		t.Fatalf("netLiquidation = %v, want 12500.75", summary.NetLiquidation)
	}
	if summary.BuyingPower != 9800.25 {
		t.Fatalf("buyingPower = %v, want 9800.25", summary.BuyingPower)
	}
	if summary.Currency != "USDT" {
		t.Fatalf("currency = %q", summary.Currency)
	}
}

func TestPositionsSignAndSkipEmpty(t *testing.T) {
	a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"retCode": 0,
			"result": {"list": [
				{"symbol": "BTCUSDT", "side": "Sell", "size": "0.25", "avgPrice": "60000", "markPrice": "59000", "unrealisedPnl": "250"},
				{"symbol": "ETHUSDT", "side": "Buy", "size": "0"},
				{"symbol": "SOLUSDT", "side": "Buy", "size": "10", "avgPrice": "150", "markPrice": "155", "unrealisedPnl": "50"}
			]}
		}`))
	}))

	positions, err := a.Positions(context.Background())
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("positions = %d, want empty row skipped", len(positions))
	}
	if positions[0].Quantity != -0.25 {
		t.Fatalf("short quantity = %v, want -0.25", positions[0].Quantity)
	}
	if positions[1].Quantity != 10 {
		t.Fatalf("long quantity = %v, want 10", positions[1].Quantity)
	}
}

func TestHistoricalDataReversesKlines(t *testing.T) {
	a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Newest first, as the venue sends them.
		w.Write([]byte(`{
			"retCode": 0,
			"result": {"symbol": "BTCUSDT", "list": [
				["1700000120000", "102", "103", "101", "102.5", "12"],
				["1700000060000", "101", "102", "100", "102", "10"],
				["1700000000000", "100", "101", "99", "101", "8"]
			]}
		}`))
	}))

	hist, err := a.HistoricalData(context.Background(), "BTCUSDT", "1m", 3)
	if err != nil {
		t.Fatalf("historical data: %v", err)
	}
	if len(hist.Bars) != 3 {
		t.Fatalf("bars = %d, want 3", len(hist.Bars))
	}
	if !hist.Bars[0].Time.Before(hist.Bars[2].Time) {
		t.Fatal("bars not in chronological order")
	}
	if hist.Bars[0].Open != 100 || hist.Bars[2].Close != 102.5 {
		t.Fatalf("bar values wrong: first open %v, last close %v", hist.Bars[0].Open, hist.Bars[2].Close)
	}
}

func TestRetCodeFailureSurfacesRetMsg(t *testing.T) {
	a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode": 10003, "retMsg": "API key is invalid", "result": {}}`))
	}))

	_, err := a.Positions(context.Background())
	if err == nil {
		t.Fatal("expected retCode failure")
	}
	if !strings.Contains(err.Error(), "API key is invalid") {
		t.Fatalf("error %q does not carry retMsg", err)
	}
}

func TestOrderStatusTranslation(t *testing.T) {
	a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"retCode": 0,
			"result": {"list": [{
				"orderId": "abc-123", "symbol": "BTCUSDT", "side": "Sell",
				"orderType": "Limit", "qty": "1.5", "cumExecQty": "0.5",
				"price": "61000", "orderStatus": "PartiallyFilled",
				"createdTime": "1700000000000"
			}]}
		}`))
	}))

	order, err := a.OrderStatus(context.Background(), "abc-123")
	if err != nil {
		t.Fatalf("order status: %v", err)
	}
	if order.Status != "PARTIAL" {
		t.Fatalf("status = %q, want PARTIAL", order.Status)
	}
	if order.Filled != 0.5 || order.Quantity != 1.5 {
		t.Fatalf("filled=%v qty=%v", order.Filled, order.Quantity)
	}
	if order.CreatedAt != time.UnixMilli(1700000000000) {
		t.Fatalf("createdAt = %v", order.CreatedAt)
	}
}

// With the backend down the adapter reads synthesized responses through
// the fallback client; they must carry the v5 envelope it decodes.
func TestMockFallbackDecodesThroughAdapter(t *testing.T) {
	cfg := httpclient.DefaultConfig("http://127.0.0.1:1") // nothing listens
	cfg.MaxRetries = 0
	cfg.Timeout = time.Second
	fcfg := httpclient.DefaultFallbackConfig()
	fcfg.HealthTimeout = 200 * time.Millisecond
	fcfg.MockDelay = 0
	a := New(httpclient.NewFallback(httpclient.New(cfg, nil, nil), fcfg))

	summary, err := a.AccountSummary(context.Background())
	if err != nil {
		t.Fatalf("AccountSummary: %v", err)
	}
	if summary.TotalCash == 0 || summary.NetLiquidation == 0 {
		t.Fatalf("mock wallet decoded to zeros: %+v", summary)
	}
	if summary.Currency != "USDT" {
		t.Fatalf("currency = %q, want USDT", summary.Currency)
	}

	md, err := a.MarketData(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("MarketData: %v", err)
	}
	if md.Last == 0 || md.Bid == 0 || md.Ask == 0 {
		t.Fatalf("mock ticker decoded to zeros: %+v", md)
	}

	hist, err := a.HistoricalData(context.Background(), "BTCUSDT", "60", 30)
	if err != nil {
		t.Fatalf("HistoricalData: %v", err)
	}
	if len(hist.Bars) == 0 {
		t.Fatal("mock klines decoded to no bars")
	}
	for i := 1; i < len(hist.Bars); i++ {
		if hist.Bars[i].Time.Before(hist.Bars[i-1].Time) {
			t.Fatalf("bars not chronological at %d", i)
		}
	}
}
