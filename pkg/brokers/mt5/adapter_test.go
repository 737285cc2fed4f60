package mt5

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

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

func TestAccountSummaryMapsTerminalFields(t *testing.T) {
	a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"login": 5001234,
			"balance": 10000.50,
			"equity": 10250.75,
			"margin_free": 9800,
			"currency": "EUR"
		}`))
	}))

	summary, err := a.AccountSummary(context.Background())
	if err != nil {
		t.Fatalf("account summary: %v", err)
	}
	if summary.AccountID != "5001234" {
		t.Fatalf("accountId = %q, want login as string", summary.AccountID)
	}
	if summary.NetLiquidation != 10250.75 {
		t.Fatalf("netLiquidation = %v, want equity", summary.NetLiquidation)
	}
	if summary.BuyingPower != 9800 || summary.Currency != "EUR" {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestPositionsSellVolumeNegative(t *testing.T) {
	a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"positions": [
			{"symbol": "EURUSD", "type": "buy", "volume": 1.5, "price_open": 1.0850, "price_current": 1.0900, "profit": 75},
			{"symbol": "GBPUSD", "type": "sell", "volume": 0.5, "price_open": 1.2700, "price_current": 1.2650, "profit": 25}
		]}`))
	}))

	positions, err := a.Positions(context.Background())
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("positions = %d", len(positions))
	}
	if positions[0].Quantity != 1.5 {
		t.Fatalf("long quantity = %v", positions[0].Quantity)
	}
	if positions[1].Quantity != -0.5 {
		t.Fatalf("short quantity = %v, want -0.5", positions[1].Quantity)
	}
	if positions[1].UnrealizedPnL != 25 {
		t.Fatalf("pnl = %v, want profit field", positions[1].UnrealizedPnL)
	}
}

func TestMarketDataMidpointWhenNoLast(t *testing.T) {
	a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol": "EURUSD", "bid": 1.0890, "ask": 1.0892, "volume": 120}`))
	}))

	md, err := a.MarketData(context.Background(), "EURUSD")
	if err != nil {
		t.Fatalf("market data: %v", err)
	}
	want := (1.0890 + 1.0892) / 2
	if md.Last != want {
		t.Fatalf("last = %v, want midpoint %v", md.Last, want)
	}
}

func TestOrderTranslationUsesTicket(t *testing.T) {
	a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"ticket": 123456789,
			"symbol": "EURUSD",
			"state": "partial",
			"volume_initial": 2.0,
			"volume_current": 0.5,
			"price_open": 1.0850
		}`))
	}))

	order, err := a.OrderStatus(context.Background(), "123456789")
	if err != nil {
		t.Fatalf("order status: %v", err)
	}
	if order.OrderID != "123456789" {
		t.Fatalf("orderId = %q, want ticket", order.OrderID)
	}
	if order.Quantity != 2.0 || order.Filled != 0.5 {
		t.Fatalf("qty=%v filled=%v", order.Quantity, order.Filled)
	}
	if order.Status != "PARTIAL" {
		t.Fatalf("status = %q", order.Status)
	}
}
