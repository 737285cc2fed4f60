package ibkr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"broker-core/internal/httpclient"
	"broker-core/pkg/brokers/common"
)

func newAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := httpclient.DefaultConfig(srv.URL)
	cfg.MaxRetries = 0
	return New(httpclient.New(cfg, nil, nil))
}

func TestAccountSummaryParsesQuotedNumbers(t *testing.T) {
	a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"accountId": "DU1234567",
			"totalCashValue": "50000.25",
			"buyingPower": "200001.00",
			"netLiquidation": "75300.50",
			"currency": "USD"
		}`))
	}))

	summary, err := a.AccountSummary(context.Background())
	if err != nil {
		t.Fatalf("account summary: %v", err)
	}
	if summary.AccountID != "DU1234567" {
		t.Fatalf("accountId = %q", summary.AccountID)
	}
	if summary.NetLiquidation != 75300.50 {
		t.Fatalf("netLiquidation = %v, want 75300.50", summary.NetLiquidation)
	}
	if summary.BuyingPower != 200001 {
		t.Fatalf("buyingPower = %v", summary.BuyingPower)
	}
}

func TestAccountSummaryMissingFieldsDefault(t *testing.T) {
	a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))

	summary, err := a.AccountSummary(context.Background())
	if err != nil {
		t.Fatalf("account summary: %v", err)
	}
	if summary.AccountID != "N/A" {
		t.Fatalf("accountId = %q, want N/A", summary.AccountID)
	}
	if summary.TotalCash != 0 || summary.Currency != "USD" {
		t.Fatalf("defaults wrong: %+v", summary)
	}
}

func TestPositionsKeepSignedQuantity(t *testing.T) {
	a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"positions": [
			{"symbol": "AAPL", "position": 100, "avgCost": "150.25", "marketPrice": "155.00", "marketValue": "15500", "unrealizedPNL": "475", "currency": "USD"},
			{"symbol": "TSLA", "position": -50, "avgCost": "240.00", "marketPrice": "230.00", "marketValue": "-11500", "unrealizedPNL": "500"}
		]}`))
	}))

	positions, err := a.Positions(context.Background())
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("positions = %d", len(positions))
	}
	if positions[1].Quantity != -50 {
		t.Fatalf("short quantity = %v, want -50", positions[1].Quantity)
	}
	if positions[0].UnrealizedPnL != 475 {
		t.Fatalf("pnl = %v", positions[0].UnrealizedPnL)
	}
}

func TestPlaceOrderSendsGatewayShape(t *testing.T) {
	var got map[string]any
	a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/trade" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"orderId": "42", "status": "Submitted", "totalQuantity": 10, "lmtPrice": 150.5}`))
	}))

	order, err := a.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol:   "AAPL",
		Side:     common.SideBuy,
		Type:     common.OrderTypeLimit,
		Quantity: 10,
		Price:    150.5,
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if got["action"] != "BUY" || got["totalQuantity"] != float64(10) {
		t.Fatalf("request body = %v", got)
	}
	if order.OrderID != "42" || order.Status != common.OrderNew {
		t.Fatalf("order = %+v", order)
	}
}

func TestSelfTestsCaptureFailure(t *testing.T) {
	a := newAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/account/summary" {
			http.Error(w, "gateway down", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"symbol": "AAPL", "last": 150}`))
	}))

	results := a.RunSelfTests(context.Background())
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	byName := map[string]common.TestResult{}
	for _, r := range results {
		byName[r.Name] = r
	}
	if !byName["quote lookup"].Passed {
		t.Fatalf("quote lookup failed: %s", byName["quote lookup"].Message)
	}
	account := byName["account summary"]
	if account.Passed || account.Message == "" {
		t.Fatalf("account test = %+v, want captured failure", account)
	}
}
