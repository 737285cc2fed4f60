package ibkr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"broker-core/internal/httpclient"
)

func newFlexService(t *testing.T, handler http.Handler, cfg FlexConfig) (*FlexService, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	clientCfg := httpclient.DefaultConfig(srv.URL)
	clientCfg.MaxRetries = 0
	svc := NewFlexService(httpclient.New(clientCfg, nil, nil), cfg)

	var sleeps []time.Duration
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return svc, &sleeps
}

func TestExecuteReturnsReferenceCode(t *testing.T) {
	svc, _ := newFlexService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/flex-query/execute" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"referenceCode": "9876543210", "status": "running"}`))
	}), FlexConfig{})

	query, err := svc.Execute(context.Background(), "trades")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if query.ReferenceCode != "9876543210" || query.Status != FlexRunning {
		t.Fatalf("query = %+v", query)
	}
}

func TestStatementPollsUntilReady(t *testing.T) {
	var hits atomic.Int32
	svc, sleeps := newFlexService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.Write([]byte(`{"status": "running"}`))
			return
		}
		w.Write([]byte(`{
			"status": "completed",
			"trades": [{"symbol": "AAPL", "quantity": 10}],
			"positions": [],
			"cashTransactions": [{"amount": -12.5}]
		}`))
	}), FlexConfig{PollInterval: 2 * time.Second, MaxPolls: 5})

	stmt, err := svc.Statement(context.Background(), "ref-1")
	if err != nil {
		t.Fatalf("statement: %v", err)
	}
	if len(stmt.Trades) != 1 || len(stmt.CashTransactions) != 1 {
		t.Fatalf("statement = %+v", stmt)
	}
	if len(*sleeps) != 2 {
		t.Fatalf("sleeps = %v, want 2 polls waited", *sleeps)
	}
}

func TestStatementGivesUpAfterPollBudget(t *testing.T) {
	svc, _ := newFlexService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "running"}`))
	}), FlexConfig{PollInterval: time.Second, MaxPolls: 3})

	_, err := svc.Statement(context.Background(), "ref-2")
	if !errors.Is(err, ErrFlexNotReady) {
		t.Fatalf("err = %v, want ErrFlexNotReady", err)
	}
}

func TestStatementSurfacesReportFailure(t *testing.T) {
	svc, _ := newFlexService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status": "failed", "error": "token expired"}`)
	}), FlexConfig{})

	_, err := svc.Statement(context.Background(), "ref-3")
	if err == nil || !strings.Contains(err.Error(), "token expired") {
		t.Fatalf("err = %v, want report failure", err)
	}
}
