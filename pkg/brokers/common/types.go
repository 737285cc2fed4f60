package common

import "time"

// ConnStatus normalizes broker connection state into a small set.
type ConnStatus string

const (
	StatusDisconnected ConnStatus = "disconnected"
	StatusConnecting   ConnStatus = "connecting"
	StatusConnected    ConnStatus = "connected"
	StatusError        ConnStatus = "error"
)

// Connection describes one broker link as shown to callers.
type Connection struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      ConnStatus `json:"status"`
	LastChecked time.Time  `json:"lastChecked"`
	Error       string     `json:"error,omitempty"`
}

// AccountSummary is the uniform account snapshot. Brokers that omit a
// field report the zero value, or "N/A" for the currency.
type AccountSummary struct {
	AccountID      string  `json:"accountId"`
	TotalCash      float64 `json:"totalCash"`
	BuyingPower    float64 `json:"buyingPower"`
	NetLiquidation float64 `json:"netLiquidation"`
	Currency       string  `json:"currency"`
}

// Position is one open position in uniform shape.
type Position struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	AvgCost       float64 `json:"avgCost"`
	MarketPrice   float64 `json:"marketPrice"`
	MarketValue   float64 `json:"marketValue"`
	UnrealizedPnL float64 `json:"unrealizedPnl"`
	Currency      string  `json:"currency"`
}

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

// OrderStatus normalizes broker order status into a small set.
type OrderStatus string

const (
	OrderNew       OrderStatus = "NEW"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderUnknown   OrderStatus = "UNKNOWN"
)

// OrderRequest captures an order intent to be sent to a broker.
type OrderRequest struct {
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Type     OrderType `json:"type"`
	Quantity float64   `json:"quantity"`
	Price    float64   `json:"price,omitempty"` // required for LIMIT
	ClientID string    `json:"clientId,omitempty"`
}

// Order is a broker order in uniform shape.
type Order struct {
	OrderID   string      `json:"orderId"`
	ClientID  string      `json:"clientId,omitempty"`
	Symbol    string      `json:"symbol"`
	Side      Side        `json:"side"`
	Type      OrderType   `json:"type"`
	Quantity  float64     `json:"quantity"`
	Filled    float64     `json:"filled"`
	Price     float64     `json:"price"`
	Status    OrderStatus `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
}

// MarketData is one uniform quote snapshot.
type MarketData struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Bar is one OHLCV candle.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// HistoricalData is a candle series for one symbol.
type HistoricalData struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Bars     []Bar  `json:"bars"`
}

// TestCategory groups adapter self-tests.
type TestCategory string

const (
	TestConnection TestCategory = "connection"
	TestMarketData TestCategory = "market-data"
	TestAccount    TestCategory = "account"
)

// TestResult is the outcome of one adapter self-test.
type TestResult struct {
	Name     string        `json:"name"`
	Category TestCategory  `json:"category"`
	Passed   bool          `json:"passed"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}
