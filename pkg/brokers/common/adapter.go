package common

import "context"

// Adapter abstracts one broker behind a uniform surface. Implementations
// translate broker wire shapes into the types of this package and never
// let a missing field fail a call.
type Adapter interface {
	ID() string
	Name() string

	Connect(ctx context.Context, credentials map[string]string) error
	Disconnect(ctx context.Context) error
	Status(ctx context.Context) Connection

	AccountSummary(ctx context.Context) (AccountSummary, error)
	Positions(ctx context.Context) ([]Position, error)

	MarketData(ctx context.Context, symbol string) (MarketData, error)
	HistoricalData(ctx context.Context, symbol, interval string, bars int) (HistoricalData, error)

	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	OrderStatus(ctx context.Context, orderID string) (Order, error)
	CancelOrder(ctx context.Context, orderID string) error

	RunSelfTests(ctx context.Context) []TestResult
}
