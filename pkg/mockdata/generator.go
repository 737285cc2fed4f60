// Package mockdata synthesizes plausible responses for known endpoint
// families so the dashboard keeps rendering while the backend is down.
package mockdata

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Generator produces mock payloads keyed by endpoint family.
type Generator struct {
	rng *rand.Rand
}

// New creates a Generator.
func New() *Generator {
	return &Generator{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// ForEndpoint synthesizes a response body for path, reporting whether the
// endpoint family is known. Unknown paths get a generic ok envelope.
// ByBit-family requests get v5 {retCode, result} envelopes so the adapter
// decodes mock data the same way it decodes live data.
func (g *Generator) ForEndpoint(path string) (any, bool) {
	bybit := strings.Contains(path, "broker=bybit")
	switch {
	case strings.HasPrefix(path, "/health"):
		return map[string]any{"status": "ok", "mock": true, "timestamp": time.Now().UTC()}, true
	case strings.Contains(path, "/market-data"):
		if bybit {
			return g.bybitTicker(symbolFromPath(path)), true
		}
		return g.marketData(symbolFromPath(path)), true
	case strings.Contains(path, "/historical-data"):
		if bybit {
			return g.bybitKlines(symbolFromPath(path)), true
		}
		return g.historicalData(symbolFromPath(path)), true
	case strings.Contains(path, "/account"):
		if bybit {
			return g.bybitWallet(), true
		}
		return g.accountSummary(), true
	case strings.Contains(path, "/positions"):
		if bybit {
			return g.bybitPositions(), true
		}
		return g.positions(), true
	case strings.Contains(path, "/orders"):
		if bybit {
			return g.bybitOrders(), true
		}
		return g.orders(), true
	case strings.Contains(path, "/auth"):
		return map[string]any{
			"token":     "mock-" + uuid.NewString(),
			"tokenType": "bearer",
			"expiresAt": time.Now().Add(time.Hour).UTC(),
		}, true
	case strings.Contains(path, "/broker/status"):
		return g.brokerStatuses(), true
	}
	return map[string]any{"status": "ok", "mock": true}, false
}

func symbolFromPath(path string) string {
	if i := strings.Index(path, "symbol="); i >= 0 {
		rest := path[i+len("symbol="):]
		if j := strings.IndexByte(rest, '&'); j >= 0 {
			rest = rest[:j]
		}
		if rest != "" {
			return rest
		}
	}
	return "AAPL"
}

func (g *Generator) price(base float64) float64 {
	return base * (1 + (g.rng.Float64()-0.5)*0.02)
}

func (g *Generator) marketData(symbol string) map[string]any {
	last := g.price(150)
	return map[string]any{
		"symbol":    symbol,
		"bid":       last - 0.02,
		"ask":       last + 0.02,
		"last":      last,
		"high":      last * 1.01,
		"low":       last * 0.99,
		"close":     last * 0.995,
		"volume":    g.rng.Intn(1_000_000),
		"timestamp": time.Now().UTC(),
	}
}

func (g *Generator) historicalData(symbol string) map[string]any {
	bars := make([]map[string]any, 0, 30)
	price := 150.0
	day := time.Now().AddDate(0, 0, -30)
	for i := 0; i < 30; i++ {
		open := price
		price = g.price(price)
		bars = append(bars, map[string]any{
			"date":   day.AddDate(0, 0, i).Format("2006-01-02"),
			"open":   open,
			"high":   maxFloat(open, price) * 1.005,
			"low":    minFloat(open, price) * 0.995,
			"close":  price,
			"volume": g.rng.Intn(2_000_000),
		})
	}
	return map[string]any{"symbol": symbol, "data": bars}
}

func (g *Generator) accountSummary() map[string]any {
	cash := 25000 + g.rng.Float64()*5000
	return map[string]any{
		"accountId":      "MOCK-" + uuid.NewString()[:8],
		"totalCash":      cash,
		"totalValue":     cash * 4,
		"buyingPower":    cash * 2,
		"marginUsed":     cash * 0.3,
		"netLiquidation": cash * 4,
		"currency":       "USD",
	}
}

func (g *Generator) positions() []map[string]any {
	symbols := []string{"AAPL", "MSFT", "BTCUSDT"}
	out := make([]map[string]any, 0, len(symbols))
	for _, sym := range symbols {
		qty := float64(g.rng.Intn(200) + 1)
		price := g.price(150)
		out = append(out, map[string]any{
			"symbol":        sym,
			"position":      qty,
			"marketPrice":   price,
			"marketValue":   qty * price,
			"averageCost":   price * 0.97,
			"unrealizedPnl": qty * price * 0.03,
			"realizedPnl":   0.0,
		})
	}
	return out
}

func (g *Generator) orders() []map[string]any {
	return []map[string]any{{
		"orderId":       uuid.NewString(),
		"symbol":        "AAPL",
		"action":        "BUY",
		"orderType":     "LMT",
		"totalQuantity": 10.0,
		"limitPrice":    g.price(150),
		"status":        "Submitted",
		"filled":        0.0,
		"remaining":     10.0,
		"avgFillPrice":  0.0,
		"timestamp":     time.Now().UTC(),
	}}
}

func (g *Generator) brokerStatuses() []map[string]any {
	out := make([]map[string]any, 0, 3)
	for _, b := range []struct{ id, name string }{
		{"ibkr", "Interactive Brokers"},
		{"mt5", "MetaTrader 5"},
		{"bybit", "Bybit Exchange"},
	} {
		out = append(out, map[string]any{
			"id":          b.id,
			"name":        b.name,
			"status":      "disconnected",
			"lastChecked": time.Now().UTC(),
		})
	}
	return out
}

// v5Envelope wraps result the way ByBit frames every response.
func v5Envelope(result map[string]any) map[string]any {
	return map[string]any{
		"retCode": 0,
		"retMsg":  "OK",
		"result":  result,
		"time":    time.Now().UnixMilli(),
	}
}

func (g *Generator) bybitTicker(symbol string) map[string]any {
	last := g.price(42000)
	return v5Envelope(map[string]any{
		"category": "spot",
		"list": []map[string]any{{
			"symbol":    symbol,
			"bid1Price": fmt.Sprintf("%.2f", last-0.5),
			"ask1Price": fmt.Sprintf("%.2f", last+0.5),
			"lastPrice": fmt.Sprintf("%.2f", last),
			"volume24h": fmt.Sprintf("%d", g.rng.Intn(50_000)+1),
		}},
	})
}

// bybitKlines emits positional rows newest-first, the order the real v5
// kline endpoint uses.
func (g *Generator) bybitKlines(symbol string) map[string]any {
	price := 42000.0
	rows := make([][]any, 0, 30)
	start := time.Now().Add(-30 * time.Hour)
	for i := 29; i >= 0; i-- {
		open := price
		price = g.price(price)
		rows = append(rows, []any{
			fmt.Sprintf("%d", start.Add(time.Duration(i)*time.Hour).UnixMilli()),
			fmt.Sprintf("%.2f", open),
			fmt.Sprintf("%.2f", maxFloat(open, price)*1.002),
			fmt.Sprintf("%.2f", minFloat(open, price)*0.998),
			fmt.Sprintf("%.2f", price),
			fmt.Sprintf("%d", g.rng.Intn(900)+1),
			"0",
		})
	}
	return v5Envelope(map[string]any{"symbol": symbol, "category": "spot", "list": rows})
}

func (g *Generator) bybitWallet() map[string]any {
	equity := 10000 + g.rng.Float64()*2000
	return v5Envelope(map[string]any{
		"list": []map[string]any{{
			"accountType": "UNIFIED",
			"coin": []map[string]any{{
				"coin":                "USDT",
				"equity":              fmt.Sprintf("%.2f", equity),
				"walletBalance":       fmt.Sprintf("%.2f", equity*0.95),
				"availableToWithdraw": fmt.Sprintf("%.2f", equity*0.8),
			}},
		}},
	})
}

func (g *Generator) bybitPositions() map[string]any {
	price := g.price(42000)
	return v5Envelope(map[string]any{
		"list": []map[string]any{{
			"symbol":        "BTCUSDT",
			"side":          "Buy",
			"size":          "0.5",
			"avgPrice":      fmt.Sprintf("%.2f", price*0.98),
			"markPrice":     fmt.Sprintf("%.2f", price),
			"unrealisedPnl": fmt.Sprintf("%.2f", price*0.01),
		}},
	})
}

func (g *Generator) bybitOrders() map[string]any {
	return v5Envelope(map[string]any{
		"list": []map[string]any{{
			"orderId":     uuid.NewString(),
			"orderLinkId": "mock-" + uuid.NewString()[:8],
			"symbol":      "BTCUSDT",
			"side":        "Buy",
			"orderType":   "Limit",
			"qty":         "0.1",
			"price":       fmt.Sprintf("%.2f", g.price(42000)),
			"cumExecQty":  "0",
			"orderStatus": "New",
			"createdTime": fmt.Sprintf("%d", time.Now().UnixMilli()),
		}},
	})
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
