package ratelimit

import "strings"

// Endpoint weights mirror how brokers meter their APIs: historical and
// backtest style calls are metered heavier than snapshots, and trade
// placement is the heaviest of all.
var endpointWeights = map[string]int{
	"/health":              1,
	"/api/status":          1,
	"/api/broker/status":   1,
	"/api/market-data":     1,
	"/api/account":         2,
	"/api/account/summary": 2,
	"/api/positions":       2,
	"/api/orders":          2,
	"/api/historical-data": 5,
	"/api/flex-query":      5,
	"/api/trade":           10,
}

// WeightFor returns the metering weight for an endpoint. Unknown endpoints
// cost 1. Longest-prefix match so `/api/orders/123/cancel` meters as
// `/api/orders`.
func WeightFor(endpoint string) int {
	if w, ok := endpointWeights[endpoint]; ok {
		return w
	}
	best, bestLen := 1, 0
	for prefix, w := range endpointWeights {
		if strings.HasPrefix(endpoint, prefix) && len(prefix) > bestLen {
			best, bestLen = w, len(prefix)
		}
	}
	return best
}
