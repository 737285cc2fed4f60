package events

import (
	"time"

	"broker-core/internal/syncengine"
	"broker-core/pkg/brokers/common"
)

// Event enumerates the high-level topics inside broker-core.
type Event string

const (
	EventMarketData    Event = "market_data"
	EventOrderbook     Event = "orderbook"
	EventTrade         Event = "trade"
	EventBrokerStatus  Event = "broker.status"
	EventBackendStatus Event = "backend.status"
	EventSyncConflict  Event = "sync.conflict"
	EventFeedError     Event = "feed.error"
)

// MarketUpdate is the payload for market data topics.
type MarketUpdate struct {
	Symbol    string    `json:"symbol"`
	DataType  string    `json:"dataType"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// BrokerStatusChange is published on every connection transition.
type BrokerStatusChange struct {
	Connection common.Connection `json:"connection"`
}

// BackendStatusChange is published when the backend flips between real
// and mock serving.
type BackendStatusChange struct {
	Available bool      `json:"available"`
	CheckedAt time.Time `json:"checkedAt"`
	Error     string    `json:"error,omitempty"`
}

// SyncConflict is published when a sync session leaves a conflict
// pending manual resolution.
type SyncConflict struct {
	SessionID string               `json:"sessionId"`
	Conflict  *syncengine.Conflict `json:"conflict"`
}

// FeedFailure carries channel-level feed errors to observers.
type FeedFailure struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}
