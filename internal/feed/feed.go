// Package feed multiplexes the realtime websocket stream into symbol-scoped
// subscriptions with per-subscription throttling and a latest-value cache.
package feed

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"broker-core/internal/wschannel"
	"broker-core/pkg/cache"
)

// Data channels carried by the realtime stream.
const (
	DataMarketData = "market-data"
	DataOrderbook  = "orderbook"
	DataTrades     = "trades"
)

// Update is one routed realtime tick.
type Update struct {
	Symbol    string          `json:"symbol"`
	DataType  string          `json:"dataType"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// SubscribeOptions declares what a subscriber wants and how fast.
type SubscribeOptions struct {
	Symbols             []string
	DataTypes           []string // defaults to market-data
	Throttle            time.Duration
	MaxUpdatesPerSecond int
}

// Handler consumes routed updates.
type Handler func(Update)

// ErrorHandler consumes connection-level failures.
type ErrorHandler func(error)

type subscription struct {
	id        string
	symbols   map[string]bool
	dataTypes map[string]bool
	throttle  time.Duration
	maxPerSec int
	handler   Handler
	onError   ErrorHandler

	mu        sync.Mutex
	lastSent  time.Time
	sentTimes []time.Time // rolling-second window for the rate gate
}

// deliver applies both throttle gates and invokes the handler when the
// update passes. Gate state is per subscription, never shared.
func (s *subscription) deliver(u Update, now time.Time) {
	s.mu.Lock()
	if s.throttle > 0 && now.Sub(s.lastSent) < s.throttle {
		s.mu.Unlock()
		return
	}
	if s.maxPerSec > 0 {
		cutoff := now.Add(-time.Second)
		kept := s.sentTimes[:0]
		for _, t := range s.sentTimes {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		s.sentTimes = kept
		if len(s.sentTimes) >= s.maxPerSec {
			s.mu.Unlock()
			return
		}
		s.sentTimes = append(s.sentTimes, now)
	}
	s.lastSent = now
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("feed: subscriber %s panicked: %v", s.id, r)
		}
	}()
	s.handler(u)
}

func cacheKey(symbol, dataType string) string {
	return symbol + "|" + dataType
}

// Feed owns the realtime fan-out. Safe for concurrent use.
type Feed struct {
	channel *wschannel.Channel
	cache   *cache.Sharded[Update]

	mu       sync.Mutex
	subs     map[string]*subscription
	bySymbol map[string]map[string]*subscription
	wsSubs   []*wschannel.Subscription
	started  bool
	now      func() time.Time
}

// New builds a Feed over channel.
func New(channel *wschannel.Channel) *Feed {
	return &Feed{
		channel:  channel,
		cache:    cache.NewSharded[Update](),
		subs:     make(map[string]*subscription),
		bySymbol: make(map[string]map[string]*subscription),
		now:      time.Now,
	}
}

// Start connects the underlying channel and registers the data-type routes.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return nil
	}
	f.started = true
	f.mu.Unlock()

	for i, dt := range []string{DataMarketData, DataOrderbook, DataTrades} {
		dataType := dt
		// One error route is enough; the channel reports connection-level
		// failures identically to every registered subscription.
		var onErr func(error)
		if i == 0 {
			onErr = f.fanOutError
		}
		sub := f.channel.Subscribe(dataType,
			func(env wschannel.Envelope) { f.route(dataType, env) },
			onErr,
		)
		f.mu.Lock()
		f.wsSubs = append(f.wsSubs, sub)
		f.mu.Unlock()
	}
	return f.channel.Connect(ctx)
}

// Stop tears down the websocket routes.
func (f *Feed) Stop() {
	f.mu.Lock()
	wsSubs := f.wsSubs
	f.wsSubs = nil
	f.started = false
	f.mu.Unlock()
	for _, s := range wsSubs {
		f.channel.Unsubscribe(s)
	}
}

// Subscribe registers a consumer for symbols and data types. The returned
// id is the unsubscribe token.
func (f *Feed) Subscribe(opts SubscribeOptions, handler Handler, onError ErrorHandler) string {
	sub := &subscription{
		id:        uuid.NewString(),
		symbols:   make(map[string]bool, len(opts.Symbols)),
		dataTypes: make(map[string]bool, len(opts.DataTypes)),
		throttle:  opts.Throttle,
		maxPerSec: opts.MaxUpdatesPerSecond,
		handler:   handler,
		onError:   onError,
	}
	for _, sym := range opts.Symbols {
		sub.symbols[sym] = true
	}
	if len(opts.DataTypes) == 0 {
		sub.dataTypes[DataMarketData] = true
	}
	for _, dt := range opts.DataTypes {
		sub.dataTypes[dt] = true
	}

	f.mu.Lock()
	f.subs[sub.id] = sub
	for sym := range sub.symbols {
		set, ok := f.bySymbol[sym]
		if !ok {
			set = make(map[string]*subscription)
			f.bySymbol[sym] = set
		}
		set[sub.id] = sub
	}
	f.mu.Unlock()
	return sub.id
}

// Unsubscribe removes a consumer; unknown ids are ignored.
func (f *Feed) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return
	}
	delete(f.subs, id)
	for sym := range sub.symbols {
		if set, ok := f.bySymbol[sym]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(f.bySymbol, sym)
			}
		}
	}
}

// Latest returns the cached most-recent update for a symbol and data type,
// letting late subscribers read current state without waiting for a tick.
func (f *Feed) Latest(symbol, dataType string) (Update, bool) {
	return f.cache.Get(cacheKey(symbol, dataType))
}

// route parses an inbound envelope and fans it out to subscriptions
// interested in both the symbol and the data type.
func (f *Feed) route(dataType string, env wschannel.Envelope) {
	var payload struct {
		Symbol string `json:"symbol"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil || payload.Symbol == "" {
		log.Printf("feed: drop %s update without symbol: %v", dataType, err)
		return
	}

	now := f.now()
	u := Update{
		Symbol:    payload.Symbol,
		DataType:  dataType,
		Data:      env.Data,
		Timestamp: env.Timestamp,
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = now
	}

	f.cache.Set(cacheKey(u.Symbol, dataType), u)

	f.mu.Lock()
	matched := make([]*subscription, 0, 4)
	for _, sub := range f.bySymbol[u.Symbol] {
		if sub.dataTypes[dataType] {
			matched = append(matched, sub)
		}
	}
	f.mu.Unlock()

	for _, sub := range matched {
		sub.deliver(u, now)
	}
}

// fanOutError propagates a connection failure to every active subscription.
func (f *Feed) fanOutError(err error) {
	f.mu.Lock()
	subs := make([]*subscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		if s.onError == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("feed: error callback %s panicked: %v", s.id, r)
				}
			}()
			s.onError(err)
		}()
	}
}

// SubscriptionCount reports active consumer subscriptions.
func (f *Feed) SubscriptionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
