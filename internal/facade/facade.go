// Package facade is the composition root: it builds every subsystem in
// dependency order, bridges them onto the event bus, and owns startup
// and shutdown sequencing.
package facade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"broker-core/internal/api"
	"broker-core/internal/auth"
	"broker-core/internal/events"
	"broker-core/internal/feed"
	"broker-core/internal/httpclient"
	"broker-core/internal/orchestrator"
	"broker-core/internal/ratelimit"
	"broker-core/internal/syncengine"
	"broker-core/internal/wschannel"
	"broker-core/pkg/brokers/bybit"
	"broker-core/pkg/brokers/common"
	"broker-core/pkg/brokers/ibkr"
	"broker-core/pkg/brokers/mt5"
	"broker-core/pkg/config"
	"broker-core/pkg/crypto"
	"broker-core/pkg/kvstore"
)

// Facade owns the assembled application. Build order is fixed:
// kvstore, crypto, auth, rate limiter, http clients, websocket channel,
// feed, sync engine, orchestrator, health monitor, bus, API server.
type Facade struct {
	cfg *config.Config

	Store    *kvstore.Store
	Cipher   *crypto.Cipher
	Auth     *auth.Manager
	Limiter  *ratelimit.Limiter
	Backend  *httpclient.Client
	Fallback *httpclient.FallbackClient
	Channel  *wschannel.Channel
	Feed     *feed.Feed
	Sync     *syncengine.Engine
	Orch     *orchestrator.Orchestrator
	Monitor  *orchestrator.Monitor
	Flex     *ibkr.FlexService
	Bus      *events.Bus
	Server   *api.Server

	mu      sync.Mutex
	started bool
	stopFns []func()
}

// New assembles broker-core from cfg. Nothing starts running until Start;
// a non-nil error means some subsystem could not even be constructed.
func New(cfg *config.Config) (*Facade, error) {
	f := &Facade{cfg: cfg}

	store, err := kvstore.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	f.Store = store

	key, source, err := crypto.LoadKey()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load encryption key: %w", err)
	}
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build cipher: %w", err)
	}
	f.Cipher = cipher
	log.Printf("facade: credential encryption key from %s", source)

	authCfg := auth.DefaultConfig()
	if cfg.CredentialTTL > 0 {
		authCfg.CacheTTL = cfg.CredentialTTL
	}
	// The refresh func closes over f so it can use the backend client that
	// is constructed right after the manager.
	f.Auth = auth.NewManager(authCfg, auth.NewValidator(), cipher, store, f.refreshToken)

	f.Limiter = ratelimit.New()
	for broker, rl := range cfg.RateLimits {
		f.Limiter.SetConfig(broker, rl)
	}

	f.Backend = httpclient.New(f.httpConfig(""), f.Limiter, f.Auth)
	f.Fallback = httpclient.NewFallback(f.Backend, f.fallbackConfig())

	f.Channel = wschannel.New(wschannel.Config{
		URL:                  cfg.WebSocketURL,
		DialTimeout:          5 * time.Second,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		QueueSize:            100,
	})
	f.Feed = feed.New(f.Channel)
	f.Sync = syncengine.New()

	f.Orch = orchestrator.New(f.Auth)
	for _, broker := range cfg.Brokers {
		doer := httpclient.NewFallback(httpclient.New(f.httpConfig(broker), f.Limiter, f.Auth), f.fallbackConfig())
		switch broker {
		case "ibkr":
			f.Orch.Register(ibkr.New(doer))
			f.Flex = ibkr.NewFlexService(doer, ibkr.DefaultFlexConfig())
		case "mt5":
			f.Orch.Register(mt5.New(doer))
		case "bybit":
			f.Orch.Register(bybit.New(doer))
		default:
			store.Close()
			return nil, fmt.Errorf("unknown broker %q in BROKERS", broker)
		}
	}

	healthCfg := orchestrator.DefaultHealthConfig()
	if cfg.ProbeInterval > 0 {
		healthCfg.Interval = cfg.ProbeInterval
	}
	f.Monitor = orchestrator.NewMonitor(f.Orch, healthCfg)

	f.Bus = events.NewBus()
	f.Orch.SetStatusListener(func(conn common.Connection) {
		f.Bus.Publish(events.EventBrokerStatus, events.BrokerStatusChange{Connection: conn})
	})

	f.Server = api.NewServer(api.Deps{
		Bus:             f.Bus,
		Orch:            f.Orch,
		Monitor:         f.Monitor,
		Sync:            f.Sync,
		Fallback:        f.Fallback,
		OperatorUser:    cfg.OperatorUser,
		OperatorPass:    cfg.OperatorPass,
		JWTSecret:       cfg.JWTSecret,
		SessionLifetime: cfg.SessionLifetime,
	})
	return f, nil
}

func (f *Facade) httpConfig(broker string) httpclient.Config {
	cfg := f.cfg
	return httpclient.Config{
		BaseURL:           cfg.BackendURL,
		Broker:            broker,
		Timeout:           cfg.RequestTimeout,
		MaxRetries:        cfg.MaxRetries,
		RetryDelay:        cfg.RetryDelay,
		BackoffMultiplier: cfg.BackoffMultiplier,
		MaxRetryDelay:     cfg.MaxRetryDelay,
		CircuitThreshold:  cfg.CircuitThreshold,
		CircuitCooldown:   cfg.CircuitCooldown,
		MaxRateLimitWait:  cfg.MaxRateLimitWait,
	}
}

func (f *Facade) fallbackConfig() httpclient.FallbackConfig {
	fb := httpclient.DefaultFallbackConfig()
	fb.MockEnabled = f.cfg.MockEnabled
	fb.MockDelay = f.cfg.MockDelay
	fb.ProbeInterval = f.cfg.ProbeInterval
	return fb
}

// refreshToken exchanges a refresh token against the backend.
func (f *Facade) refreshToken(ctx context.Context, brokerID, refreshToken string) (auth.Token, error) {
	var tok auth.Token
	resp, err := f.Backend.Request(ctx, "/api/auth/refresh", httpclient.RequestOptions{
		Method:   "POST",
		Body:     map[string]string{"broker": brokerID, "refreshToken": refreshToken},
		SkipAuth: true,
	})
	if err != nil {
		return auth.Token{}, fmt.Errorf("refresh %s token: %w", brokerID, err)
	}
	if err := resp.JSON(&tok); err != nil {
		return auth.Token{}, fmt.Errorf("decode %s refresh response: %w", brokerID, err)
	}
	return tok, nil
}

// Start brings the realtime side up: websocket feed, bus bridges, health
// monitor, and the backend availability watcher. A dead realtime backend
// is logged, not fatal; HTTP paths keep working through the fallback.
func (f *Facade) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return nil
	}
	f.started = true
	f.mu.Unlock()

	f.bridgeFeed()

	if err := f.Feed.Start(ctx); err != nil {
		log.Printf("facade: realtime feed unavailable, continuing without it: %v", err)
	}

	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	f.Monitor.Start(monitorCtx)

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	watchDone := make(chan struct{})
	go f.watchBackend(watchCtx, watchDone)

	syncCtx, cancelSync := context.WithCancel(context.Background())
	syncDone := make(chan struct{})
	go f.syncSnapshots(syncCtx, syncDone)

	f.mu.Lock()
	f.stopFns = append(f.stopFns,
		func() { cancelSync(); <-syncDone },
		func() { cancelWatch(); <-watchDone },
		func() { f.Monitor.Stop(); cancelMonitor() },
		f.Feed.Stop,
	)
	f.mu.Unlock()
	return nil
}

// bridgeFeed republishes realtime channel traffic onto the bus so API
// websocket clients see the same stream the feed routes internally.
func (f *Facade) bridgeFeed() {
	routes := []struct {
		dataType string
		event    events.Event
	}{
		{feed.DataMarketData, events.EventMarketData},
		{feed.DataOrderbook, events.EventOrderbook},
		{feed.DataTrades, events.EventTrade},
	}
	for i, r := range routes {
		route := r
		var onErr func(error)
		if i == 0 {
			onErr = func(err error) {
				f.Bus.Publish(events.EventFeedError, events.FeedFailure{
					Message: err.Error(),
					At:      time.Now(),
				})
			}
		}
		sub := f.Channel.Subscribe(route.dataType, func(env wschannel.Envelope) {
			var payload struct {
				Symbol string `json:"symbol"`
			}
			if err := json.Unmarshal(env.Data, &payload); err != nil {
				return
			}
			ts := env.Timestamp
			if ts.IsZero() {
				ts = time.Now()
			}
			f.Bus.Publish(route.event, events.MarketUpdate{
				Symbol:    payload.Symbol,
				DataType:  route.dataType,
				Data:      env.Data,
				Timestamp: ts,
			})
		}, onErr)
		f.mu.Lock()
		f.stopFns = append(f.stopFns, func() { f.Channel.Unsubscribe(sub) })
		f.mu.Unlock()
	}
}

// watchBackend polls backend availability and publishes transitions.
func (f *Facade) watchBackend(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	interval := f.cfg.ProbeInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := f.Fallback.BackendStatus(ctx)
			if last != nil && *last == status.Available {
				continue
			}
			avail := status.Available
			last = &avail
			if status.Available {
				log.Printf("facade: backend reachable, serving live data")
			} else {
				log.Printf("facade: backend unreachable, serving mock data: %s", status.Error)
			}
			f.Bus.Publish(events.EventBackendStatus, events.BackendStatusChange{
				Available: status.Available,
				CheckedAt: status.CheckedAt,
				Error:     status.Error,
			})
		}
	}
}

// syncSnapshots keeps the sync engine fed with live data: every probe
// interval it captures account and position snapshots from connected
// brokers, then reconciles them against the backend's snapshot records
// when the backend is reachable.
func (f *Facade) syncSnapshots(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	interval := f.cfg.ProbeInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.captureSnapshots(ctx)
			f.reconcileBackend(ctx)
		}
	}
}

// captureSnapshots stores one account record and one positions record
// per connected broker. A broker that fails a fetch just keeps its
// previous snapshot.
func (f *Facade) captureSnapshots(ctx context.Context) {
	for _, conn := range f.Orch.AllStatuses(ctx) {
		if conn.Status != common.StatusConnected {
			continue
		}
		adapter, ok := f.Orch.Adapter(conn.ID)
		if !ok {
			continue
		}
		if summary, err := adapter.AccountSummary(ctx); err == nil {
			f.storeSnapshot("account/"+conn.ID, conn.ID, summary)
		} else {
			log.Printf("facade: snapshot %s account: %v", conn.ID, err)
		}
		if positions, err := adapter.Positions(ctx); err == nil {
			f.storeSnapshot("positions/"+conn.ID, conn.ID, positions)
		} else {
			log.Printf("facade: snapshot %s positions: %v", conn.ID, err)
		}
	}
}

// storeSnapshot writes one snapshot record, skipping the write when the
// payload has not changed so versions only advance on real movement.
func (f *Facade) storeSnapshot(id, source string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if prev, ok := f.Sync.Get(id); ok && bytes.Equal(prev.Payload, payload) {
		return
	}
	f.Sync.Store(id, source, payload)
}

// reconcileBackend pulls the backend's snapshot records and syncs them
// against the locally captured ones. Disagreements between what a broker
// reports and what the backend has recorded go to the operator, so they
// stay pending and are announced on the bus.
func (f *Facade) reconcileBackend(ctx context.Context) {
	if !f.Fallback.BackendStatus(ctx).Available {
		return
	}
	var remote []syncengine.Record
	if _, err := f.Backend.Get(ctx, "/api/sync/snapshot", &remote); err != nil {
		log.Printf("facade: fetch backend snapshot: %v", err)
		return
	}
	if len(remote) == 0 {
		return
	}
	alreadyPending := make(map[string]bool)
	for _, c := range f.Sync.PendingConflicts() {
		alreadyPending[c.ID] = true
	}
	result := f.Sync.SyncWithRemote(remote, "backend", syncengine.SyncOptions{
		Strategy: syncengine.StrategyManual,
	})
	for _, c := range result.Conflicts {
		if c.Resolved || alreadyPending[c.ID] {
			continue
		}
		log.Printf("facade: sync conflict %s (%s) awaiting resolution", c.ID, c.Kind)
		f.Bus.Publish(events.EventSyncConflict, events.SyncConflict{
			SessionID: result.SessionID,
			Conflict:  c,
		})
	}
}

// Shutdown tears everything down in reverse construction order. Safe to
// call once, whether or not Start ran.
func (f *Facade) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	stops := f.stopFns
	f.stopFns = nil
	f.started = false
	f.mu.Unlock()

	for i := len(stops) - 1; i >= 0; i-- {
		stops[i]()
	}
	f.Bus.Close()
	if err := f.Channel.Close(); err != nil {
		log.Printf("facade: close websocket channel: %v", err)
	}
	if f.Store != nil {
		if err := f.Store.Close(); err != nil {
			return fmt.Errorf("close credential store: %w", err)
		}
	}
	return nil
}
