// Package orchestrator owns broker connection lifecycle across all
// registered adapters, presenting one uniform status surface. Adapter
// failures never propagate as errors: they are folded into the
// Connection shape callers render.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"broker-core/internal/auth"
	"broker-core/pkg/brokers/common"
)

type Orchestrator struct {
	mu       sync.Mutex
	adapters map[string]common.Adapter
	authMgr  *auth.Manager
	onStatus func(common.Connection)
	now      func() time.Time
}

func New(authMgr *auth.Manager) *Orchestrator {
	return &Orchestrator{
		adapters: make(map[string]common.Adapter),
		authMgr:  authMgr,
		now:      time.Now,
	}
}

// Register adds an adapter. Re-registering a broker id replaces it.
func (o *Orchestrator) Register(adapter common.Adapter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.adapters[adapter.ID()] = adapter
}

// SetStatusListener installs a callback invoked after every connect or
// disconnect with the resulting connection state. Set it before Start;
// it is not synchronized against concurrent replacement.
func (o *Orchestrator) SetStatusListener(fn func(common.Connection)) {
	o.onStatus = fn
}

func (o *Orchestrator) notifyStatus(conn common.Connection) {
	if o.onStatus != nil {
		o.onStatus(conn)
	}
}

// Adapter looks up a registered adapter by broker id.
func (o *Orchestrator) Adapter(brokerID string) (common.Adapter, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.adapters[brokerID]
	return a, ok
}

// ConnectBroker validates credentials, stores them, then delegates to the
// adapter. Every failure mode comes back as a Connection with StatusError.
func (o *Orchestrator) ConnectBroker(ctx context.Context, brokerID string, credentials map[string]string) common.Connection {
	conn := o.connectBroker(ctx, brokerID, credentials)
	o.notifyStatus(conn)
	return conn
}

func (o *Orchestrator) connectBroker(ctx context.Context, brokerID string, credentials map[string]string) common.Connection {
	adapter, ok := o.Adapter(brokerID)
	if !ok {
		return o.errConnection(brokerID, brokerID, fmt.Sprintf("unknown broker %q", brokerID))
	}

	// Validation happens before any credential is stored or any network
	// call is made.
	creds := make(map[string]any, len(credentials))
	for k, v := range credentials {
		creds[k] = v
	}
	result, err := o.authMgr.StoreCredentials(ctx, brokerID, creds)
	if err != nil {
		if len(result.Errors) > 0 {
			return o.errConnection(brokerID, adapter.Name(), strings.Join(result.Errors, "; "))
		}
		return o.errConnection(brokerID, adapter.Name(), err.Error())
	}
	for _, warning := range result.Warnings {
		log.Printf("orchestrator: %s credential warning: %s", brokerID, warning)
	}

	if err := adapter.Connect(ctx, credentials); err != nil {
		return o.errConnection(brokerID, adapter.Name(), err.Error())
	}
	return adapter.Status(ctx)
}

// DisconnectBroker tears down one broker link.
func (o *Orchestrator) DisconnectBroker(ctx context.Context, brokerID string) common.Connection {
	conn := o.disconnectBroker(ctx, brokerID)
	o.notifyStatus(conn)
	return conn
}

func (o *Orchestrator) disconnectBroker(ctx context.Context, brokerID string) common.Connection {
	adapter, ok := o.Adapter(brokerID)
	if !ok {
		return o.errConnection(brokerID, brokerID, fmt.Sprintf("unknown broker %q", brokerID))
	}
	if err := adapter.Disconnect(ctx); err != nil {
		return o.errConnection(brokerID, adapter.Name(), err.Error())
	}
	return adapter.Status(ctx)
}

// Status reports one broker's connection state.
func (o *Orchestrator) Status(ctx context.Context, brokerID string) common.Connection {
	adapter, ok := o.Adapter(brokerID)
	if !ok {
		return o.errConnection(brokerID, brokerID, fmt.Sprintf("unknown broker %q", brokerID))
	}
	return adapter.Status(ctx)
}

// AllStatuses reports every registered broker, ordered by id.
func (o *Orchestrator) AllStatuses(ctx context.Context) []common.Connection {
	o.mu.Lock()
	adapters := make([]common.Adapter, 0, len(o.adapters))
	for _, a := range o.adapters {
		adapters = append(adapters, a)
	}
	o.mu.Unlock()

	sort.Slice(adapters, func(i, j int) bool { return adapters[i].ID() < adapters[j].ID() })
	out := make([]common.Connection, 0, len(adapters))
	for _, a := range adapters {
		out = append(out, a.Status(ctx))
	}
	return out
}

// TestBroker runs the adapter's self-test suite. An unknown broker yields
// a single failed connection test instead of an error.
func (o *Orchestrator) TestBroker(ctx context.Context, brokerID string) []common.TestResult {
	adapter, ok := o.Adapter(brokerID)
	if !ok {
		return []common.TestResult{{
			Name:     "adapter registered",
			Category: common.TestConnection,
			Passed:   false,
			Message:  fmt.Sprintf("unknown broker %q", brokerID),
		}}
	}
	return adapter.RunSelfTests(ctx)
}

func (o *Orchestrator) errConnection(id, name, msg string) common.Connection {
	return common.Connection{
		ID:          id,
		Name:        name,
		Status:      common.StatusError,
		LastChecked: o.now(),
		Error:       msg,
	}
}
