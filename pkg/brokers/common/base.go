package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"broker-core/internal/httpclient"
)

// Doer is the HTTP seam adapters call through. Both the resilient client
// and the fallback client satisfy it.
type Doer interface {
	Request(ctx context.Context, path string, opts httpclient.RequestOptions) (*httpclient.Response, error)
}

// Base carries shared adapter state: identity, the HTTP seam, and
// connection status bookkeeping. Embed it, do not use it alone.
type Base struct {
	BrokerID   string
	BrokerName string
	HTTP       Doer

	mu     sync.Mutex
	status Connection
	now    func() time.Time
}

// NewBase wires the shared adapter state.
func NewBase(id, name string, doer Doer) Base {
	return Base{
		BrokerID:   id,
		BrokerName: name,
		HTTP:       doer,
		status: Connection{
			ID:     id,
			Name:   name,
			Status: StatusDisconnected,
		},
		now: time.Now,
	}
}

func (b *Base) ID() string   { return b.BrokerID }
func (b *Base) Name() string { return b.BrokerName }

// SetStatus records a connection state transition.
func (b *Base) SetStatus(status ConnStatus, errMsg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status.Status = status
	b.status.Error = errMsg
	b.status.LastChecked = b.now()
}

// Status reports the last recorded connection state.
func (b *Base) Status(ctx context.Context) Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// RunTest executes one self-test, timing it and capturing the failure
// message instead of propagating the error.
func RunTest(name string, category TestCategory, fn func() error) TestResult {
	start := time.Now()
	err := fn()
	result := TestResult{
		Name:     name,
		Category: category,
		Passed:   err == nil,
		Duration: time.Since(start),
	}
	if err != nil {
		result.Message = err.Error()
	}
	return result
}

// The helpers below read untyped broker JSON without ever failing: a
// missing or mistyped field yields the caller's default.

// Str reads a string field, falling back to def.
func Str(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Num reads a numeric field that brokers send either as a JSON number or
// a quoted string.
func Num(m map[string]any, key string) float64 {
	return AnyNum(m[key])
}

// AnyNum coerces one decoded JSON scalar to a float64.
func AnyNum(v any) float64 {
	switch v := v.(type) {
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// Obj reads a nested object field.
func Obj(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

// Slice reads an array field.
func Slice(m map[string]any, key string) []any {
	if v, ok := m[key].([]any); ok {
		return v
	}
	return nil
}
