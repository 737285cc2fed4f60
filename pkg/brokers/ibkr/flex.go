package ibkr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"broker-core/internal/httpclient"
	"broker-core/pkg/brokers/common"
)

// Flex Query reports are generated asynchronously: a request yields a
// reference code, and the statement becomes available only after the
// report run finishes, so retrieval polls with backoff.

type FlexStatus string

const (
	FlexRunning   FlexStatus = "running"
	FlexCompleted FlexStatus = "completed"
	FlexFailed    FlexStatus = "failed"
)

// FlexQuery identifies one report request in flight.
type FlexQuery struct {
	ReferenceCode string     `json:"referenceCode"`
	QueryType     string     `json:"queryType"`
	Status        FlexStatus `json:"status"`
	Error         string     `json:"error,omitempty"`
	RequestedAt   time.Time  `json:"requestedAt"`
}

// FlexStatement is the parsed report payload.
type FlexStatement struct {
	ReferenceCode    string           `json:"referenceCode"`
	Trades           []map[string]any `json:"trades"`
	Positions        []map[string]any `json:"positions"`
	CashTransactions []map[string]any `json:"cashTransactions"`
}

// ErrFlexNotReady is returned while the report is still generating.
var ErrFlexNotReady = errors.New("flex statement not ready")

// FlexConfig tunes the polling loop.
type FlexConfig struct {
	PollInterval time.Duration
	MaxPolls     int
}

func DefaultFlexConfig() FlexConfig {
	return FlexConfig{PollInterval: 2 * time.Second, MaxPolls: 8}
}

// FlexService drives the two-step request/retrieve report flow.
type FlexService struct {
	http  common.Doer
	cfg   FlexConfig
	sleep func(ctx context.Context, d time.Duration) error
}

func NewFlexService(doer common.Doer, cfg FlexConfig) *FlexService {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 8
	}
	return &FlexService{http: doer, cfg: cfg, sleep: sleepCtx}
}

// Execute starts a report run for queryType (trades, positions, cash).
func (s *FlexService) Execute(ctx context.Context, queryType string) (FlexQuery, error) {
	resp, err := s.http.Request(ctx, "/api/flex-query/execute", httpclient.RequestOptions{
		Method: http.MethodPost,
		Body:   map[string]any{"queryType": queryType},
	})
	if err != nil {
		return FlexQuery{}, fmt.Errorf("flex execute %s: %w", queryType, err)
	}
	var raw map[string]any
	if err := resp.JSON(&raw); err != nil {
		return FlexQuery{}, fmt.Errorf("flex execute %s: %w", queryType, err)
	}
	query := FlexQuery{
		ReferenceCode: common.Str(raw, "referenceCode", ""),
		QueryType:     queryType,
		Status:        FlexStatus(common.Str(raw, "status", string(FlexRunning))),
		Error:         common.Str(raw, "error", ""),
		RequestedAt:   time.Now(),
	}
	if query.ReferenceCode == "" {
		return query, fmt.Errorf("flex execute %s: no reference code in response", queryType)
	}
	return query, nil
}

// Status reads the current state of a report run.
func (s *FlexService) Status(ctx context.Context, referenceCode string) (FlexQuery, error) {
	resp, err := s.http.Request(ctx, "/api/flex-query/status/"+url.PathEscape(referenceCode), httpclient.RequestOptions{})
	if err != nil {
		return FlexQuery{}, fmt.Errorf("flex status %s: %w", referenceCode, err)
	}
	var raw map[string]any
	if err := resp.JSON(&raw); err != nil {
		return FlexQuery{}, fmt.Errorf("flex status %s: %w", referenceCode, err)
	}
	return FlexQuery{
		ReferenceCode: referenceCode,
		QueryType:     common.Str(raw, "queryType", ""),
		Status:        FlexStatus(common.Str(raw, "status", string(FlexRunning))),
		Error:         common.Str(raw, "error", ""),
	}, nil
}

// Statement polls until the report is ready, then returns its records.
// A run that ends in FlexFailed, or exceeds the poll budget, is an error.
func (s *FlexService) Statement(ctx context.Context, referenceCode string) (FlexStatement, error) {
	for attempt := 0; attempt < s.cfg.MaxPolls; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
				return FlexStatement{}, err
			}
		}
		stmt, err := s.fetch(ctx, referenceCode)
		if errors.Is(err, ErrFlexNotReady) {
			continue
		}
		if err != nil {
			return FlexStatement{}, err
		}
		return stmt, nil
	}
	return FlexStatement{}, fmt.Errorf("flex statement %s: %w after %d polls", referenceCode, ErrFlexNotReady, s.cfg.MaxPolls)
}

func (s *FlexService) fetch(ctx context.Context, referenceCode string) (FlexStatement, error) {
	resp, err := s.http.Request(ctx, "/api/flex-query/data/"+url.PathEscape(referenceCode), httpclient.RequestOptions{})
	if err != nil {
		return FlexStatement{}, fmt.Errorf("flex statement %s: %w", referenceCode, err)
	}
	var raw map[string]any
	if err := resp.JSON(&raw); err != nil {
		return FlexStatement{}, fmt.Errorf("flex statement %s: %w", referenceCode, err)
	}
	switch FlexStatus(common.Str(raw, "status", string(FlexCompleted))) {
	case FlexRunning:
		return FlexStatement{}, ErrFlexNotReady
	case FlexFailed:
		return FlexStatement{}, fmt.Errorf("flex statement %s failed: %s", referenceCode, common.Str(raw, "error", "unknown"))
	}
	return FlexStatement{
		ReferenceCode:    referenceCode,
		Trades:           objects(common.Slice(raw, "trades")),
		Positions:        objects(common.Slice(raw, "positions")),
		CashTransactions: objects(common.Slice(raw, "cashTransactions")),
	}, nil
}

func objects(rows []any) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if m, ok := row.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
