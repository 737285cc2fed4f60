package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"

	"broker-core/pkg/brokers/common"
)

// HealthState classifies a broker link by consecutive check failures.
type HealthState string

const (
	Healthy   HealthState = "healthy"
	Degraded  HealthState = "degraded"
	Unhealthy HealthState = "unhealthy"
)

// BrokerHealth is the rolling health record for one broker.
type BrokerHealth struct {
	BrokerID            string      `json:"brokerId"`
	State               HealthState `json:"state"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	RecoveryAttempts    int         `json:"recoveryAttempts"`
	LastChecked         time.Time   `json:"lastChecked"`
	LastError           string      `json:"lastError,omitempty"`
}

// HealthConfig tunes the monitor.
type HealthConfig struct {
	Interval            time.Duration
	DegradedAfter       int // consecutive failures before Degraded
	UnhealthyAfter      int // consecutive failures before Unhealthy
	MaxRecoveryAttempts int // reconnects tried per outage
}

func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Interval:            30 * time.Second,
		DegradedAfter:       1,
		UnhealthyAfter:      3,
		MaxRecoveryAttempts: 3,
	}
}

// Monitor periodically checks every registered broker and attempts a
// bounded number of reconnects once a link goes unhealthy.
type Monitor struct {
	orch *Orchestrator
	cfg  HealthConfig

	mu     sync.Mutex
	health map[string]*BrokerHealth
	stop   chan struct{}
	done   chan struct{}
	now    func() time.Time
}

func NewMonitor(orch *Orchestrator, cfg HealthConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.UnhealthyAfter < cfg.DegradedAfter {
		cfg.UnhealthyAfter = cfg.DegradedAfter
	}
	return &Monitor{
		orch:   orch,
		cfg:    cfg,
		health: make(map[string]*BrokerHealth),
		now:    time.Now,
	}
}

// Start launches the check loop. Stop must be called to release it.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckNow(ctx)
			}
		}
	}()
}

// Stop halts the check loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// CheckNow runs one health pass over every registered broker.
func (m *Monitor) CheckNow(ctx context.Context) {
	for _, conn := range m.orch.AllStatuses(ctx) {
		m.observe(ctx, conn)
	}
}

// Health reports the current record for one broker.
func (m *Monitor) Health(brokerID string) (BrokerHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[brokerID]
	if !ok {
		return BrokerHealth{}, false
	}
	return *h, true
}

// AllHealth snapshots every tracked broker.
func (m *Monitor) AllHealth() []BrokerHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BrokerHealth, 0, len(m.health))
	for _, h := range m.health {
		out = append(out, *h)
	}
	return out
}

func (m *Monitor) observe(ctx context.Context, conn common.Connection) {
	m.mu.Lock()
	h, ok := m.health[conn.ID]
	if !ok {
		h = &BrokerHealth{BrokerID: conn.ID, State: Healthy}
		m.health[conn.ID] = h
	}
	h.LastChecked = m.now()

	if conn.Status == common.StatusConnected {
		if h.State != Healthy {
			log.Printf("health: %s recovered after %d failures", conn.ID, h.ConsecutiveFailures)
		}
		h.State = Healthy
		h.ConsecutiveFailures = 0
		h.RecoveryAttempts = 0
		h.LastError = ""
		m.mu.Unlock()
		return
	}

	h.ConsecutiveFailures++
	h.LastError = conn.Error
	switch {
	case h.ConsecutiveFailures >= m.cfg.UnhealthyAfter:
		h.State = Unhealthy
	case h.ConsecutiveFailures >= m.cfg.DegradedAfter:
		h.State = Degraded
	}
	shouldRecover := h.State == Unhealthy && h.RecoveryAttempts < m.cfg.MaxRecoveryAttempts
	if shouldRecover {
		h.RecoveryAttempts++
	}
	attempts := h.RecoveryAttempts
	m.mu.Unlock()

	if shouldRecover {
		m.recover(ctx, conn.ID, attempts)
	}
}

// recover replays the stored credentials through a normal connect.
func (m *Monitor) recover(ctx context.Context, brokerID string, attempt int) {
	creds, err := m.orch.authMgr.GetCredentials(ctx, brokerID)
	if err != nil {
		log.Printf("health: %s recovery %d/%d skipped, no stored credentials: %v",
			brokerID, attempt, m.cfg.MaxRecoveryAttempts, err)
		return
	}
	strCreds := make(map[string]string, len(creds))
	for k, v := range creds {
		if s, ok := v.(string); ok {
			strCreds[k] = s
		}
	}
	log.Printf("health: %s recovery attempt %d/%d", brokerID, attempt, m.cfg.MaxRecoveryAttempts)
	conn := m.orch.ConnectBroker(ctx, brokerID, strCreds)
	if conn.Status == common.StatusError {
		log.Printf("health: %s recovery failed: %s", brokerID, conn.Error)
	}
}
