// Package wschannel maintains a durable websocket connection: heartbeat,
// reconnect with exponential backoff, bounded outbound queueing while
// disconnected, and per-subscriber dispatch isolation.
package wschannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ErrReconnectExhausted marks the terminal failure state; the caller must
// explicitly Connect again to leave it.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// Envelope is the wire format shared with the backend.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Control message types; data messages use their channel name as Type.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeHeartbeat   = "heartbeat"
	TypeError       = "error"
)

// Config tunes the channel.
type Config struct {
	URL                  string
	DialTimeout          time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	QueueSize            int // outbound messages buffered while disconnected
}

// DefaultConfig returns the channel defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		DialTimeout:          5 * time.Second,
		HeartbeatInterval:    15 * time.Second,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
		QueueSize:            100,
	}
}

// Subscription routes inbound envelopes of one channel/type to a handler.
type Subscription struct {
	ID      string
	Channel string
	Handler func(Envelope)
	OnError func(error)
}

// Channel is a durable websocket connection. Safe for concurrent use.
type Channel struct {
	cfg    Config
	dialer *websocket.Dialer

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	connecting chan error // shared by concurrent Connect calls
	subs       map[string]*Subscription
	queue      []Envelope
	reconnects int
	generation int // invalidates goroutines of replaced connections

	writeMu  sync.Mutex
	lastPong time.Time
}

// New creates a Channel; it stays disconnected until Connect.
func New(cfg Config) *Channel {
	return &Channel{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		state:  StateDisconnected,
		subs:   make(map[string]*Subscription),
	}
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the backend. Idempotent: while a connect is already in
// flight, callers share its outcome; while connected it returns nil.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting, StateReconnecting:
		if c.connecting != nil {
			waiter := c.connecting
			c.mu.Unlock()
			select {
			case err := <-waiter:
				// Re-queue the outcome for other waiters.
				select {
				case waiter <- err:
				default:
				}
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	case StateFailed, StateClosed:
		// Explicit caller intervention resets the terminal state.
		c.reconnects = 0
	}
	c.state = StateConnecting
	done := make(chan error, 1)
	c.connecting = done
	c.mu.Unlock()

	err := c.dial(ctx)

	c.mu.Lock()
	c.connecting = nil
	c.mu.Unlock()
	done <- err
	return err
}

func (c *Channel) dial(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.reconnects = 0
	c.generation++
	gen := c.generation
	queued := c.queue
	c.queue = nil
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	c.lastPongSet(time.Now())

	go c.readLoop(conn, gen)
	go c.heartbeatLoop(conn, gen)

	// Resubscribe every active subscription, then drain queued messages.
	for _, s := range subs {
		c.writeEnvelope(conn, subscribeEnvelope(s.Channel))
	}
	for _, env := range queued {
		if err := c.writeEnvelope(conn, env); err != nil {
			break
		}
	}
	return nil
}

// Send transmits an envelope, queueing it (bounded, oldest evicted first)
// while not connected rather than dropping it silently.
func (c *Channel) Send(env Envelope) error {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}

	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		if len(c.queue) >= c.cfg.QueueSize {
			c.queue = c.queue[1:]
		}
		c.queue = append(c.queue, env)
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	return c.writeEnvelope(conn, env)
}

// Subscribe registers a handler for a channel/type and announces it to the
// backend when connected. The returned subscription is the unsubscribe
// handle.
func (c *Channel) Subscribe(channel string, handler func(Envelope), onError func(error)) *Subscription {
	sub := &Subscription{
		ID:      uuid.NewString(),
		Channel: channel,
		Handler: handler,
		OnError: onError,
	}

	c.mu.Lock()
	c.subs[sub.ID] = sub
	connected := c.state == StateConnected
	conn := c.conn
	c.mu.Unlock()

	if connected && conn != nil {
		c.writeEnvelope(conn, subscribeEnvelope(channel))
	}
	return sub
}

// Unsubscribe removes a subscription and tells the backend when this was
// the channel's last subscriber.
func (c *Channel) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	delete(c.subs, sub.ID)
	last := true
	for _, s := range c.subs {
		if s.Channel == sub.Channel {
			last = false
			break
		}
	}
	connected := c.state == StateConnected
	conn := c.conn
	c.mu.Unlock()

	if last && connected && conn != nil {
		env := Envelope{
			ID:        uuid.NewString(),
			Type:      TypeUnsubscribe,
			Data:      mustJSON(map[string]string{"channel": sub.Channel}),
			Timestamp: time.Now(),
		}
		c.writeEnvelope(conn, env)
	}
}

// Close tears the connection down permanently.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.state = StateClosed
	c.generation++
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return conn.Close()
	}
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, gen, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("wschannel: drop malformed message: %v", err)
			continue
		}

		switch env.Type {
		case TypePong, TypeHeartbeat:
			c.lastPongSet(time.Now())
		case TypePing:
			c.writeEnvelope(conn, Envelope{ID: env.ID, Type: TypePong, Timestamp: time.Now()})
		default:
			c.dispatch(env)
		}
	}
}

// dispatch fans an envelope out to matching subscribers only, in arrival
// order. A panicking handler is contained so one faulty consumer cannot
// break the others.
func (c *Channel) dispatch(env Envelope) {
	c.mu.Lock()
	matched := make([]*Subscription, 0, 4)
	for _, s := range c.subs {
		if s.Channel == env.Type {
			matched = append(matched, s)
		}
	}
	c.mu.Unlock()

	for _, s := range matched {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("wschannel: subscriber %s panicked: %v", s.ID, r)
				}
			}()
			s.Handler(env)
		}()
	}
}

func (c *Channel) heartbeatLoop(conn *websocket.Conn, gen int) {
	if c.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		stale := gen != c.generation || c.state != StateConnected
		c.mu.Unlock()
		if stale {
			return
		}

		// No pong within roughly two intervals: the link is dead even if
		// TCP has not noticed, so force a reconnect.
		if time.Since(c.lastPongGet()) > 2*c.cfg.HeartbeatInterval {
			log.Printf("wschannel: heartbeat stale, forcing reconnect")
			conn.Close()
			return
		}

		env := Envelope{ID: uuid.NewString(), Type: TypePing, Timestamp: time.Now()}
		if err := c.writeEnvelope(conn, env); err != nil {
			return
		}
	}
}

// handleDisconnect transitions to reconnecting and schedules a redial with
// exponential backoff, giving up into StateFailed past the attempt cap.
func (c *Channel) handleDisconnect(conn *websocket.Conn, gen int, cause error) {
	conn.Close()

	c.mu.Lock()
	if gen != c.generation || c.state == StateClosed {
		// A newer connection or an explicit Close superseded this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil

	if c.reconnects >= c.cfg.MaxReconnectAttempts {
		c.state = StateFailed
		subs := c.snapshotSubsLocked()
		c.mu.Unlock()
		log.Printf("wschannel: giving up after %d reconnect attempts: %v", c.cfg.MaxReconnectAttempts, cause)
		notifyError(subs, fmt.Errorf("%w: last error: %v", ErrReconnectExhausted, cause))
		return
	}

	c.state = StateReconnecting
	c.reconnects++
	attempt := c.reconnects
	subs := c.snapshotSubsLocked()
	c.mu.Unlock()

	notifyError(subs, fmt.Errorf("connection lost (reconnect %d/%d): %w", attempt, c.cfg.MaxReconnectAttempts, cause))

	delay := backoffDelay(c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay, attempt)
	log.Printf("wschannel: reconnect %d/%d in %s", attempt, c.cfg.MaxReconnectAttempts, delay)

	time.AfterFunc(delay, func() {
		// Register as the in-flight connect so a concurrent Connect call
		// shares this dial's outcome instead of racing it with its own.
		c.mu.Lock()
		if c.state != StateReconnecting || c.connecting != nil {
			c.mu.Unlock()
			return
		}
		done := make(chan error, 1)
		c.connecting = done
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
		err := c.dial(ctx)
		cancel()

		c.mu.Lock()
		c.connecting = nil
		c.mu.Unlock()
		done <- err

		if err != nil {
			// dial left state at Disconnected; route it back through the
			// backoff path.
			c.mu.Lock()
			c.state = StateReconnecting
			c.mu.Unlock()
			c.handleDisconnect(conn, gen, err)
		}
	})
}

func (c *Channel) snapshotSubsLocked() []*Subscription {
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	return subs
}

func notifyError(subs []*Subscription, err error) {
	for _, s := range subs {
		if s.OnError == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("wschannel: error callback %s panicked: %v", s.ID, r)
				}
			}()
			s.OnError(err)
		}()
	}
}

func (c *Channel) writeEnvelope(conn *websocket.Conn, env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(env)
}

func (c *Channel) lastPongSet(t time.Time) {
	c.writeMu.Lock()
	c.lastPong = t
	c.writeMu.Unlock()
}

func (c *Channel) lastPongGet() time.Time {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.lastPong
}

// QueuedMessages reports how many outbound messages await reconnection.
func (c *Channel) QueuedMessages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func subscribeEnvelope(channel string) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Type:      TypeSubscribe,
		Data:      mustJSON(map[string]string{"channel": channel}),
		Timestamp: time.Now(),
	}
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err) // map[string]string cannot fail to marshal
	}
	return raw
}

// backoffDelay computes base × 2^(attempt-1) capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
