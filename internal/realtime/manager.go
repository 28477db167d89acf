// Package realtime maintains the change-notification subscription against
// the remote store's websocket channel.
//
// The connection lifecycle is a first-class state machine:
//
//	disconnected → connecting → subscribed → (error|closed|timeout) → disconnected
//
// On any failure the channel object is torn down (never left as a zombie
// handle) and a reconnect is scheduled with capped exponential backoff
// plus jitter. App-visibility and network-online transitions force an
// immediate attempt regardless of backoff state. Every successful
// RE-connect triggers a full cache invalidation and data reload: the gap
// is unbounded and missed change events cannot be replayed.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/taskvault/taskvault/internal/model"
)

// State is the subscription lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateError
	StateClosed
	StateTimeout
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	case StateTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ErrConnectionLost is surfaced through OnFatal after the reconnect budget
// is exhausted.
var ErrConnectionLost = errors.New("realtime: connection lost")

// Conn is the minimal connection surface the manager needs; the production
// implementation wraps a websocket, tests inject fakes.
type Conn interface {
	// Read blocks for the next raw message.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one raw message.
	Write(ctx context.Context, data []byte) error
	// Close tears the connection down.
	Close() error
}

// Dialer opens a connection to the realtime endpoint.
type Dialer func(ctx context.Context) (Conn, error)

// Config configures the Manager.
type Config struct {
	// Tables to subscribe to (server filters by owner identity).
	Tables []string

	// BackoffBase is the exponent base in seconds (default 2).
	BackoffBase float64

	// BackoffCap bounds a single delay (default 30s).
	BackoffCap time.Duration

	// MaxReconnects bounds consecutive failed attempts before giving up
	// (default 10).
	MaxReconnects int

	// EventBuffer is the change-event channel capacity (default 256).
	EventBuffer int

	// OnRecovered runs after every successful reconnect that follows a
	// failure (not the very first connect). It must clear caches and
	// reload data.
	OnRecovered func(ctx context.Context) error

	// OnFatal is called once when the reconnect budget is exhausted.
	OnFatal func(err error)

	// OnStateChange observes transitions (dashboard/status). Optional.
	OnStateChange func(state State)

	// Logger for lifecycle diagnostics (default stderr).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Tables:        []string{"tasks", "projects", "groups"},
		BackoffBase:   2,
		BackoffCap:    30 * time.Second,
		MaxReconnects: 10,
		EventBuffer:   256,
		Logger:        log.New(os.Stderr, "[realtime] ", log.LstdFlags),
	}
}

// Manager owns one logical subscription and its reconnect loop.
type Manager struct {
	dial   Dialer
	config *Config

	mu          sync.Mutex
	state       State
	conn        Conn
	tearingDown bool

	events chan model.ChangeEvent
	kick   chan struct{}

	// sleep is overridable in tests to observe backoff delays.
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewManager creates a Manager; Run starts it.
func NewManager(dial Dialer, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	if config.BackoffBase <= 1 {
		config.BackoffBase = 2
	}
	if config.BackoffCap <= 0 {
		config.BackoffCap = 30 * time.Second
	}
	if config.MaxReconnects <= 0 {
		config.MaxReconnects = 10
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = 256
	}
	m := &Manager{
		dial:   dial,
		config: config,
		state:  StateDisconnected,
		events: make(chan model.ChangeEvent, config.EventBuffer),
		kick:   make(chan struct{}, 1),
	}
	m.sleep = m.sleepOrKick
	return m
}

// Events is the bounded queue of typed change events, consumed by a single
// dispatcher task. When the queue is full the oldest semantics are
// preserved by dropping the new event with a warning; a reconnect reload
// repairs any loss.
func (m *Manager) Events() <-chan model.ChangeEvent {
	return m.events
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	if m.config.OnStateChange != nil {
		m.config.OnStateChange(s)
	}
}

// KickVisible forces an immediate reconnect attempt when the host app
// regains foreground visibility.
func (m *Manager) KickVisible() { m.kickNow("visibility") }

// KickOnline forces an immediate reconnect attempt when the network
// transitions from offline to online.
func (m *Manager) KickOnline() { m.kickNow("online") }

func (m *Manager) kickNow(trigger string) {
	select {
	case m.kick <- struct{}{}:
		m.config.Logger.Printf("Reconnect kicked by %s transition", trigger)
	default:
	}
}

// Run drives the subscription until ctx is cancelled. It blocks.
func (m *Manager) Run(ctx context.Context) error {
	attempt := 0
	everConnected := false

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.setState(StateConnecting)
		conn, err := m.connect(ctx)
		if err != nil {
			m.setState(StateError)
			attempt++
			if attempt >= m.config.MaxReconnects {
				return m.giveUp(err)
			}
			m.config.Logger.Printf("Connect failed (attempt %d/%d): %v",
				attempt, m.config.MaxReconnects, err)
			if !m.backoff(ctx, attempt) {
				return ctx.Err()
			}
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		m.setState(StateSubscribed)
		m.config.Logger.Printf("Subscribed to %d tables", len(m.config.Tables))

		if everConnected {
			// The gap is unbounded: invalidate everything and reload.
			if m.config.OnRecovered != nil {
				if err := m.config.OnRecovered(ctx); err != nil {
					m.config.Logger.Printf("Warning: post-reconnect reload failed: %v", err)
				}
			}
		}
		everConnected = true
		attempt = 0

		readErr := m.readLoop(ctx, conn)
		m.teardown(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.setState(StateError)
		attempt++
		if attempt >= m.config.MaxReconnects {
			return m.giveUp(readErr)
		}
		m.config.Logger.Printf("Channel dropped (%v), reconnecting (attempt %d/%d)",
			readErr, attempt, m.config.MaxReconnects)
		if !m.backoff(ctx, attempt) {
			return ctx.Err()
		}
	}
}

func (m *Manager) giveUp(cause error) error {
	err := fmt.Errorf("%w after %d attempts: %v", ErrConnectionLost, m.config.MaxReconnects, cause)
	m.setState(StateDisconnected)
	m.config.Logger.Printf("FATAL: %v", err)
	if m.config.OnFatal != nil {
		m.config.OnFatal(err)
	}
	return err
}

// connect dials and sends the per-table subscribe frames.
func (m *Manager) connect(ctx context.Context) (Conn, error) {
	conn, err := m.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	for _, table := range m.config.Tables {
		frame, err := json.Marshal(map[string]any{
			"event": "subscribe",
			"table": table,
		})
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to encode subscribe frame: %w", err)
		}
		if err := conn.Write(ctx, frame); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", table, err)
		}
	}
	return conn, nil
}

// readLoop pumps change events until the connection fails.
func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var ev model.ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			m.config.Logger.Printf("Warning: dropping malformed change event: %v", err)
			continue
		}
		if ev.Table == "" {
			// Heartbeats and acks have no table; ignore.
			continue
		}
		select {
		case m.events <- ev:
		default:
			m.config.Logger.Printf("Warning: event queue full, dropping %s on %s", ev.EventType, ev.Table)
		}
	}
}

// teardown closes the channel object exactly once. The recursion guard
// prevents a teardown error from re-entering teardown.
func (m *Manager) teardown(conn Conn) {
	m.mu.Lock()
	if m.tearingDown {
		m.mu.Unlock()
		return
	}
	m.tearingDown = true
	m.conn = nil
	m.mu.Unlock()

	if err := conn.Close(); err != nil {
		m.config.Logger.Printf("Warning: channel close failed: %v", err)
	}

	m.mu.Lock()
	m.tearingDown = false
	m.mu.Unlock()
}

// backoff waits min(base^attempt, cap) + jitter, or returns early on a
// visibility/online kick. Returns false when ctx was cancelled.
func (m *Manager) backoff(ctx context.Context, attempt int) bool {
	delay := time.Duration(math.Pow(m.config.BackoffBase, float64(attempt))) * time.Second
	if delay > m.config.BackoffCap {
		delay = m.config.BackoffCap
	}
	delay += time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
	return m.sleep(ctx, delay)
}

func (m *Manager) sleepOrKick(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.kick:
		return true
	case <-timer.C:
		return true
	}
}
