// Package connection owns the single broker connection for an authenticated
// session and drives the subscription registry from its state transitions.
package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/flowna/flowna-cli/internal/events"
	"github.com/flowna/flowna-cli/internal/stomp"
	"github.com/flowna/flowna-cli/internal/subscription"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// DefaultRetryDelay is the wait between reconnect attempts.
const DefaultRetryDelay = 5 * time.Second

// Conn is one live broker session.
type Conn interface {
	subscription.Binder
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens a broker session authenticated with credential.
type Dialer func(ctx context.Context, credential string) (Conn, error)

// StompDialer dials brokerURL with the STOMP client.
func StompDialer(brokerURL string, heartBeat time.Duration, logger *slog.Logger) Dialer {
	return func(ctx context.Context, credential string) (Conn, error) {
		c, err := stomp.Dial(ctx, brokerURL, stomp.Options{
			Token:     credential,
			HeartBeat: heartBeat,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		return stompConn{c}, nil
	}
}

type stompConn struct {
	*stomp.Conn
}

func (c stompConn) Bind(topic string, h stomp.Handler) (subscription.Handle, error) {
	sub, err := c.Subscribe(topic, h)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

type Config struct {
	RetryDelay time.Duration
}

// Manager keeps exactly one logical broker connection alive per credential.
type Manager struct {
	registry    *subscription.Registry
	dial        Dialer
	retryDelay  time.Duration
	broadcaster events.Broadcaster
	logger      *slog.Logger

	// lifecycle serialises Start, Refresh, Stop and Logout.
	lifecycle sync.Mutex

	mu         sync.Mutex
	state      State
	credential string
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	failures   int
	lastErr    error
}

func New(registry *subscription.Registry, dial Dialer, cfg Config, broadcaster events.Broadcaster, logger *slog.Logger) *Manager {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry:    registry,
		dial:        dial,
		retryDelay:  cfg.RetryDelay,
		broadcaster: broadcaster,
		logger:      logger,
		state:       StateDisconnected,
	}
}

// Registry returns the subscription registry this manager drives.
func (m *Manager) Registry() *subscription.Registry { return m.registry }

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Failures counts consecutive failed attempts since the last successful
// connect. Views use it to decide when to tell the user.
func (m *Manager) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// LastError returns the most recent transport or protocol error.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Start connects with credential. Calling it again with the same credential
// while running is a no-op. A different credential tears down the current
// connection and forgets every subscription made under the old identity.
func (m *Manager) Start(credential string) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.running && m.credential == credential {
		m.mu.Unlock()
		return
	}
	prev := m.credential
	m.mu.Unlock()

	m.stop()
	if prev != "" && prev != credential {
		m.registry.DeactivateAll(true)
		m.logger.Info("credential changed, subscriptions cleared")
	}
	m.launch(credential)
}

// Refresh reconnects with a renewed credential of the same identity. Desired
// subscriptions are kept and bound again once connected.
func (m *Manager) Refresh(credential string) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.running && m.credential == credential {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.stop()
	m.logger.Info("credential renewed, reconnecting")
	m.launch(credential)
}

func (m *Manager) launch(credential string) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.mu.Lock()
	m.credential = credential
	m.running = true
	m.cancel = cancel
	m.done = done
	m.failures = 0
	m.mu.Unlock()

	go m.run(ctx, credential, done)
}

// Stop cancels any in-flight attempt, releases active subscriptions and closes
// the socket. Desired subscriptions are kept. It is safe to call when stopped.
// Stop must not be called from a Broadcaster callback.
func (m *Manager) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.stop()
}

func (m *Manager) stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
}

// Logout stops the connection and clears every subscription.
func (m *Manager) Logout() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.stop()
	m.registry.DeactivateAll(true)
	m.mu.Lock()
	m.credential = ""
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context, credential string, done chan struct{}) {
	defer close(done)
	for {
		m.setState(StateConnecting)
		conn, err := m.dial(ctx, credential)
		if err != nil {
			if ctx.Err() != nil {
				m.setState(StateDisconnected)
				return
			}
			m.logger.Warn("broker connect failed", "err", err, "retry_in", m.retryDelay)
			m.reportError(err)
			m.setState(StateDisconnected)
			if !m.wait(ctx) {
				return
			}
			continue
		}

		m.enterConnected(conn)

		select {
		case <-conn.Done():
			m.registry.DeactivateAll(false)
			err := conn.Err()
			m.logger.Warn("broker connection lost", "err", err, "retry_in", m.retryDelay)
			m.reportError(err)
			m.setState(StateDisconnected)
			if !m.wait(ctx) {
				return
			}
		case <-ctx.Done():
			m.registry.DeactivateAll(false)
			if err := conn.Close(); err != nil {
				m.logger.Debug("broker close", "err", err)
			}
			m.setState(StateDisconnected)
			return
		}
	}
}

// enterConnected is the Connecting -> Connected transition action: every
// desired topic is bound before observers see Connected.
func (m *Manager) enterConnected(conn Conn) {
	m.registry.ActivateAll(conn)
	m.mu.Lock()
	m.failures = 0
	m.lastErr = nil
	m.mu.Unlock()
	m.logger.Info("broker connected", "topics", len(m.registry.ActiveTopics()))
	m.setState(StateConnected)
}

func (m *Manager) wait(ctx context.Context) bool {
	t := time.NewTimer(m.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	if m.broadcaster != nil {
		m.broadcaster.Broadcast(events.Event{Type: events.TypeConnectionState, State: string(s)})
	}
}

func (m *Manager) reportError(err error) {
	if err == nil || errors.Is(err, stomp.ErrClosed) {
		return
	}
	m.mu.Lock()
	m.failures++
	m.lastErr = err
	m.mu.Unlock()
	if m.broadcaster != nil {
		m.broadcaster.Broadcast(events.Event{Type: events.TypeConnectionError, Error: err.Error()})
	}
}
