// Package netmon observes backend reachability for the boxkite client.
//
// The monitor polls a reachability probe and emits online/offline
// transitions. Transitions are debounced: a flip is only reported after the
// new state has been observed stable for a hold-down window, so flapping
// connectivity does not trigger a sync storm.
package netmon

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"
)

// Transition is an emitted reachability change.
type Transition int

const (
	// WentOnline means the backend became reachable and stayed reachable
	// through the hold-down window.
	WentOnline Transition = iota
	// WentOffline means the backend became unreachable.
	WentOffline
)

// String returns a human-readable representation of the transition.
func (t Transition) String() string {
	switch t {
	case WentOnline:
		return "online"
	case WentOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Prober answers whether the backend is reachable right now.
// The default implementation dials the backend host; tests inject fakes.
type Prober interface {
	Probe(ctx context.Context) bool
}

// DialProber probes reachability with a TCP dial of the backend host.
type DialProber struct {
	addr    string
	timeout time.Duration
}

// NewDialProber creates a prober for the backend base URL.
func NewDialProber(baseURL string, timeout time.Duration) (*DialProber, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	return &DialProber{addr: host, timeout: timeout}, nil
}

// Probe implements Prober.
func (p *DialProber) Probe(ctx context.Context) bool {
	d := net.Dialer{Timeout: p.timeout}
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Config holds monitor configuration.
type Config struct {
	// PollInterval is how often the probe runs (default: 5s).
	PollInterval time.Duration

	// HoldDown is how long a new state must stay stable before a
	// transition is emitted (default: 2s).
	HoldDown time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		HoldDown:     2 * time.Second,
	}
}

// Monitor polls a Prober and reports debounced reachability transitions.
type Monitor struct {
	prober Prober
	config Config

	transitions chan Transition
	done        chan struct{}
	wg          sync.WaitGroup

	mu      sync.Mutex
	running bool
	online  bool
}

// New creates a Monitor. The monitor must be started with Start() before it
// emits transitions.
func New(prober Prober, config Config) (*Monitor, error) {
	if prober == nil {
		return nil, fmt.Errorf("prober cannot be nil")
	}
	if config.PollInterval == 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.HoldDown == 0 {
		config.HoldDown = DefaultConfig().HoldDown
	}

	return &Monitor{
		prober:      prober,
		config:      config,
		transitions: make(chan Transition, 8),
		done:        make(chan struct{}),
	}, nil
}

// Start begins polling. The initial state is probed synchronously so
// IsOnline() is meaningful immediately; no transition is emitted for it.
func (m *Monitor) Start(ctx context.Context) error {
	// Probe before taking the lock: a slow probe must not stall
	// concurrent IsOnline() callers for the whole dial timeout.
	online := m.prober.Probe(ctx)

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor already running")
	}
	m.running = true
	m.online = online
	m.mu.Unlock()

	m.wg.Add(1)
	go m.poll(ctx)
	return nil
}

// Stop stops polling and closes the transitions channel. It blocks until
// the polling goroutine has exited.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
	close(m.transitions)
}

// IsOnline returns the current debounced reachability state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Transitions returns the channel emitting debounced reachability changes.
// The channel is closed when the monitor is stopped.
func (m *Monitor) Transitions() <-chan Transition {
	return m.transitions
}

// poll is the monitor loop: probe on a ticker, track how long the observed
// state has differed from the reported state, and flip only after HoldDown.
func (m *Monitor) poll(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	var candidateSince time.Time

	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return

		case <-ticker.C:
			observed := m.prober.Probe(ctx)

			m.mu.Lock()
			reported := m.online
			m.mu.Unlock()

			if observed == reported {
				candidateSince = time.Time{}
				continue
			}

			if candidateSince.IsZero() {
				candidateSince = time.Now()
			}
			if time.Since(candidateSince) < m.config.HoldDown {
				continue
			}

			m.mu.Lock()
			m.online = observed
			m.mu.Unlock()
			candidateSince = time.Time{}

			t := WentOffline
			if observed {
				t = WentOnline
			}
			select {
			case m.transitions <- t:
			case <-m.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}
