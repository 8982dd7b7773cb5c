// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ConnectivityMonitor tracks whether the remote store is reachable and
// notifies subscribers exactly once per actual state flip.
type ConnectivityMonitor interface {
	IsOnline() bool
	// Subscribe registers a change listener and returns its cancel
	// function. Listeners are invoked for transitions only, never for
	// repeated identical signals.
	Subscribe(fn func(online bool)) (cancel func())
}

// Probe checks reachability once. It must be cheap and bounded; the
// monitor calls it on its poll interval and on every Kick.
type Probe func(ctx context.Context) bool

// MonitorConfig tunes the polling monitor.
type MonitorConfig struct {
	PollInterval time.Duration // fixed-interval reachability poll
	ProbeTimeout time.Duration // per-probe deadline
}

// DefaultMonitorConfig returns the standard 10s poll / 3s probe tuning.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		PollInterval: 10 * time.Second,
		ProbeTimeout: 3 * time.Second,
	}
}

// Monitor is the default ConnectivityMonitor. State changes come from
// three signal sources feeding one consumer loop: platform events
// pushed via Signal, the fixed-interval poll, and Kick calls from
// app-foreground / window-focus regains. All sources funnel through the
// same dedup, so scattered signals cannot double-fire listeners.
type Monitor struct {
	probe  Probe
	config *MonitorConfig
	logger *slog.Logger

	mu      sync.Mutex
	online  bool
	subs    map[int]func(bool)
	nextSub int

	kick    chan struct{}
	signals chan bool
}

// NewMonitor creates a monitor in the online state (optimistic until a
// probe or signal says otherwise). A nil config uses defaults.
func NewMonitor(probe Probe, config *MonitorConfig, logger *slog.Logger) *Monitor {
	if config == nil {
		config = DefaultMonitorConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		probe:   probe,
		config:  config,
		logger:  logger,
		online:  true,
		subs:    map[int]func(bool){},
		kick:    make(chan struct{}, 1),
		signals: make(chan bool, 8),
	}
}

// IsOnline returns the last-known connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a transition listener.
func (m *Monitor) Subscribe(fn func(online bool)) (cancel func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Signal injects a platform connectivity event (e.g. an OS network
// change callback). Repeated identical signals are no-ops.
func (m *Monitor) Signal(online bool) {
	select {
	case m.signals <- online:
	default:
		// Consumer is behind; the poll will catch up.
	}
}

// Kick requests an immediate re-probe, used on app-foreground and
// window-focus regains. Coalesces when a kick is already queued.
func (m *Monitor) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Start runs the consumer loop until ctx is done. An initial probe runs
// immediately so the first poll interval is not spent with a guessed
// state.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *Monitor) run(ctx context.Context) {
	m.checkNow(ctx)

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case online := <-m.signals:
			m.setOnline(online)
		case <-m.kick:
			m.checkNow(ctx)
		case <-ticker.C:
			m.checkNow(ctx)
		}
	}
}

func (m *Monitor) checkNow(ctx context.Context) {
	if m.probe == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()
	m.setOnline(m.probe(pctx))
}

// setOnline flips the state and notifies subscribers only when the
// value actually changed.
func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.logger.Info("Connectivity changed", "online", online)
	for _, fn := range subs {
		fn(online)
	}
}

// HTTPProbe returns a Probe that treats any completed HTTP response
// (regardless of status code) as proof of reachability.
func HTTPProbe(url string, client *http.Client) Probe {
	if client == nil {
		client = &http.Client{}
	}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return true
	}
}
