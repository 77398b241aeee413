package offsync

import (
	"context"
	"net/http"
	"sync"
	"time"
)

const (
	defaultDebounceInterval = 1500 * time.Millisecond
	defaultProbeInterval    = 30 * time.Second
	defaultProbeThreshold   = 3
	defaultProbeTimeout     = 5 * time.Second
)

// ConnectivityMonitor turns raw host-platform online/offline signals into
// debounced transitions. Rapid flapping is absorbed: a reported state must
// hold for the stable interval before subscribers hear about it.
type ConnectivityMonitor struct {
	mu           sync.Mutex
	online       bool
	debounce     time.Duration
	pendingState bool
	pendingTimer *time.Timer
	hasPending   bool
	nextSubID    int
	subscribers  map[int]func(online bool)
	closed       bool
}

func NewConnectivityMonitor(initialOnline bool, debounce time.Duration) *ConnectivityMonitor {
	if debounce < 0 {
		debounce = defaultDebounceInterval
	}
	return &ConnectivityMonitor{
		online:      initialOnline,
		debounce:    debounce,
		subscribers: map[int]func(bool){},
	}
}

// IsOnline reports the last committed state.
func (m *ConnectivityMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline reports a raw platform signal. The transition commits only after
// it has held for the debounce interval; a flap back to the current state
// cancels the pending transition.
func (m *ConnectivityMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if online == m.online {
		if m.hasPending {
			m.cancelPendingLocked()
		}
		m.mu.Unlock()
		return
	}
	if m.hasPending && m.pendingState == online {
		// Already counting down toward this state.
		m.mu.Unlock()
		return
	}
	m.cancelPendingLocked()
	if m.debounce == 0 {
		m.commitLocked(online)
		return // commitLocked unlocks
	}
	m.pendingState = online
	m.hasPending = true
	m.pendingTimer = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		if m.closed || !m.hasPending || m.pendingState != online {
			m.mu.Unlock()
			return
		}
		m.hasPending = false
		m.pendingTimer = nil
		m.commitLocked(online)
	})
	m.mu.Unlock()
}

// commitLocked flips the state and notifies subscribers. The lock is held on
// entry and released before callbacks run.
func (m *ConnectivityMonitor) commitLocked(online bool) {
	m.online = online
	callbacks := make([]func(bool), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		callbacks = append(callbacks, fn)
	}
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn(online)
	}
}

func (m *ConnectivityMonitor) cancelPendingLocked() {
	if m.pendingTimer != nil {
		m.pendingTimer.Stop()
		m.pendingTimer = nil
	}
	m.hasPending = false
}

// Subscribe registers a transition callback and returns its unsubscribe
// handle. Callbacks run outside the monitor lock.
func (m *ConnectivityMonitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

func (m *ConnectivityMonitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cancelPendingLocked()
	m.subscribers = map[int]func(bool){}
}

// ProbeOptions configures the optional reachability probe that feeds the
// monitor on platforms without a native connectivity signal.
type ProbeOptions struct {
	URL       string
	Interval  time.Duration
	Threshold int
	Client    *http.Client
}

// StartProbe polls a health URL and reports the result into the monitor.
// One reachable probe flips online; Threshold consecutive failures flip
// offline. Blocks until ctx is done; callers run it in a goroutine.
func (m *ConnectivityMonitor) StartProbe(ctx context.Context, opts ProbeOptions) {
	if opts.URL == "" {
		return
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = defaultProbeThreshold
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: defaultProbeTimeout}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	probe := func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
		if err != nil {
			return
		}
		resp, err := client.Do(req)
		if err != nil || resp.StatusCode >= 500 {
			if resp != nil {
				resp.Body.Close()
			}
			failures++
			if failures >= threshold {
				m.SetOnline(false)
			}
			return
		}
		resp.Body.Close()
		failures = 0
		m.SetOnline(true)
	}

	probe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}
