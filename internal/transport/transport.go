package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/awo/router/internal/account"
)

// Manager hands out HTTP clients with per-egress transports. Accounts that
// share an egress (direct, or the same proxy endpoint) share a pooled
// round tripper; idle ones are closed by the cleanup loop.
type Manager struct {
	mu             sync.Mutex
	entries        map[string]*poolEntry
	requestTimeout time.Duration
}

type poolEntry struct {
	roundTripper http.RoundTripper
	lastUsed     time.Time
}

func NewManager(requestTimeout time.Duration) *Manager {
	return &Manager{
		entries:        make(map[string]*poolEntry),
		requestTimeout: requestTimeout,
	}
}

// GetClient returns an http.Client routed through the account's proxy, or
// directly with the utls fingerprint when the account has none.
func (m *Manager) GetClient(acct *account.Account) *http.Client {
	return &http.Client{
		Transport: m.getRoundTripper(acct.Proxy),
		Timeout:   m.requestTimeout,
	}
}

// RunCleanup closes idle transports until ctx is canceled.
func (m *Manager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(5 * time.Minute)
		}
	}
}

// Close closes all pooled transports.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.entries {
		if t, ok := entry.roundTripper.(interface{ CloseIdleConnections() }); ok {
			t.CloseIdleConnections()
		}
		delete(m.entries, key)
	}
}

func (m *Manager) getRoundTripper(p *account.Proxy) http.RoundTripper {
	key := transportKey(p)

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok {
		entry.lastUsed = time.Now()
		return entry.roundTripper
	}

	rt := buildRoundTripper(p)
	m.entries[key] = &poolEntry{roundTripper: rt, lastUsed: time.Now()}
	return rt
}

func (m *Manager) cleanup(idleTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	for key, entry := range m.entries {
		if entry.lastUsed.Before(cutoff) {
			if t, ok := entry.roundTripper.(interface{ CloseIdleConnections() }); ok {
				t.CloseIdleConnections()
			}
			delete(m.entries, key)
		}
	}
}

func transportKey(p *account.Proxy) string {
	if p == nil {
		return "direct"
	}
	return string(p.Type) + "://" + p.Addr()
}

func buildRoundTripper(p *account.Proxy) http.RoundTripper {
	if p != nil {
		return &http.Transport{
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     5 * time.Minute,
			DialTLSContext:      proxyDialer(p),
		}
	}
	// Direct egress speaks h2 over a utls UConn, so the dial hook bypasses
	// crypto/tls entirely.
	return &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialUTLS(ctx, network, addr)
		},
	}
}
