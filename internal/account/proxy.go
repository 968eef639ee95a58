package account

import (
	"fmt"
	"sync"
)

type ProxyType string

const (
	ProxySOCKS5 ProxyType = "socks5"
	ProxyHTTP   ProxyType = "http"
)

// ProxyStatus is the last observed health of an egress proxy.
type ProxyStatus string

const (
	ProxyUnknown ProxyStatus = "unknown"
	ProxyAlive   ProxyStatus = "alive"
	ProxyDead    ProxyStatus = "dead"
)

// Proxy describes the egress used for an account's upstream traffic.
type Proxy struct {
	Type     ProxyType `json:"type"`
	Host     string    `json:"host"`
	Port     int       `json:"port"`
	User     string    `json:"user,omitempty"`
	Password string    `json:"password,omitempty"`

	mu     sync.Mutex
	status ProxyStatus
}

func (p *Proxy) validate() error {
	if p.Type == "" {
		p.Type = ProxyHTTP
	}
	if p.Type != ProxySOCKS5 && p.Type != ProxyHTTP {
		return fmt.Errorf("unknown proxy type: %s", p.Type)
	}
	if p.Host == "" || p.Port <= 0 {
		return fmt.Errorf("proxy host and port are required")
	}
	return nil
}

// URL renders the proxy as type://[user:password@]host:port.
func (p *Proxy) URL() string {
	auth := ""
	if p.User != "" {
		auth = p.User + ":" + p.Password + "@"
	}
	return fmt.Sprintf("%s://%s%s:%d", p.Type, auth, p.Host, p.Port)
}

// Addr is the host:port pair.
func (p *Proxy) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

func (p *Proxy) Status() ProxyStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == "" {
		return ProxyUnknown
	}
	return p.status
}

func (p *Proxy) SetStatus(status ProxyStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
}
