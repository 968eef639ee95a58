package upstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/awo/router/internal/account"
	"github.com/awo/router/internal/config"
	"github.com/awo/router/internal/transport"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	cfg := config.Load()
	acct := &account.Account{Email: "a@example.com", APIToken: "secret"}
	if err := acct.Normalize(); err != nil {
		t.Fatal(err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(cfg, transport.NewManager(time.Second), acct, log)
}

func TestDoResetsProxyStatusBeforeCall(t *testing.T) {
	c := testClient(t)
	c.acct.Proxy = &account.Proxy{Type: account.ProxyHTTP, Host: "127.0.0.1", Port: 1}
	c.acct.Proxy.SetStatus(account.ProxyAlive)

	// A canceled context stops Do between the status reset and the
	// upstream verdict, so the stale ALIVE must be gone.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Do(ctx, &Request{Method: "GET", Path: "/api/wb/items"}); err == nil {
		t.Fatal("expected error from canceled context")
	}
	if got := c.acct.Proxy.Status(); got != account.ProxyUnknown {
		t.Errorf("proxy status = %v, want unknown until the call settles", got)
	}
}

func TestSetHeaders(t *testing.T) {
	c := testClient(t)
	req, err := http.NewRequest("POST", "https://example.com/api", nil)
	if err != nil {
		t.Fatal(err)
	}
	c.setHeaders(req, map[string]string{
		"Content-Type":  "text/plain",
		"Authorization": "Bearer client-secret",
		"X-Random":      "1",
	})

	if got := req.Header.Get("content-type"); got != "text/plain" {
		t.Errorf("content-type = %q, want passthrough value", got)
	}
	if got := req.Header.Get("user-agent"); got == "" {
		t.Error("default user-agent missing")
	}
	if got := req.Header.Get(c.cfg.APITokenHeader); got != "secret" {
		t.Errorf("token header = %q", got)
	}
	if req.Header.Get("Authorization") != "" {
		t.Error("non-passthrough client header leaked upstream")
	}
	if req.Header.Get("X-Random") != "" {
		t.Error("non-passthrough client header leaked upstream")
	}
}

func TestFlattenHeaders(t *testing.T) {
	h := http.Header{
		"Content-Type":      {"application/json"},
		"Transfer-Encoding": {"chunked"},
		"Content-Length":    {"42"},
		"X-Custom":          {"a", "b"},
	}
	flat := flattenHeaders(h)
	if flat["content-type"] != "application/json" {
		t.Errorf("flat = %v", flat)
	}
	if _, ok := flat["transfer-encoding"]; ok {
		t.Error("transfer-encoding kept")
	}
	if _, ok := flat["content-length"]; ok {
		t.Error("content-length kept")
	}
	if flat["x-custom"] != "a" {
		t.Errorf("x-custom = %q", flat["x-custom"])
	}
}

func TestIsConnectError(t *testing.T) {
	dial := &url.Error{Op: "Get", Err: &net.OpError{Op: "dial", Err: errors.New("refused")}}
	if !isConnectError(dial) {
		t.Error("dial error not treated as connect error")
	}
	if isConnectError(errors.New("unexpected EOF")) {
		t.Error("mid-stream error treated as connect error")
	}
}
