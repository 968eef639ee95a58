package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/awo/router/internal/account"
	"github.com/awo/router/internal/config"
	"github.com/awo/router/internal/transport"
)

// Request is one call to forward upstream on behalf of a client.
type Request struct {
	Method  string
	Path    string
	Query   string
	Headers map[string]string
	Body    []byte
}

// Response carries the upstream reply back to the task that asked for it.
// URLPath is the final path after upstream redirects, which may differ
// from the requested one.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
	URLPath string
}

// Error marks a failure to obtain any response from upstream. The server
// layer distinguishes it from scheduling errors when picking a status code.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "upstream " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Client performs upstream calls for a single account: its token, its
// egress and the shared header policy.
type Client struct {
	cfg        *config.Config
	acct       *account.Account
	transports *transport.Manager
	log        *slog.Logger
}

func NewClient(cfg *config.Config, transports *transport.Manager, acct *account.Account, log *slog.Logger) *Client {
	return &Client{cfg: cfg, acct: acct, transports: transports, log: log}
}

// Do forwards the request upstream. Connection failures are retried up to
// NetworkRetries times; HTTP error statuses are returned as responses, not
// errors, so the worker can apply its deny and freeze rules to them.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	target := url.URL{
		Scheme:   c.cfg.APIScheme,
		Host:     c.cfg.APIDomain,
		Path:     req.Path,
		RawQuery: req.Query,
	}

	client := c.transports.GetClient(c.acct)

	// The proxy verdict from the previous call no longer applies.
	if c.acct.Proxy != nil {
		c.acct.Proxy.SetStatus(account.ProxyUnknown)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.NetworkRetries; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), bytes.NewReader(req.Body))
		if err != nil {
			return nil, fmt.Errorf("build upstream request: %w", err)
		}
		c.setHeaders(httpReq, req.Headers)

		resp, err := client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !isConnectError(err) {
				c.markProxy(false)
				return nil, &Error{Op: "request", Err: err}
			}
			lastErr = err
			c.log.Warn("upstream connect failed",
				"account", c.acct.Email, "attempt", attempt+1, "error", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, &Error{Op: "read", Err: err}
		}

		c.markProxy(true)
		return &Response{
			Status:  resp.StatusCode,
			Headers: flattenHeaders(resp.Header),
			Body:    body,
			URLPath: resp.Request.URL.Path,
		}, nil
	}

	c.markProxy(false)
	return nil, &Error{Op: "connect", Err: fmt.Errorf("unreachable after %d attempts: %w", c.cfg.NetworkRetries+1, lastErr)}
}

// setHeaders applies the shared defaults, copies over the passthrough
// subset of the client's headers and injects the account token.
func (c *Client) setHeaders(httpReq *http.Request, clientHeaders map[string]string) {
	for k, v := range c.cfg.DefaultHeaders {
		httpReq.Header.Set(k, v)
	}
	for _, name := range c.cfg.PassthroughHeaders {
		for k, v := range clientHeaders {
			if strings.EqualFold(k, name) {
				httpReq.Header.Set(name, v)
			}
		}
	}
	httpReq.Header.Set(c.cfg.APITokenHeader, c.acct.APIToken)
}

func (c *Client) markProxy(alive bool) {
	if c.acct.Proxy == nil {
		return
	}
	if alive {
		c.acct.Proxy.SetStatus(account.ProxyAlive)
	} else {
		c.acct.Proxy.SetStatus(account.ProxyDead)
	}
}

// flattenHeaders lowercases response headers and drops hop-by-hop fields
// that no longer describe the stored body.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		if len(vals) == 0 {
			continue
		}
		name := strings.ToLower(k)
		switch name {
		case "transfer-encoding", "connection", "content-length":
			continue
		}
		out[name] = vals[0]
	}
	return out
}

// isConnectError reports whether the error happened before the request
// reached upstream, which makes it safe to retry.
func isConnectError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial" || opErr.Op == "proxyconnect"
	}
	msg := err.Error()
	return strings.Contains(msg, "proxyconnect") || strings.Contains(msg, "connection refused")
}
