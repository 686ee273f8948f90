package ap

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrFailedFetch marks a terminal fetch outcome: the URI will never yield an
// ActivityStreams object (4xx other than 429, malformed content, bad URI).
var ErrFailedFetch = errors.New("failed fetch")

// ErrTemporaryFetch marks a retriable outcome: rate limiting, 5xx, and
// connection-level trouble. Callers back the domain off and try again.
var ErrTemporaryFetch = errors.New("temporary fetch error")

// connectivityProbes are fetched to decide whether we are online at all.
var connectivityProbes = []string{
	"https://www.google.com/",
	"https://www.cloudflare.com/",
}

func failed(uri, msg string) error {
	return fmt.Errorf("fetch %s: %s: %w", uri, msg, ErrFailedFetch)
}

func temporary(uri, msg string) error {
	return fmt.Errorf("fetch %s: %s: %w", uri, msg, ErrTemporaryFetch)
}

// ClientOptions tune a Client. The zero value gets sane defaults.
type ClientOptions struct {
	// Limit caps concurrent outbound connections across all hosts.
	Limit int
	// Timeout bounds a whole request; ConnectTimeout only the dial.
	Timeout        time.Duration
	ConnectTimeout time.Duration
	UserAgent      string
	// Insecure permits plain http and loopback targets. Never set outside
	// tests and local development.
	Insecure bool
	// Signer, when non-nil, signs outbound requests (authorized fetch).
	Signer *RequestSigner
}

// Client fetches ActivityStreams documents. Connections are closed after
// every request so a stalled server cannot pin a pooled connection, and a
// global semaphore caps parallelism.
type Client struct {
	http      *http.Client
	slots     chan struct{}
	userAgent string
	insecure  bool
	signer    *RequestSigner
}

func NewClient(opts ClientOptions) *Client {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "fedivet/1.0 (+https://github.com/fedivet/fedivet)"
	}
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: opts.ConnectTimeout,
	}
	if opts.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		slots:     make(chan struct{}, opts.Limit),
		userAgent: opts.UserAgent,
		insecure:  opts.Insecure,
		signer:    opts.Signer,
	}
}

// Fetch performs one JSON-LD GET and classifies the outcome. The returned
// error wraps ErrFailedFetch or ErrTemporaryFetch; any other error value
// means the context was canceled.
func (c *Client) Fetch(ctx context.Context, uri string) (map[string]interface{}, error) {
	if strings.HasPrefix(uri, "//") {
		uri = "https:" + uri
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, failed(uri, "invalid URL")
	}
	if parsed.Scheme != "https" && !c.insecure {
		return nil, failed(uri, "only https scheme is supported")
	}
	if isLocalHost(parsed.Hostname()) && !c.insecure {
		return nil, failed(uri, "local requests aren't supported")
	}

	select {
	case c.slots <- struct{}{}:
		defer func() { <-c.slots }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, failed(uri, "invalid URL")
	}
	req.Header.Set("Accept", AcceptHeader)
	req.Header.Set("User-Agent", c.userAgent)
	if c.signer != nil {
		if err := c.signer.SignGet(req); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportErr(ctx, uri, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return nil, failed(uri, "private resource")
	case resp.StatusCode == http.StatusNotFound:
		return nil, failed(uri, "not found")
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, temporary(uri, "rate limit exceeded")
	case resp.StatusCode/100 == 5:
		return nil, temporary(uri, fmt.Sprintf("server error %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, failed(uri, fmt.Sprintf("response code %d", resp.StatusCode))
	}

	var raw interface{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Truncated bodies and non-JSON replies tend to clear up on retry.
		return nil, temporary(uri, "can't parse returned json")
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, failed(uri, "expected json dictionary")
	}
	if len(obj) == 0 {
		return nil, failed(uri, "object not found")
	}
	return obj, nil
}

// CheckConnection reports whether any of the control URLs answers. Used to
// tell "the internet is down" apart from "every remote host is failing".
func (c *Client) CheckConnection(ctx context.Context) bool {
	for _, probe := range connectivityProbes {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, probe, nil)
		if err != nil {
			continue
		}
		req.Header.Set("User-Agent", c.userAgent)
		resp, err := c.http.Do(req)
		if err != nil {
			slog.Debug("connectivity probe failed", "url", probe, "error", err)
			continue
		}
		resp.Body.Close()
		return true
	}
	return false
}

func classifyTransportErr(ctx context.Context, uri string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if strings.Contains(urlErr.Err.Error(), "stopped after") {
			return failed(uri, "too many redirects")
		}
		if urlErr.Timeout() {
			return temporary(uri, "timeout")
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return temporary(uri, "timeout")
	}
	// Refused connections, resets, DNS trouble, TLS failures: all retriable.
	return temporary(uri, err.Error())
}

func isLocalHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "0.0.0.0", "::1":
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsLinkLocalUnicast()
	}
	return false
}
