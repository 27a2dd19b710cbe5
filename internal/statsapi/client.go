package statsapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	defaultTimeout = 5 * time.Second
	// delaySlack is added to the daemon-side probe timeout to form the
	// request deadline, so the daemon reports a timeout before we do.
	delaySlack  = 5 * time.Second
	maxBodyDump = 512
)

// Client talks to the daemon's Clash-compatible API.
type Client struct {
	baseURL string
	secret  string
	timeout time.Duration
	http    *http.Client
}

// NewClient returns a client for baseURL. An empty secret sends no
// Authorization header; timeout <= 0 selects 5s.
func NewClient(baseURL, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		timeout: timeout,
		http:    &http.Client{},
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("statsapi: %s: %w", path, err)
	}
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyDump))
		return &StatusError{Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: decoding reply: %w", ErrUnavailable, path, err)
	}
	return nil
}

func (c *Client) Connections(ctx context.Context) (*ConnectionsSnapshot, error) {
	var snap ConnectionsSnapshot
	if err := c.get(ctx, "/connections", nil, c.timeout, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) Memory(ctx context.Context) (*Memory, error) {
	var m Memory
	if err := c.get(ctx, "/memory", nil, c.timeout, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Proxies returns the outbound listing keyed by tag.
func (c *Client) Proxies(ctx context.Context) (map[string]Proxy, error) {
	var reply struct {
		Proxies map[string]Proxy `json:"proxies"`
	}
	if err := c.get(ctx, "/proxies", nil, c.timeout, &reply); err != nil {
		return nil, err
	}
	if reply.Proxies == nil {
		reply.Proxies = map[string]Proxy{}
	}
	return reply.Proxies, nil
}

// Delay asks the daemon to probe probeURL through the outbound tag and
// returns the measured delay in milliseconds.
func (c *Client) Delay(ctx context.Context, tag, probeURL string, timeout time.Duration) (int, error) {
	query := url.Values{}
	query.Set("url", probeURL)
	query.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))

	var reply struct {
		Delay int `json:"delay"`
	}
	path := "/proxies/" + url.PathEscape(tag) + "/delay"
	if err := c.get(ctx, path, query, timeout+delaySlack, &reply); err != nil {
		return 0, err
	}
	return reply.Delay, nil
}

// Summary reports whether the daemon answers and its headline counters.
// It never fails; an unreachable daemon yields Running=false.
func (c *Client) Summary(ctx context.Context) Summary {
	snap, err := c.Connections(ctx)
	if err != nil {
		return Summary{}
	}
	s := Summary{
		Running:       true,
		Connections:   len(snap.Connections),
		UploadTotal:   snap.UploadTotal,
		DownloadTotal: snap.DownloadTotal,
	}
	if m, err := c.Memory(ctx); err == nil {
		s.Memory = m.InUse
	}
	return s
}
