package mastodon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"golang.org/x/time/rate"
)

// cap on how long a single call will sleep waiting for the shared window
var maxRatelimitSleep = 60 * time.Second

// Client is the single choke point for calls to the upstream instance. Every
// outbound call checks the shared rate-limit budget before dispatch and
// records the budget observed in the response headers.
type Client struct {
	Host      string
	Token     string
	UserAgent string
	// Client is an HTTP client to use. If not set, defaults to RobustHTTPClient().
	Client *http.Client
	Limits RateLimitStore
	Logger *slog.Logger

	// 1-call-per-second pace per worker when the shared store is unreachable
	degraded *rate.Limiter
}

func NewClient(host, token string, limits RateLimitStore) *Client {
	if limits == nil {
		limits = NewMemRateLimitStore()
	}
	return &Client{
		Host:     strings.TrimSuffix(host, "/"),
		Token:    token,
		Client:   RobustHTTPClient(),
		Limits:   limits,
		Logger:   slog.Default().With("subsystem", "mastodon"),
		degraded: rate.NewLimiter(rate.Limit(1), 1),
	}
}

func (c *Client) httpClient() *http.Client {
	if c.Client == nil {
		return RobustHTTPClient()
	}
	return c.Client
}

func (c *Client) userAgent() string {
	if c.UserAgent != "" {
		return c.UserAgent
	}
	return "vigil/" + versioninfo.Short()
}

// waitForBudget blocks until the shared budget for this token permits another
// call. When the shared store is unreachable the client degrades to a local
// 1 rps pace instead of failing the call.
func (c *Client) waitForBudget(ctx context.Context) error {
	rl, err := c.Limits.Get(ctx, BucketKey(c.Token, c.Host))
	if err != nil {
		ratelimitDegraded.Inc()
		c.Logger.Warn("rate-limit store unreachable, degrading to local pace", "err", err)
		return c.degraded.Wait(ctx)
	}
	if rl == nil || rl.Remaining > 1 || !rl.Reset.After(time.Now()) {
		return nil
	}
	sleep := time.Until(rl.Reset) + time.Second
	if sleep > maxRatelimitSleep {
		sleep = maxRatelimitSleep
	}
	ratelimitSleeps.Inc()
	c.Logger.Info("rate limit budget exhausted, sleeping", "remaining", rl.Remaining, "reset", rl.Reset, "sleep", sleep)
	select {
	case <-time.After(sleep):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parseRateLimitHeaders(resp *http.Response) *RateLimit {
	if resp.Header.Get("X-RateLimit-Limit") == "" {
		return nil
	}
	rl := &RateLimit{}
	if n, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit")); err == nil {
		rl.Limit = n
	}
	if n, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining")); err == nil {
		rl.Remaining = n
	}
	raw := resp.Header.Get("X-RateLimit-Reset")
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		rl.Reset = t
	} else if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		rl.Reset = time.Unix(n, 0)
	}
	return rl
}

// do executes one API call. "op" labels metrics; "body" may be url.Values
// (form-encoded) or any JSON-marshalable value; "out" receives the decoded
// response body. The returned string is the opaque next-page cursor parsed
// from the Link header, when present.
func (c *Client) do(ctx context.Context, op, method, path string, params url.Values, body any, out any) (string, error) {
	if err := c.waitForBudget(ctx); err != nil {
		return "", err
	}

	u := c.Host + path
	if len(params) > 0 {
		u = u + "?" + params.Encode()
	}

	var reqBody io.Reader
	contentType := ""
	if body != nil {
		if form, ok := body.(url.Values); ok {
			reqBody = strings.NewReader(form.Encode())
			contentType = "application/x-www-form-urlencoded"
		} else {
			b, err := json.Marshal(body)
			if err != nil {
				return "", fmt.Errorf("marshaling %s request: %w", op, err)
			}
			reqBody = bytes.NewReader(b)
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", c.userAgent())
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	start := time.Now()
	resp, err := c.httpClient().Do(req)
	apiDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		apiRequests.WithLabelValues(op, "error").Inc()
		return "", fmt.Errorf("calling %s: %w", op, err)
	}
	defer resp.Body.Close()
	apiRequests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	rl := parseRateLimitHeaders(resp)
	if rl != nil {
		if err := c.Limits.Set(ctx, BucketKey(c.Token, c.Host), *rl); err != nil {
			c.Logger.Warn("failed to record rate-limit budget", "err", err)
		}
	}

	if resp.StatusCode >= 400 {
		apiErrors.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &APIError{
			StatusCode: resp.StatusCode,
			Endpoint:   op,
			Body:       strings.TrimSpace(string(raw)),
			Ratelimit:  rl,
		}
	}

	next := NextCursor(resp.Header.Get("Link"))
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return "", fmt.Errorf("decoding %s response: %w", op, err)
		}
	}
	return next, nil
}

// Do is the raw request escape hatch for endpoints not covered by the typed
// surface.
func (c *Client) Do(ctx context.Context, method, path string, params url.Values, body any, out any) (string, error) {
	return c.do(ctx, "raw", method, path, params, body, out)
}
