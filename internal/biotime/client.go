package biotime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	tokenPath        = "/jwt-api-token-auth/"
	terminalsPath    = "/iclock/api/terminals/"
	transactionsPath = "/iclock/api/transactions/"

	defaultTimeout = 30 * time.Second
	maxErrorBody   = 2048
)

var (
	ErrUnauthorized = errors.New("biotime: unauthorized")
	ErrTimeout      = errors.New("biotime: request timeout")
	ErrNoToken      = errors.New("biotime: token missing from response")
	ErrTransport    = errors.New("biotime: transport error")
)

// StatusError is returned for any non-2xx response other than 401.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("biotime: %s returned %d: %s", e.URL, e.Code, e.Body)
}

// Temporary reports whether retrying the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Options tune a Client. A nil Limiter disables throttling.
type Options struct {
	Timeout    time.Duration
	Limiter    *rate.Limiter
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewLimiter builds a limiter shared by every client of a process.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Client talks to one BioTime portal.
type Client struct {
	portal  string
	hc      *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	lg      *zap.Logger
}

func New(portal string, opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	lg := opts.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	to := opts.Timeout
	if to <= 0 {
		to = defaultTimeout
	}
	return &Client{
		portal:  strings.TrimRight(portal, "/"),
		hc:      hc,
		limiter: opts.Limiter,
		timeout: to,
		lg:      lg,
	}
}

// Portal returns the base URL of the portal.
func (c *Client) Portal() string {
	return c.portal
}

// Authenticate exchanges credentials for a JWT.
func (c *Client) Authenticate(ctx context.Context, username, password string) (string, error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return "", err
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, tokenPath, nil, "", body, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", ErrNoToken
	}
	return resp.Token, nil
}

// Ping checks a token against the terminals endpoint.
func (c *Client) Ping(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodGet, terminalsPath, map[string]string{"page_size": "1"}, token, nil, nil)
}

// Terminals lists every terminal, following pagination.
func (c *Client) Terminals(ctx context.Context, token string) ([]Terminal, error) {
	var out []Terminal
	for pg := 1; ; pg++ {
		var resp page[Terminal]
		if err := c.do(ctx, http.MethodGet, terminalsPath, map[string]string{"page": strconv.Itoa(pg)}, token, nil, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Data...)
		if resp.Next == nil || *resp.Next == "" || len(resp.Data) == 0 {
			return out, nil
		}
	}
}

// Terminal fetches a single terminal by its BioTime ID.
func (c *Client) Terminal(ctx context.Context, token string, id int64) (Terminal, error) {
	var t Terminal
	path := terminalsPath + strconv.FormatInt(id, 10) + "/"
	if err := c.do(ctx, http.MethodGet, path, nil, token, nil, &t); err != nil {
		return Terminal{}, err
	}
	return t, nil
}

// Transactions fetches one page of transactions. Pages start at 1.
func (c *Client) Transactions(ctx context.Context, token string, q TransactionQuery, pg int) (TransactionPage, error) {
	var resp page[Transaction]
	if err := c.do(ctx, http.MethodGet, transactionsPath, q.params(pg), token, nil, &resp); err != nil {
		return TransactionPage{}, err
	}
	return TransactionPage{
		Count:        resp.Count,
		HasNext:      resp.Next != nil && *resp.Next != "",
		Transactions: resp.Data,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, params map[string]string, token string, body []byte, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	u, err := url.Parse(c.portal + path)
	if err != nil {
		return fmt.Errorf("biotime: bad portal url %q: %w", c.portal, err)
	}
	if len(params) > 0 {
		vals := u.Query()
		for k, v := range params {
			vals.Set(k, v)
		}
		u.RawQuery = vals.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "JWT "+token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
		}
		return fmt.Errorf("%w: %s %s: %w", ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		io.Copy(io.Discard, resp.Body)
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.lg.Debug("biotime request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return &StatusError{Code: resp.StatusCode, URL: u.Path, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("biotime: failed to decode %s response: %w", path, err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// TokenExpiry reads the exp claim of a BioTime JWT without verifying it.
// ok is false when the token is not a JWT or carries no expiry.
func TokenExpiry(token string) (exp time.Time, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	e, err := claims.GetExpirationTime()
	if err != nil || e == nil {
		return time.Time{}, false
	}
	return e.Time, true
}
