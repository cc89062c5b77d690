// Package paymentclient calls the payment authority over HTTP.
package paymentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CedrosPay/microcharge/internal/circuitbreaker"
	apierrors "github.com/CedrosPay/microcharge/internal/errors"
	"github.com/CedrosPay/microcharge/internal/logger"
	"github.com/CedrosPay/microcharge/internal/metrics"
	"github.com/CedrosPay/microcharge/internal/payments"
)

// ErrCommunication marks failures to obtain a verdict from the authority:
// transport errors, unexpected statuses, undecodable bodies and an open breaker.
var ErrCommunication = errors.New("payment authority unreachable")

const (
	tokenPath   = "/api/payments/token"
	chargePath  = "/api/payments"
	accountPath = "/api/payments/accounts/"

	maxBodyBytes = 1 << 20
)

// Client implements the token and charge RPCs against a remote authority.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Manager
	metrics *metrics.Metrics
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithBreaker routes every call through the payment authority circuit breaker.
func WithBreaker(m *circuitbreaker.Manager) Option {
	return func(c *Client) {
		c.breaker = m
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New creates a client for the authority at baseURL.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    newHTTPClient(timeout),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// newHTTPClient keeps a small pool of idle connections to the authority;
// every reaction makes two calls to the same host.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 50,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Close releases idle connections to the authority.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// RequestToken asks the authority for a fresh single-use token.
func (c *Client) RequestToken(ctx context.Context) (string, error) {
	var resp payments.TokenResponse
	if err := c.call(ctx, "request_token", http.MethodPost, tokenPath, "", nil, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("%w: empty token in response", ErrCommunication)
	}
	return resp.Token, nil
}

// SubmitCharge redeems a token. Business rejections come back as a result, not an error.
func (c *Client) SubmitCharge(ctx context.Context, req payments.ChargeRequest) (payments.ChargeResult, error) {
	var result payments.ChargeResult
	if err := c.call(ctx, "submit_charge", http.MethodPost, chargePath, req.Identity, req, &result); err != nil {
		return payments.ChargeResult{}, err
	}
	return result, nil
}

// Account fetches the read-only balance view for identity.
func (c *Client) Account(ctx context.Context, identity string) (payments.AccountView, error) {
	var view payments.AccountView
	err := c.call(ctx, "account", http.MethodGet, accountPath+url.PathEscape(identity), identity, nil, &view)
	return view, err
}

// clientError is a 4xx answer. It travels through the breaker as a value so a
// misbehaving caller cannot trip the breaker for everyone else.
type clientError struct {
	err error
}

func (c *Client) call(ctx context.Context, op, method, path, identity string, in, out any) error {
	start := time.Now()
	exec := func() (interface{}, error) {
		return c.roundTrip(ctx, method, path, identity, in, out)
	}

	var (
		v   interface{}
		err error
	)
	if c.breaker != nil {
		v, err = c.breaker.Execute(circuitbreaker.ServicePaymentAuthority, exec)
	} else {
		v, err = exec()
	}

	if err == nil {
		if ce, ok := v.(clientError); ok {
			err = ce.err
		}
	} else if !errors.Is(err, ErrCommunication) {
		// gobreaker.ErrOpenState / ErrTooManyRequests
		err = fmt.Errorf("%w: %v", ErrCommunication, err)
	}

	if c.metrics != nil {
		c.metrics.ObserveAuthorityCall(op, time.Since(start), err)
	}
	if err != nil {
		log := logger.FromContext(ctx)
		log.Debug().
			Err(err).
			Str("operation", op).
			Dur("duration", time.Since(start)).
			Msg("paymentclient.call_failed")
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path, identity string, in, out any) (interface{}, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrCommunication, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if identity != "" {
		req.Header.Set(logger.IdentityHeader, identity)
	}
	if requestID := logger.GetRequestID(ctx); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCommunication, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
			return nil, fmt.Errorf("%w: decode response: %v", ErrCommunication, err)
		}
		return nil, nil

	case resp.StatusCode == http.StatusBadRequest:
		return clientError{err: fmt.Errorf("%w: %s", payments.ErrInvalidRequest, describe(resp))}, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return clientError{err: fmt.Errorf("payment authority rejected request: %s", describe(resp))}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrCommunication, describe(resp))
	}
}

// describe renders a non-200 response using the error envelope when present.
func describe(resp *http.Response) string {
	envelope, err := apierrors.DecodeErrorResponse(resp.Body)
	if err != nil || envelope.Error.Code == "" {
		return fmt.Sprintf("status %d", resp.StatusCode)
	}
	return fmt.Sprintf("status %d: %s: %s", resp.StatusCode, envelope.Error.Code, envelope.Error.Message)
}
