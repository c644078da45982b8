// Package gateway talks to the hosted payment gateway: checkout preferences,
// payment lookups and refunds. Credentials come from Config; nothing is read from
// globals, and error values never carry the access token or response bodies.
package gateway

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

	"storefront/internal/apperr"
	"storefront/internal/util"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

type Config struct {
	BaseURL         string
	AccessToken     string
	NotificationURL string
	SuccessURL      string
	FailureURL      string
	PendingURL      string
	Timeout         time.Duration
	MaxRetries      int
	// RetryInitialInterval defaults to 300ms.
	RetryInitialInterval time.Duration
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a gateway client with an instrumented transport
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 300 * time.Millisecond
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: util.GetLogger(),
	}
}

// CreateCheckoutSession creates a hosted checkout preference for an order
func (c *Client) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	body := preferenceRequest{
		Items:             req.Items,
		ExternalReference: req.ExternalReference,
		NotificationURL:   c.cfg.NotificationURL,
		AutoReturn:        "approved",
		BackURLs: backURLs{
			Success: c.cfg.SuccessURL,
			Failure: c.cfg.FailureURL,
			Pending: c.cfg.PendingURL,
		},
	}

	var session CheckoutSession
	err := c.call(ctx, "create_checkout", http.MethodPost, "/checkout/preferences",
		"checkout_"+req.ExternalReference, body, &session)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// LookupPayment fetches the current state of a gateway payment
func (c *Client) LookupPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var payment Payment
	path := "/v1/payments/" + url.PathEscape(paymentID)
	if err := c.call(ctx, "lookup_payment", http.MethodGet, path, "", nil, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

// CreateRefund refunds a payment. A nil amount refunds it in full.
func (c *Client) CreateRefund(ctx context.Context, req RefundRequest) (*Refund, error) {
	var body interface{}
	if req.Amount != nil {
		body = refundBody{Amount: json.Number(req.Amount.StringFixed(2))}
	}

	var refund Refund
	path := "/v1/payments/" + url.PathEscape(req.PaymentID) + "/refunds"
	if err := c.call(ctx, "create_refund", http.MethodPost, path, req.IdempotencyKey, body, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

// call performs one gateway request with exponential retry on transport errors and 5xx.
func (c *Client) call(ctx context.Context, operation, method, path, idempotencyKey string, in, out interface{}) error {
	ctx, span := util.StartSpan(ctx, "Gateway."+operation)
	defer span.End()

	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("%w: encode %s request: %v", apperr.ErrGateway, operation, err)
		}
	}

	start := time.Now()
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.cfg.RetryInitialInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, operation, method, path, idempotencyKey, payload, out)
	}, backoff.WithBackOff(expBackoff), backoff.WithMaxTries(uint(c.cfg.MaxRetries)))

	result := "ok"
	if err != nil {
		result = "error"
		util.RecordError(span, err)
	}
	util.GatewayRequestDuration.WithLabelValues(operation, result).Observe(time.Since(start).Seconds())
	return err
}

func (c *Client) do(ctx context.Context, operation, method, path, idempotencyKey string, payload []byte, out interface{}) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("%w: build %s request", apperr.ErrGateway, operation))
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(fmt.Errorf("%w: %s: %v", apperr.ErrGateway, operation, ctx.Err()))
		}
		c.logger.Warn("Gateway request failed",
			zap.String("operation", operation),
			zap.Error(redact(err)))
		return fmt.Errorf("%w: %s: transport failure", apperr.ErrGateway, operation)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(fmt.Errorf("%w: %s: %w", apperr.ErrGateway, operation, apperr.ErrNotFound))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		c.logger.Warn("Gateway returned retryable status",
			zap.String("operation", operation),
			zap.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: %s: status %d", apperr.ErrGateway, operation, resp.StatusCode)
	case resp.StatusCode >= 400:
		return backoff.Permanent(fmt.Errorf("%w: %s: status %d", apperr.ErrGateway, operation, resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("%w: %s: malformed response", apperr.ErrGateway, operation))
	}
	return nil
}

// redact strips the request URL from transport errors.
func redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}
