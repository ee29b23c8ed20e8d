package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"product-sync/internal/observability"
	"product-sync/pkg/models"

	"github.com/sirupsen/logrus"
)

const (
	defaultTimeout = 10 * time.Second
	// Response bytes kept in a failure detail
	bodySnippetLimit = 200
)

// HTTPClient POSTs payloads as JSON to a single endpoint.
type HTTPClient struct {
	url     string
	token   string
	timeout time.Duration
	client  *http.Client
	logger  *logrus.Logger
}

type HTTPConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
	// Client is optional; its own Timeout is left alone.
	Client *http.Client
	Logger *logrus.Logger
}

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}

	return &HTTPClient{
		url:     cfg.URL,
		token:   cfg.Token,
		timeout: cfg.Timeout,
		client:  cfg.Client,
		logger:  cfg.Logger,
	}
}

func (c *HTTPClient) Deliver(ctx context.Context, p models.Payload, idempotencyKey string) Outcome {
	body, err := encodePayload(p)
	if err != nil {
		return failed(0, err.Error())
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return failed(0, fmt.Sprintf("failed to build request: %v", err))
	}
	req.Header.Set(models.HeaderContentType, contentTypeJSON)
	req.Header.Set(models.HeaderAccept, contentTypeJSON)
	req.Header.Set(models.HeaderAuthorization, "Bearer "+c.token)
	req.Header.Set(models.HeaderIdempotencyKey, idempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		// Only the caller's context counts as cancellation; our own timeout is a failure
		if ctxErr := ctx.Err(); ctxErr != nil {
			return cancelled(ctxErr)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return failed(0, fmt.Sprintf("request timed out after %s", c.timeout))
		}
		return failed(0, err.Error())
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, bodySnippetLimit))
	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	c.logger.WithFields(logrus.Fields{
		"url":             c.url,
		"status_code":     resp.StatusCode,
		"idempotency_key": idempotencyKey,
	}).Debug("Endpoint responded")

	if resp.StatusCode >= http.StatusBadRequest {
		detail := fmt.Sprintf("HTTP %d body=%s", resp.StatusCode, strings.ToValidUTF8(string(snippet), ""))
		return failed(resp.StatusCode, detail)
	}
	return Outcome{Kind: Delivered, StatusCode: resp.StatusCode}
}
