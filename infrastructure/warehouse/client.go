// Package warehouse implements the REST client for the columnar data
// warehouse table service: column-schema introspection and sparse row
// appends.
package warehouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"studydata/application/ports"
	apperrors "studydata/pkg/errors"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Client calls the warehouse table service over HTTP. Calls are retried
// with exponential backoff and wrapped in a circuit breaker so a
// misbehaving warehouse doesn't stall every worker.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	retry      RetryConfig
	logger     *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = h
	}
}

// WithRetryConfig overrides the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(c *Client) {
		c.retry = cfg
	}
}

// NewClient creates a warehouse client for the given service endpoint.
func NewClient(endpoint, apiKey string, logger *zap.Logger, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      DefaultRetryConfig(),
		logger:     logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "warehouse",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Warehouse circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetColumnModels returns the live column schema of the given table.
func (c *Client) GetColumnModels(ctx context.Context, tableID string) ([]ports.ColumnModel, error) {
	var body struct {
		Results []ports.ColumnModel `json:"results"`
	}
	url := fmt.Sprintf("%s/table/%s/columns", c.endpoint, tableID)
	if err := c.getJSON(ctx, url, &body); err != nil {
		return nil, apperrors.NewExternalError("warehouse", err)
	}
	return body.Results, nil
}

// AppendRows appends sparse rows to the given table. Rows map column ID
// to string value; absent columns stay empty in the table.
func (c *Client) AppendRows(ctx context.Context, tableID string, rows []map[string]string) error {
	if len(rows) == 0 {
		return nil
	}

	type partialRow struct {
		Values map[string]string `json:"values"`
	}
	payload := struct {
		TableID string       `json:"tableId"`
		Rows    []partialRow `json:"rows"`
	}{TableID: tableID}
	for _, row := range rows {
		payload.Rows = append(payload.Rows, partialRow{Values: row})
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal row set: %w", err)
	}

	url := fmt.Sprintf("%s/table/%s/rows", c.endpoint, tableID)
	if err := c.do(ctx, http.MethodPost, url, encoded, nil); err != nil {
		return apperrors.NewExternalError("warehouse", err)
	}

	c.logger.Info("Appended rows to warehouse table",
		zap.String("tableId", tableID),
		zap.Int("rowCount", len(rows)),
	)
	return nil
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	return c.do(ctx, http.MethodGet, url, nil, out)
}

func (c *Client) do(ctx context.Context, method, url string, reqBody []byte, out interface{}) error {
	return retryWithBackoff(ctx, c.retry, func() error {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.doOnce(ctx, method, url, reqBody, out)
		})
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return markRetryable(err)
		}
		return err
	})
}

func (c *Client) doOnce(ctx context.Context, method, url string, reqBody []byte, out interface{}) error {
	var bodyReader io.Reader
	if reqBody != nil {
		bodyReader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport failures are usually transient.
		return markRetryable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return markRetryable(fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
