package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"reward-ledger-go/internal/models"
	"reward-ledger-go/internal/store"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

const maxPages = 200

// NetworkClient reads purchase events from the affiliate network's pull API
type NetworkClient struct {
	baseURL    string
	apiKey     string
	source     string
	pageSize   int
	httpClient *http.Client
}

type NetworkClientConfig struct {
	BaseURL        string
	APIKey         string
	Source         string
	PageSize       int
	RequestTimeout time.Duration
	HttpClient     *http.Client
}

func NewNetworkClient(cfg NetworkClientConfig) (*NetworkClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("network base URL cannot be empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid network base URL: %w", err)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Source == "" {
		cfg.Source = "generic"
	}

	httpClient := cfg.HttpClient
	if httpClient == nil {
		var err error
		httpClient, err = createCustomHttpClient(cfg.RequestTimeout)
		if err != nil {
			return nil, fmt.Errorf("unable to create custom http client: %w", err)
		}
	}

	return &NetworkClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		source:     cfg.Source,
		pageSize:   cfg.PageSize,
		httpClient: httpClient,
	}, nil
}

func createCustomHttpClient(timeout time.Duration) (*http.Client, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	tr := &http.Transport{
		ResponseHeaderTimeout: timeout,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   15 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConnsPerHost:   5,
		ExpectContinueTimeout: 5 * time.Second,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, err
	}

	return &http.Client{
		Transport: tr,
		Timeout:   2 * timeout,
	}, nil
}

func (c *NetworkClient) Source() string { return c.source }

type transactionsPage struct {
	Transactions []genericEvent `json:"transactions"`
	NextCursor   string         `json:"next_cursor"`
}

// FetchSince returns every event that occurred at or after since, following
// pagination to the end
func (c *NetworkClient) FetchSince(ctx context.Context, since time.Time) ([]models.ExternalPurchaseEvent, error) {
	var events []models.ExternalPurchaseEvent
	cursor := ""

	for page := 0; page < maxPages; page++ {
		query := url.Values{}
		query.Set("since", since.UTC().Format(time.RFC3339))
		query.Set("limit", strconv.Itoa(c.pageSize))
		if cursor != "" {
			query.Set("cursor", cursor)
		}

		var response transactionsPage
		if err := c.get(ctx, "/v1/transactions?"+query.Encode(), &response); err != nil {
			return nil, err
		}
		for _, e := range response.Transactions {
			events = append(events, e.toEvent(c.source))
		}

		zap.L().Debug("Fetched network transactions page",
			zap.String("source", c.source),
			zap.Int("page", page),
			zap.Int("count", len(response.Transactions)))

		if response.NextCursor == "" || len(response.Transactions) == 0 {
			return events, nil
		}
		cursor = response.NextCursor
	}

	zap.L().Warn("Stopped paginating network transactions at page limit",
		zap.String("source", c.source),
		zap.Int("pages", maxPages))
	return events, nil
}

// GetEvent fetches a single event by its network id
func (c *NetworkClient) GetEvent(ctx context.Context, id string) (*models.ExternalPurchaseEvent, error) {
	var response genericEvent
	if err := c.get(ctx, "/v1/transactions/"+url.PathEscape(id), &response); err != nil {
		return nil, err
	}
	event := response.toEvent(c.source)
	return &event, nil
}

func (c *NetworkClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build network request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: network request failed: %v", store.ErrExternalUnavailable, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			zap.L().Warn("Failed to close network response body", zap.Error(err))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read network response: %v", store.ErrExternalUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: network resource %s", store.ErrNotFound, path)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		zap.L().Error("Network API unavailable",
			zap.Int("status", resp.StatusCode),
			zap.String("path", path),
			zap.ByteString("body", truncate(body, 512)))
		return fmt.Errorf("%w: network returned %d", store.ErrExternalUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		zap.L().Error("Network API rejected request",
			zap.Int("status", resp.StatusCode),
			zap.String("path", path),
			zap.ByteString("body", truncate(body, 512)))
		return fmt.Errorf("network returned %d for %s", resp.StatusCode, path)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode network response: %w", err)
	}
	return nil
}

func truncate(body []byte, n int) []byte {
	if len(body) > n {
		return body[:n]
	}
	return body
}
