// Package prism queries the Prism discovery API for instances and hardware.
package prism

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	internalerrors "github.com/guardian/prism/internal/errors"
	"github.com/rs/zerolog"
)

const (
	defaultTimeout = 30 * time.Second
	// Prism payloads for a whole estate are a few MB; anything much larger is
	// not a Prism response.
	maxResponseBytes int64 = 64 << 20
	maxErrorBodyLen        = 512
)

// Source describes one crawler feeding a Prism collection.
type Source struct {
	Resource  string `json:"resource"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
	ItemCount int    `json:"itemCount"`
	Age       int    `json:"age"`
	Stale     bool   `json:"stale"`
}

// Response is a decoded collection query.
type Response struct {
	Kind        Kind
	Status      string
	Stale       bool
	LastUpdated string
	Sources     []Source
	Records     []Record
}

type envelope struct {
	Status      string                     `json:"status"`
	Stale       bool                       `json:"stale"`
	LastUpdated string                     `json:"lastUpdated"`
	Data        map[string]json.RawMessage `json:"data"`
	Sources     []Source                   `json:"sources"`
}

// Config holds configuration for the Prism client
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client represents a Prism API client
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a new Prism API client
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("prism: base URL is required")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
		cfg.Logger.Debug().Str("url", base).Msg("No protocol specified in Prism URL, defaulting to HTTPS")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("prism: invalid base URL %q: %w", base, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    strings.TrimSuffix(base, "/"),
		httpClient: httpClient,
		logger:     cfg.Logger,
	}, nil
}

// Query fetches one collection, sending constraints as query parameters
// alongside _expand=true. A stale response is logged and returned unchanged.
func (c *Client) Query(ctx context.Context, kind Kind, constraints url.Values) (*Response, error) {
	path := kind.Path()

	params := url.Values{}
	for key, values := range constraints {
		params[key] = append([]string(nil), values...)
	}
	params.Set("_expand", "true")

	endpoint := c.baseURL + path + "?" + params.Encode()
	c.logger.Debug().Str("url", endpoint).Msg("Querying Prism")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, internalerrors.Transport("query", path, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, internalerrors.Transport("query", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		err := fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			err = fmt.Errorf("authentication error: %w", err)
		}
		return nil, internalerrors.Transport("query", path, err).WithStatusCode(resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&env); err != nil {
		if ctx.Err() != nil {
			return nil, internalerrors.Transport("query", path, ctx.Err())
		}
		return nil, internalerrors.Decode("query", path, fmt.Errorf("decode response: %w", err))
	}

	result, err := decodeEnvelope(kind, &env)
	if err != nil {
		return nil, internalerrors.Decode("query", path, err)
	}

	c.logger.Debug().
		Str("endpoint", path).
		Int("records", len(result.Records)).
		Int("sources", len(result.Sources)).
		Dur("elapsed", time.Since(start)).
		Msg("Prism query complete")

	for _, src := range result.Sources {
		if src.Stale {
			c.logger.Debug().
				Str("endpoint", path).
				Str("resource", src.Resource).
				Int("age", src.Age).
				Msg("Prism source is stale")
		}
	}

	if result.Stale {
		c.logger.Warn().
			Str("endpoint", path).
			Str("last_updated", result.LastUpdated).
			Msgf("Prism reports that the data returned from %s is stale, it was last updated at %s", path, result.LastUpdated)
	}

	return result, nil
}

func decodeEnvelope(kind Kind, env *envelope) (*Response, error) {
	if env.Data == nil {
		return nil, fmt.Errorf("response has no data object")
	}
	rawList, ok := env.Data[string(kind)]
	if !ok {
		return nil, fmt.Errorf("couldn't locate %q in response data", kind)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(rawList, &items); err != nil {
		return nil, fmt.Errorf("expected array at data.%s: %w", kind, err)
	}
	if items == nil {
		return nil, fmt.Errorf("expected array at data.%s, got null", kind)
	}

	records := make([]Record, 0, len(items))
	for i, item := range items {
		rec, err := DecodeRecord(kind, item)
		if err != nil {
			return nil, fmt.Errorf("decode data.%s[%d]: %w", kind, i, err)
		}
		records = append(records, rec)
	}

	return &Response{
		Kind:        kind,
		Status:      env.Status,
		Stale:       env.Stale,
		LastUpdated: env.LastUpdated,
		Sources:     env.Sources,
		Records:     records,
	}, nil
}
