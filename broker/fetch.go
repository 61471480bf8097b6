package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const maxFetchBody = 1 << 20

// FetchService retrieves JSON documents over HTTP through a shared cache, so
// repeated logins do not hammer webfinger endpoints and provider metadata.
type FetchService struct {
	store      Store
	client     *http.Client
	defaultTTL time.Duration
	logger     *slog.Logger
}

// NewFetchService creates a fetcher on top of store. A nil client selects a
// default with a 10 second timeout. Documents without cache headers are kept
// for defaultTTL.
func NewFetchService(store Store, client *http.Client, defaultTTL time.Duration, logger *slog.Logger) *FetchService {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &FetchService{
		store:      store,
		client:     client,
		defaultTTL: defaultTTL,
		logger:     logger,
	}
}

// FetchJSON fetches rawURL through the cache under key and decodes the
// document into v. Only status 200 responses are accepted.
func (f *FetchService) FetchJSON(ctx context.Context, rawURL string, key CacheKey, v any) error {
	cached, err := f.store.GetCache(ctx, key)
	if err != nil {
		return fmt.Errorf("cache read: %w", err)
	}
	if cached != nil {
		return json.Unmarshal(cached, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", rawURL, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %s", rawURL, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return fmt.Errorf("read %s: %w", rawURL, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("parse %s: %w", rawURL, err)
	}

	ttl := cacheTTL(resp.Header.Get("Cache-Control"), f.defaultTTL)
	if err := f.store.SetCache(ctx, key, body, ttl); err != nil {
		f.logger.Warn("cache write failed", "key", key.String(), "error", err)
	}
	return nil
}

// cacheTTL picks the document lifetime from a Cache-Control max-age
// directive, falling back when the header is absent or unusable.
func cacheTTL(header string, fallback time.Duration) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(directive), "=", 2)
		if len(kv) != 2 || !strings.EqualFold(kv[0], "max-age") {
			continue
		}
		if d, err := time.ParseDuration(kv[1] + "s"); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
