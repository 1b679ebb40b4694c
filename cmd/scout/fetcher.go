package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"

	"github.com/hazyhaar/scout/discovery"
	"github.com/hazyhaar/scout/frontier"
	"github.com/hazyhaar/scout/keyspace"
)

const maxFetchBody = 4 << 20 // 4 MiB

// httpFetcher is the binary's default discovery.Fetcher: plain GET, HTML
// converted to markdown, content persisted to the built-in store so the
// feed queue can load it back.
type httpFetcher struct {
	client *http.Client
	store  *contentStore
	md     *converter.Converter
}

func newHTTPFetcher(store *contentStore) *httpFetcher {
	return &httpFetcher{
		client: &http.Client{Timeout: 30 * time.Second},
		store:  store,
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
	}
}

var titleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// Fetch implements discovery.Fetcher. The frontier item's cursor is the
// candidate URL.
func (f *httpFetcher) Fetch(ctx context.Context, key keyspace.Key, item *frontier.Item) (*discovery.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.Cursor, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}
	req.Header.Set("User-Agent", "scout/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", item.Cursor, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: status %d", item.Cursor, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", item.Cursor, err)
	}

	finalURL := item.Cursor
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	title, text := f.extract(string(body), finalURL, resp.Header.Get("Content-Type"))

	sum := sha256.Sum256(body)
	contentHash := hex.EncodeToString(sum[:])
	contentID := "c_" + contentHash[:16]

	if err := f.store.Save(ctx, key, contentID, finalURL, title, text, 0); err != nil {
		return nil, err
	}

	return &discovery.FetchResult{
		URL:         finalURL,
		ContentID:   contentID,
		ContentHash: contentHash,
		Text:        text,
		Kind:        "web",
	}, nil
}

// extract pulls a title and plain markdown text out of an HTML response;
// non-HTML bodies pass through as-is.
func (f *httpFetcher) extract(body, sourceURL, contentType string) (title, text string) {
	if !strings.Contains(contentType, "html") && !strings.Contains(body, "<html") {
		return "", body
	}

	if m := titleRe.FindStringSubmatch(body); m != nil {
		title = strings.TrimSpace(m[1])
	}
	md, err := f.md.ConvertString(body, converter.WithDomain(sourceURL))
	if err != nil || strings.TrimSpace(md) == "" {
		return title, body
	}
	return title, strings.TrimSpace(md)
}
