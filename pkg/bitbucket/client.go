// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bitbucket implements the source adapter for Bitbucket Server via
// its REST v1.0 API: offset/limit pagination driven by isLastPage and
// nextPageStart, bearer-token auth, millisecond-epoch timestamps.
package bitbucket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/maxcherey/insight-collector/pkg/ratelimit"
	"github.com/maxcherey/insight-collector/pkg/source"
)

const (
	apiBasePath = "/rest/api/1.0"

	// defaultPageLimit is the page size for offset/limit listings.
	defaultPageLimit = 100
)

// Client is a minimal Bitbucket Server REST client. All requests go through
// the shared rate limiter.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
}

// NewClient creates a client for the Bitbucket Server at baseURL.
func NewClient(baseURL, token string, timeout time.Duration, limiter *ratelimit.Limiter) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
	}
}

// get issues one GET under the retry harness and decodes the JSON response
// into v.
func (c *Client) get(ctx context.Context, path string, query url.Values, v any) error {
	u := c.baseURL + apiBasePath + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	return c.limiter.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		c.limiter.UpdateFromHeaders(resp.Header)

		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20)) // 8mb
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return &ratelimit.StatusError{
				StatusCode: resp.StatusCode,
				Body:       string(body[:min(len(body), 512)]),
			}
		}

		if err := json.Unmarshal(body, v); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
}

// pagedResponse is the Bitbucket Server pagination envelope.
type pagedResponse struct {
	Size          int             `json:"size"`
	Limit         int             `json:"limit"`
	IsLastPage    bool            `json:"isLastPage"`
	Start         int             `json:"start"`
	NextPageStart *int            `json:"nextPageStart"`
	Values        json.RawMessage `json:"values"`
}

// pages drives offset/limit pagination: fn receives each page's raw values
// array. fn returning [source.ErrStopPagination] (directly or from a nested
// callback) stops without requesting further pages and returns nil.
func (c *Client) pages(ctx context.Context, path string, query url.Values, fn func(values json.RawMessage) error) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("limit", strconv.Itoa(defaultPageLimit))

	start := 0
	for {
		query.Set("start", strconv.Itoa(start))

		var page pagedResponse
		if err := c.get(ctx, path, query, &page); err != nil {
			return err
		}

		if err := fn(page.Values); err != nil {
			if errors.Is(err, source.ErrStopPagination) {
				return nil
			}
			return err
		}

		if page.IsLastPage || page.NextPageStart == nil {
			return nil
		}
		start = *page.NextPageStart
	}
}

// pagedEach decodes each page into []T and invokes fn per element.
func pagedEach[T any](c *Client, ctx context.Context, path string, query url.Values, fn func(*T) error) error {
	return c.pages(ctx, path, query, func(values json.RawMessage) error {
		var items []T
		if err := json.Unmarshal(values, &items); err != nil {
			return fmt.Errorf("failed to decode page values: %w", err)
		}
		for i := range items {
			if err := fn(&items[i]); err != nil {
				return err
			}
		}
		return nil
	})
}
