// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mobiletoly/go-offsync/offsync"
)

// Client implements offsync.RemoteStore against the store API served by
// StoreHandlers. Calls are not internally deadline-bounded; the engine
// wraps every call in its own timeout.
type Client struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns JWT
	HTTP    *http.Client
}

// NewClient creates a store client for baseURL authenticating with tok.
func NewClient(baseURL string, tok func(ctx context.Context) (string, error)) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   tok,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Create stores a new document and returns its assigned id.
func (c *Client) Create(ctx context.Context, collection string, rec offsync.Record) (string, error) {
	var resp createResponse
	err := c.do(ctx, http.MethodPost, c.collectionURL(collection), documentBody{Fields: rec.Fields}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Get returns the document with the given id, or offsync.ErrNotFound.
func (c *Client) Get(ctx context.Context, collection, remoteID string) (offsync.Record, error) {
	var body documentBody
	err := c.do(ctx, http.MethodGet, c.documentURL(collection, remoteID), nil, &body)
	if err != nil {
		return offsync.Record{}, err
	}
	return offsync.Record{RemoteID: body.ID, Synced: true, Fields: body.Fields}, nil
}

// Query returns documents matching all equality filters, up to limit.
func (c *Client) Query(ctx context.Context, collection string, filters map[string]any, limit int) ([]offsync.Record, error) {
	u := c.collectionURL(collection)
	q := url.Values{}
	if len(filters) > 0 {
		filter, err := json.Marshal(filters)
		if err != nil {
			return nil, fmt.Errorf("failed to encode filters: %w", err)
		}
		q.Set("filter", string(filter))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var resp listResponse
	if err := c.do(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, err
	}
	records := make([]offsync.Record, 0, len(resp.Documents))
	for _, doc := range resp.Documents {
		records = append(records, offsync.Record{RemoteID: doc.ID, Synced: true, Fields: doc.Fields})
	}
	return records, nil
}

// Update overwrites the listed fields of an existing document.
func (c *Client) Update(ctx context.Context, collection, remoteID string, fields map[string]any) error {
	return c.do(ctx, http.MethodPatch, c.documentURL(collection, remoteID), documentBody{Fields: fields}, nil)
}

// Delete removes the document. A missing document is not an error.
func (c *Client) Delete(ctx context.Context, collection, remoteID string) error {
	err := c.do(ctx, http.MethodDelete, c.documentURL(collection, remoteID), nil, nil)
	if errors.Is(err, offsync.ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) collectionURL(collection string) string {
	return c.BaseURL + "/store/" + url.PathEscape(collection)
}

func (c *Client) documentURL(collection, id string) string {
	return c.collectionURL(collection) + "/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, u string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get JWT token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return offsync.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
