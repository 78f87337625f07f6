// Copyright 2026 MainListActivity
// SPDX-License-Identifier: Apache-2.0

// Package bihttp realizes the bisync remote backend boundary over JSON HTTP
// with an optional WebSocket live feed. Transport failures and 5xx responses
// surface as retryable network errors; 4xx responses surface as terminal
// remote rejections.
package bihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/MainListActivity/cuckoox-google-sub003/bisync"
)

// Backend implements bisync.RemoteBackend, bisync.BatchRemoteBackend and
// bisync.LiveRemoteBackend against a sync gateway.
type Backend struct {
	baseURL string
	tokens  *tokenSource
	http    *http.Client
	logger  *slog.Logger
}

// New creates a backend for the given gateway base URL. The token func is
// called whenever the cached bearer token is missing or about to expire.
func New(baseURL string, token TokenFunc, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		baseURL: baseURL,
		tokens:  newTokenSource(token),
		http:    &http.Client{Timeout: 120 * time.Second},
		logger:  logger,
	}
}

// SetHTTPClient replaces the underlying HTTP client (tests, custom TLS).
func (b *Backend) SetHTTPClient(c *http.Client) { b.http = c }

type queryRequest struct {
	Statement string         `json:"statement"`
	Vars      map[string]any `json:"vars,omitempty"`
}

type queryResponse struct {
	Records []bisync.RemoteRecord `json:"records"`
}

// Query executes a read statement with bind variables.
func (b *Backend) Query(ctx context.Context, statement string, vars map[string]any) ([]bisync.RemoteRecord, error) {
	var resp queryResponse
	err := b.doJSON(ctx, http.MethodPost, "/sync/query", &queryRequest{Statement: statement, Vars: vars}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Records, nil
}

type createRequest struct {
	Table string          `json:"table"`
	Data  json.RawMessage `json:"data"`
}

// Create inserts a record and returns the stored version.
func (b *Backend) Create(ctx context.Context, table string, data json.RawMessage) (*bisync.RemoteRecord, error) {
	var rec bisync.RemoteRecord
	err := b.doJSON(ctx, http.MethodPost, "/sync/records", &createRequest{Table: table, Data: data}, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Update patches a record by id and returns the stored version.
func (b *Backend) Update(ctx context.Context, table, id string, data json.RawMessage) (*bisync.RemoteRecord, error) {
	var rec bisync.RemoteRecord
	path := fmt.Sprintf("/sync/records/%s/%s", url.PathEscape(table), url.PathEscape(id))
	if err := b.doJSON(ctx, http.MethodPatch, path, data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Delete removes a record by id.
func (b *Backend) Delete(ctx context.Context, table, id string) error {
	path := fmt.Sprintf("/sync/records/%s/%s", url.PathEscape(table), url.PathEscape(id))
	return b.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

type batchOperation struct {
	OperationID string          `json:"operation_id"`
	Op          string          `json:"op"`
	RecordID    string          `json:"record_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type batchRequest struct {
	Table      string           `json:"table"`
	Operations []batchOperation `json:"operations"`
}

type batchItemResult struct {
	OperationID string `json:"operation_id"`
	Status      string `json:"status"` // "applied" or "rejected"
	Code        int    `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

type batchResponse struct {
	Results []batchItemResult `json:"results"`
}

// ApplyBatch executes a sequence of create/update/delete sub-statements for
// one table as a single round trip. Results come back in request order.
func (b *Backend) ApplyBatch(ctx context.Context, table string, ops []*bisync.SyncOperation) ([]bisync.BatchResult, error) {
	req := &batchRequest{Table: table, Operations: make([]batchOperation, len(ops))}
	for i, op := range ops {
		req.Operations[i] = batchOperation{
			OperationID: op.ID,
			Op:          op.Op,
			RecordID:    op.RecordID,
			Payload:     op.Payload,
		}
	}

	var resp batchResponse
	if err := b.doJSON(ctx, http.MethodPost, "/sync/batch", req, &resp); err != nil {
		return nil, err
	}

	results := make([]bisync.BatchResult, len(resp.Results))
	for i, item := range resp.Results {
		results[i] = bisync.BatchResult{OperationID: item.OperationID}
		if item.Status != "applied" {
			results[i].Err = &bisync.RemoteRejectionError{Code: item.Code, Message: item.Message}
		}
	}
	return results, nil
}

// doJSON performs one JSON round trip and classifies the outcome into the
// bisync error taxonomy.
func (b *Backend) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s %s request: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s %s request: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := b.tokens.token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := b.http.Do(req)
	if err != nil {
		return &bisync.NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		raw, _ := io.ReadAll(resp.Body)
		return &bisync.NetworkError{
			Op:  method + " " + path,
			Err: fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(raw)),
		}
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(resp.Body)
		return &bisync.RemoteRejectionError{Code: resp.StatusCode, Message: string(raw)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &bisync.NetworkError{Op: method + " " + path, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}
