// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldserver"
)

// Resource is a backend record as returned by Create and Read.
type Resource = fieldserver.Resource

// BinaryUpload is the body of an UploadBinary call.
type BinaryUpload struct {
	Data           []byte
	ContentType    string
	IdempotencyKey string
}

// Backend is the resource protocol the engine syncs against.
// Every method must be safe to retry.
type Backend interface {
	Create(ctx context.Context, resourceType string, payload json.RawMessage, idempotencyKey string) (Resource, error)
	Update(ctx context.Context, resourceType, id string, payload json.RawMessage) error
	Delete(ctx context.Context, resourceType, id string) error
	Read(ctx context.Context, resourceType string, filter map[string]string) ([]Resource, error)
	UploadBinary(ctx context.Context, upload BinaryUpload) (string, error)
	FetchBinary(ctx context.Context, key string) ([]byte, error)
}

// IdempotentBackend is implemented by backends that deduplicate creates by
// idempotency key. For any other backend the orchestrator looks a create up by
// its client token before resubmitting it.
type IdempotentBackend interface {
	HonorsIdempotencyKeys() bool
}

// clientTokenField is stamped into every create payload.
const clientTokenField = "client_token"

// HTTPBackend talks to a fieldserver over HTTP.
type HTTPBackend struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns JWT
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewHTTPBackend creates a backend client for baseURL.
func NewHTTPBackend(baseURL string, tok func(ctx context.Context) (string, error)) *HTTPBackend {
	return &HTTPBackend{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   tok,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
		logger:  slog.Default().With("component", "http_backend"),
	}
}

// HonorsIdempotencyKeys reports true: fieldserver enforces unique (user, idempotency key).
func (b *HTTPBackend) HonorsIdempotencyKeys() bool { return true }

func (b *HTTPBackend) Create(ctx context.Context, resourceType string, payload json.RawMessage, idempotencyKey string) (Resource, error) {
	var res Resource
	headers := map[string]string{"Content-Type": "application/json"}
	if idempotencyKey != "" {
		headers[fieldserver.IdempotencyKeyHeader] = idempotencyKey
	}
	body, err := b.do(ctx, "create", resourceType, http.MethodPost, "/resources/"+url.PathEscape(resourceType), payload, headers)
	if err != nil {
		return res, err
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return res, fmt.Errorf("failed to decode create response: %w", err)
	}
	if res.ID == "" {
		return res, &BackendError{Op: "create", ResourceType: resourceType, Message: "response carries no id"}
	}
	return res, nil
}

func (b *HTTPBackend) Update(ctx context.Context, resourceType, id string, payload json.RawMessage) error {
	path := "/resources/" + url.PathEscape(resourceType) + "/" + url.PathEscape(id)
	_, err := b.do(ctx, "update", resourceType, http.MethodPut, path, payload, map[string]string{"Content-Type": "application/json"})
	return err
}

func (b *HTTPBackend) Delete(ctx context.Context, resourceType, id string) error {
	path := "/resources/" + url.PathEscape(resourceType) + "/" + url.PathEscape(id)
	_, err := b.do(ctx, "delete", resourceType, http.MethodDelete, path, nil, nil)
	return err
}

func (b *HTTPBackend) Read(ctx context.Context, resourceType string, filter map[string]string) ([]Resource, error) {
	q := url.Values{}
	for k, v := range filter {
		q.Set(k, v)
	}
	path := "/resources/" + url.PathEscape(resourceType)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	body, err := b.do(ctx, "read", resourceType, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	var list fieldserver.ListResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to decode read response: %w", err)
	}
	return list.Items, nil
}

func (b *HTTPBackend) UploadBinary(ctx context.Context, upload BinaryUpload) (string, error) {
	ct := upload.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	headers := map[string]string{"Content-Type": ct}
	if upload.IdempotencyKey != "" {
		headers[fieldserver.IdempotencyKeyHeader] = upload.IdempotencyKey
	}
	body, err := b.do(ctx, "upload", "binary", http.MethodPost, "/binaries", upload.Data, headers)
	if err != nil {
		return "", err
	}
	var res fieldserver.BinaryResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	return res.Key, nil
}

func (b *HTTPBackend) FetchBinary(ctx context.Context, key string) ([]byte, error) {
	return b.do(ctx, "fetch", "binary", http.MethodGet, "/binaries/"+url.PathEscape(key), nil, nil)
}

// do sends one request and maps the HTTP outcome onto *BackendError.
func (b *HTTPBackend) do(ctx context.Context, op, resourceType, method, path string, body []byte, headers map[string]string) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, b.BaseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if b.Token != nil {
		token, err := b.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get JWT token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := b.HTTP.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &BackendError{Op: op, ResourceType: resourceType, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &BackendError{Op: op, ResourceType: resourceType, StatusCode: resp.StatusCode, Retryable: true, Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	be := &BackendError{
		Op:           op,
		ResourceType: resourceType,
		StatusCode:   resp.StatusCode,
		Retryable:    resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout,
		Message:      errorMessage(data),
	}
	b.logger.Debug("backend request failed", "op", op, "type", resourceType, "status", resp.StatusCode, "retryable", be.Retryable)
	return nil, be
}

func errorMessage(body []byte) string {
	var er fieldserver.ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		if er.Message != "" {
			return er.Error + ": " + er.Message
		}
		return er.Error
	}
	return strings.TrimSpace(string(body))
}

// isNotFound reports whether err is a 404 from the backend.
func isNotFound(err error) bool {
	return errors.Is(err, ErrRemoteNotFound)
}
