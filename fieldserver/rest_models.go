// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldserver

import (
	"encoding/json"
	"time"
)

// REST/JSON models for the resource protocol.
// The client library decodes these same types.

// Resource is one stored record of a given resource type.
// Identifiers are opaque strings on the wire.
type Resource struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ListResponse is returned by GET /resources/{type}
type ListResponse struct {
	Items []Resource `json:"items"`
}

// BinaryResponse is returned by POST /binaries
type BinaryResponse struct {
	Key         string `json:"key"`
	Size        int64  `json:"size_bytes"`
	ContentType string `json:"content_type,omitempty"`
}

// SigninRequest is accepted by POST /dummy-signin (development only)
type SigninRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
	DeviceID string `json:"device_id"`
}

// SigninResponse carries a freshly minted bearer token
type SigninResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	User      string `json:"user"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// IdempotencyKeyHeader carries the client-generated token that makes create and upload retries safe.
const IdempotencyKeyHeader = "Idempotency-Key"
