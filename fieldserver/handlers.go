// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/mobiletoly/go-fieldsync/internal/auth"
)

var resourceTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("Health check failed", "error", err)
		writeError(w, s.logger, http.StatusServiceUnavailable, "unavailable", "store is not reachable")
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSignin mints a token for any user and password.
func (s *Server) handleSignin(w http.ResponseWriter, r *http.Request) {
	var req SigninRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, http.StatusBadRequest, "invalid_request", "invalid JSON")
		return
	}
	if req.User == "" {
		writeError(w, s.logger, http.StatusBadRequest, "invalid_request", "user required")
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = "device-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	tok, err := s.auth.GenerateToken(req.User, req.DeviceID, s.config.TokenTTL)
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, "token_error", err.Error())
		return
	}
	s.logger.Info("Generated dummy JWT", "user", req.User, "device", req.DeviceID)
	writeJSON(w, s.logger, http.StatusOK, SigninResponse{Token: tok, ExpiresIn: int(s.config.TokenTTL.Seconds()), User: req.User})
}

// caller returns the authenticated user and the path's resource type, or
// writes an error and returns ok=false.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (userID, resourceType string, ok bool) {
	userID, ok = auth.GetUserID(r.Context())
	if !ok {
		writeError(w, s.logger, http.StatusUnauthorized, "authentication_failed", "no authenticated user")
		return "", "", false
	}
	resourceType = r.PathValue("type")
	if resourceType == "" {
		return userID, "", true
	}
	if !resourceTypePattern.MatchString(resourceType) {
		writeError(w, s.logger, http.StatusBadRequest, "invalid_request", "invalid resource type")
		return "", "", false
	}
	return userID, resourceType, true
}

// readObject reads a JSON object body within the payload limit.
func (s *Server) readObject(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body := r.Body
	if s.config.MaxPayloadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.config.MaxPayloadBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		s.writeStoreError(w, err)
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		writeError(w, s.logger, http.StatusBadRequest, "invalid_request", "payload must be a JSON object")
		return nil, false
	}
	return data, true
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID, resourceType, ok := s.caller(w, r)
	if !ok {
		return
	}
	payload, ok := s.readObject(w, r)
	if !ok {
		return
	}
	res, created, err := s.store.CreateResource(r.Context(), userID, resourceType, payload, r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, s.logger, status, res)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	userID, resourceType, ok := s.caller(w, r)
	if !ok {
		return
	}
	filter := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			filter[k] = v[0]
		}
	}
	items, err := s.store.ListResources(r.Context(), userID, resourceType, filter)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, ListResponse{Items: items})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	userID, resourceType, ok := s.caller(w, r)
	if !ok {
		return
	}
	payload, ok := s.readObject(w, r)
	if !ok {
		return
	}
	res, err := s.store.UpdateResource(r.Context(), userID, resourceType, r.PathValue("id"), payload)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, res)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	userID, resourceType, ok := s.caller(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteResource(r.Context(), userID, resourceType, r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUploadBinary(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := s.caller(w, r)
	if !ok {
		return
	}
	body := r.Body
	if s.config.MaxBinaryBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.config.MaxBinaryBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if len(data) == 0 {
		writeError(w, s.logger, http.StatusBadRequest, "invalid_request", "binary is empty")
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	res, err := s.store.PutBinary(r.Context(), userID, data, contentType, r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, s.logger, http.StatusCreated, res)
}

func (s *Server) handleFetchBinary(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := s.caller(w, r)
	if !ok {
		return
	}
	data, contentType, err := s.store.GetBinary(r.Context(), userID, r.PathValue("key"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("Failed to write binary", "error", err)
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, s.logger, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, ErrIdempotencyConflict):
		writeError(w, s.logger, http.StatusConflict, "idempotency_conflict", "idempotency key was used for another resource type")
	case errors.As(err, &tooLarge):
		writeError(w, s.logger, http.StatusRequestEntityTooLarge, "payload_too_large",
			"body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
	default:
		s.logger.Error("Request failed", "error", err)
		writeError(w, s.logger, http.StatusInternalServerError, "internal_error", "request failed")
	}
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func writeError(w http.ResponseWriter, logger *slog.Logger, statusCode int, errorCode, message string) {
	writeJSON(w, logger, statusCode, ErrorResponse{Error: errorCode, Message: message})
	logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
