// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrMappingConflict reports an attempt to map a temp identifier to a second real identifier.
	ErrMappingConflict = errors.New("fieldsync: identifier mapping conflict")
	// ErrSyncInProgress is returned by SyncOnce while another run holds the syncing flag.
	ErrSyncInProgress = errors.New("fieldsync: sync already in progress")
	// ErrOffline is returned by SyncOnce when connectivity is not available.
	ErrOffline = errors.New("fieldsync: offline")
	// ErrCancelled reports a user-initiated cancellation. Work already committed stays committed.
	ErrCancelled = errors.New("fieldsync: cancelled")
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("fieldsync: validation failed")
	// ErrTransient is matched by retryable backend failures.
	ErrTransient = errors.New("fieldsync: transient failure")

	ErrImageNotFound     = errors.New("fieldsync: image not found")
	ErrRecordNotFound    = errors.New("fieldsync: record not found")
	ErrOperationNotFound = errors.New("fieldsync: operation not found")
	ErrBlobNotFound      = errors.New("fieldsync: blob content not found")
	ErrRemoteNotFound    = errors.New("fieldsync: remote resource not found")
)

// MappingConflictError is fatal: it indicates a logic defect, never a network condition.
type MappingConflictError struct {
	TempID    string
	Existing  string
	Attempted string
}

func (e *MappingConflictError) Error() string {
	return fmt.Sprintf("fieldsync: temp id %s already mapped to %s, refusing %s", e.TempID, e.Existing, e.Attempted)
}

func (e *MappingConflictError) Is(target error) bool { return target == ErrMappingConflict }

// ValidationError is reported synchronously, before anything is enqueued.
type ValidationError struct {
	Field  string
	Reason string
	Limit  int
	Actual int
}

func (e *ValidationError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("fieldsync: invalid %s: %s (%d > %d)", e.Field, e.Reason, e.Actual, e.Limit)
	}
	return fmt.Sprintf("fieldsync: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// BackendError describes a failed call to the backend resource protocol.
type BackendError struct {
	Op           string
	ResourceType string
	StatusCode   int
	Retryable    bool
	Message      string
	Err          error
}

func (e *BackendError) Error() string {
	msg := fmt.Sprintf("backend %s %s failed", e.Op, e.ResourceType)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BackendError) Unwrap() error { return e.Err }

func (e *BackendError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Retryable
	case ErrRemoteNotFound:
		return e.StatusCode == 404
	}
	return false
}

// IsRetryable classifies an error returned by a Backend. Network errors, timeouts,
// rate limiting and 5xx responses are transient; everything else is permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.Retryable
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
