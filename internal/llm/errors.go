// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorKind categorizes model failures for handling and display.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindUnavailable
	KindTimeout
	KindRejected
	KindModelNotFound
	KindInvalidResponse
	KindIncomplete
)

// String returns the wire name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindRejected:
		return "rejected"
	case KindModelNotFound:
		return "model_not_found"
	case KindInvalidResponse:
		return "invalid_response"
	case KindIncomplete:
		return "incomplete"
	default:
		return "unknown"
	}
}

// ModelError is the failure delivered on a reply stream.
type ModelError struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	Cause      error
}

func (e *ModelError) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *ModelError) Unwrap() error {
	return e.Cause
}

// Is matches sentinel ModelErrors by kind.
func (e *ModelError) Is(target error) bool {
	t, ok := target.(*ModelError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.StatusCode == 0 && t.Cause == nil
}

// Sentinel errors for errors.Is checks.
var (
	ErrUnavailable   = &ModelError{Kind: KindUnavailable, Message: "model provider unavailable"}
	ErrTimeout       = &ModelError{Kind: KindTimeout, Message: "model request timed out"}
	ErrModelNotFound = &ModelError{Kind: KindModelNotFound, Message: "model not found"}
	ErrIncomplete    = &ModelError{Kind: KindIncomplete, Message: "stream ended without a final increment"}
)

// NewError builds a ModelError.
func NewError(kind ErrorKind, message string, cause error) *ModelError {
	return &ModelError{Kind: kind, Message: message, Cause: cause}
}

// FromStatus classifies a non-2xx provider response.
func FromStatus(status int, body string) *ModelError {
	kind := KindRejected
	switch {
	case status == http.StatusNotFound:
		kind = KindModelNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = KindTimeout
	case status == http.StatusTooManyRequests || status >= 500:
		kind = KindUnavailable
	}
	msg := "provider returned an error"
	if body != "" {
		msg = body
	}
	return &ModelError{Kind: kind, Message: msg, StatusCode: status}
}

// FromTransport classifies an error from the HTTP round trip.
func FromTransport(err error) *ModelError {
	var me *ModelError
	if errors.As(err, &me) {
		return me
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, "model request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(KindTimeout, "model request timed out", err)
	}
	return NewError(KindUnavailable, "cannot reach model provider", err)
}

// KindOf returns the kind of err, or KindUnknown when it is not a ModelError.
func KindOf(err error) ErrorKind {
	var me *ModelError
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindUnknown
}

// IsTimeout reports whether err is a model timeout.
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}

// IsUnavailable reports whether the provider could not be reached.
func IsUnavailable(err error) bool {
	return KindOf(err) == KindUnavailable
}
