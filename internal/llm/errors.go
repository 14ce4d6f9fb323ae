// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrEmptyResponse is returned when a provider answers with no text.
	ErrEmptyResponse = errors.New("empty completion")

	// ErrUnknownProvider is returned when a route names an unregistered provider.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Kind classifies a model failure for retry decisions.
type Kind int

const (
	// KindFatal - retrying the same request will not help
	KindFatal Kind = iota

	// KindTransient - timeouts, connection failures, rate limits, server errors
	KindTransient
)

// String returns the string representation of a kind.
func (k Kind) String() string {
	if k == KindTransient {
		return "transient"
	}
	return "fatal"
}

// Error is a classified provider failure.
type Error struct {
	Provider string
	Model    string
	Kind     Kind
	Err      error
}

func (e *Error) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("%s (%s) %s error: %v", e.Provider, e.Model, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a model failure worth retrying.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindTransient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// statusKind maps an HTTP status code to a failure kind.
func statusKind(code int) Kind {
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 {
		return KindTransient
	}
	return KindFatal
}

// wrap classifies err for provider, leaving cancellation untouched so callers
// can see it with errors.Is.
func wrap(provider, model string, err error, kind Kind) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTransient
	}
	return &Error{Provider: provider, Model: model, Kind: kind, Err: err}
}
