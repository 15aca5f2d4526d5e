// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"errors"
	"net/http"
)

// RecoverFunc runs after a matched failure and before the next attempt.
// It may mutate req. A non-nil return aborts the call with that error.
type RecoverFunc func(ctx context.Context, err error, req *http.Request) error

// Condition pairs a failure predicate with its recovery hook.
type Condition struct {
	Name    string
	Match   func(error) bool
	Recover RecoverFunc
}

// Hooks are the platform-specific recoveries plugged into the default
// condition set. A nil Unauthorized hook makes 403 fatal; other nil hooks
// retry without recovery.
type Hooks struct {
	Unauthorized RecoverFunc
	ServerError  RecoverFunc
	EmptyStream  RecoverFunc
}

// DefaultConditions returns the standard condition table.
func DefaultConditions(h Hooks) []Condition {
	unauthorized := h.Unauthorized
	if unauthorized == nil {
		unauthorized = Propagate
	}
	return []Condition{
		{Name: "unauthorized", Match: StatusIs(http.StatusForbidden), Recover: unauthorized},
		{Name: "server error", Match: StatusIs(http.StatusInternalServerError), Recover: h.ServerError},
		{Name: "unavailable", Match: StatusIs(http.StatusServiceUnavailable, http.StatusMethodNotAllowed), Recover: Noop},
		{Name: "empty stream", Match: Is(ErrEmptyStream), Recover: h.EmptyStream},
	}
}

// StatusIs matches HTTP errors with any of the given status codes.
func StatusIs(codes ...int) func(error) bool {
	return func(err error) bool {
		status := StatusCode(err)
		for _, c := range codes {
			if status == c {
				return true
			}
		}
		return false
	}
}

// Is matches errors wrapping target.
func Is(target error) func(error) bool {
	return func(err error) bool {
		return errors.Is(err, target)
	}
}

// Noop recovers by doing nothing; the call is simply retried.
func Noop(context.Context, error, *http.Request) error {
	return nil
}

// Propagate aborts the call with the matched error.
func Propagate(_ context.Context, err error, _ *http.Request) error {
	return err
}
