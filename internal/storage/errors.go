// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import "fmt"

// ErrNotFound is returned when a record does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &StoreError{Op: "load", Message: "not found"}

// StoreError describes a failed storage operation.
type StoreError struct {
	Op      string
	Key     string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	if e.Key != "" {
		return fmt.Sprintf("storage %s %s: %s", e.Op, e.Key, msg)
	}
	return fmt.Sprintf("storage %s: %s", e.Op, msg)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error { return e.Err }

// Is matches store errors by message so keyed not-found errors satisfy
// errors.Is(err, ErrNotFound).
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return t.Message != "" && e.Message == t.Message
}

func notFound(op, key string) error {
	return &StoreError{Op: op, Key: key, Message: ErrNotFound.Message}
}

func wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Key: key, Err: err}
}
