// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// newTestTransport returns a transport that records sleeps instead of
// sleeping.
func newTestTransport(opts ...Option) (*Transport, *atomic.Int32) {
	var sleeps atomic.Int32
	tr := New(http.DefaultClient, opts...)
	tr.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps.Add(1)
		return nil
	}
	return tr, &sleeps
}

func statusServer(t *testing.T, status int, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		w.Write([]byte(`{"error":{"message":"nope"}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// =============================================================================
// RETRY BOUND TESTS
// =============================================================================

// TestDo_RetryBound verifies a permanently failing matched call is tried
// exactly Attempts times.
func TestDo_RetryBound(t *testing.T) {
	var hits, recovers atomic.Int32
	srv := statusServer(t, http.StatusForbidden, &hits)

	tr, sleeps := newTestTransport(WithConditions(DefaultConditions(Hooks{
		Unauthorized: func(ctx context.Context, err error, req *http.Request) error {
			recovers.Add(1)
			return nil
		},
	})...))

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	err := tr.Do(context.Background(), req, nil)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)
	require.Equal(t, http.StatusForbidden, StatusCode(err))
	require.Contains(t, err.Error(), "after 3 attempts")
	require.EqualValues(t, 3, hits.Load())
	require.EqualValues(t, 2, recovers.Load(), "no recovery after the final attempt")
	require.EqualValues(t, 2, sleeps.Load())
}

func TestDo_CustomAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := statusServer(t, http.StatusServiceUnavailable, &hits)

	tr, _ := newTestTransport(WithAttempts(5))
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	err := tr.Do(context.Background(), req, nil)

	require.Error(t, err)
	require.EqualValues(t, 5, hits.Load())
}

// =============================================================================
// ESCALATION TESTS
// =============================================================================

// TestDo_UnmatchedErrorPropagatesImmediately verifies an error outside the
// condition table is returned on the first attempt without a pause.
func TestDo_UnmatchedErrorPropagatesImmediately(t *testing.T) {
	var hits atomic.Int32
	srv := statusServer(t, http.StatusBadRequest, &hits)

	tr, sleeps := newTestTransport()
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	err := tr.Do(context.Background(), req, nil)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	require.Contains(t, string(httpErr.Body), "nope")
	require.EqualValues(t, 1, hits.Load())
	require.EqualValues(t, 0, sleeps.Load())
}

// TestDo_ForbiddenWithoutHookIsFatal covers paid platforms: a 403 means
// exhausted quota, not an expired token.
func TestDo_ForbiddenWithoutHookIsFatal(t *testing.T) {
	var hits atomic.Int32
	srv := statusServer(t, http.StatusForbidden, &hits)

	tr, _ := newTestTransport()
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	err := tr.Do(context.Background(), req, nil)

	require.Equal(t, http.StatusForbidden, StatusCode(err))
	var exhausted *ExhaustedError
	require.False(t, errors.As(err, &exhausted))
	require.EqualValues(t, 1, hits.Load())
}

func TestDo_RecoverFailurePropagates(t *testing.T) {
	var hits atomic.Int32
	srv := statusServer(t, http.StatusForbidden, &hits)
	refreshErr := errors.New("credential provider down")

	tr, _ := newTestTransport(WithConditions(DefaultConditions(Hooks{
		Unauthorized: func(context.Context, error, *http.Request) error { return refreshErr },
	})...))
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	err := tr.Do(context.Background(), req, nil)

	require.ErrorIs(t, err, refreshErr)
	require.EqualValues(t, 1, hits.Load())
}

// =============================================================================
// RECOVERY TESTS
// =============================================================================

// TestDo_RecoverPatchesHeaders verifies header mutations made by a hook
// reach the next attempt and the body is replayed.
func TestDo_RecoverPatchesHeaders(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"q":1}` {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tr, _ := newTestTransport(WithConditions(DefaultConditions(Hooks{
		Unauthorized: func(ctx context.Context, err error, req *http.Request) error {
			req.Header.Set("Authorization", "Bearer fresh")
			return nil
		},
	})...))

	req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{"q":1}`))
	req.Header.Set("Authorization", "Bearer stale")

	var got string
	err := tr.Do(context.Background(), req, func(resp *http.Response) error {
		b, err := io.ReadAll(resp.Body)
		got = string(b)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, "ok", got)
	require.EqualValues(t, 2, hits.Load())
}

// TestDo_HandlerErrorIsRetryable verifies an empty-stream error raised while
// decoding a 200 response is retried through its condition.
func TestDo_HandlerErrorIsRetryable(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if n == 1 {
			return
		}
		w.Write([]byte("content"))
	}))
	defer srv.Close()

	var refreshed atomic.Bool
	tr, _ := newTestTransport(WithConditions(DefaultConditions(Hooks{
		EmptyStream: func(context.Context, error, *http.Request) error {
			refreshed.Store(true)
			return nil
		},
	})...))

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	err := tr.Do(context.Background(), req, func(resp *http.Response) error {
		b, _ := io.ReadAll(resp.Body)
		if len(b) == 0 {
			return ErrEmptyStream
		}
		return nil
	})
	require.NoError(t, err)
	require.True(t, refreshed.Load())
	require.EqualValues(t, 2, hits.Load())
}

func TestDo_ContextCancelledStopsRetrying(t *testing.T) {
	var hits atomic.Int32
	srv := statusServer(t, http.StatusServiceUnavailable, &hits)

	ctx, cancel := context.WithCancel(context.Background())
	tr := New(http.DefaultClient, WithInterval(time.Hour))
	go func() {
		for hits.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	err := tr.Do(ctx, req, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDo_LimiterGatesAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := statusServer(t, http.StatusOK, &hits)

	tr, _ := newTestTransport(WithLimiter(rate.NewLimiter(rate.Every(time.Hour), 1)))
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, tr.Do(context.Background(), req, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tr.Do(ctx, req, nil)
	require.Error(t, err, "second call must wait on the limiter and hit the deadline")
	require.EqualValues(t, 1, hits.Load())
}

func TestStatusIs(t *testing.T) {
	match := StatusIs(http.StatusServiceUnavailable, http.StatusMethodNotAllowed)
	require.True(t, match(&HTTPError{StatusCode: 405}))
	require.True(t, match(&ExhaustedError{Last: &HTTPError{StatusCode: 503}}))
	require.False(t, match(&HTTPError{StatusCode: 500}))
	require.False(t, match(errors.New("plain")))
}

func TestDo_RedactionHidesSecrets(t *testing.T) {
	var hits atomic.Int32
	srv := statusServer(t, http.StatusServiceUnavailable, &hits)
	tr, _ := newTestTransport(WithRedaction(func(s string) string {
		return strings.ReplaceAll(s, "secret-token", "<redacted>")
	}))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/botsecret-token/getMe", nil)
	require.NoError(t, err)
	err = tr.Do(context.Background(), req, nil)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.NotContains(t, err.Error(), "secret-token")
	require.Contains(t, exhausted.URL, "<redacted>")
}
