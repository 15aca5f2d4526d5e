// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/relaybot/internal/model"
)

// =============================================================================
// CREDENTIAL STORE TESTS
// =============================================================================

func TestCredentialStore_MissingFileIsEmpty(t *testing.T) {
	s, err := OpenCredentialStore(filepath.Join(t.TempDir(), "credentials.json"))
	require.NoError(t, err)
	_, ok := s.Get("free_1")
	require.False(t, ok)
	require.Empty(t, s.Keys())
}

func TestCredentialStore_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "credentials.json")
	s, err := OpenCredentialStore(path)
	require.NoError(t, err)

	cred := model.Credential{APIKey: "fk-1", BaseURL: "https://free.example/v1"}
	require.NoError(t, s.Put("free_1", cred))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reopened, err := OpenCredentialStore(path)
	require.NoError(t, err)
	got, ok := reopened.Get("free_1")
	require.True(t, ok)
	require.Equal(t, cred.APIKey, got.APIKey)
	require.Equal(t, cred.BaseURL, got.BaseURL)

	require.NoError(t, reopened.Delete("free_1"))
	require.NoError(t, reopened.Delete("free_1"))
	_, ok = reopened.Get("free_1")
	require.False(t, ok)
}

func TestCredentialStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := OpenCredentialStore(path)
	var se *StoreError
	require.True(t, errors.As(err, &se))
	require.Equal(t, "decode", se.Op)
}

func TestCredentialStore_WatchPicksUpExternalEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	s, err := OpenCredentialStore(path)
	require.NoError(t, err)
	s.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	// Give the watcher time to register.
	time.Sleep(50 * time.Millisecond)

	data, _ := json.Marshal(map[string]model.Credential{"free_3": {APIKey: "edited"}})
	require.NoError(t, os.WriteFile(path, data, 0o600))

	require.Eventually(t, func() bool {
		cred, ok := s.Get("free_3")
		return ok && cred.APIKey == "edited"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

// =============================================================================
// SESSION STORE TESTS
// =============================================================================

func openSessions(t *testing.T) *SessionStore {
	t.Helper()
	s, err := OpenSessionStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	s := openSessions(t)

	rec := SessionRecord{
		UserID:    42,
		SessionID: "5f0c",
		Platform:  "openai",
		Mask:      "common",
		Model:     "gpt-4o",
		Turns: []model.Turn{
			model.UserText("Hello"),
			model.AssistantTurn("Hi there"),
			model.UserTurn(model.Multimodal(model.TextPart("what is this"), model.ImageURLPart("data:image/webp;base64,AA"))),
		},
		Held:      []model.Turn{model.UserText("older")},
		UpdatedAt: time.Unix(1_700_000_000, 0),
	}
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Load(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, rec.SessionID, got.SessionID)
	require.Equal(t, rec.Platform, got.Platform)
	require.Equal(t, rec.Model, got.Model)
	require.Len(t, got.Turns, 3)
	require.Equal(t, "Hello", got.Turns[0].Text)
	require.True(t, got.Turns[2].IsMultimodal())
	require.Len(t, got.Held, 1)
	require.Equal(t, rec.UpdatedAt.Unix(), got.UpdatedAt.Unix())
}

func TestSessionStore_Upsert(t *testing.T) {
	ctx := context.Background()
	s := openSessions(t)

	require.NoError(t, s.Save(ctx, SessionRecord{UserID: 1, SessionID: "a", Platform: "openai", Mask: "common", Model: "gpt-4o"}))
	require.NoError(t, s.Save(ctx, SessionRecord{UserID: 1, SessionID: "a", Visitor: true, Platform: "free_1", Mask: "doctor", Model: "gpt-3.5-turbo"}))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.Load(ctx, 1)
	require.NoError(t, err)
	require.True(t, got.Visitor)
	require.Equal(t, "free_1", got.Platform)
	require.Nil(t, got.Turns)
}

func TestSessionStore_NotFoundAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openSessions(t)

	_, err := s.Load(ctx, 7)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Save(ctx, SessionRecord{UserID: 7, Platform: "p", Mask: "m", Model: "x"}))
	require.NoError(t, s.Delete(ctx, 7))
	_, err = s.Load(ctx, 7)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSessionStore_Prune(t *testing.T) {
	ctx := context.Background()
	s := openSessions(t)
	now := time.Now()

	require.NoError(t, s.Save(ctx, SessionRecord{UserID: 1, Platform: "p", Mask: "m", Model: "x", UpdatedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, s.Save(ctx, SessionRecord{UserID: 2, Platform: "p", Mask: "m", Model: "x", UpdatedAt: now}))

	removed, err := s.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	_, err = s.Load(ctx, 2)
	require.NoError(t, err)
}

func TestStoreError(t *testing.T) {
	err := notFound("load", "9")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, "storage load 9: not found", err.Error())

	cause := errors.New("disk full")
	wrapped := wrap("save", "9", cause)
	require.ErrorIs(t, wrapped, cause)
	require.NotErrorIs(t, wrapped, ErrNotFound)
	require.Nil(t, wrap("save", "9", nil))
}
