// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/relaybot/internal/model"
	"github.com/jeranaias/relaybot/internal/storage"
)

func openTestStore(t *testing.T) *storage.SessionStore {
	t.Helper()
	store, err := storage.OpenSessionStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// failingStore rejects every save.
type failingStore struct{ *storage.SessionStore }

func (failingStore) Save(context.Context, storage.SessionRecord) error { return errBoom }

func TestManager_GetReturnsSameSession(t *testing.T) {
	u := newUpstream(t, "ok")
	m := NewManager(newTestDeps(t, u.URL), DefaultManagerConfig())
	ctx := context.Background()

	a, err := m.Get(ctx, User{ID: 1})
	require.NoError(t, err)
	b, err := m.Get(ctx, User{ID: 1})
	require.NoError(t, err)
	require.Same(t, a, b)

	c, err := m.Get(ctx, User{ID: 2})
	require.NoError(t, err)
	require.NotSame(t, a, c)
	require.Equal(t, 2, m.Len())
}

func TestManager_ConcurrentGet(t *testing.T) {
	u := newUpstream(t, "ok")
	m := NewManager(newTestDeps(t, u.URL), DefaultManagerConfig(), WithStore(openTestStore(t)))

	var wg sync.WaitGroup
	got := make([]*Session, 20)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Get(context.Background(), User{ID: 5})
			if err == nil {
				got[i] = s
			}
		}(i)
	}
	wg.Wait()
	for _, s := range got {
		require.Same(t, got[0], s)
	}
}

func TestManager_PersistsAndResumes(t *testing.T) {
	u := newUpstream(t, "Hi there")
	deps := newTestDeps(t, u.URL)
	store := openTestStore(t)
	ctx := context.Background()

	m := NewManager(deps, DefaultManagerConfig(), WithStore(store))
	s, err := m.Get(ctx, User{ID: 11})
	require.NoError(t, err)
	require.NoError(t, s.SwitchMask(ctx, "doctor"))
	_, err = s.Dispatch(ctx, Inbound{Kind: KindText, Text: "Hello"}, &fakeResponder{})
	require.NoError(t, err)
	require.NoError(t, m.Flush(ctx))

	rec, err := store.Load(ctx, 11)
	require.NoError(t, err)
	require.Equal(t, "doctor", rec.Mask)
	require.Len(t, rec.Turns, 2)

	restarted := NewManager(deps, DefaultManagerConfig(), WithStore(store))
	resumed, err := restarted.Get(ctx, User{ID: 11})
	require.NoError(t, err)
	require.Equal(t, s.ID(), resumed.ID())
	require.Equal(t, Active, resumed.State())
	require.Equal(t, "gpt-4o", resumed.Model())
	require.Equal(t, []model.Turn{model.UserText("Hello"), model.AssistantTurn("Hi there")},
		resumed.Platform().History().Turns())
}

func TestManager_SaveSkipsClean(t *testing.T) {
	u := newUpstream(t, "ok")
	store := openTestStore(t)
	m := NewManager(newTestDeps(t, u.URL), DefaultManagerConfig(), WithStore(store))
	ctx := context.Background()

	s, err := m.Get(ctx, User{ID: 3})
	require.NoError(t, err)
	require.NoError(t, m.Save(ctx, s), "an inactive session has nothing to save")
	n, err := store.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, s.Activate(ctx))
	require.NoError(t, m.Save(ctx, s))
	n, err = store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, s.takeDirty())
}

func TestManager_FailedSaveStaysDirty(t *testing.T) {
	u := newUpstream(t, "ok")
	m := NewManager(newTestDeps(t, u.URL), DefaultManagerConfig(), WithStore(failingStore{openTestStore(t)}))
	ctx := context.Background()

	s, err := m.Get(ctx, User{ID: 4})
	require.NoError(t, err)
	require.NoError(t, s.Activate(ctx))
	require.ErrorIs(t, m.Save(ctx, s), errBoom)
	require.True(t, s.takeDirty(), "a failed save is retried on the next sweep")
}

func TestManager_CheckEvictsIdle(t *testing.T) {
	u := newUpstream(t, "ok")
	store := openTestStore(t)
	var evicted []Status
	m := NewManager(newTestDeps(t, u.URL), ManagerConfig{IdleTimeout: time.Minute},
		WithStore(store),
		WithEvictCallback(func(st Status) { evicted = append(evicted, st) }))
	ctx := context.Background()

	idle, err := m.Get(ctx, User{ID: 1})
	require.NoError(t, err)
	require.NoError(t, idle.Activate(ctx))
	busy, err := m.Get(ctx, User{ID: 2})
	require.NoError(t, err)
	require.NoError(t, busy.Activate(ctx))

	idle.mu.Lock()
	idle.lastActivity = time.Now().Add(-2 * time.Minute)
	idle.mu.Unlock()

	require.Equal(t, 1, m.Check(ctx))
	require.Equal(t, 1, m.Len())
	require.Len(t, evicted, 1)
	require.Equal(t, int64(1), evicted[0].User.ID)

	_, err = store.Load(ctx, 1)
	require.NoError(t, err, "evicted sessions are saved first")
	_, ok := m.Status(1)
	require.False(t, ok)
	_, ok = m.Status(2)
	require.True(t, ok)
}

func TestManager_Forget(t *testing.T) {
	u := newUpstream(t, "ok")
	store := openTestStore(t)
	m := NewManager(newTestDeps(t, u.URL), DefaultManagerConfig(), WithStore(store))
	ctx := context.Background()

	s, err := m.Get(ctx, User{ID: 6})
	require.NoError(t, err)
	require.NoError(t, s.Activate(ctx))
	require.NoError(t, m.Flush(ctx))

	require.NoError(t, m.Forget(ctx, 6))
	require.Zero(t, m.Len())
	_, err = store.Load(ctx, 6)
	require.ErrorIs(t, err, storage.ErrNotFound)

	fresh, err := m.Get(ctx, User{ID: 6})
	require.NoError(t, err)
	require.NotEqual(t, s.ID(), fresh.ID())
}

func TestManager_Allow(t *testing.T) {
	u := newUpstream(t, "ok")
	m := NewManager(newTestDeps(t, u.URL), ManagerConfig{RatePerSecond: 0.001, Burst: 2})
	require.True(t, m.Allow(1))
	require.True(t, m.Allow(1))
	require.False(t, m.Allow(1))
	require.True(t, m.Allow(2), "limits are per user")

	unlimited := NewManager(newTestDeps(t, u.URL), ManagerConfig{})
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.Allow(1))
	}
}

func TestManager_RunFlushesOnCancel(t *testing.T) {
	u := newUpstream(t, "ok")
	store := openTestStore(t)
	m := NewManager(newTestDeps(t, u.URL), ManagerConfig{SweepInterval: time.Hour}, WithStore(store))

	s, err := m.Get(context.Background(), User{ID: 8})
	require.NoError(t, err)
	require.NoError(t, s.Activate(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}

	_, err = store.Load(context.Background(), 8)
	require.NoError(t, err)
}

func TestManager_Statuses(t *testing.T) {
	u := newUpstream(t, "ok")
	m := NewManager(newTestDeps(t, u.URL), DefaultManagerConfig())
	ctx := context.Background()
	for _, id := range []int64{1, 2, 3} {
		_, err := m.Get(ctx, User{ID: id})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	sts := m.Statuses()
	require.Len(t, sts, 3)
	require.Equal(t, int64(3), sts[0].User.ID)
	require.Greater(t, m.Uptime(), time.Duration(0))
}
