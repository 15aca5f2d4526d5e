// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/relaybot/internal/model"
	"github.com/jeranaias/relaybot/internal/platform"
	"github.com/jeranaias/relaybot/internal/storage"
	"github.com/jeranaias/relaybot/internal/transport"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// chatRequest is the part of the completion request tests look at.
type chatRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

// upstream is a fake OpenAI-compatible server answering every chat call
// with answer, streamed in chunks when the request asks for it.
type upstream struct {
	*httptest.Server
	hits atomic.Int32

	mu     sync.Mutex
	answer string
	status int
	body   string
	last   chatRequest
}

func newUpstream(t *testing.T, answer string) *upstream {
	t.Helper()
	u := &upstream{answer: answer}
	u.Server = httptest.NewServer(http.HandlerFunc(u.serve))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) fail(status int, body string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status, u.body = status, body
}

func (u *upstream) lastRequest() chatRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last
}

func (u *upstream) serve(w http.ResponseWriter, r *http.Request) {
	u.hits.Add(1)
	u.mu.Lock()
	answer, status, failBody := u.answer, u.status, u.body
	u.mu.Unlock()

	if r.URL.Path == "/images/generations" {
		io.WriteString(w, `{"data":[{"url":"https://img.example/cat.png"}]}`)
		return
	}

	var req chatRequest
	body, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(body, &req)
	u.mu.Lock()
	u.last = req
	u.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		io.WriteString(w, failBody)
		return
	}
	if !req.Stream {
		out, _ := json.Marshal(map[string]any{
			"choices": []any{map[string]any{"message": map[string]string{"content": answer}}},
		})
		w.Write(out)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	for len(answer) > 0 {
		n := 40
		if n > len(answer) {
			n = len(answer)
		}
		chunk, _ := json.Marshal(answer[:n])
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%s}}]}\n\n", chunk)
		answer = answer[n:]
	}
	io.WriteString(w, "data: [DONE]\n\n")
}

// sent is one message shown by fakeResponder.
type sent struct {
	ID   int64
	Text string
}

// fakeResponder records everything shown to the user.
type fakeResponder struct {
	mu     sync.Mutex
	nextID int64
	sends  []sent
	edits  []sent
	photos []string
	typing atomic.Int32

	sendErr  error
	editErr  error
	photoErr error

	// sendLimit makes every Send after the first sendLimit fail.
	sendLimit int
}

func (f *fakeResponder) Send(_ context.Context, text string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	if f.sendLimit > 0 && len(f.sends) >= f.sendLimit {
		return 0, errBoom
	}
	f.nextID++
	f.sends = append(f.sends, sent{ID: f.nextID, Text: text})
	return f.nextID, nil
}

func (f *fakeResponder) Edit(_ context.Context, id int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, sent{ID: id, Text: text})
	return nil
}

func (f *fakeResponder) SendPhoto(_ context.Context, url, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.photoErr != nil {
		return f.photoErr
	}
	f.photos = append(f.photos, url)
	return nil
}

func (f *fakeResponder) Typing(context.Context) error {
	f.typing.Add(1)
	return nil
}

func (f *fakeResponder) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sends))
	for i, s := range f.sends {
		out[i] = s.Text
	}
	return out
}

func (f *fakeResponder) editTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.edits))
	for i, s := range f.edits {
		out[i] = s.Text
	}
	return out
}

// fakePaste is an in-memory PasteBin.
type fakePaste struct {
	mu      sync.Mutex
	docs    map[string]string
	uploads int
	err     error
}

func newFakePaste() *fakePaste {
	return &fakePaste{docs: map[string]string{"abcdefghij": "What is a monad?"}}
}

func (p *fakePaste) Host() string { return "https://paste.example" }

func (p *fakePaste) Upload(_ context.Context, text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.uploads++
	key := fmt.Sprintf("doc%07d", p.uploads)
	p.docs[key] = text
	return p.Host() + "/raw/" + key + ".md", nil
}

func (p *fakePaste) Match(text string) (string, bool) {
	const prefix = "https://paste.example/"
	i := strings.Index(text, prefix)
	if i < 0 || len(text) < i+len(prefix)+10 {
		return "", false
	}
	return text[i+len(prefix) : i+len(prefix)+10], true
}

func (p *fakePaste) Fetch(_ context.Context, id string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	doc, ok := p.docs[id]
	if !ok {
		return "", ErrInvalidPaste
	}
	return doc, nil
}

var testMasks = map[string]model.Mask{
	"common": {Name: "Common", DefaultModel: "gpt-3.5-turbo"},
	"doctor": {
		Name:            "Doctor",
		SystemPreamble:  "You are a doctor.",
		SupportedModels: []string{"gpt-4o"},
		DefaultModel:    "gpt-4o",
	},
	"painter": {
		Name:            "Painter",
		SupportedModels: []string{"dall-e-3"},
		DefaultModel:    "dall-e-3",
		ImageGenerator:  true,
	},
}

// newTestDeps wires two platforms at url: openai (10 turns, every model)
// and chatanywhere (2 turns, no vision).
func newTestDeps(t *testing.T, url string, mutate ...func(*Deps)) *Deps {
	t.Helper()
	r := platform.NewRegistry(http.DefaultClient,
		platform.WithTransportOptions(transport.WithInterval(time.Millisecond)))
	platform.RegisterBuiltins(r)
	r.AddDescriptor(model.Descriptor{
		Key:             platform.KeyOpenAI,
		Name:            "OpenAI",
		ForeignBaseURL:  url,
		APIKeys:         []string{"sk-test"},
		SupportedModels: []string{"gpt-3.5-turbo", "gpt-4o", "claude-3-haiku", "dall-e-3", model.TranscriptionModel},
		MaxHistoryTurns: 10,
	})
	r.AddDescriptor(model.Descriptor{
		Key:             platform.KeyChatAnywhere,
		Name:            "ChatAnywhere",
		ForeignBaseURL:  url,
		APIKeys:         []string{"sk-test"},
		SupportedModels: []string{"gpt-3.5-turbo", "claude-3-haiku"},
		SupportedMasks:  []string{"common"},
		MaxHistoryTurns: 2,
	})
	require.NoError(t, r.Validate())

	opts := DefaultOptions()
	opts.DefaultPlatform = platform.KeyOpenAI
	opts.TypingInterval = 0
	deps := &Deps{Platforms: r, Masks: NewCatalog(testMasks), Options: opts}
	for _, fn := range mutate {
		fn(deps)
	}
	return deps
}

func newActiveSession(t *testing.T, deps *Deps) *Session {
	t.Helper()
	s := New(User{ID: 42, Name: "ada"}, deps)
	require.NoError(t, s.Activate(context.Background()))
	return s
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestSession_ActivateDefaults(t *testing.T) {
	u := newUpstream(t, "ok")
	s := New(User{ID: 1}, newTestDeps(t, u.URL))
	require.Equal(t, Uninitialized, s.State())
	require.Nil(t, s.Platform())

	require.NoError(t, s.Activate(context.Background()))
	require.Equal(t, Active, s.State())
	require.Equal(t, platform.KeyOpenAI, s.Platform().Key())
	require.Equal(t, "common", s.Mask().Key)
	require.Equal(t, "gpt-3.5-turbo", s.Model())
	require.Equal(t, 10, s.Platform().History().Capacity())

	first := s.Platform()
	require.NoError(t, s.Activate(context.Background()))
	require.Same(t, first, s.Platform(), "activating twice must keep the platform")
}

func TestSession_ActivateVisitorFallsBack(t *testing.T) {
	u := newUpstream(t, "ok")
	deps := newTestDeps(t, u.URL, func(d *Deps) {
		d.Options.VisitorPlatforms = []string{platform.KeyChatAnywhere}
	})
	s := New(User{ID: 2, Visitor: true}, deps)
	require.NoError(t, s.Activate(context.Background()))
	require.Equal(t, platform.KeyChatAnywhere, s.Platform().Key())

	err := s.SwitchPlatform(context.Background(), platform.KeyOpenAI)
	require.ErrorIs(t, err, ErrPlatformRestricted)

	keys := []string{}
	for _, d := range s.AvailablePlatforms() {
		keys = append(keys, d.Key)
	}
	require.Equal(t, []string{platform.KeyChatAnywhere}, keys)
}

func TestSession_ActivateUnknownPlatform(t *testing.T) {
	u := newUpstream(t, "ok")
	deps := newTestDeps(t, u.URL, func(d *Deps) { d.Options.DefaultPlatform = "nowhere" })
	s := New(User{ID: 3}, deps)
	require.ErrorIs(t, s.Activate(context.Background()), platform.ErrUnknownPlatform)
	require.Equal(t, Uninitialized, s.State())
}

// =============================================================================
// SWITCH TESTS
// =============================================================================

func TestSession_SwitchMaskCascadesModel(t *testing.T) {
	u := newUpstream(t, "Hi there")
	s := newActiveSession(t, newTestDeps(t, u.URL))
	ctx := context.Background()

	_, err := s.Dispatch(ctx, Inbound{Kind: KindText, Text: "Hello"}, &fakeResponder{})
	require.NoError(t, err)
	require.Equal(t, []model.Turn{model.UserText("Hello"), model.AssistantTurn("Hi there")},
		s.Platform().History().Turns())

	require.NoError(t, s.SwitchMask(ctx, "doctor"))
	require.Equal(t, "doctor", s.Mask().Key)
	require.Equal(t, "gpt-4o", s.Model())
	require.Equal(t, 0, s.Platform().History().Len())

	restored, err := s.RestoreHistory(ctx)
	require.NoError(t, err)
	require.True(t, restored)
	require.Equal(t, 2, s.Platform().History().Len())
}

func TestSession_SwitchMaskErrors(t *testing.T) {
	u := newUpstream(t, "ok")
	s := newActiveSession(t, newTestDeps(t, u.URL))
	ctx := context.Background()

	require.ErrorIs(t, s.SwitchMask(ctx, "pirate"), ErrUnknownMask)

	require.NoError(t, s.SwitchPlatform(ctx, platform.KeyChatAnywhere))
	require.ErrorIs(t, s.SwitchMask(ctx, "doctor"), ErrMaskUnsupported)
	require.Equal(t, "common", s.Mask().Key)
}

func TestSession_SwitchModel(t *testing.T) {
	u := newUpstream(t, "ok")
	s := newActiveSession(t, newTestDeps(t, u.URL))
	ctx := context.Background()

	s.Platform().History().Append(model.UserText("q"), model.AssistantTurn("a"))
	require.NoError(t, s.SwitchModel(ctx, "gpt-4o"))
	require.Equal(t, "gpt-4o", s.Model())
	require.Equal(t, 0, s.Platform().History().Len())

	require.ErrorIs(t, s.SwitchModel(ctx, "llama-3"), ErrModelUnsupported)
	require.Equal(t, "gpt-4o", s.Model())

	models, err := s.AllowedModels(ctx)
	require.NoError(t, err)
	require.Contains(t, models, "claude-3-haiku")
}

func TestSession_SwitchPlatformTransplantsHistory(t *testing.T) {
	u := newUpstream(t, "ok")
	s := newActiveSession(t, newTestDeps(t, u.URL))
	ctx := context.Background()

	s.Platform().History().Append(model.UserText("u1"), model.AssistantTurn("a1"), model.UserText("u2"))
	require.NoError(t, s.SwitchPlatform(ctx, platform.KeyChatAnywhere))
	require.Equal(t, platform.KeyChatAnywhere, s.Platform().Key())
	require.Equal(t, "gpt-3.5-turbo", s.Model())
	require.Equal(t, []model.Turn{model.AssistantTurn("a1"), model.UserText("u2")},
		s.Platform().History().Turns())
}

func TestSession_SwitchPlatformAlternatingModel(t *testing.T) {
	u := newUpstream(t, "ok")
	s := newActiveSession(t, newTestDeps(t, u.URL))
	ctx := context.Background()

	require.NoError(t, s.SwitchModel(ctx, "claude-3-haiku"))
	s.Platform().History().Append(model.UserText("u1"), model.AssistantTurn("a1"), model.UserText("u2"))
	require.NoError(t, s.SwitchPlatform(ctx, platform.KeyChatAnywhere))
	require.Equal(t, "claude-3-haiku", s.Model())
	require.Equal(t, []model.Turn{model.UserText("u2")}, s.Platform().History().Turns())
}

func TestSession_SwitchPlatformSameKeyIsNoop(t *testing.T) {
	u := newUpstream(t, "ok")
	s := newActiveSession(t, newTestDeps(t, u.URL))
	before := s.Platform()
	require.NoError(t, s.SwitchPlatform(context.Background(), platform.KeyOpenAI))
	require.Same(t, before, s.Platform())

	require.ErrorIs(t, s.SwitchPlatform(context.Background(), "nowhere"), platform.ErrUnknownPlatform)
	require.Same(t, before, s.Platform())
}

func TestSession_ClearAndRestore(t *testing.T) {
	u := newUpstream(t, "ok")
	s := newActiveSession(t, newTestDeps(t, u.URL))
	ctx := context.Background()

	cleared, err := s.ClearHistory(ctx)
	require.NoError(t, err)
	require.False(t, cleared)

	s.Platform().History().Append(model.UserText("q"), model.AssistantTurn("a"))
	cleared, err = s.ClearHistory(ctx)
	require.NoError(t, err)
	require.True(t, cleared)
	require.Equal(t, 0, s.Platform().History().Len())

	restored, err := s.RestoreHistory(ctx)
	require.NoError(t, err)
	require.True(t, restored)
	require.Equal(t, 2, s.Platform().History().Len())
}

func TestSession_Balance(t *testing.T) {
	u := newUpstream(t, "ok")
	s := newActiveSession(t, newTestDeps(t, u.URL))
	balance, err := s.Balance(context.Background())
	require.NoError(t, err)
	require.Equal(t, platform.FreeBalance, balance)
}

func TestSession_AvailableMasks(t *testing.T) {
	u := newUpstream(t, "ok")
	s := newActiveSession(t, newTestDeps(t, u.URL))
	ctx := context.Background()

	masks, err := s.AvailableMasks(ctx)
	require.NoError(t, err)
	require.Len(t, masks, 3)

	require.NoError(t, s.SwitchPlatform(ctx, platform.KeyChatAnywhere))
	masks, err = s.AvailableMasks(ctx)
	require.NoError(t, err)
	require.Len(t, masks, 1)
	require.Equal(t, "common", masks[0].Key)
}

// =============================================================================
// PERSISTENCE TESTS
// =============================================================================

func TestSession_SnapshotResume(t *testing.T) {
	u := newUpstream(t, "ok")
	deps := newTestDeps(t, u.URL)
	s := New(User{ID: 7}, deps)

	_, ok := s.Snapshot()
	require.False(t, ok, "inactive sessions have nothing to save")

	require.NoError(t, s.Activate(context.Background()))
	require.NoError(t, s.SwitchMask(context.Background(), "doctor"))
	s.Platform().History().Append(model.UserText("q"), model.AssistantTurn("a"))

	rec, ok := s.Snapshot()
	require.True(t, ok)
	require.Equal(t, int64(7), rec.UserID)
	require.Equal(t, s.ID(), rec.SessionID)

	resumed := New(User{ID: 7}, deps)
	require.NoError(t, resumed.Resume(context.Background(), rec))
	require.Equal(t, s.ID(), resumed.ID())
	require.Equal(t, "doctor", resumed.Mask().Key)
	require.Equal(t, "gpt-4o", resumed.Model())
	require.Equal(t, rec.Turns, resumed.Platform().History().Turns())
	require.False(t, resumed.takeDirty(), "a resumed session matches its record")
}

func TestSession_ResumeFallsBack(t *testing.T) {
	u := newUpstream(t, "ok")
	deps := newTestDeps(t, u.URL)
	s := New(User{ID: 8}, deps)
	err := s.Resume(context.Background(), storage.SessionRecord{
		UserID:   8,
		Platform: "retired",
		Mask:     "retired",
		Model:    "retired-model",
		Turns:    []model.Turn{model.UserText("q")},
	})
	require.NoError(t, err)
	require.Equal(t, platform.KeyOpenAI, s.Platform().Key())
	require.Equal(t, "common", s.Mask().Key)
	require.Equal(t, "gpt-3.5-turbo", s.Model())
	require.Equal(t, 1, s.Platform().History().Len())
}

func TestSession_StatusReflectsState(t *testing.T) {
	u := newUpstream(t, "ok")
	s := New(User{ID: 9, Name: "grace"}, newTestDeps(t, u.URL))
	st := s.Status()
	require.Equal(t, Uninitialized, st.State)
	require.Empty(t, st.Platform)

	require.NoError(t, s.Activate(context.Background()))
	st = s.Status()
	require.Equal(t, "active", st.State.String())
	require.Equal(t, platform.KeyOpenAI, st.Platform)
	require.Equal(t, "common", st.Mask)
	require.Equal(t, "grace", st.User.Name)
}

var errBoom = errors.New("boom")
