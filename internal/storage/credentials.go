// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jeranaias/relaybot/internal/model"
	"github.com/jeranaias/relaybot/internal/util"
)

// DefaultReloadDebounce coalesces bursts of file events into one reload.
const DefaultReloadDebounce = 200 * time.Millisecond

// =============================================================================
// CREDENTIAL STORE
// =============================================================================

// CredentialStore caches derived credentials per platform key in a JSON
// file. It satisfies platform.CredentialCache.
type CredentialStore struct {
	path     string
	debounce time.Duration

	mu    sync.RWMutex
	creds map[string]model.Credential
}

// OpenCredentialStore loads path, treating a missing file as empty.
func OpenCredentialStore(path string) (*CredentialStore, error) {
	s := &CredentialStore{
		path:     path,
		debounce: DefaultReloadDebounce,
		creds:    make(map[string]model.Credential),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file.
func (s *CredentialStore) Path() string { return s.path }

// Get returns the cached credential for key.
func (s *CredentialStore) Get(key string) (model.Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[key]
	return cred, ok && cred.Valid()
}

// Put caches cred under key and persists the store.
func (s *CredentialStore) Put(key string, cred model.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[key] = cred
	return s.saveLocked()
}

// Delete drops key and persists the store. Deleting a missing key is not
// an error.
func (s *CredentialStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[key]; !ok {
		return nil
	}
	delete(s.creds, key)
	return s.saveLocked()
}

// Keys returns the platform keys with a cached credential.
func (s *CredentialStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.creds))
	for k := range s.creds {
		keys = append(keys, k)
	}
	return keys
}

// Reload replaces the in-memory cache with the file contents.
func (s *CredentialStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.creds = make(map[string]model.Credential)
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return wrap("read", s.path, err)
	}

	creds := make(map[string]model.Credential)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &creds); err != nil {
			return wrap("decode", s.path, err)
		}
	}
	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
	return nil
}

// SECURITY: the side-store holds live API keys, so it is written 0600.
func (s *CredentialStore) saveLocked() error {
	data, err := json.MarshalIndent(s.creds, "", "  ")
	if err != nil {
		return wrap("encode", s.path, err)
	}
	return wrap("write", s.path, util.AtomicWriteFileWithDir(s.path, data, 0o600, 0o700))
}

// =============================================================================
// FILE WATCHING
// =============================================================================

// Watch reloads the store whenever the file is changed by another process,
// until ctx is cancelled. The parent directory is watched because atomic
// replacement swaps the file's inode.
func (s *CredentialStore) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return wrap("watch", s.path, err)
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return wrap("watch", s.path, err)
	}
	if err := w.Add(dir); err != nil {
		return wrap("watch", s.path, err)
	}

	name := filepath.Clean(s.path)
	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				timer.Reset(s.debounce)
			}
			reload = timer.C

		case <-reload:
			reload = nil
			if err := s.Reload(); err != nil {
				log.Printf("storage: credential reload failed: %v", err)
				continue
			}
			log.Printf("storage: reloaded %d cached credentials from %s", len(s.Keys()), s.path)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("storage: watch error on %s: %v", s.path, err)
		}
	}
}
