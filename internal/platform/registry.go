// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package platform

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/jeranaias/relaybot/internal/model"
	"github.com/jeranaias/relaybot/internal/transport"
)

// Registry errors.
var (
	// ErrUnknownPlatform indicates no descriptor or factory for a key.
	ErrUnknownPlatform = errors.New("unknown platform")

	// ErrUnknownProvider indicates a descriptor names an unregistered provider.
	ErrUnknownProvider = errors.New("unknown credential provider")

	// ErrNoCredential indicates neither a static key nor a provider is available.
	ErrNoCredential = errors.New("no credential configured")
)

// Factory builds a Platform instance. One factory exists per platform key;
// adding a platform means adding one file with a factory and one line in
// RegisterBuiltins.
type Factory func(env Env) (Platform, error)

// CredentialCache is the persistent side-store for derived credentials.
type CredentialCache interface {
	Get(key string) (model.Credential, bool)
	Put(key string, cred model.Credential) error
	Delete(key string) error
}

// CredentialSource resolves and invalidates credentials by platform key.
type CredentialSource interface {
	Credential(ctx context.Context, key string) (model.Credential, error)
	Invalidate(key string)
}

// Env is everything a factory needs to build an instance.
type Env struct {
	Descriptor  *model.Descriptor
	Credential  model.Credential
	Credentials CredentialSource
	HTTPClient  *http.Client
	Limiter     *rate.Limiter
	Transport   []transport.Option
	Language    string
}

// Registry maps platform keys to descriptors and factories and resolves
// credentials for them.
type Registry struct {
	mu          sync.RWMutex
	factories   map[string]Factory
	descriptors map[string]*model.Descriptor
	providers   map[string]CredentialProvider
	pools       map[string]*KeyPool
	limiters    map[string]*rate.Limiter

	client    *http.Client
	cache     CredentialCache
	region    model.Region
	goos      string
	language  string
	transport []transport.Option

	derive singleflight.Group
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithCache sets the credential side-store.
func WithCache(c CredentialCache) RegistryOption {
	return func(r *Registry) {
		r.cache = c
	}
}

// WithRegion selects domestic or foreign base URLs.
func WithRegion(region model.Region) RegistryOption {
	return func(r *Registry) {
		if region != "" {
			r.region = region
		}
	}
}

// WithGOOS overrides the host OS used by RegionAuto.
func WithGOOS(goos string) RegistryOption {
	return func(r *Registry) {
		r.goos = goos
	}
}

// WithLanguage sets the transcription language hint.
func WithLanguage(lang string) RegistryOption {
	return func(r *Registry) {
		r.language = lang
	}
}

// WithTransportOptions applies to every instance's transport.
func WithTransportOptions(opts ...transport.Option) RegistryOption {
	return func(r *Registry) {
		r.transport = append(r.transport, opts...)
	}
}

// NewRegistry creates an empty registry. client is the shared pooled HTTP
// client injected into every platform instance.
func NewRegistry(client *http.Client, opts ...RegistryOption) *Registry {
	r := &Registry{
		factories:   make(map[string]Factory),
		descriptors: make(map[string]*model.Descriptor),
		providers:   make(map[string]CredentialProvider),
		pools:       make(map[string]*KeyPool),
		limiters:    make(map[string]*rate.Limiter),
		client:      client,
		region:      model.RegionAuto,
		goos:        runtime.GOOS,
		language:    "zh",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a factory under key, replacing any previous one.
func (r *Registry) Register(key string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = f
}

// RegisterProvider adds a named credential provider.
func (r *Registry) RegisterProvider(name string, p CredentialProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// AddDescriptor adds or replaces the static configuration for a platform.
func (r *Registry) AddDescriptor(d model.Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc := d
	r.descriptors[d.Key] = &desc
	r.pools[d.Key] = NewKeyPool(d.APIKeys)
	if d.RequestsPerSecond > 0 {
		burst := int(d.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		r.limiters[d.Key] = rate.NewLimiter(rate.Limit(d.RequestsPerSecond), burst)
	} else {
		delete(r.limiters, d.Key)
	}
}

// Descriptor returns the configuration for key.
func (r *Registry) Descriptor(key string) (*model.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[key]
	return d, ok
}

// Keys returns the configured platform keys that have a factory, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.descriptors))
	for k := range r.descriptors {
		if _, ok := r.factories[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Validate checks that every descriptor can be instantiated. Problems here
// are startup-fatal.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var problems []string
	for key, d := range r.descriptors {
		if _, ok := r.factories[key]; !ok {
			problems = append(problems, fmt.Sprintf("%s: %v", key, ErrUnknownPlatform))
		}
		if d.DomesticBaseURL == "" && d.ForeignBaseURL == "" {
			problems = append(problems, fmt.Sprintf("%s: no base url", key))
		}
		if r.pools[key].Len() == 0 {
			if d.CredentialProvider == "" {
				problems = append(problems, fmt.Sprintf("%s: %v", key, ErrNoCredential))
			} else if _, ok := r.providers[d.CredentialProvider]; !ok {
				problems = append(problems, fmt.Sprintf("%s: %v %q", key, ErrUnknownProvider, d.CredentialProvider))
			}
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("invalid platform configuration: %s", strings.Join(problems, "; "))
}

// Instantiate builds a fresh instance for key with its own history.
func (r *Registry) Instantiate(ctx context.Context, key string) (Platform, error) {
	r.mu.RLock()
	desc, hasDesc := r.descriptors[key]
	factory, hasFactory := r.factories[key]
	limiter := r.limiters[key]
	r.mu.RUnlock()
	if !hasDesc || !hasFactory {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, key)
	}

	cred, err := r.Credential(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("platform %s: %w", key, err)
	}

	return factory(Env{
		Descriptor:  desc,
		Credential:  cred,
		Credentials: r,
		HTTPClient:  r.client,
		Limiter:     limiter,
		Transport:   r.transport,
		Language:    r.language,
	})
}

// Credential resolves a credential for key: a static key from the pool,
// else the side-store, else a derivation through the descriptor's provider.
// Concurrent derivations for the same key are coalesced.
func (r *Registry) Credential(ctx context.Context, key string) (model.Credential, error) {
	r.mu.RLock()
	desc, ok := r.descriptors[key]
	pool := r.pools[key]
	var provider CredentialProvider
	if ok {
		provider = r.providers[desc.CredentialProvider]
	}
	r.mu.RUnlock()
	if !ok {
		return model.Credential{}, fmt.Errorf("%w: %q", ErrUnknownPlatform, key)
	}
	baseURL := desc.BaseURL(r.region, r.goos)

	if k := pool.Next(); k != "" {
		return model.Credential{APIKey: k, BaseURL: baseURL}, nil
	}

	if r.cache != nil {
		if cred, hit := r.cache.Get(key); hit && cred.Valid() {
			if cred.BaseURL == "" {
				cred.BaseURL = baseURL
			}
			return cred, nil
		}
	}

	if desc.CredentialProvider == "" {
		return model.Credential{}, ErrNoCredential
	}
	if provider == nil {
		return model.Credential{}, fmt.Errorf("%w: %q", ErrUnknownProvider, desc.CredentialProvider)
	}

	v, err, shared := r.derive.Do(key, func() (interface{}, error) {
		cred, err := provider.Derive(ctx)
		if err != nil {
			return model.Credential{}, err
		}
		if !cred.Valid() {
			return model.Credential{}, ErrNoCredentialFound
		}
		if cred.BaseURL == "" {
			cred.BaseURL = baseURL
		}
		log.Printf("platform %s: derived credential %s", key, cred.Fingerprint())
		if r.cache != nil {
			if perr := r.cache.Put(key, cred); perr != nil {
				log.Printf("platform %s: failed to cache credential: %v", key, perr)
			}
		}
		return cred, nil
	})
	if err != nil {
		return model.Credential{}, fmt.Errorf("credential derivation failed: %w", err)
	}
	if shared {
		log.Printf("platform %s: coalesced credential derivation", key)
	}
	return v.(model.Credential), nil
}

// Invalidate drops the cached credential for key so the next Credential
// call derives a fresh one.
func (r *Registry) Invalidate(key string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(key); err != nil {
		log.Printf("platform %s: failed to invalidate credential: %v", key, err)
	}
}
