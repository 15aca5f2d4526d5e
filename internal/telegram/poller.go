// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telegram

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Handler processes one update.
type Handler interface {
	HandleUpdate(ctx context.Context, u Update)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, u Update)

// HandleUpdate implements Handler.
func (f HandlerFunc) HandleUpdate(ctx context.Context, u Update) { f(ctx, u) }

// Poller defaults.
const (
	DefaultPollTimeout = 30 * time.Second
	DefaultConcurrency = 32
	maxBackoff         = time.Minute
)

// Poller runs the getUpdates loop.
type Poller struct {
	client      *Client
	handler     Handler
	timeout     time.Duration
	concurrency int64
	offset      int64
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollTimeout sets the long-poll wait.
func WithPollTimeout(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d >= 0 {
			p.timeout = d
		}
	}
}

// WithConcurrency bounds how many updates are handled at once.
func WithConcurrency(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.concurrency = int64(n)
		}
	}
}

// NewPoller creates a poller feeding handler.
func NewPoller(client *Client, handler Handler, opts ...PollerOption) *Poller {
	p := &Poller{
		client:      client,
		handler:     handler,
		timeout:     DefaultPollTimeout,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Offset returns the next update id to fetch.
func (p *Poller) Offset() int64 { return p.offset }

// Run polls until ctx is cancelled, handling every update on its own
// goroutine, and waits for in-flight handlers before returning.
func (p *Poller) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(p.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	backoff := time.Second
	for {
		updates, err := p.client.GetUpdates(ctx, p.offset, p.timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("telegram: getUpdates failed, retrying in %v: %v", backoff, err)
			if werr := wait(ctx, backoff); werr != nil {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			if u.UpdateID >= p.offset {
				p.offset = u.UpdateID + 1
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				return err
			}
			wg.Add(1)
			go func(u Update) {
				defer wg.Done()
				defer sem.Release(1)
				defer func() {
					// RELIABILITY: one bad update must not take the bot down.
					if r := recover(); r != nil {
						log.Printf("telegram: handler panic on update %d: %v", u.UpdateID, r)
					}
				}()
				p.handler.HandleUpdate(ctx, u)
			}(u)
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
