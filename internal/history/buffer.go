// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/jeranaias/relaybot/internal/model"
)

// entry is one stored turn plus its pin mark.
type entry struct {
	turn   model.Turn
	pinned bool
}

// Buffer is a bounded, ordered queue of conversation turns.
type Buffer struct {
	mu        sync.Mutex
	entries   []entry
	capacity  int
	alternate bool

	// held is the last-cleared slot, pin marks included; nil when empty.
	held []entry
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithAlternation enables strict user/assistant alternation.
func WithAlternation(enabled bool) Option {
	return func(b *Buffer) {
		b.alternate = enabled
	}
}

// New creates a buffer holding at most capacity turns. A capacity of zero
// or less means unbounded.
func New(capacity int, opts ...Option) *Buffer {
	b := &Buffer{capacity: capacity}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Append adds turns in order, then trims.
func (b *Buffer) Append(turns ...model.Turn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range turns {
		b.entries = append(b.entries, entry{turn: t.Clone()})
	}
	b.trimLocked()
}

// Trim enforces the capacity and alternation invariants.
func (b *Buffer) Trim() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trimLocked()
}

// trimLocked drops the oldest unpinned turns until the buffer fits. When
// every remaining turn is pinned the oldest pinned turn goes, so the bound
// always holds. In alternation mode a leading assistant turn is dropped too.
func (b *Buffer) trimLocked() {
	for b.capacity > 0 && len(b.entries) > b.capacity {
		b.removeLocked(b.oldestUnpinnedLocked())
	}
	if !b.alternate {
		return
	}
	for len(b.entries) > 0 && b.entries[0].turn.Role == model.RoleAssistant {
		b.removeLocked(0)
	}
}

func (b *Buffer) oldestUnpinnedLocked() int {
	for i, e := range b.entries {
		if !e.pinned {
			return i
		}
	}
	return 0
}

func (b *Buffer) removeLocked(i int) {
	copy(b.entries[i:], b.entries[i+1:])
	b.entries[len(b.entries)-1] = entry{}
	b.entries = b.entries[:len(b.entries)-1]
}

// Clear moves the current turns into the undo slot, overwriting whatever
// it held, and empties the buffer. Clearing an empty buffer does nothing
// and leaves the undo slot intact.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return
	}
	b.held = b.entries
	b.entries = nil
}

// Restore prepends the cleared turns to the buffer with their pin marks,
// re-trims and empties the undo slot. It reports whether anything was
// restored.
func (b *Buffer) Restore() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.held) == 0 {
		return false
	}
	restored := make([]entry, 0, len(b.held)+len(b.entries))
	restored = append(restored, b.held...)
	b.entries = append(restored, b.entries...)
	b.held = nil
	b.trimLocked()
	return true
}

// DropLast removes the most recently appended turn.
func (b *Buffer) DropLast() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) > 0 {
		b.removeLocked(len(b.entries) - 1)
	}
}

// Rollback removes the last n exchanges (2n turns).
func (b *Buffer) Rollback(n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	keep := len(b.entries) - 2*n
	if keep < 0 {
		keep = 0
	}
	b.entries = b.entries[:keep]
}

// Replace swaps the contents for turns, then trims under the current
// rules. Used when history is transplanted into a new platform.
func (b *Buffer) Replace(turns []model.Turn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make([]entry, 0, len(turns))
	for _, t := range turns {
		b.entries = append(b.entries, entry{turn: t.Clone()})
	}
	b.trimLocked()
}

// Checkpoint is a saved buffer state: turns, pin marks and undo slot.
type Checkpoint struct {
	entries []entry
	held    []entry
}

// Checkpoint captures the current state for a later Revert.
func (b *Buffer) Checkpoint() Checkpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Checkpoint{entries: cloneEntries(b.entries), held: cloneEntries(b.held)}
}

// Revert puts back the state captured by cp, including turns that a later
// Append trimmed away. Capacity and alternation are not part of the state;
// the restored turns are not re-trimmed.
func (b *Buffer) Revert(cp Checkpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = cloneEntries(cp.entries)
	b.held = cloneEntries(cp.held)
}

func cloneEntries(in []entry) []entry {
	if len(in) == 0 {
		return nil
	}
	out := make([]entry, len(in))
	for i, e := range in {
		out[i] = entry{turn: e.turn.Clone(), pinned: e.pinned}
	}
	return out
}

// Pin protects the turns at indexes from capacity trimming.
func (b *Buffer) Pin(indexes ...int) {
	b.setPinned(true, indexes)
}

// Unpin removes pin marks.
func (b *Buffer) Unpin(indexes ...int) {
	b.setPinned(false, indexes)
}

func (b *Buffer) setPinned(v bool, indexes []int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, i := range indexes {
		if i >= 0 && i < len(b.entries) {
			b.entries[i].pinned = v
		}
	}
}

// SetCapacity changes the bound and re-trims.
func (b *Buffer) SetCapacity(capacity int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capacity = capacity
	b.trimLocked()
}

// SetAlternation toggles alternation mode and re-trims.
func (b *Buffer) SetAlternation(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alternate = enabled
	b.trimLocked()
}

// =============================================================================
// READS
// =============================================================================

// Combine returns leading ++ buffered turns ++ extra without mutating the
// buffer.
func (b *Buffer) Combine(extra, leading []model.Turn) []model.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Turn, 0, len(leading)+len(b.entries)+len(extra))
	for _, t := range leading {
		out = append(out, t.Clone())
	}
	for _, e := range b.entries {
		out = append(out, e.turn.Clone())
	}
	for _, t := range extra {
		out = append(out, t.Clone())
	}
	return out
}

// Turns returns a copy of the buffered turns, oldest first.
func (b *Buffer) Turns() []model.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.turnsLocked()
}

func (b *Buffer) turnsLocked() []model.Turn {
	out := make([]model.Turn, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e.turn.Clone())
	}
	return out
}

// Held returns a copy of the undo slot.
func (b *Buffer) Held() []model.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Turn, 0, len(b.held))
	for _, e := range b.held {
		out = append(out, e.turn.Clone())
	}
	return out
}

// SetHeld overwrites the undo slot with unpinned copies of turns. Used
// when restoring a persisted session.
func (b *Buffer) SetHeld(turns []model.Turn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.held = nil
	for _, t := range turns {
		b.held = append(b.held, entry{turn: t.Clone()})
	}
}

// Len returns the number of buffered turns.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Capacity returns the current bound.
func (b *Buffer) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Alternation reports whether alternation mode is on.
func (b *Buffer) Alternation() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alternate
}

// =============================================================================
// ARCHIVE
// =============================================================================

// Dump writes the buffered turns as a JSON array.
func (b *Buffer) Dump(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(b.Turns()); err != nil {
		return fmt.Errorf("failed to dump history: %w", err)
	}
	return nil
}

// Load appends turns read from a JSON array written by Dump.
func (b *Buffer) Load(r io.Reader) error {
	var turns []model.Turn
	if err := json.NewDecoder(r).Decode(&turns); err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	b.Append(turns...)
	return nil
}
