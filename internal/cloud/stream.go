// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// STREAMING: Line-oriented SSE decoding tolerant of split and noisy chunks.

// =============================================================================
// STREAMING CONSTANTS
// =============================================================================

// MaxLineSize is the largest single SSE line kept in the decoder buffer.
// Longer lines are discarded as protocol noise.
const MaxLineSize = 64 * 1024

// doneSentinel terminates an OpenAI-style stream.
const doneSentinel = "[DONE]"

// readChunkSize is the buffer size used by Decode.
const readChunkSize = 4 * 1024

// ErrIncompleteStream indicates the connection dropped before the stream
// reached its terminator.
var ErrIncompleteStream = errors.New("stream ended before terminator")

// =============================================================================
// STREAMING TYPES
// =============================================================================

// Status marks whether a snapshot is the final one.
type Status int

const (
	// NotFinished snapshots carry a growing partial answer.
	NotFinished Status = iota
	// Finished is emitted exactly once, with the full answer.
	Finished
)

// String returns the wire-style status name.
func (s Status) String() string {
	if s == Finished {
		return "finished"
	}
	return "not_finished"
}

// Snapshot is the cumulative answer at one point of a stream.
type Snapshot struct {
	Status Status
	Answer string
}

// StreamChunk is one decoded `data:` payload.
type StreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiErrorBody `json:"error,omitempty"`
}

// GetContent returns the content from the first choice's delta.
func (c *StreamChunk) GetContent() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// StreamError is a stream failure that preserves the partial answer.
type StreamError struct {
	Partial string
	Err     error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial content received: %d chars): %v", len([]rune(e.Partial)), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// DECODER
// =============================================================================

// Decoder turns raw stream chunks into cumulative answer snapshots. Chunks
// may split lines anywhere; a snapshot is only produced once a line is
// complete. A Decoder is single-use and not safe for concurrent use.
type Decoder struct {
	pending  []byte
	answer   strings.Builder
	done     bool
	overflow bool
	err      error
}

// NewDecoder creates an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes one chunk and returns the snapshots completed by it.
func (d *Decoder) Feed(chunk []byte) []Snapshot {
	if d.done {
		return nil
	}
	var out []Snapshot
	for len(chunk) > 0 && !d.done {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			d.buffer(chunk)
			break
		}
		d.buffer(chunk[:i])
		line := d.pending
		d.pending = nil
		skip := d.overflow
		d.overflow = false
		chunk = chunk[i+1:]

		if skip {
			continue
		}
		if snap, ok := d.line(line); ok {
			out = append(out, snap)
		}
	}
	return out
}

// Close flushes a trailing unterminated line and, when the sentinel never
// arrived, emits the Finished snapshot for whatever was received.
func (d *Decoder) Close() []Snapshot {
	if d.done {
		return nil
	}
	var out []Snapshot
	if len(d.pending) > 0 && !d.overflow {
		line := d.pending
		d.pending = nil
		if snap, ok := d.line(line); ok {
			out = append(out, snap)
		}
	}
	if !d.done && d.err == nil {
		d.done = true
		out = append(out, Snapshot{Status: Finished, Answer: d.answer.String()})
	}
	return out
}

// Answer returns the running concatenation so far.
func (d *Decoder) Answer() string {
	return d.answer.String()
}

// Done reports whether the Finished snapshot has been emitted.
func (d *Decoder) Done() bool {
	return d.done
}

// Err returns an in-band error reported by the upstream, if any.
func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) buffer(p []byte) {
	if d.overflow {
		return
	}
	if len(d.pending)+len(p) > MaxLineSize {
		d.pending = nil
		d.overflow = true
		return
	}
	d.pending = append(d.pending, p...)
}

// line handles one complete line.
func (d *Decoder) line(raw []byte) (Snapshot, bool) {
	line := bytes.TrimRight(raw, "\r")
	if !bytes.HasPrefix(line, []byte("data:")) {
		// Blank separators, comments, event: and id: fields.
		return Snapshot{}, false
	}
	payload := bytes.TrimSpace(line[len("data:"):])
	if len(payload) == 0 {
		return Snapshot{}, false
	}
	if string(payload) == doneSentinel {
		d.done = true
		return Snapshot{Status: Finished, Answer: d.answer.String()}, true
	}

	var chunk StreamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return Snapshot{}, false
	}
	if chunk.Error != nil && chunk.Error.Message != "" {
		d.err = chunk.Error.toAPIError(0)
		d.done = true
		return Snapshot{}, false
	}
	delta := chunk.GetContent()
	if delta == "" {
		return Snapshot{}, false
	}
	d.answer.WriteString(delta)
	return Snapshot{Status: NotFinished, Answer: d.answer.String()}, true
}

// =============================================================================
// READER DRIVER
// =============================================================================

// Decode drives r through a Decoder, calling fn for every snapshot in
// arrival order, and returns the final answer. The last snapshot passed to
// fn is always Finished unless an error is returned. An error from fn stops
// decoding and is returned as is.
func Decode(ctx context.Context, r io.Reader, fn func(Snapshot) error) (string, error) {
	d := NewDecoder()
	emit := func(snaps []Snapshot) error {
		if fn == nil {
			return nil
		}
		for _, s := range snaps {
			if err := fn(s); err != nil {
				return err
			}
		}
		return nil
	}

	buf := make([]byte, readChunkSize)
	for !d.Done() {
		if err := ctx.Err(); err != nil {
			return d.Answer(), &StreamError{Partial: d.Answer(), Err: err}
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			if err := emit(d.Feed(buf[:n])); err != nil {
				return d.Answer(), err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return d.Answer(), &StreamError{Partial: d.Answer(), Err: ctxErr}
			}
			return d.Answer(), &StreamError{
				Partial: d.Answer(),
				Err:     fmt.Errorf("%w: %v", ErrIncompleteStream, readErr),
			}
		}
	}

	if d.Err() != nil {
		return d.Answer(), d.Err()
	}
	if err := emit(d.Close()); err != nil {
		return d.Answer(), err
	}
	if d.Err() != nil {
		return d.Answer(), d.Err()
	}
	return d.Answer(), nil
}
