// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const helloStream = "data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n\n" +
	"data: [DONE]\n\n"

func feedAll(d *Decoder, parts ...string) []Snapshot {
	var out []Snapshot
	for _, p := range parts {
		out = append(out, d.Feed([]byte(p))...)
	}
	return append(out, d.Close()...)
}

func final(t *testing.T, snaps []Snapshot) string {
	t.Helper()
	require.NotEmpty(t, snaps)
	last := snaps[len(snaps)-1]
	require.Equal(t, Finished, last.Status)
	return last.Answer
}

// =============================================================================
// DECODER TESTS
// =============================================================================

func TestDecoder_CumulativeSnapshots(t *testing.T) {
	snaps := feedAll(NewDecoder(), helloStream)

	require.Equal(t, []Snapshot{
		{Status: NotFinished, Answer: "Hello"},
		{Status: NotFinished, Answer: "Hello world"},
		{Status: Finished, Answer: "Hello world"},
	}, snaps)
}

// TestDecoder_ArbitrarySplits verifies reassembly is independent of where
// the network splits the byte stream.
func TestDecoder_ArbitrarySplits(t *testing.T) {
	for offset := 0; offset <= len(helloStream); offset++ {
		snaps := feedAll(NewDecoder(), helloStream[:offset], helloStream[offset:])
		require.Equal(t, "Hello world", final(t, snaps), "split at %d", offset)
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		var parts []string
		rest := helloStream
		for len(rest) > 0 {
			n := rng.Intn(len(rest)) + 1
			parts = append(parts, rest[:n])
			rest = rest[n:]
		}
		require.Equal(t, "Hello world", final(t, feedAll(NewDecoder(), parts...)))
	}
}

func TestDecoder_EmitsOnlyOnCompleteLines(t *testing.T) {
	d := NewDecoder()
	require.Empty(t, d.Feed([]byte(`data: {"choices":[{"delta":{"content":"Hel`)))
	snaps := d.Feed([]byte("lo\"}}]}\n"))
	require.Equal(t, []Snapshot{{Status: NotFinished, Answer: "Hello"}}, snaps)
}

func TestDecoder_SkipsNoise(t *testing.T) {
	stream := ": keep-alive\r\n" +
		"event: message\r\n" +
		"id: 42\r\n" +
		"data: not json at all\r\n" +
		"data:{\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\r\n" +
		"data:{\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\r\n" +
		"data: {\"choices\":[]}\r\n" +
		"\r\n" +
		"data: [DONE]\r\n"

	snaps := feedAll(NewDecoder(), stream)
	require.Equal(t, []Snapshot{
		{Status: NotFinished, Answer: "ok"},
		{Status: Finished, Answer: "ok"},
	}, snaps)
}

func TestDecoder_MissingSentinelFinishesOnClose(t *testing.T) {
	d := NewDecoder()
	snaps := d.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n"))
	require.Len(t, snaps, 1)

	// Trailing line without newline is flushed too.
	snaps = append(snaps, d.Feed([]byte(`data: {"choices":[{"delta":{"content":"b"}}]}`))...)
	snaps = append(snaps, d.Close()...)
	require.Equal(t, "ab", final(t, snaps))
	require.True(t, d.Done())
	require.Empty(t, d.Close(), "close is idempotent")
}

func TestDecoder_IgnoresInputAfterSentinel(t *testing.T) {
	snaps := feedAll(NewDecoder(), helloStream, "data: {\"choices\":[{\"delta\":{\"content\":\"!\"}}]}\n")
	require.Equal(t, "Hello world", final(t, snaps))
	require.Len(t, snaps, 3)
}

func TestDecoder_OversizedLineDiscarded(t *testing.T) {
	huge := "data: " + strings.Repeat("x", MaxLineSize+10) + "\n"
	snaps := feedAll(NewDecoder(), huge, helloStream)
	require.Equal(t, "Hello world", final(t, snaps))
}

func TestDecoder_InBandError(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte(`data: {"error":{"message":"model overloaded","type":"server_error","code":null}}` + "\n"))

	var apiErr *APIError
	require.ErrorAs(t, d.Err(), &apiErr)
	require.Equal(t, "model overloaded", apiErr.Message)
	require.Empty(t, apiErr.Code)
}

// =============================================================================
// DECODE TESTS
// =============================================================================

func TestDecode_Reader(t *testing.T) {
	var seen []Snapshot
	answer, err := Decode(context.Background(), strings.NewReader(helloStream), func(s Snapshot) error {
		seen = append(seen, s)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "Hello world", answer)
	require.Len(t, seen, 3)
	require.Equal(t, Finished, seen[2].Status)
}

type brokenReader struct {
	data string
	read bool
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if r.read {
		return 0, errors.New("connection reset by peer")
	}
	r.read = true
	return copy(p, r.data), nil
}

func TestDecode_InterruptedStream(t *testing.T) {
	r := &brokenReader{data: "data: {\"choices\":[{\"delta\":{\"content\":\"part\"}}]}\n"}
	answer, err := Decode(context.Background(), r, nil)

	require.ErrorIs(t, err, ErrIncompleteStream)
	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	require.Equal(t, "part", streamErr.Partial)
	require.Equal(t, "part", answer)
}

func TestDecode_CallbackErrorStops(t *testing.T) {
	stop := errors.New("stop")
	_, err := Decode(context.Background(), strings.NewReader(helloStream), func(Snapshot) error {
		return stop
	})
	require.ErrorIs(t, err, stop)
}

func TestDecode_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Decode(ctx, io.MultiReader(strings.NewReader(helloStream)), nil)
	require.ErrorIs(t, err, context.Canceled)
}
