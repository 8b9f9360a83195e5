package model

import (
	"context"
	"strings"
	"time"
)

// segmentTarget is the minimum segment length before a cut is considered.
// Segments only end after whitespace so words are never split mid-way.
const segmentTarget = 24

// SegmentText splits text into small word-aligned fragments whose
// concatenation equals text exactly. Used by providers that simulate
// streaming on top of a non-streaming API.
func SegmentText(text string) []string {
	if text == "" {
		return nil
	}

	var (
		segments []string
		b        strings.Builder
	)
	for _, r := range text {
		b.WriteRune(r)
		if b.Len() >= segmentTarget && r == ' ' {
			segments = append(segments, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		segments = append(segments, b.String())
	}
	return segments
}

// SimulateStream yields the given segments on a channel with delay between
// emissions, mimicking the cadence of a streaming API. The channel closes
// after the last segment or when ctx is cancelled.
func SimulateStream(ctx context.Context, segments []string, delay time.Duration) <-chan string {
	ch := make(chan string, len(segments))
	go func() {
		defer close(ch)
		for i, seg := range segments {
			if ctx.Err() != nil {
				return
			}
			if i > 0 && delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- seg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// ClosedChunks returns an already-closed chunk channel. Used for tool-use
// responses where the chunk sequence is empty by contract.
func ClosedChunks() <-chan string {
	ch := make(chan string)
	close(ch)
	return ch
}
