package domain

import (
	"errors"
	"io"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
)

// ChunkKind identifies the payload of a StreamChunk.
type ChunkKind string

const (
	ChunkText       ChunkKind = "text"
	ChunkToolCall   ChunkKind = "tool_call"
	ChunkToolResult ChunkKind = "tool_result"
)

// StreamChunk is one element of a streamed agent response.
type StreamChunk struct {
	Kind       ChunkKind   `json:"kind"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// Stream is a lazily produced, finite, non-restartable sequence of chunks.
// Chunks are produced only when Recv is called. Recv returns io.EOF after
// the last chunk and any other error is terminal. Close stops the producer;
// it is safe to call from another goroutine while Recv is blocked.
type Stream struct {
	mu       sync.Mutex // serializes Recv
	next     func() (StreamChunk, error)
	release  func()
	once     sync.Once
	closed   atomic.Bool
	finished bool
	err      error
}

// NewStream builds a Stream from a producer. release is called exactly once,
// when the producer returns an error (io.EOF included) or on Close.
func NewStream(next func() (StreamChunk, error), release func()) *Stream {
	return &Stream{next: next, release: release}
}

// Recv returns the next chunk.
func (s *Stream) Recv() (StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return StreamChunk{}, s.err
	}
	if s.closed.Load() {
		return StreamChunk{}, ErrStreamClosed
	}
	chunk, err := s.next()
	if err != nil {
		s.finished = true
		s.err = err
		s.doRelease()
		return StreamChunk{}, err
	}
	return chunk, nil
}

// Close cancels the producer. Chunks not yet received are never produced.
func (s *Stream) Close() error {
	s.closed.Store(true)
	s.doRelease()
	return nil
}

func (s *Stream) doRelease() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

// Chunks adapts the stream to a range-over-func iterator. Breaking out of
// the loop closes the stream. The iterator ends silently at io.EOF.
func (s *Stream) Chunks() iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		for {
			chunk, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(chunk, err) {
				s.Close()
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// Collect drains the stream and concatenates its text chunks.
func (s *Stream) Collect() (string, error) {
	var b strings.Builder
	for chunk, err := range s.Chunks() {
		if err != nil {
			return b.String(), err
		}
		if chunk.Kind == ChunkText {
			b.WriteString(chunk.Text)
		}
	}
	return b.String(), nil
}

// StreamFromChunks returns a stream over a fixed slice; useful for
// adapters that only have a composed response.
func StreamFromChunks(chunks ...StreamChunk) *Stream {
	i := 0
	return NewStream(func() (StreamChunk, error) {
		if i >= len(chunks) {
			return StreamChunk{}, io.EOF
		}
		c := chunks[i]
		i++
		return c, nil
	}, nil)
}
