package provider

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// ErrStreamConsumed is returned when a stream's chunks are requested twice.
var ErrStreamConsumed = errors.New("stream already consumed")

// Stream is a single-consumption sequence of response fragments. The producer
// owns the upstream body and closes it when the sequence is drained, when
// the consumer calls Close, or when the request context is cancelled.
type Stream struct {
	ch        <-chan *Chunk
	cancel    context.CancelFunc
	taken     atomic.Bool
	closeOnce sync.Once
}

// Producer reads fragments from an upstream body and hands each one to send.
// It must return as soon as send reports false.
type Producer func(ctx context.Context, body io.Reader, send func(*Chunk) bool)

// NewStream starts produce in its own goroutine. ctx must be the context the
// upstream request was made with and cancel its cancel func, so that Close
// aborts a blocked body read.
func NewStream(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, produce Producer) *Stream {
	ch := make(chan *Chunk)

	go func() {
		defer close(ch)
		defer cancel()
		defer body.Close()

		produce(ctx, body, func(c *Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()

	return &Stream{ch: ch, cancel: cancel}
}

// StreamOf returns an already materialized stream over chunks. It is used to
// serve stream requests from adapters without streaming support.
func StreamOf(chunks ...*Chunk) *Stream {
	ch := make(chan *Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return &Stream{ch: ch, cancel: func() {}}
}

// Chunks hands out the fragment channel. It succeeds once; later calls return
// ErrStreamConsumed.
func (s *Stream) Chunks() (<-chan *Chunk, error) {
	if !s.taken.CompareAndSwap(false, true) {
		return nil, ErrStreamConsumed
	}
	return s.ch, nil
}

// Close abandons the stream and releases the upstream connection. It is safe
// to call after the stream was drained and safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.taken.Store(true)
		for range s.ch {
		}
	})
}

// Collect drains the stream into a single response.
func (s *Stream) Collect() (*Response, error) {
	ch, err := s.Chunks()
	if err != nil {
		return nil, err
	}
	defer s.Close()

	resp := &Response{}
	var content []byte
	done := false
	for chunk := range ch {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		content = append(content, chunk.Delta...)
		if chunk.InputTokens > 0 {
			resp.InputTokens = chunk.InputTokens
		}
		if chunk.OutputTokens > 0 {
			resp.OutputTokens = chunk.OutputTokens
		}
		if chunk.Done {
			done = true
			break
		}
	}
	if !done {
		return nil, ErrIncompleteStream
	}
	resp.Content = string(content)
	return resp, nil
}
