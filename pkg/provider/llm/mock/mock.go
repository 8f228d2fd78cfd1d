// Package mock provides a scripted implementation of the [llm.Provider]
// interface for use in unit tests.
//
// The provider replays configured chunks on StreamCompletion and records
// every call so tests can assert on counts and request contents. Timing
// fields make it possible to stage races between several mock providers
// (e.g., a fast candidate beating a slow one to the first token).
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/lingobotics/lingo/pkg/provider/llm"
)

// StreamCall records the arguments of a single StreamCompletion invocation.
type StreamCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context

	// Req is the request passed to StreamCompletion.
	Req llm.CompletionRequest
}

// CompleteCall records the arguments of a single Complete invocation.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context

	// Req is the request passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of [llm.Provider].
// Set the exported fields before use; inspect the *Calls fields after.
type Provider struct {
	mu sync.Mutex

	// StreamChunks is the sequence of chunks emitted by StreamCompletion.
	StreamChunks []llm.Chunk

	// StreamErr, when set, is returned by StreamCompletion instead of a
	// channel (a failure to start the stream).
	StreamErr error

	// StartDelay, when non-zero, is slept before the first chunk is
	// emitted. Use it to stage first-token races in tests.
	StartDelay time.Duration

	// ChunkDelay, when non-zero, is slept before every chunk after the
	// first.
	ChunkDelay time.Duration

	// Hang, when true, makes the stream emit nothing and wait for context
	// cancellation before closing. Simulates a provider that never produces
	// a first token.
	Hang bool

	// CompleteResponse is returned by Complete.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr is returned by Complete.
	CompleteErr error

	// StreamCalls records every StreamCompletion invocation in order.
	StreamCalls []StreamCall

	// CompleteCalls records every Complete invocation in order.
	CompleteCalls []CompleteCall
}

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// StreamCompletion implements [llm.Provider]. It replays StreamChunks on a
// fresh channel, honoring StartDelay, ChunkDelay, and ctx cancellation.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	startDelay := p.StartDelay
	chunkDelay := p.ChunkDelay
	hang := p.Hang
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks)+1)
	go func() {
		defer close(ch)

		if hang {
			<-ctx.Done()
			return
		}

		for i, chunk := range chunks {
			delay := chunkDelay
			if i == 0 {
				delay = startDelay
			}
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete implements [llm.Provider]. Returns CompleteResponse and
// CompleteErr.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if p.CompleteResponse != nil {
		return p.CompleteResponse, nil
	}
	return &llm.CompletionResponse{}, nil
}

// Reset clears all recorded calls while keeping the configured behavior.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.CompleteCalls = nil
}

// StreamCallCount returns the number of StreamCompletion calls so far.
func (p *Provider) StreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}
