// Package mock provides a test double for the stt package interfaces.
//
// Use Provider to feed controlled transcription results and inspect which
// utterances were delivered.
//
// Example:
//
//	p := &mock.Provider{
//	    Result: stt.Result{Text: "hello robot"},
//	}
//	result, _ := p.Transcribe(ctx, req)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/lingobotics/lingo/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Req is the request passed to Transcribe. PCM is a copy.
	Req stt.Request
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Transcribe when Results is empty.
	Result stt.Result

	// Results, if non-empty, scripts successive Transcribe calls: the first
	// call returns Results[0], the second Results[1], and so on. Calls past
	// the end fall back to Result.
	Results []stt.Result

	// Err, if non-nil, is returned as the error from every Transcribe call.
	Err error

	// Delay, if non-zero, is how long Transcribe blocks before returning.
	// It still honours context cancellation while waiting.
	Delay time.Duration

	// TranscribeCalls records every call to Transcribe.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns the scripted result.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	p.mu.Lock()
	pcm := make([]byte, len(req.PCM))
	copy(pcm, req.PCM)
	recorded := req
	recorded.PCM = pcm
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, Req: recorded})
	n := len(p.TranscribeCalls)
	delay := p.Delay
	err := p.Err
	result := p.Result
	if n-1 < len(p.Results) {
		result = p.Results[n-1]
	}
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		}
	}
	if err != nil {
		return stt.Result{}, err
	}
	return result, nil
}

// TranscribeCallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) TranscribeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
