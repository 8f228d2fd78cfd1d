package resilience

import (
	"context"

	"github.com/lingobotics/lingo/pkg/provider/stt"
)

// Transcriber implements stt.Provider with failover across transcription
// backends. Each backend sits behind its own breaker, so a broken native
// engine is skipped instead of adding its timeout to every turn while the
// HTTP server carries the load.
type Transcriber struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*Transcriber)(nil)

// NewTranscriber creates a Transcriber with primary as the preferred
// backend.
func NewTranscriber(primary stt.Provider, primaryName string, cfg FallbackConfig) *Transcriber {
	return &Transcriber{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers a backend tried when the ones before it fail.
func (t *Transcriber) AddFallback(name string, provider stt.Provider) {
	t.group.AddFallback(name, provider)
}

// Transcribe implements stt.Provider. The first healthy backend's result
// wins; an empty transcript is a valid result, not a failover trigger.
func (t *Transcriber) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	return ExecuteWithResult(ctx, t.group, func(p stt.Provider) (stt.Result, error) {
		return p.Transcribe(ctx, req)
	})
}

// States reports each backend's breaker state by name.
func (t *Transcriber) States() map[string]State {
	return t.group.States()
}
