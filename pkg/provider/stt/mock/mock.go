// Package mock provides a test double for [stt.Recognizer].
//
// Results are returned in order from Responses; each response can carry an
// error and an optional gate channel that blocks the call until it is closed,
// which lets tests control the order in which concurrent calls complete.
//
// Example:
//
//	rec := &mock.Recognizer{Responses: []mock.Response{
//	    {Result: stt.Result{Text: "hey astra", Confidence: 0.9, IsFinal: true}},
//	}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/astra/pkg/audio"
	"github.com/MrWong99/astra/pkg/provider/stt"
)

var _ stt.Recognizer = (*Recognizer)(nil)

// Response is one scripted Recognize outcome.
type Response struct {
	Result stt.Result
	Err    error

	// Gate, if non-nil, blocks the call until it is closed or ctx is done.
	Gate <-chan struct{}
}

// RecognizeCall records a single invocation of Recognizer.Recognize.
type RecognizeCall struct {
	PCM    []byte
	Format audio.Format
}

// Recognizer is a mock implementation of stt.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// Responses are consumed one per call, in call order.
	Responses []Response

	// Default is returned once Responses is exhausted.
	Default Response

	calls []RecognizeCall
}

// Recognize records the call and returns the next scripted response.
func (r *Recognizer) Recognize(ctx context.Context, pcm []byte, format audio.Format) (stt.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, RecognizeCall{PCM: pcm, Format: format})
	resp := r.Default
	if len(r.Responses) > 0 {
		resp = r.Responses[0]
		r.Responses = r.Responses[1:]
	}
	r.mu.Unlock()

	if resp.Gate != nil {
		select {
		case <-resp.Gate:
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		}
	}
	return resp.Result, resp.Err
}

// Calls returns a copy of all recorded calls.
func (r *Recognizer) Calls() []RecognizeCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecognizeCall(nil), r.calls...)
}

// CallCount returns the number of Recognize calls.
func (r *Recognizer) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
