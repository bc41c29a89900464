package adapter

import (
	"context"
	"sync"
	"time"
)

// StubOutcome scripts the behaviour of one Stub invocation.
type StubOutcome struct {
	Result Result
	Err    error
	// Delay before the outcome is returned. The stub honours ctx
	// cancellation while waiting.
	Delay time.Duration
}

// Stub is a deterministic adapter for tests. Each call consumes the
// next scripted outcome; when the script runs out the last outcome
// repeats, and an empty script always succeeds. Calls are counted
// per parameter-set-independent stub.
type Stub struct {
	mu     sync.Mutex
	script []StubOutcome
	calls  int
}

func NewStub(script ...StubOutcome) *Stub {
	return &Stub{script: script}
}

// StubOK is a stub that always succeeds immediately.
func StubOK() *Stub {
	return NewStub(StubOutcome{Result: Result{OK: true}})
}

func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Stub) Run(ctx context.Context, params Params) (Result, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	out := StubOutcome{Result: Result{OK: true}}
	switch {
	case len(s.script) == 0:
	case idx >= len(s.script):
		out = s.script[len(s.script)-1]
	default:
		out = s.script[idx]
	}
	s.mu.Unlock()

	if out.Delay > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(out.Delay):
		}
	}

	return out.Result, out.Err
}
