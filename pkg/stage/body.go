package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Body is the contract for a stage implementation. It performs the
// actual enrichment work for one paper and is responsible for its own
// I/O; it never touches the job store. The pipeline guarantees the body
// is invoked at most once concurrently per job, with the rate-limit
// token for the stage's bucket already held.
type Body func(ctx context.Context, paperID string, metadata json.RawMessage) error

// FailureKind classifies a stage failure for the retry policy.
type FailureKind string

const (
	// FailureTransient covers timeouts, 5xx and connection errors; the
	// job goes back to pending with an incremented retry count.
	FailureTransient FailureKind = "transient"
	// FailurePermanent covers validation failures and non-429 4xx; the
	// job fails immediately, no retry.
	FailurePermanent FailureKind = "permanent"
	// FailureRateLimited is a 429-class signal; the whole pool backs
	// off the bucket, then the job is treated as transient.
	FailureRateLimited FailureKind = "rate_limited"
)

// Failure is the error type stage bodies return to classify outcomes.
type Failure struct {
	Kind    FailureKind
	Backoff time.Duration // only meaningful for FailureRateLimited
	Message string
	Cause   error
}

func (f *Failure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

func Transient(message string, cause error) *Failure {
	return &Failure{Kind: FailureTransient, Message: message, Cause: cause}
}

func Permanent(message string, cause error) *Failure {
	return &Failure{Kind: FailurePermanent, Message: message, Cause: cause}
}

func RateLimited(backoff time.Duration, message string) *Failure {
	return &Failure{Kind: FailureRateLimited, Backoff: backoff, Message: message}
}

// Classify extracts the failure classification from an arbitrary body
// error. Unclassified errors and context deadline hits count as
// transient, which matches the at-least-once delivery model.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient("attempt timed out", err)
	}
	return Transient(err.Error(), err)
}

// Registry maps stages to their registered bodies. Bodies are
// registered once at bootstrap; lookups happen on the worker hot path.
type Registry struct {
	mu     sync.RWMutex
	bodies map[Stage]Body
}

func NewRegistry() *Registry {
	return &Registry{bodies: make(map[Stage]Body)}
}

// Register installs the body for a stage, replacing any previous one.
func (r *Registry) Register(s Stage, body Body) error {
	if !Valid(s) {
		return fmt.Errorf("unknown stage %q", s)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies[s] = body
	return nil
}

// Body returns the registered body for a stage.
func (r *Registry) Body(s Stage) (Body, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bodies[s]
	return b, ok
}

// Registered returns the stages that currently have a body, in
// execution order.
func (r *Registry) Registered() []Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Stage
	for _, s := range executionOrder {
		if _, ok := r.bodies[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
