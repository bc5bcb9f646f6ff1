// Package postcommit runs the asynchronous actions scheduled after a
// leased-session commit. Actions run sequentially per commit in
// registration order, each inside a retry pipeline; failures are reported,
// never thrown back at the committer — the committed events are durable no
// matter what happens here.
package postcommit

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/steveyegge/streambed/internal/debug"
	"github.com/steveyegge/streambed/internal/types"
)

// Action is one asynchronous post-commit step.
type Action interface {
	Name() string
	PostCommit(ctx context.Context, doc *types.ObjectDocument, events []types.Event) error
}

// RetryPolicy parameterizes the per-action retry pipeline.
type RetryPolicy struct {
	MaxRetries        uint64
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	UseJitter         bool
}

// DefaultRetryPolicy is the pipeline used when none is given.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		UseJitter:         true,
	}
}

func (p RetryPolicy) newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialDelay
	bo.MaxInterval = p.MaxDelay
	bo.Multiplier = p.BackoffMultiplier
	if p.UseJitter {
		// Uniform jitter in [0.5x, 1.5x].
		bo.RandomizationFactor = 0.5
	} else {
		bo.RandomizationFactor = 0
	}
	bo.MaxElapsedTime = 0
	return backoff.WithMaxRetries(bo, p.MaxRetries)
}

// Result reports one action's outcome. Either Err is nil and the action
// succeeded, or Err carries the final error after RetryAttempts retries.
type Result struct {
	Name          string
	ActionType    string
	Err           error
	RetryAttempts int
	Duration      time.Duration
}

// Succeeded reports whether the action completed without error.
func (r Result) Succeeded() bool { return r.Err == nil }

// Executor schedules post-commit actions. One executor may serve many
// streams; each commit's actions run in their own goroutine so a slow
// action never blocks commits on other streams.
type Executor struct {
	policy  RetryPolicy
	results chan Result
}

// NewExecutor creates an executor with the given policy and a buffered
// result channel of the given size.
func NewExecutor(policy RetryPolicy, resultBuffer int) *Executor {
	if resultBuffer <= 0 {
		resultBuffer = 64
	}
	return &Executor{policy: policy, results: make(chan Result, resultBuffer)}
}

// Results is the stream of action outcomes. When the channel's buffer is
// full, further results are dropped after being logged — the executor
// never blocks a commit on a slow result consumer.
func (x *Executor) Results() <-chan Result {
	return x.results
}

// Schedule runs the actions for one commit in a detached goroutine and
// returns immediately. Actions observe each other's side effects: they run
// sequentially in registration order. The context's cancellation is not
// inherited — the commit has already happened, the actions get their own
// lifetime.
func (x *Executor) Schedule(ctx context.Context, actions []Action, doc *types.ObjectDocument, events []types.Event) {
	if len(actions) == 0 {
		return
	}
	detached := context.WithoutCancel(ctx)
	go func() {
		for _, a := range actions {
			x.report(x.run(detached, a, doc, events))
		}
	}()
}

func (x *Executor) run(ctx context.Context, a Action, doc *types.ObjectDocument, events []types.Event) Result {
	start := time.Now()
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return a.PostCommit(ctx, doc, events)
	}, backoff.WithContext(x.policy.newBackoff(), ctx))
	return Result{
		Name:          a.Name(),
		ActionType:    fmt.Sprintf("%T", a),
		Err:           err,
		RetryAttempts: attempts - 1,
		Duration:      time.Since(start),
	}
}

func (x *Executor) report(r Result) {
	select {
	case x.results <- r:
	default:
		debug.Logf("postcommit: result channel full, dropping result for %s (err=%v)\n", r.Name, r.Err)
	}
}
