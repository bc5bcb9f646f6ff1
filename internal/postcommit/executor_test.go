package postcommit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/streambed/internal/types"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

type recordingAction struct {
	name string
	mu   *sync.Mutex
	log  *[]string
	err  error
}

func (a recordingAction) Name() string { return a.name }

func (a recordingAction) PostCommit(context.Context, *types.ObjectDocument, []types.Event) error {
	a.mu.Lock()
	*a.log = append(*a.log, a.name)
	a.mu.Unlock()
	return a.err
}

func collect(t *testing.T, x *Executor, n int) []Result {
	t.Helper()
	out := make([]Result, 0, n)
	for len(out) < n {
		select {
		case r := <-x.Results():
			out = append(out, r)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for result %d of %d", len(out)+1, n)
		}
	}
	return out
}

func TestActionsRunSequentiallyInOrder(t *testing.T) {
	x := NewExecutor(fastPolicy(), 8)
	var mu sync.Mutex
	var log []string

	actions := []Action{
		recordingAction{name: "a", mu: &mu, log: &log},
		recordingAction{name: "b", mu: &mu, log: &log},
		recordingAction{name: "c", mu: &mu, log: &log},
	}
	x.Schedule(context.Background(), actions, &types.ObjectDocument{}, nil)

	results := collect(t, x, 3)
	for i, want := range []string{"a", "b", "c"} {
		if results[i].Name != want {
			t.Errorf("results[%d].Name = %q, want %q", i, results[i].Name, want)
		}
		if !results[i].Succeeded() {
			t.Errorf("action %q failed: %v", want, results[i].Err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(log) != 3 || log[0] != "a" || log[1] != "b" || log[2] != "c" {
		t.Errorf("execution order = %v", log)
	}
}

type flakyAction struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (a *flakyAction) Name() string { return "flaky" }

func (a *flakyAction) PostCommit(context.Context, *types.ObjectDocument, []types.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls <= a.failures {
		return errors.New("transient")
	}
	return nil
}

func TestRetriesUntilSuccess(t *testing.T) {
	x := NewExecutor(fastPolicy(), 8)
	a := &flakyAction{failures: 2}

	x.Schedule(context.Background(), []Action{a}, &types.ObjectDocument{}, nil)
	r := collect(t, x, 1)[0]

	if !r.Succeeded() {
		t.Fatalf("result err = %v", r.Err)
	}
	if r.RetryAttempts != 2 {
		t.Errorf("retryAttempts = %d, want 2", r.RetryAttempts)
	}
	if r.Duration <= 0 {
		t.Error("duration not recorded")
	}
}

func TestExhaustedRetriesReportFailure(t *testing.T) {
	x := NewExecutor(fastPolicy(), 8)
	a := &flakyAction{failures: 100}

	x.Schedule(context.Background(), []Action{a}, &types.ObjectDocument{}, nil)
	r := collect(t, x, 1)[0]

	if r.Succeeded() {
		t.Fatal("expected failure after exhausting retries")
	}
	// MaxRetries=3 means 1 initial attempt + 3 retries.
	if r.RetryAttempts != 3 {
		t.Errorf("retryAttempts = %d, want 3", r.RetryAttempts)
	}
}

func TestFailureDoesNotStopLaterActions(t *testing.T) {
	x := NewExecutor(fastPolicy(), 8)
	var mu sync.Mutex
	var log []string

	actions := []Action{
		recordingAction{name: "boom", mu: &mu, log: &log, err: errors.New("boom")},
		recordingAction{name: "after", mu: &mu, log: &log},
	}
	x.Schedule(context.Background(), actions, &types.ObjectDocument{}, nil)

	results := collect(t, x, 2)
	if results[0].Succeeded() {
		t.Error("first action should have failed")
	}
	if !results[1].Succeeded() {
		t.Errorf("second action failed: %v", results[1].Err)
	}
}

func TestScheduleNothingIsNoOp(t *testing.T) {
	x := NewExecutor(fastPolicy(), 1)
	x.Schedule(context.Background(), nil, &types.ObjectDocument{}, nil)

	select {
	case r := <-x.Results():
		t.Fatalf("unexpected result %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDetachedFromCallerCancellation(t *testing.T) {
	x := NewExecutor(fastPolicy(), 8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var mu sync.Mutex
	var log []string
	x.Schedule(ctx, []Action{recordingAction{name: "survivor", mu: &mu, log: &log}}, &types.ObjectDocument{}, nil)

	r := collect(t, x, 1)[0]
	if !r.Succeeded() {
		t.Fatalf("action did not survive caller cancellation: %v", r.Err)
	}
}
