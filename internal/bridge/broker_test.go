package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/askbridge/askbridge/config"
)

func testBroker(t *testing.T) *Broker {
	t.Helper()
	cfg := config.BridgeConfig{
		PollInterval:   10 * time.Millisecond,
		LivenessWindow: 100 * time.Millisecond,
		TaskTimeout:    time.Second,
		QueueCapacity:  8,
		MaxRetryDelay:  20 * time.Millisecond,
	}
	return NewBroker(cfg, log.New(io.Discard, "", 0))
}

func TestExecuteNoAgentReturnsUnavailable(t *testing.T) {
	b := testBroker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := b.Execute(ctx, "jira", "search_issues", nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Execute took %s, expected to give up near the context deadline", elapsed)
	}
}

func TestTaskBlocksUntilAgentPollsAndSubmits(t *testing.T) {
	b := testBroker(t)
	b.Register("agent-1", []string{"jira"})

	task, err := b.Enqueue("jira", DiscoveryToolName, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan Result, 1)
	go func() {
		res, err := b.Await(context.Background(), task.ID)
		if err != nil {
			t.Errorf("await: %v", err)
		}
		done <- res
	}()

	// The waiter must still be blocked before any poll happens.
	select {
	case <-done:
		t.Fatal("await returned before the agent polled")
	case <-time.After(30 * time.Millisecond):
	}

	polled, err := b.Poll("agent-1")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if polled == nil || polled.ID != task.ID {
		t.Fatalf("poll returned %+v, want task %s", polled, task.ID)
	}
	if polled.ToolName != DiscoveryToolName {
		t.Fatalf("dispatched tool %q, want %q", polled.ToolName, DiscoveryToolName)
	}

	payload := json.RawMessage(`{"tools":[{"name":"search_issues"}]}`)
	if err := b.Submit(Result{TaskID: task.ID, Success: true, Payload: payload}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case res := <-done:
		if string(res.Payload) != string(payload) {
			t.Fatalf("payload = %s, want %s", res.Payload, payload)
		}
	case <-time.After(time.Second):
		t.Fatal("await did not return after submit")
	}
}

func TestPollMatchesCapability(t *testing.T) {
	b := testBroker(t)
	b.Register("agent-1", []string{"confluence"})

	if _, err := b.Enqueue("jira", "search_issues", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	task, err := b.Poll("agent-1")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if task != nil {
		t.Fatalf("agent without the capability got task %+v", task)
	}
}

func TestPollSkipsExpiredTaskAndDispatchesNext(t *testing.T) {
	b := testBroker(t)
	b.Register("agent-1", []string{"jira"})

	stale, err := b.Enqueue("jira", "search_issues", nil)
	if err != nil {
		t.Fatalf("enqueue stale: %v", err)
	}
	live, err := b.Enqueue("jira", "get_issue", nil)
	if err != nil {
		t.Fatalf("enqueue live: %v", err)
	}
	b.mu.Lock()
	b.tasks[stale.ID].Deadline = time.Now().Add(-time.Millisecond)
	b.mu.Unlock()

	task, err := b.Poll("agent-1")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if task == nil || task.ID != live.ID {
		t.Fatalf("dispatched %+v, want live task %s", task, live.ID)
	}

	// The expired task failed with ErrTaskExpired, and nothing was left
	// behind to dispatch twice.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := b.Await(ctx, stale.ID); !errors.Is(err, ErrTaskExpired) {
		t.Fatalf("expected ErrTaskExpired for the stale task, got %v", err)
	}
	if extra, err := b.Poll("agent-1"); err != nil || extra != nil {
		t.Fatalf("second poll = %+v, %v; want empty", extra, err)
	}
	b.mu.Lock()
	depth := len(b.queued)
	b.mu.Unlock()
	if depth != 0 {
		t.Fatalf("queue depth = %d, want 0", depth)
	}
}

func TestAwaitDistinguishesAgentFailureFromExpiry(t *testing.T) {
	b := testBroker(t)
	b.Register("agent-1", []string{"jira"})

	task, err := b.Enqueue("jira", "search_issues", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := b.Poll("agent-1"); err != nil {
		t.Fatalf("poll: %v", err)
	}

	// An agent failure whose message happens to say "task expired" must not
	// be classified as an expiry.
	if err := b.Submit(Result{TaskID: task.ID, Success: false, Error: "task expired"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := b.Await(ctx, task.ID)
	if errors.Is(err, ErrTaskExpired) {
		t.Fatalf("agent failure misread as expiry: %v", err)
	}
	if err == nil || res.State != TaskFailed {
		t.Fatalf("res=%+v err=%v, want failed state and error", res, err)
	}
}

func TestPollUnknownAgent(t *testing.T) {
	b := testBroker(t)
	if _, err := b.Poll("nope"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestReRegisterIsIdempotent(t *testing.T) {
	b := testBroker(t)
	b.Register("agent-1", []string{"jira"})
	b.Register("agent-1", []string{"jira", "confluence"})

	if !b.HasAgentFor("confluence") {
		t.Fatal("updated capabilities not visible after re-register")
	}

	b.mu.Lock()
	n := len(b.agents)
	b.mu.Unlock()
	if n != 1 {
		t.Fatalf("agent count = %d, want 1", n)
	}
}

func TestAgentExpiryFailsDispatchedTasks(t *testing.T) {
	b := testBroker(t)
	b.Register("agent-1", []string{"jira"})

	task, err := b.Enqueue("jira", "search_issues", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := b.Poll("agent-1"); err != nil {
		t.Fatalf("poll: %v", err)
	}

	// Simulate the agent going silent past the liveness window.
	b.sweep(time.Now().Add(200 * time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := b.Await(ctx, task.ID)
	if err == nil {
		t.Fatal("expected the dispatched task to fail when the agent expired")
	}
	if res.Error != "agent unavailable" {
		t.Fatalf("failure reason = %q, want %q", res.Error, "agent unavailable")
	}
	if b.HasAgentFor("jira") {
		t.Fatal("expired agent still registered")
	}
}

func TestQueuedTaskExpiresAtDeadline(t *testing.T) {
	b := testBroker(t)

	task, err := b.Enqueue("jira", "search_issues", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	b.sweep(task.Deadline.Add(time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := b.Await(ctx, task.ID); !errors.Is(err, ErrTaskExpired) {
		t.Fatalf("expected ErrTaskExpired, got %v", err)
	}
}

func TestExecuteWaitsForLateAgent(t *testing.T) {
	b := testBroker(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		b.Register("agent-1", []string{"jira"})
		for i := 0; i < 200; i++ {
			task, err := b.Poll("agent-1")
			if err != nil || task != nil {
				if task != nil {
					b.Submit(Result{TaskID: task.ID, Success: true, Payload: json.RawMessage(`{}`)})
				}
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := b.Execute(ctx, "jira", "search_issues", map[string]interface{}{"jql": "project = ABC"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("result not successful: %+v", res)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	b := testBroker(t)
	for i := 0; i < 8; i++ {
		if _, err := b.Enqueue("jira", "search_issues", nil); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if _, err := b.Enqueue("jira", "search_issues", nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}
