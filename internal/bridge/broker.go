package bridge

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/askbridge/askbridge/config"
	"github.com/askbridge/askbridge/internal/telemetry"
)

// Broker is the server side of the agent bridge. It holds agent registrations
// and the task queue in memory, dispatches tasks on agent polls, and wakes
// waiters when results come back. All state is ephemeral: a restart drops
// every registration and pending task, and agents recover by re-registering.
type Broker struct {
	mu      sync.Mutex
	agents  map[string]*agentState
	queued  []*Task // FIFO, per-capability matching on poll
	tasks   map[string]*Task
	waiters map[string]chan Result

	cfg    config.BridgeConfig
	logger *log.Logger

	stop chan struct{}
	done chan struct{}
}

type agentState struct {
	reg        Registration
	dispatched map[string]struct{} // task ids in flight on this agent
}

// NewBroker builds a broker with the given bridge settings.
func NewBroker(cfg config.BridgeConfig, logger *log.Logger) *Broker {
	if logger == nil {
		logger = log.New(log.Writer(), "[BRIDGE] ", log.LstdFlags)
	}
	return &Broker{
		agents:  make(map[string]*agentState),
		tasks:   make(map[string]*Task),
		waiters: make(map[string]chan Result),
		cfg:     cfg,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the background sweep that expires stale agents and
// deadline-exceeded tasks.
func (b *Broker) Start() {
	go b.sweepLoop()
}

// Stop halts the sweep loop. Pending waiters are not failed; callers hold
// contexts that bound their waits.
func (b *Broker) Stop() {
	close(b.stop)
	<-b.done
}

// Register records (or replaces) an agent. Re-registering with the same id is
// idempotent: capabilities are replaced and liveness is refreshed, and any
// tasks already dispatched to that id stay in flight.
func (b *Broker) Register(agentID string, capabilities []string) Registration {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.agents[agentID]
	if !ok {
		state = &agentState{dispatched: make(map[string]struct{})}
		b.agents[agentID] = state
		telemetry.BridgeAgents.Set(float64(len(b.agents)))
	}
	state.reg = Registration{
		AgentID:      agentID,
		Capabilities: append([]string(nil), capabilities...),
		LastSeen:     time.Now(),
	}
	b.logger.Printf("agent %s registered with capabilities %v", agentID, capabilities)
	return state.reg
}

// Poll returns the oldest queued task matching one of the agent's
// capabilities, or nil when nothing is pending. Every poll refreshes the
// agent's liveness window whether or not a task is handed out.
func (b *Broker) Poll(agentID string) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.agents[agentID]
	if !ok {
		return nil, ErrUnknownAgent
	}
	state.reg.LastSeen = time.Now()

	caps := make(map[string]struct{}, len(state.reg.Capabilities))
	for _, c := range state.reg.Capabilities {
		caps[c] = struct{}{}
	}

	// Rebuild the queue rather than splicing mid-scan: matching tasks past
	// their deadline are failed and dropped, the first live match is taken.
	now := time.Now()
	keep := b.queued[:0]
	var picked *Task
	for _, task := range b.queued {
		if picked == nil {
			if _, ok := caps[task.Capability]; ok {
				if now.After(task.Deadline) {
					b.failLocked(task, TaskExpired, "task expired before dispatch")
					continue
				}
				picked = task
				continue
			}
		}
		keep = append(keep, task)
	}
	b.queued = keep
	telemetry.BridgeQueueDepth.Set(float64(len(b.queued)))

	if picked == nil {
		return nil, nil
	}
	picked.State = TaskDispatched
	picked.DispatchedAt = now
	picked.AgentID = agentID
	state.dispatched[picked.ID] = struct{}{}
	cp := *picked
	return &cp, nil
}

// Submit delivers an agent's result to whoever is awaiting the task.
func (b *Broker) Submit(res Result) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	task, ok := b.tasks[res.TaskID]
	if !ok {
		return ErrUnknownTask
	}
	if task.State != TaskDispatched {
		return fmt.Errorf("bridge: task %s is %s, not dispatched", task.ID, task.State)
	}
	if task.AgentID != "" {
		if state, ok := b.agents[task.AgentID]; ok {
			delete(state.dispatched, task.ID)
			state.reg.LastSeen = time.Now()
		}
	}
	if res.Success {
		task.State = TaskCompleted
		telemetry.BridgeTasks.WithLabelValues("completed").Inc()
	} else {
		task.State = TaskFailed
		telemetry.BridgeTasks.WithLabelValues("failed").Inc()
	}
	// The broker owns the terminal state; whatever the agent sent is ignored.
	res.State = task.State
	b.notifyLocked(task.ID, res)
	delete(b.tasks, task.ID)
	return nil
}

// Enqueue queues a task for the given capability and returns it. The task's
// deadline is set from the configured task timeout.
func (b *Broker) Enqueue(capability, toolName string, args map[string]interface{}) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queued) >= b.cfg.QueueCapacity {
		return nil, ErrQueueFull
	}
	now := time.Now()
	task := &Task{
		ID:         uuid.NewString(),
		Capability: capability,
		ToolName:   toolName,
		Arguments:  args,
		State:      TaskQueued,
		CreatedAt:  now,
		Deadline:   now.Add(b.cfg.TaskTimeout),
	}
	b.tasks[task.ID] = task
	b.queued = append(b.queued, task)
	b.waiters[task.ID] = make(chan Result, 1)
	telemetry.BridgeQueueDepth.Set(float64(len(b.queued)))
	cp := *task
	return &cp, nil
}

// Await blocks until the task finishes, expires, or ctx is done. On a failed
// task the agent-reported error is returned.
func (b *Broker) Await(ctx context.Context, taskID string) (Result, error) {
	b.mu.Lock()
	ch, ok := b.waiters[taskID]
	b.mu.Unlock()
	if !ok {
		return Result{}, ErrUnknownTask
	}

	select {
	case res := <-ch:
		if res.State == TaskExpired {
			return res, ErrTaskExpired
		}
		if !res.Success {
			return res, fmt.Errorf("bridge: %s", res.Error)
		}
		return res, nil
	case <-ctx.Done():
		b.abandon(taskID)
		return Result{}, ctx.Err()
	}
}

// HasAgentFor reports whether a live agent currently serves the capability.
func (b *Broker) HasAgentFor(capability string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, state := range b.agents {
		for _, c := range state.reg.Capabilities {
			if c == capability {
				return true
			}
		}
	}
	return false
}

// Execute runs one tool call end to end: wait for an agent serving the
// capability (bounded exponential backoff), enqueue, and await the result.
// When no agent appears before ctx expires it returns ErrUnavailable.
func (b *Broker) Execute(ctx context.Context, capability, toolName string, args map[string]interface{}) (Result, error) {
	delay := 250 * time.Millisecond
	for !b.HasAgentFor(capability) {
		select {
		case <-ctx.Done():
			return Result{}, fmt.Errorf("%w: %s", ErrUnavailable, capability)
		case <-time.After(delay):
		}
		delay *= 2
		if delay > b.cfg.MaxRetryDelay {
			delay = b.cfg.MaxRetryDelay
		}
	}

	task, err := b.Enqueue(capability, toolName, args)
	if err != nil {
		return Result{}, err
	}
	return b.Await(ctx, task.ID)
}

// abandon drops the waiter for a task whose caller gave up. The task itself
// stays tracked until it completes or the sweep expires it.
func (b *Broker) abandon(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.waiters, taskID)
}

// notifyLocked sends a result to the task's waiter, if any. Channels are
// buffered so a departed waiter never blocks the broker.
func (b *Broker) notifyLocked(taskID string, res Result) {
	if ch, ok := b.waiters[taskID]; ok {
		ch <- res
		delete(b.waiters, taskID)
	}
}

// failLocked marks a task terminal with the given state and wakes its waiter.
func (b *Broker) failLocked(task *Task, state TaskState, msg string) {
	task.State = state
	telemetry.BridgeTasks.WithLabelValues(string(state)).Inc()
	b.notifyLocked(task.ID, Result{TaskID: task.ID, State: state, Success: false, Error: msg})
	delete(b.tasks, task.ID)
}

func (b *Broker) sweepLoop() {
	defer close(b.done)
	interval := b.cfg.LivenessWindow / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.sweep(time.Now())
		}
	}
}

// sweep expires agents whose liveness window lapsed, fails their in-flight
// tasks, and expires queued tasks past their deadline.
func (b *Broker) sweep(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, state := range b.agents {
		if now.Sub(state.reg.LastSeen) <= b.cfg.LivenessWindow {
			continue
		}
		b.logger.Printf("agent %s expired (last seen %s ago)", id, now.Sub(state.reg.LastSeen).Round(time.Second))
		for taskID := range state.dispatched {
			if task, ok := b.tasks[taskID]; ok {
				b.failLocked(task, TaskFailed, "agent unavailable")
			}
		}
		delete(b.agents, id)
	}
	telemetry.BridgeAgents.Set(float64(len(b.agents)))

	keep := b.queued[:0]
	for _, task := range b.queued {
		if now.After(task.Deadline) {
			b.failLocked(task, TaskExpired, "task expired")
			continue
		}
		keep = append(keep, task)
	}
	b.queued = keep
	telemetry.BridgeQueueDepth.Set(float64(len(b.queued)))

	for _, task := range b.tasks {
		if task.State == TaskDispatched && now.After(task.Deadline) {
			if state, ok := b.agents[task.AgentID]; ok {
				delete(state.dispatched, task.ID)
			}
			b.failLocked(task, TaskExpired, "task expired")
		}
	}
}
