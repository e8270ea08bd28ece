package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/askbridge/askbridge/config"
	"github.com/askbridge/askbridge/internal/toolserver"
)

// ToolProvider is what an agent needs from a local tool-server: enumerate its
// tools and call one. *toolserver.Client satisfies it.
type ToolProvider interface {
	ListTools(ctx context.Context) ([]toolserver.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, error)
}

// Agent is the long-poll client that runs next to private tool-servers. It
// registers its capabilities with the broker, polls for tasks, executes them
// against the matching local provider, and submits results back.
type Agent struct {
	id         string
	serverURL  string
	providers  map[string]ToolProvider // capability -> provider
	pollEvery  time.Duration
	httpClient *http.Client
	logger     *log.Logger
}

// NewAgent builds an agent serving the given capability->provider map.
func NewAgent(id string, cfg config.BridgeConfig, providers map[string]ToolProvider, logger *log.Logger) *Agent {
	if logger == nil {
		logger = log.New(log.Writer(), "[AGENT] ", log.LstdFlags)
	}
	return &Agent{
		id:         id,
		serverURL:  cfg.ServerURL,
		providers:  providers,
		pollEvery:  cfg.PollInterval,
		httpClient: &http.Client{Timeout: cfg.TaskTimeout + 10*time.Second},
		logger:     logger,
	}
}

// Run registers and polls until ctx is cancelled. Transient server errors are
// retried with backoff; an unknown-agent response triggers re-registration.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.registerWithRetry(ctx); err != nil {
		return err
	}
	a.logger.Printf("agent %s registered, polling every %s", a.id, a.pollEvery)

	ticker := time.NewTicker(a.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		task, err := a.poll(ctx)
		if err != nil {
			if errors.Is(err, ErrUnknownAgent) {
				a.logger.Printf("broker forgot agent %s, re-registering", a.id)
				if err := a.registerWithRetry(ctx); err != nil {
					return err
				}
				continue
			}
			a.logger.Printf("poll failed: %v", err)
			continue
		}
		if task == nil {
			continue
		}
		a.handle(ctx, task)
	}
}

func (a *Agent) handle(ctx context.Context, task *Task) {
	a.logger.Printf("task %s: %s on %s", task.ID, task.ToolName, task.Capability)
	res := Result{TaskID: task.ID}

	provider, ok := a.providers[task.Capability]
	if !ok {
		res.Error = fmt.Sprintf("no provider for capability %s", task.Capability)
	} else {
		callCtx := ctx
		if !task.Deadline.IsZero() {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithDeadline(ctx, task.Deadline)
			defer cancel()
		}
		payload, err := a.execute(callCtx, provider, task)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Success = true
			res.Payload = payload
		}
	}

	if err := a.submit(ctx, res); err != nil {
		a.logger.Printf("submit result for task %s failed: %v", task.ID, err)
	}
}

func (a *Agent) execute(ctx context.Context, provider ToolProvider, task *Task) (json.RawMessage, error) {
	if task.ToolName == DiscoveryToolName {
		tools, err := provider.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("discover tools: %w", err)
		}
		return json.Marshal(map[string]interface{}{"tools": tools})
	}
	return provider.CallTool(ctx, task.ToolName, task.Arguments)
}

func (a *Agent) registerWithRetry(ctx context.Context) error {
	caps := make([]string, 0, len(a.providers))
	for c := range a.providers {
		caps = append(caps, c)
	}
	delay := time.Second
	for {
		err := a.post(ctx, "/agents/register", map[string]interface{}{
			"agent_id":     a.id,
			"capabilities": caps,
		}, nil)
		if err == nil {
			return nil
		}
		a.logger.Printf("register failed (retrying in %s): %v", delay, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

func (a *Agent) poll(ctx context.Context) (*Task, error) {
	var resp struct {
		Task *Task `json:"task"`
	}
	if err := a.post(ctx, "/agents/poll/"+a.id, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Task, nil
}

func (a *Agent) submit(ctx context.Context, res Result) error {
	return a.post(ctx, "/agents/results/"+res.TaskID, res, nil)
}

func (a *Agent) post(ctx context.Context, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if bytes.Contains(data, []byte("unknown agent")) {
			return ErrUnknownAgent
		}
		return fmt.Errorf("server returned 404: %s", bytes.TrimSpace(data))
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
