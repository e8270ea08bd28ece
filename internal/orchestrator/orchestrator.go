package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/askbridge/askbridge/config"
	"github.com/askbridge/askbridge/internal/bridge"
	"github.com/askbridge/askbridge/internal/citation"
	"github.com/askbridge/askbridge/internal/extract"
	"github.com/askbridge/askbridge/internal/store"
	"github.com/askbridge/askbridge/internal/telemetry"
	"github.com/askbridge/askbridge/internal/toolserver"
	"github.com/askbridge/askbridge/models"
)

var tracer = otel.Tracer("orchestrator")

// Store is the audit and source registry surface the orchestrator needs.
type Store interface {
	ListSources(ctx context.Context) ([]store.Source, error)
	CreateQueryRun(ctx context.Context, question string) (string, error)
	FinishQueryRun(ctx context.Context, id, status string, turns, toolCalls int, errMsg string) error
}

// ToolCache serves tool definitions without network I/O.
type ToolCache interface {
	Tools(ctx context.Context, sourceID string) ([]toolserver.Tool, error)
}

// Broker runs one bridged tool call end to end.
type Broker interface {
	Execute(ctx context.Context, capability, toolName string, args map[string]interface{}) (bridge.Result, error)
}

// LLMProvider is the chat surface the orchestrator drives.
type LLMProvider interface {
	ChatWithTools(ctx context.Context, role models.Role, req models.ChatRequest) (models.ChatResponse, error)
}

// Orchestrator runs multi-turn tool-augmented queries and streams progress
// events to the caller.
type Orchestrator struct {
	store  Store
	cache  ToolCache
	broker Broker
	llm    LLMProvider
	cfg    config.QueryConfig
	logger *log.Logger
}

func New(st Store, cache ToolCache, broker Broker, llm LLMProvider, cfg config.QueryConfig, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	return &Orchestrator{store: st, cache: cache, broker: broker, llm: llm, cfg: cfg, logger: logger}
}

// boundTool ties one cached tool definition to the source it came from. The
// model sees qualified names so tools from different sources never collide.
type boundTool struct {
	source store.Source
	tool   toolserver.Tool
}

const systemPrompt = `You are a question answering assistant with access to the user's tools.
Use tools to gather facts before answering. Prefer precise, targeted calls.
When you have enough information, answer directly without further tool calls.`

// Stream runs the query and returns its event channel. The channel is closed
// when the query finishes, errors, or exceeds its budget.
func (o *Orchestrator) Stream(ctx context.Context, question string) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		o.run(ctx, question, events)
	}()
	return events
}

// emit delivers an event unless the consumer's context is gone. A false
// return means nobody is reading anymore and the query should stop.
func emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) run(parent context.Context, question string, events chan<- Event) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, o.cfg.MaxWallClock)
	defer cancel()

	ctx, span := tracer.Start(ctx, "query.run")
	defer span.End()

	runID, err := o.store.CreateQueryRun(ctx, question)
	if err != nil {
		// Auditing is best effort; the query itself still runs.
		o.logger.Printf("create query run: %v", err)
	}

	turns, toolCalls, err := o.converse(ctx, question, runID, events, start)
	telemetry.QueryTurns.Observe(float64(turns))
	span.SetAttributes(attribute.Int("query.turns", turns), attribute.Int("query.tool_calls", toolCalls))

	status := "completed"
	errMsg := ""
	if err != nil {
		status = "failed"
		errMsg = err.Error()
		span.RecordError(err)
		// Budget expiry cancels ctx but the client may still be reading, so
		// the error event escapes on the parent context only.
		emit(parent, events, Event{Type: EventError, Error: errMsg})
	}
	if runID != "" {
		if ferr := o.store.FinishQueryRun(context.WithoutCancel(ctx), runID, status, turns, toolCalls, errMsg); ferr != nil {
			o.logger.Printf("finish query run: %v", ferr)
		}
	}
}

func (o *Orchestrator) converse(ctx context.Context, question, runID string, events chan<- Event, start time.Time) (turns, toolCalls int, err error) {
	tools, byName, err := o.bindTools(ctx)
	if err != nil {
		return 0, 0, err
	}

	messages := []models.Message{{Role: "user", Content: question}}
	var metas []extract.Metadata

	for turns = 1; turns <= o.cfg.MaxTurns; turns++ {
		resp, err := o.llm.ChatWithTools(ctx, models.RoleReasoning, models.ChatRequest{
			System:   systemPrompt,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return turns, toolCalls, models.ErrTimeout
			}
			return turns, toolCalls, fmt.Errorf("llm turn %d: %w", turns, err)
		}

		if len(resp.ToolCalls) == 0 {
			answer, sources, err := o.finalize(ctx, question, resp.Content, metas)
			if err != nil {
				return turns, toolCalls, err
			}
			if !emit(ctx, events, Event{Type: EventFinalResponse, Content: answer, Sources: sources}) {
				return turns, toolCalls, ctx.Err()
			}
			if runID != "" {
				emit(ctx, events, Event{Type: EventConversationSaved, ConversationID: runID})
			}
			emit(ctx, events, Event{Type: EventComplete, Timing: &Timing{
				Turns:     turns,
				ToolCalls: toolCalls,
				ElapsedMS: time.Since(start).Milliseconds(),
			}})
			return turns, toolCalls, nil
		}

		if resp.Content != "" {
			if !emit(ctx, events, Event{Type: EventContent, Content: resp.Content}) {
				return turns, toolCalls, ctx.Err()
			}
		}

		messages = append(messages, models.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		outcomes := o.executeAll(ctx, resp.ToolCalls, byName, events)
		for i, call := range resp.ToolCalls {
			out := outcomes[i]
			toolCalls++
			ev := Event{Type: EventToolResult, ToolName: call.Name, SourceID: out.sourceID}
			msg := models.Message{Role: "tool", ToolCallID: call.ID}
			if out.err != nil {
				// Failures go back to the model so it can adjust course.
				ev.Error = out.err.Error()
				msg.Content = fmt.Sprintf("tool error: %v", out.err)
			} else {
				ev.Result = &ToolResult{Output: out.text, Truncation: out.truncation}
				msg.Content = out.text
				metas = append(metas, extract.Extract(call.Name, out.raw))
			}
			if !emit(ctx, events, ev) {
				return turns, toolCalls, ctx.Err()
			}
			messages = append(messages, msg)
		}

		if ctx.Err() != nil {
			return turns, toolCalls, models.ErrTimeout
		}
	}
	return o.cfg.MaxTurns, toolCalls, models.ErrTimeout
}

// bindTools assembles the model-facing tool list from the cache. Definitions
// come from the cache only; a source that has never been discovered simply
// contributes nothing.
func (o *Orchestrator) bindTools(ctx context.Context) ([]models.ToolDef, map[string]boundTool, error) {
	sources, err := o.store.ListSources(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list sources: %w", err)
	}

	var defs []models.ToolDef
	byName := make(map[string]boundTool)
	for _, src := range sources {
		cached, err := o.cache.Tools(ctx, src.ID)
		if err != nil {
			o.logger.Printf("tools for source %s unavailable: %v", src.ID, err)
			continue
		}
		for _, t := range cached {
			qualified := qualify(src.Name, t.Name)
			desc := t.Description
			if src.Instructions != "" {
				desc = src.Instructions + "\n" + desc
			}
			defs = append(defs, models.ToolDef{Name: qualified, Description: desc, InputSchema: t.InputSchema})
			byName[qualified] = boundTool{source: src, tool: t}
		}
	}
	return defs, byName, nil
}

type toolOutcome struct {
	sourceID   string
	raw        json.RawMessage
	text       string
	truncation *TruncationInfo
	err        error
}

// executeAll runs a turn's tool calls concurrently and returns outcomes in
// request order, so results are merged back deterministically.
func (o *Orchestrator) executeAll(ctx context.Context, calls []models.ToolCall, byName map[string]boundTool, events chan<- Event) []toolOutcome {
	outcomes := make([]toolOutcome, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		bt, ok := byName[call.Name]
		ev := Event{Type: EventToolCall, ToolName: call.Name, Arguments: call.Arguments}
		if ok {
			ev.SourceID = bt.source.ID
		}
		emit(ctx, events, ev)
		wg.Add(1)
		go func(i int, call models.ToolCall, bt boundTool, ok bool) {
			defer wg.Done()
			if !ok {
				outcomes[i] = toolOutcome{err: fmt.Errorf("unknown tool %q", call.Name)}
				return
			}
			outcomes[i] = o.execute(ctx, call, bt)
		}(i, call, bt, ok)
	}
	wg.Wait()
	return outcomes
}

func (o *Orchestrator) execute(ctx context.Context, call models.ToolCall, bt boundTool) toolOutcome {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ToolCallTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "query.tool_call", trace.WithAttributes(
		attribute.String("tool.name", bt.tool.Name),
		attribute.String("source.id", bt.source.ID),
		attribute.String("source.kind", bt.source.Kind),
	))
	defer span.End()

	out := toolOutcome{sourceID: bt.source.ID}
	var raw json.RawMessage
	var err error
	switch bt.source.Kind {
	case store.SourceKindDirect:
		client := toolserver.NewClient(bt.source.URL, bt.source.Credentials, o.cfg.ToolCallTimeout)
		raw, err = client.CallTool(ctx, bt.tool.Name, call.Arguments)
	case store.SourceKindBridge:
		var res bridge.Result
		res, err = o.broker.Execute(ctx, bt.source.Capability, bt.tool.Name, call.Arguments)
		raw = res.Payload
	default:
		err = fmt.Errorf("unknown source kind %q", bt.source.Kind)
	}

	if err != nil {
		span.RecordError(err)
		telemetry.ToolCalls.WithLabelValues(bt.source.Kind, "error").Inc()
		out.err = err
		return out
	}
	telemetry.ToolCalls.WithLabelValues(bt.source.Kind, "ok").Inc()

	out.raw = raw
	out.text, out.truncation = o.truncate(string(raw))
	return out
}

// truncate caps a tool result before it is fed back to the model. Extraction
// always sees the full payload.
func (o *Orchestrator) truncate(text string) (string, *TruncationInfo) {
	if o.cfg.MaxToolResultBytes <= 0 || len(text) <= o.cfg.MaxToolResultBytes {
		return text, nil
	}
	kept := text[:o.cfg.MaxToolResultBytes]
	// Do not split a multi-byte rune at the boundary.
	for len(kept) > 0 && !isRuneStart(kept[len(kept)-1]) {
		kept = kept[:len(kept)-1]
	}
	return kept, &TruncationInfo{OriginalBytes: len(text), KeptBytes: len(kept)}
}

// finalize runs the formatting pass: the draft answer plus numbered source
// guidance go to the formatting model, then markers are resolved against the
// citation list.
func (o *Orchestrator) finalize(ctx context.Context, question, draft string, metas []extract.Metadata) (string, []citation.Citation, error) {
	list := citation.Build(metas)
	if len(list.Items) == 0 {
		return draft, nil, nil
	}

	guidance := list.Guidance()
	resp, err := o.llm.ChatWithTools(ctx, models.RoleFormatting, models.ChatRequest{
		System: "Rewrite the draft answer with inline [n] citation markers referring to the numbered sources. Keep the content unchanged otherwise.\n\n" + guidance,
		Messages: []models.Message{
			{Role: "user", Content: "Question: " + question + "\n\nDraft answer:\n" + draft},
		},
	})
	if err != nil {
		// Formatting is an enhancement: fall back to the unformatted draft.
		o.logger.Printf("formatting pass failed, returning draft: %v", err)
		answer, used := citation.Annotate(draft, list)
		return answer, used, nil
	}

	answer := resp.Content
	if strings.TrimSpace(answer) == "" {
		answer = draft
	}
	annotated, used := citation.Annotate(answer, list)
	return annotated, used, nil
}

func qualify(sourceName, toolName string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, sourceName)
	return slug + "__" + toolName
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
