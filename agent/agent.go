// Package agent implements the plan, execute, judge, rewrite, synthesize
// loop that answers user messages over a document corpus.
package agent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/edgeintel/ragchat/config"
	"github.com/edgeintel/ragchat/internal/metrics"
	"github.com/edgeintel/ragchat/llm"
	"github.com/edgeintel/ragchat/llm/tokenizer"
	"github.com/edgeintel/ragchat/memory"
	"github.com/edgeintel/ragchat/retrieval"
	"github.com/edgeintel/ragchat/types"
)

// TurnRequest is one user message plus its retrieval scope.
type TurnRequest struct {
	Message string
	UserID  string
	Mode    types.SearchMode
	// Files scopes user-file search modes; required when Mode is not
	// SearchShared.
	Files []string
	// Stream makes the synthesizer produce incremental chunks instead of
	// one blocking string.
	Stream bool
	// OnIteration, when set, receives one result per loop iteration before
	// the final synthesis. Called synchronously from the turn.
	OnIteration func(IterationResult)
}

// IterationResult is the per-iteration progress surfaced via OnIteration.
type IterationResult struct {
	Iteration  int
	Query      string
	Plan       types.ToolPlan
	Sufficient bool
}

// Agent runs turns for a single session. It is not safe for concurrent
// turns: at most one turn may be in flight, and concurrent callers get
// ErrTurnInFlight. Sessions needing external serialization must lock around
// Turn.
type Agent struct {
	provider llm.Provider
	tok      tokenizer.Tokenizer
	memCfg   memory.Config
	cfg      config.Config
	tool     Tool

	conv    *memory.Conversation
	toolMem *memory.Tool

	planner     *Planner
	judge       *Judge
	rewriter    *QueryRewriter
	synthesizer *Synthesizer

	// prev holds the last turn's response; it is committed to conversation
	// memory when the next user message arrives, since a streaming response
	// may still be draining when the turn returns.
	prev *Response

	sessionID string
	inFlight  atomic.Bool
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// New wires an agent from a provider, a retrieval tool, and config. The
// metrics collector may be nil.
func New(provider llm.Provider, tool Tool, cfg config.Config, collector *metrics.Collector, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	tok := tokenizer.ForModel(cfg.Tokenizer.Model)
	memCfg := memory.Config{
		ContextWindow: cfg.LLM.ContextWindow,
		Reserved:      cfg.Memory.ReservedTokens,
	}
	cw, reserved := cfg.LLM.ContextWindow, cfg.Memory.ReservedTokens
	sessionID := uuid.NewString()
	logger = logger.With(zap.String("session_id", sessionID))

	conv := memory.NewConversation(provider, tok, memCfg, logger)
	toolMem := memory.NewTool(provider, tok, memCfg, logger)
	if collector != nil {
		conv.WithMetrics(collector)
		toolMem.WithMetrics(collector)
	}

	return &Agent{
		provider:    provider,
		tok:         tok,
		memCfg:      memCfg,
		cfg:         cfg,
		tool:        tool,
		conv:        conv,
		toolMem:     toolMem,
		planner:     newPlanner(provider, tok, cw, reserved, cfg.Agent.PlannerRetries, logger),
		judge:       newJudge(provider, tok, cw, reserved, cfg.Agent.JudgeRetries, logger),
		rewriter:    newQueryRewriter(provider, tok, cw, reserved, cfg.Agent.SystemPrompt, logger),
		synthesizer: newSynthesizer(provider, tok, cw, reserved, cfg.Agent.SystemPrompt, logger),
		sessionID:   sessionID,
		metrics:     collector,
		logger:      logger.With(zap.String("component", "agent")),
	}
}

// LoadConversation seeds conversation memory with prior user and assistant
// entries, skipping malformed ones. No compression runs; call it before the
// first turn.
func (a *Agent) LoadConversation(entries []types.ConversationEntry) {
	for _, e := range entries {
		if e.Content == "" {
			continue
		}
		if e.Role != types.RoleUser && e.Role != types.RoleAssistant {
			a.logger.Warn("skipping conversation entry with unknown role", zap.String("role", string(e.Role)))
			continue
		}
		a.conv.Register(e.Role, e.Content)
	}
}

// Conversation exposes the session's conversation memory.
func (a *Agent) Conversation() *memory.Conversation { return a.conv }

// Reset drops all session state for a fresh conversation.
func (a *Agent) Reset() {
	a.conv = memory.NewConversation(a.provider, a.tok, a.memCfg, a.logger)
	if a.metrics != nil {
		a.conv.WithMetrics(a.metrics)
	}
	a.toolMem.Reset()
	a.prev = nil
}

// Turn answers one user message. The returned Response streams when
// req.Stream is set; either way the answer is committed to conversation
// memory at the start of the next turn, after the stream has drained.
func (a *Agent) Turn(ctx context.Context, req TurnRequest) (*Response, error) {
	if req.Message == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "empty user message")
	}
	if !req.Mode.Valid() {
		return nil, types.NewError(types.ErrInvalidSearchMode, "unknown search mode")
	}
	if req.Mode != types.SearchShared && len(req.Files) == 0 {
		return nil, types.NewError(types.ErrInvalidSearchMode, "file-scoped search mode requires files")
	}
	if !a.inFlight.CompareAndSwap(false, true) {
		return nil, types.NewError(types.ErrTurnInFlight, "a turn is already in flight for this session")
	}
	defer a.inFlight.Store(false)

	ctx, span := otel.Tracer("ragchat/agent").Start(ctx, "agent.turn")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", a.sessionID))
	start := time.Now()

	resp, iterations, err := a.runTurn(ctx, req)

	status := "success"
	if err != nil {
		status = "failure"
	}
	span.SetAttributes(
		attribute.Int("iterations", iterations),
		attribute.String("status", status),
	)
	if a.metrics != nil {
		a.metrics.RecordAgentTurn(status, time.Since(start), iterations)
	}
	return resp, err
}

func (a *Agent) runTurn(ctx context.Context, req TurnRequest) (*Response, int, error) {
	schemas := []types.ToolSchema{a.tool.Schema()}
	maxCalls := a.cfg.Agent.MaxToolCalls

	// All downstream budgets derive from the planner's scaffolding, which
	// is the largest template of the turn's steps.
	limits := a.planner.Limits(req.Message, a.conv, a.toolMem, schemas, maxCalls)
	convBudget := limits["conversation_history"]
	toolBudget := limits["tool_history"]
	if a.cfg.Memory.MaxToolHistoryTokens > 0 {
		toolBudget = a.cfg.Memory.MaxToolHistoryTokens
	}

	a.toolMem.Reset()
	seen := make(map[string]struct{})
	var exclude []string

	// Deferred append of the previous answer. FullText blocks until the
	// previous stream has fully drained.
	if a.prev != nil {
		if text := a.prev.FullText(); text != "" {
			if err := a.conv.Append(ctx, types.RoleAssistant, text, convBudget); err != nil {
				a.logger.Warn("appending previous response failed", zap.Error(err))
			}
		}
		a.prev = nil
	}

	query := req.Message
	iterations := 0

	for i := 0; i < a.cfg.Agent.MaxIterations; i++ {
		iterations = i + 1

		plan, err := a.planner.Plan(ctx, query, a.conv, a.toolMem, schemas, maxCalls)
		if err != nil {
			a.logger.Warn("planning failed, synthesizing with current state", zap.Error(err))
			break
		}

		for _, call := range plan.Calls {
			filter := retrieval.Filter{
				UserID:  req.UserID,
				Mode:    req.Mode,
				Files:   req.Files,
				Exclude: exclude,
			}
			result, ids, err := a.tool.Execute(ctx, call.Args, filter)
			if err != nil {
				result = "Tool call failed: " + err.Error()
			}
			for _, id := range ids {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				exclude = append(exclude, id)
			}
			if err := a.toolMem.Observe(ctx, query, a.conv, call, result, toolBudget); err != nil {
				a.logger.Warn("tool memory observe failed", zap.Error(err))
			}
		}

		// The final iteration always synthesizes; judging it would waste
		// a model call.
		if i == a.cfg.Agent.MaxIterations-1 {
			if req.OnIteration != nil {
				req.OnIteration(IterationResult{Iteration: i, Query: query, Plan: plan})
			}
			break
		}

		sufficient := a.judge.Sufficient(ctx, req.Message, a.conv, a.toolMem)
		if req.OnIteration != nil {
			req.OnIteration(IterationResult{Iteration: i, Query: query, Plan: plan, Sufficient: sufficient})
		}
		if sufficient {
			break
		}

		if a.cfg.Agent.RewriteQuery {
			query = a.rewriter.Rewrite(ctx, query, a.conv, a.toolMem)
		}
	}

	var resp *Response
	var err error
	if req.Stream {
		resp, err = a.synthesizer.SynthesizeStream(ctx, req.Message, a.conv, a.toolMem)
	} else {
		resp, err = a.synthesizer.Synthesize(ctx, req.Message, a.conv, a.toolMem)
	}
	if err != nil {
		return nil, iterations, err
	}

	if appendErr := a.conv.Append(ctx, types.RoleUser, req.Message, convBudget); appendErr != nil {
		a.logger.Warn("appending user message failed", zap.Error(appendErr))
	}
	a.prev = resp
	return resp, iterations, nil
}
