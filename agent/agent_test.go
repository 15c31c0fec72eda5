package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgeintel/ragchat/config"
	"github.com/edgeintel/ragchat/llm"
	"github.com/edgeintel/ragchat/llm/tokenizer"
	"github.com/edgeintel/ragchat/retrieval"
	"github.com/edgeintel/ragchat/types"
)

// scriptedProvider routes by the system instructions of each step, so one
// stub serves the whole loop.
type scriptedProvider struct {
	mu sync.Mutex

	planOut    string
	judgeOut   string
	rewriteOut string
	synthOut   string

	planErr error

	planCalls    int
	judgeCalls   int
	rewriteCalls int
	synthCalls   int

	// synthGate, when set, blocks synthesis until closed.
	synthGate chan struct{}
}

func (p *scriptedProvider) route(req *llm.ChatRequest) (string, error) {
	system := req.Messages[0].Content
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case strings.Contains(system, "Plan the appropriate tool calls"):
		p.planCalls++
		return p.planOut, p.planErr
	case strings.Contains(system, "judge"):
		p.judgeCalls++
		return p.judgeOut, nil
	case strings.Contains(system, "rewrite the current user's message"):
		p.rewriteCalls++
		return p.rewriteOut, nil
	case strings.Contains(system, "become too long"):
		return "compressed summary", nil
	default:
		p.synthCalls++
		return p.synthOut, nil
	}
}

func (p *scriptedProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	out, err := p.route(req)
	if err != nil {
		return nil, err
	}
	if p.synthGate != nil && strings.Contains(req.Messages[0].Content, "tasked with answering") {
		select {
		case <-p.synthGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &llm.ChatResponse{
		Choices: []llm.ChatChoice{{Message: llm.Message{Role: types.RoleAssistant, Content: out}}},
	}, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	out, err := p.route(req)
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		// Two chunks exercises incremental assembly.
		half := len(out) / 2
		for _, part := range []string{out[:half], out[half:]} {
			ch <- llm.StreamChunk{Delta: llm.Message{Content: part}}
		}
		ch <- llm.StreamChunk{FinishReason: "stop"}
	}()
	return ch, nil
}

func (p *scriptedProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

// recordingTool records the filter of every execution.
type recordingTool struct {
	mu      sync.Mutex
	filters []retrieval.Filter
	ids     []string
	err     error
}

func (t *recordingTool) Schema() types.ToolSchema {
	return types.ToolSchema{Name: "retrieve_documents", Description: "search"}
}

func (t *recordingTool) Execute(ctx context.Context, args map[string]any, filter retrieval.Filter) (string, []string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filters = append(t.filters, filter)
	if t.err != nil {
		return "", nil, t.err
	}
	return `[{"text":"doc"}]`, t.ids, nil
}

func init() {
	// Token counting in tests must not depend on BPE vocabulary downloads.
	tokenizer.Register("test-model", tokenizer.NewEstimator("test-model", 0))
}

func testConfig(maxIterations int) config.Config {
	cfg := *config.DefaultConfig()
	cfg.Agent.MaxIterations = maxIterations
	cfg.Agent.MaxToolCalls = 2
	cfg.Agent.PlannerRetries = 1
	cfg.Agent.JudgeRetries = 1
	cfg.Tokenizer.Model = "test-model"
	return cfg
}

func newTestAgent(provider llm.Provider, tool Tool, cfg config.Config) *Agent {
	return New(provider, tool, cfg, nil, zap.NewNop())
}

func TestTurnZeroCallsStillSynthesizes(t *testing.T) {
	t.Parallel()
	provider := &scriptedProvider{planOut: "[]", synthOut: "final answer"}
	tool := &recordingTool{}
	a := newTestAgent(provider, tool, testConfig(1))

	resp, err := a.Turn(context.Background(), TurnRequest{Message: "hello", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "final answer", resp.FullText())
	assert.Equal(t, 1, provider.planCalls)
	assert.Equal(t, 1, provider.synthCalls)
	assert.Empty(t, tool.filters)

	// The user message lands in conversation memory at synthesis time.
	assert.Contains(t, a.Conversation().HistoryString(0, -1), "hello")
}

func TestTurnJudgeStopsLoop(t *testing.T) {
	t.Parallel()
	provider := &scriptedProvider{
		planOut:  `[{"name": "retrieve_documents", "args": {"semantic_query": "q"}}]`,
		judgeOut: "Yes.",
		synthOut: "answer",
	}
	tool := &recordingTool{ids: []string{"d1"}}
	a := newTestAgent(provider, tool, testConfig(5))

	resp, err := a.Turn(context.Background(), TurnRequest{Message: "question", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "answer", resp.FullText())
	assert.Equal(t, 1, provider.planCalls)
	assert.Equal(t, 1, provider.judgeCalls)
	assert.Equal(t, 1, provider.synthCalls)
	assert.Len(t, tool.filters, 1)
}

func TestTurnIterationBoundSkipsFinalJudge(t *testing.T) {
	t.Parallel()
	provider := &scriptedProvider{
		planOut:    `[{"name": "retrieve_documents", "args": {"semantic_query": "q"}}]`,
		judgeOut:   "No",
		rewriteOut: "sharper question",
		synthOut:   "answer",
	}
	tool := &recordingTool{}
	a := newTestAgent(provider, tool, testConfig(3))

	_, err := a.Turn(context.Background(), TurnRequest{Message: "question", UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, 3, provider.planCalls)
	// No judge call on the final iteration.
	assert.Equal(t, 2, provider.judgeCalls)
	assert.Equal(t, 2, provider.rewriteCalls)
	assert.Equal(t, 1, provider.synthCalls)
}

func TestTurnExcludesSeenDocuments(t *testing.T) {
	t.Parallel()
	provider := &scriptedProvider{
		planOut:  `[{"name": "retrieve_documents", "args": {"semantic_query": "q"}}]`,
		judgeOut: "No",
		synthOut: "answer",
	}
	tool := &recordingTool{ids: []string{"d1", "d2"}}
	cfg := testConfig(2)
	cfg.Agent.RewriteQuery = false
	a := newTestAgent(provider, tool, cfg)

	_, err := a.Turn(context.Background(), TurnRequest{Message: "question", UserID: "u1"})
	require.NoError(t, err)

	require.Len(t, tool.filters, 2)
	assert.Empty(t, tool.filters[0].Exclude)
	assert.ElementsMatch(t, []string{"d1", "d2"}, tool.filters[1].Exclude)
}

func TestTurnPlannerFailureStillSynthesizes(t *testing.T) {
	t.Parallel()
	provider := &scriptedProvider{
		planErr:  errors.New("backend down"),
		synthOut: "best effort answer",
	}
	a := newTestAgent(provider, &recordingTool{}, testConfig(3))

	resp, err := a.Turn(context.Background(), TurnRequest{Message: "question", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "best effort answer", resp.FullText())
	assert.Equal(t, 1, provider.synthCalls)
}

func TestTurnToolFailureRecordedAsResult(t *testing.T) {
	t.Parallel()
	provider := &scriptedProvider{
		planOut:  `[{"name": "retrieve_documents", "args": {"semantic_query": "q"}}]`,
		synthOut: "answer",
	}
	tool := &recordingTool{err: errors.New("chroma unreachable")}
	a := newTestAgent(provider, tool, testConfig(1))

	_, err := a.Turn(context.Background(), TurnRequest{Message: "question", UserID: "u1"})
	require.NoError(t, err)
	assert.Contains(t, a.toolMem.HistoryString(0, -1), "Tool call failed")
}

func TestTurnValidation(t *testing.T) {
	t.Parallel()
	a := newTestAgent(&scriptedProvider{synthOut: "x"}, &recordingTool{}, testConfig(1))
	ctx := context.Background()

	_, err := a.Turn(ctx, TurnRequest{Message: "", UserID: "u1"})
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	_, err = a.Turn(ctx, TurnRequest{Message: "q", UserID: "u1", Mode: types.SearchMode(9)})
	assert.Equal(t, types.ErrInvalidSearchMode, types.GetErrorCode(err))

	_, err = a.Turn(ctx, TurnRequest{Message: "q", UserID: "u1", Mode: types.SearchUserFiles})
	assert.Equal(t, types.ErrInvalidSearchMode, types.GetErrorCode(err))
}

func TestTurnInFlightRejected(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	provider := &scriptedProvider{planOut: "[]", synthOut: "slow answer", synthGate: gate}
	a := newTestAgent(provider, &recordingTool{}, testConfig(1))

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		_, err := a.Turn(context.Background(), TurnRequest{Message: "first", UserID: "u1"})
		assert.NoError(t, err)
	}()

	<-started
	// Wait until the first turn is inside synthesis.
	require.Eventually(t, func() bool { return a.inFlight.Load() }, time.Second, time.Millisecond)

	_, err := a.Turn(context.Background(), TurnRequest{Message: "second", UserID: "u1"})
	assert.Equal(t, types.ErrTurnInFlight, types.GetErrorCode(err))

	close(gate)
	<-done
}

func TestDeferredAssistantAppend(t *testing.T) {
	t.Parallel()
	provider := &scriptedProvider{planOut: "[]", synthOut: "first answer"}
	a := newTestAgent(provider, &recordingTool{}, testConfig(1))
	ctx := context.Background()

	resp, err := a.Turn(ctx, TurnRequest{Message: "one", UserID: "u1"})
	require.NoError(t, err)
	resp.FullText()

	// The first answer is not committed until the next turn begins.
	assert.NotContains(t, a.Conversation().HistoryString(0, -1), "first answer")

	provider.synthOut = "second answer"
	_, err = a.Turn(ctx, TurnRequest{Message: "two", UserID: "u1"})
	require.NoError(t, err)

	history := a.Conversation().HistoryString(0, -1)
	assert.Contains(t, history, "first answer")
	assert.Contains(t, history, "two")
}

func TestTurnStreaming(t *testing.T) {
	t.Parallel()
	provider := &scriptedProvider{planOut: "[]", synthOut: "streamed answer"}
	a := newTestAgent(provider, &recordingTool{}, testConfig(1))

	resp, err := a.Turn(context.Background(), TurnRequest{Message: "q", UserID: "u1", Stream: true})
	require.NoError(t, err)

	var got strings.Builder
	for chunk := range resp.Chunks() {
		got.WriteString(chunk)
	}
	assert.Equal(t, "streamed answer", got.String())
	assert.NoError(t, resp.Err())
	assert.Equal(t, "streamed answer", resp.FullText())
}

func TestTurnOnIteration(t *testing.T) {
	t.Parallel()
	provider := &scriptedProvider{
		planOut:  `[{"name": "retrieve_documents", "args": {"semantic_query": "q"}}]`,
		judgeOut: "Yes",
		synthOut: "answer",
	}
	a := newTestAgent(provider, &recordingTool{}, testConfig(5))

	var results []IterationResult
	_, err := a.Turn(context.Background(), TurnRequest{
		Message:     "q",
		UserID:      "u1",
		OnIteration: func(r IterationResult) { results = append(results, r) },
	})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.True(t, results[0].Sufficient)
	assert.Len(t, results[0].Plan.Calls, 1)
}

func TestLoadConversationSkipsMalformed(t *testing.T) {
	t.Parallel()
	a := newTestAgent(&scriptedProvider{synthOut: "x"}, &recordingTool{}, testConfig(1))

	a.LoadConversation([]types.ConversationEntry{
		{Role: types.RoleUser, Content: "hi"},
		{Role: types.RoleAssistant, Content: "hello"},
		{Role: "tool", Content: "ignored"},
		{Role: types.RoleUser, Content: ""},
	})

	assert.Len(t, a.Conversation().History(), 2)
}

func TestReset(t *testing.T) {
	t.Parallel()
	provider := &scriptedProvider{planOut: "[]", synthOut: "answer"}
	a := newTestAgent(provider, &recordingTool{}, testConfig(1))

	_, err := a.Turn(context.Background(), TurnRequest{Message: "one", UserID: "u1"})
	require.NoError(t, err)

	a.Reset()
	assert.Empty(t, a.Conversation().History())
	assert.Nil(t, a.prev)
}
