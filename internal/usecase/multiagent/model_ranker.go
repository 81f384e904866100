package multiagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"squadron/internal/domain"
	"squadron/internal/usecase/prompt"
)

const analyzeToolName = "analyze_prompt"

// DefaultClassifierPrompt is the system prompt used by ModelRanker unless
// overridden. It must reference {{AGENT_DESCRIPTIONS}} and may reference
// {{HISTORY}}.
const DefaultClassifierPrompt = `You are AgentMatcher, a router that decides which specialized agent should answer the user's latest message.

Available agents:
{{AGENT_DESCRIPTIONS}}

Conversation so far:
{{HISTORY}}

Score every agent listed above between 0 and 1 for how well it fits the latest message, considering the conversation so far. Follow-up messages usually belong to the agent that answered last. Reply only by calling the ` + analyzeToolName + ` tool.`

const analyzeSchema = `{
  "type": "object",
  "properties": {
    "scores": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "agent_id": {"type": "string", "minLength": 1},
          "score": {"type": "number", "minimum": 0, "maximum": 1}
        },
        "required": ["agent_id", "score"]
      }
    }
  },
  "required": ["scores"]
}`

// ModelRankerConfig configures a ModelRanker.
type ModelRankerConfig struct {
	Model        string
	SystemPrompt string
	Inference    domain.InferenceConfig
	// HistoryTurns caps how many trailing turns are shown to the model.
	HistoryTurns int
}

// ModelRanker asks a backend model to score candidates through a forced
// tool call and validates the arguments against a JSON Schema.
type ModelRanker struct {
	backend domain.Backend
	cfg     ModelRankerConfig
	schema  *jsonschema.Schema
}

// NewModelRanker creates a ModelRanker over backend.
func NewModelRanker(backend domain.Backend, cfg ModelRankerConfig) (*ModelRanker, error) {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultClassifierPrompt
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 10
	}
	if cfg.Inference.MaxTokens <= 0 {
		cfg.Inference.MaxTokens = 512
	}
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(analyzeSchema))
	if err != nil {
		return nil, fmt.Errorf("compile classifier schema: %w", err)
	}
	return &ModelRanker{backend: backend, cfg: cfg, schema: schema}, nil
}

// Rank implements domain.Ranker.
func (m *ModelRanker) Rank(ctx context.Context, query string, candidates []domain.AgentDescriptor) ([]domain.RankScore, error) {
	return m.RankWithHistory(ctx, query, nil, candidates)
}

// RankWithHistory implements ContextualRanker.
func (m *ModelRanker) RankWithHistory(ctx context.Context, query string, history []domain.Turn, candidates []domain.AgentDescriptor) ([]domain.RankScore, error) {
	system, err := prompt.Render(m.cfg.SystemPrompt, domain.PromptVariables{
		"AGENT_DESCRIPTIONS": domain.Lines(describeAgents(candidates)...),
		"HISTORY":            domain.Lines(m.describeHistory(history)...),
	})
	if err != nil {
		return nil, err
	}

	resp, err := m.backend.Generate(ctx, domain.GenerateRequest{
		Model:        m.cfg.Model,
		SystemPrompt: system,
		Messages:     []domain.Message{{Role: domain.MessageUser, Content: query}},
		Inference:    m.cfg.Inference,
		Tools: []domain.ToolSchema{{
			Name:        analyzeToolName,
			Description: "Report how well each available agent fits the user's latest message.",
			Parameters:  json.RawMessage(analyzeSchema),
		}},
		ForceTool: analyzeToolName,
	})
	if err != nil {
		return nil, err
	}

	for _, call := range resp.Message.ToolCalls {
		if call.Name == analyzeToolName {
			return m.parseScores(call.Arguments)
		}
	}
	return nil, fmt.Errorf("%w: classifier model did not call %s", domain.ErrBackendInvocation, analyzeToolName)
}

type analyzeArgs struct {
	Scores []domain.RankScore `json:"scores"`
}

func (m *ModelRanker) parseScores(raw json.RawMessage) ([]domain.RankScore, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: classifier arguments: %v", domain.ErrBackendInvocation, err)
	}
	result := m.schema.Validate(generic)
	if !result.IsValid() {
		return nil, fmt.Errorf("%w: classifier arguments: %s", domain.ErrBackendInvocation, result.Error())
	}
	var args analyzeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("%w: classifier arguments: %v", domain.ErrBackendInvocation, err)
	}
	return args.Scores, nil
}

func describeAgents(candidates []domain.AgentDescriptor) []string {
	lines := make([]string, 0, len(candidates))
	for _, d := range candidates {
		line := fmt.Sprintf("- %s (%s): %s", d.ID, d.Name, d.Description)
		if len(d.Capabilities) > 0 {
			line += " [capabilities: " + strings.Join(d.Capabilities, ", ") + "]"
		}
		lines = append(lines, line)
	}
	return lines
}

func (m *ModelRanker) describeHistory(history []domain.Turn) []string {
	var lines []string
	for _, t := range history {
		if !t.InContext() {
			continue
		}
		speaker := string(t.Role)
		if t.Role == domain.RoleAgent && t.AgentID != "" {
			speaker = t.AgentID
		}
		lines = append(lines, speaker+": "+t.Content)
	}
	if len(lines) > m.cfg.HistoryTurns {
		lines = lines[len(lines)-m.cfg.HistoryTurns:]
	}
	if len(lines) == 0 {
		return []string{"(no previous messages)"}
	}
	return lines
}
