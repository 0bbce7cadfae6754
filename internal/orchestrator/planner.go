package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parley-chat/parley/pkg/models"
)

const (
	plannerTimeout   = 15 * time.Second
	plannerTailSize  = 6
	plannerMaxTokens = 256
)

const plannerSystemPrompt = `You select tools for a chat assistant.
Given the conversation tail and the available tools, respond with a single
JSON object: {"candidate_tools": ["qualified_name"], "broad_search": bool,
"intent": "one line"}. Set broad_search true if you are unsure which tools
apply. Respond with JSON only.`

// Plan is the planner's tool selection for one turn.
type Plan struct {
	CandidateTools []string `json:"candidate_tools"`
	BroadSearch    bool     `json:"broad_search"`
	Intent         string   `json:"intent,omitempty"`
}

// Planner narrows the tool catalog for a turn with one short non-streaming
// call to a cheap model. It is an optimization only: every failure path
// falls back to the full catalog.
type Planner struct {
	client ChatClient
	model  string
	logger *slog.Logger
}

// NewPlanner builds a planner using the given model.
func NewPlanner(client ChatClient, model string, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		client: client,
		model:  model,
		logger: logger.With("component", "planner"),
	}
}

// SelectTools returns the subset of catalog the plan names, or the full
// catalog on broad search or any error.
func (p *Planner) SelectTools(ctx context.Context, history []*models.Message, catalog []openai.Tool) []openai.Tool {
	if len(catalog) == 0 {
		return catalog
	}

	ctx, cancel := context.WithTimeout(ctx, plannerTimeout)
	defer cancel()

	raw, err := p.client.Complete(ctx, p.model, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: plannerSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: plannerInput(history, catalog)},
	}, plannerMaxTokens)
	if err != nil {
		p.logger.Warn("planner call failed, using full catalog", "error", err)
		return catalog
	}

	plan, err := parsePlan(raw)
	if err != nil {
		p.logger.Warn("planner output unparseable, using full catalog", "error", err)
		return catalog
	}
	if plan.BroadSearch || len(plan.CandidateTools) == 0 {
		return catalog
	}

	wanted := make(map[string]struct{}, len(plan.CandidateTools))
	for _, name := range plan.CandidateTools {
		wanted[name] = struct{}{}
	}
	var selected []openai.Tool
	for _, tool := range catalog {
		if tool.Function == nil {
			continue
		}
		if _, ok := wanted[tool.Function.Name]; ok {
			selected = append(selected, tool)
		}
	}
	if len(selected) == 0 {
		return catalog
	}
	p.logger.Debug("planner narrowed catalog",
		"intent", plan.Intent, "selected", len(selected), "total", len(catalog))
	return selected
}

func plannerInput(history []*models.Message, catalog []openai.Tool) string {
	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, tool := range catalog {
		if tool.Function == nil {
			continue
		}
		desc := tool.Function.Description
		if i := strings.IndexByte(desc, '\n'); i >= 0 {
			desc = desc[:i]
		}
		b.WriteString("- ")
		b.WriteString(tool.Function.Name)
		if desc != "" {
			b.WriteString(": ")
			b.WriteString(desc)
		}
		b.WriteByte('\n')
	}

	b.WriteString("\nConversation tail:\n")
	tail := history
	if len(tail) > plannerTailSize {
		tail = tail[len(tail)-plannerTailSize:]
	}
	for _, msg := range tail {
		text := msg.Content.PlainText()
		if len(text) > 500 {
			text = text[:500]
		}
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteByte('\n')
	}
	return b.String()
}

// parsePlan tolerates models that wrap the JSON in a code fence.
func parsePlan(raw string) (*Plan, error) {
	raw = strings.TrimSpace(raw)
	if start := strings.IndexByte(raw, '{'); start >= 0 {
		if end := strings.LastIndexByte(raw, '}'); end > start {
			raw = raw[start : end+1]
		}
	}
	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}
