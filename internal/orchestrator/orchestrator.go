// Package orchestrator owns the per-turn algorithm: session resolution,
// history assembly, the provider stream, the bounded tool loop, and
// persistence ordering. It emits a flat event stream the HTTP layer
// translates to SSE.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/parley-chat/parley/internal/attachments"
	"github.com/parley-chat/parley/internal/mcp"
	"github.com/parley-chat/parley/internal/observability"
	"github.com/parley-chat/parley/internal/provider"
	"github.com/parley-chat/parley/internal/settings"
	"github.com/parley-chat/parley/internal/store"
	"github.com/parley-chat/parley/pkg/models"
)

const (
	defaultMaxToolIterations = 8
	eventBufferSize          = 32
	toolSummaryRuneLimit     = 200
)

// TokenStream is the subset of the provider stream the loop consumes.
type TokenStream interface {
	Recv() (*provider.StreamChunk, error)
	Close() error
}

// ChatClient abstracts the provider client for the loop, the planner, and
// the title generator.
type ChatClient interface {
	Stream(ctx context.Context, req *provider.ChatRequest) (TokenStream, error)
	Complete(ctx context.Context, model string, messages []openai.ChatCompletionMessage, maxTokens int) (string, error)
}

type clientAdapter struct {
	c *provider.Client
}

// NewChatClient wraps the concrete provider client in the ChatClient
// interface.
func NewChatClient(c *provider.Client) ChatClient { return clientAdapter{c: c} }

func (a clientAdapter) Stream(ctx context.Context, req *provider.ChatRequest) (TokenStream, error) {
	s, err := a.c.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (a clientAdapter) Complete(ctx context.Context, model string, messages []openai.ChatCompletionMessage, maxTokens int) (string, error) {
	return a.c.Complete(ctx, model, messages, maxTokens)
}

// ToolPool is the aggregator surface the loop needs.
type ToolPool interface {
	Catalog() []openai.Tool
	Call(ctx context.Context, qualified, argumentsJSON, sessionID string) (*mcp.ToolResult, error)
}

// SettingsSource yields and replaces the active model settings snapshot.
type SettingsSource interface {
	Get() models.ModelSettings
	Set(models.ModelSettings) error
}

// Config tunes the loop.
type Config struct {
	// MaxToolIterations bounds provider round-trips per turn (default 8).
	MaxToolIterations int
	// TitleModel is the cheap model used for session titles; empty
	// disables AI titling.
	TitleModel string
	// PlannerModel enables the tool planner when non-empty.
	PlannerModel string
}

// Deps are the collaborators a new Orchestrator wires together.
type Deps struct {
	Store       *store.Store
	Locker      *store.SessionLocker
	Client      ChatClient
	Tools       ToolPool
	Settings    SettingsSource
	Attachments *attachments.Service
	Manager     *settings.Manager
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

// Orchestrator runs chat turns.
type Orchestrator struct {
	store       *store.Store
	locker      *store.SessionLocker
	client      ChatClient
	tools       ToolPool
	settings    SettingsSource
	attachments *attachments.Service
	manager     *settings.Manager
	metrics     *observability.Metrics
	planner     *Planner
	titler      *TitleGenerator
	logger      *slog.Logger
	cfg         Config
}

// New builds an Orchestrator. Tools, Attachments, Manager, and Metrics may
// be nil; the corresponding behavior is skipped.
func New(deps Deps, cfg Config) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "orchestrator")
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = defaultMaxToolIterations
	}

	o := &Orchestrator{
		store:       deps.Store,
		locker:      deps.Locker,
		client:      deps.Client,
		tools:       deps.Tools,
		settings:    deps.Settings,
		attachments: deps.Attachments,
		manager:     deps.Manager,
		metrics:     deps.Metrics,
		logger:      logger,
		cfg:         cfg,
	}
	if cfg.PlannerModel != "" {
		o.planner = NewPlanner(deps.Client, cfg.PlannerModel, logger)
	}
	if cfg.TitleModel != "" {
		o.titler = NewTitleGenerator(deps.Store, deps.Client, cfg.TitleModel, logger)
	}
	return o
}

// Titler exposes the title generator for the HTTP generate-title endpoint;
// nil when AI titling is disabled.
func (o *Orchestrator) Titler() *TitleGenerator { return o.titler }

// IncomingMessage is one client-supplied message on a stream request.
type IncomingMessage struct {
	Role    models.Role    `json:"role"`
	Content models.Content `json:"content"`
}

// ProcessRequest describes one turn.
type ProcessRequest struct {
	SessionID     string
	Timezone      string
	ModelOverride string
	Messages      []IncomingMessage
}

// StartSession resolves or creates a session and returns its id. A
// client-supplied id is kept, so the operation is idempotent.
func (o *Orchestrator) StartSession(ctx context.Context, sessionID, timezone string) (string, bool, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	_, err := o.store.GetSession(ctx, sessionID)
	if err == nil {
		return sessionID, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", false, err
	}
	sess := &models.Session{
		ID:       sessionID,
		Saved:    true,
		Timezone: timezone,
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return "", false, err
	}
	return sessionID, true, nil
}

// GetConversation returns the ordered transcript with refreshed attachment
// URLs.
func (o *Orchestrator) GetConversation(ctx context.Context, sessionID string) ([]*models.Message, error) {
	if _, err := o.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	msgs, err := o.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if o.attachments != nil {
		if err := o.attachments.RefreshMessageURLs(ctx, msgs); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// ClearSession deletes a session, its messages, and detaches its
// attachments for reaping.
func (o *Orchestrator) ClearSession(ctx context.Context, sessionID string) error {
	return o.store.DeleteSession(ctx, sessionID)
}

// SetActiveModel atomically replaces the active settings snapshot.
func (o *Orchestrator) SetActiveModel(snapshot models.ModelSettings) error {
	return o.settings.Set(snapshot)
}

// ApplyPreset applies a named preset and returns the resulting snapshot.
func (o *Orchestrator) ApplyPreset(ctx context.Context, name string) (models.ModelSettings, error) {
	if o.manager == nil {
		return models.ModelSettings{}, errors.New("orchestrator: presets not configured")
	}
	if err := o.manager.ApplyPreset(ctx, name); err != nil {
		return models.ModelSettings{}, err
	}
	return o.settings.Get(), nil
}

// ProcessStream runs one turn and returns its event stream. The channel is
// closed when the turn finishes, errors terminally, or ctx is cancelled.
func (o *Orchestrator) ProcessStream(ctx context.Context, req ProcessRequest) (<-chan Event, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("orchestrator: no messages")
	}
	events := make(chan Event, eventBufferSize)
	go o.run(ctx, req, events)
	return events, nil
}

func (o *Orchestrator) run(ctx context.Context, req ProcessRequest, events chan<- Event) {
	defer close(events)
	start := time.Now()
	status := "error"
	defer func() {
		o.metrics.TurnFinished(status, time.Since(start))
	}()

	sessionID, created, err := o.StartSession(ctx, req.SessionID, req.Timezone)
	if err != nil {
		o.terminal(ctx, events, ReasonInternalError, err.Error())
		return
	}
	timezone := req.Timezone
	if sess, err := o.store.GetSession(ctx, sessionID); err == nil && sess.Timezone != "" {
		timezone = sess.Timezone
	}
	if !o.emit(ctx, events, Event{Type: EventSession, SessionID: sessionID}) {
		status = "cancelled"
		return
	}

	release, err := o.locker.Acquire(ctx, sessionID)
	if err != nil {
		o.terminal(ctx, events, ReasonInternalError, err.Error())
		return
	}
	defer release()

	history, err := o.store.ListMessages(ctx, sessionID)
	if err != nil {
		o.terminal(ctx, events, ReasonInternalError, err.Error())
		return
	}
	firstTurn := created || len(history) == 0
	if o.attachments != nil {
		if err := o.attachments.RefreshMessageURLs(ctx, history); err != nil {
			o.logger.Warn("attachment refresh failed", "session_id", sessionID, "error", err)
		}
	}

	for _, in := range req.Messages {
		role := in.Role
		if role == "" {
			role = models.RoleUser
		}
		msg := &models.Message{
			SessionID: sessionID,
			Role:      role,
			Content:   in.Content,
		}
		if err := o.store.AppendMessage(ctx, msg); err != nil {
			o.terminal(ctx, events, ReasonInternalError, err.Error())
			return
		}
		history = append(history, msg)
	}

	snapshot := o.settings.Get()
	if req.ModelOverride != "" {
		snapshot.ModelID = req.ModelOverride
	}

	var catalog []openai.Tool
	if o.tools != nil {
		catalog = o.tools.Catalog()
	}
	if o.planner != nil && len(catalog) > 0 {
		catalog = o.planner.SelectTools(ctx, history, catalog)
	}

	for iteration := 0; iteration < o.cfg.MaxToolIterations; iteration++ {
		turn, err := o.streamTurn(ctx, events, snapshot, timezone, history, catalog)
		if err != nil {
			if ctx.Err() != nil {
				status = "cancelled"
				return
			}
			o.metrics.ProviderRequest(snapshot.ModelID, "error")
			o.terminal(ctx, events, ReasonProviderError, err.Error())
			return
		}
		o.metrics.ProviderRequest(snapshot.ModelID, "success")
		if turn.Usage != nil {
			o.metrics.TokensUsed(snapshot.ModelID, turn.Usage.PromptTokens, turn.Usage.CompletionTokens)
		}

		if len(turn.ToolCalls) == 0 && len(turn.Malformed) == 0 {
			final := &models.Message{
				SessionID: sessionID,
				Role:      models.RoleAssistant,
				Content:   models.PlainContent(turn.Content),
			}
			if err := o.store.AppendMessage(ctx, final); err != nil {
				o.terminal(ctx, events, ReasonInternalError, err.Error())
				return
			}
			if firstTurn && o.titler != nil {
				o.titler.GenerateAsync(sessionID)
			}
			o.emit(ctx, events, Event{Type: EventDone})
			status = "completed"
			return
		}

		assistant := &models.Message{
			SessionID: sessionID,
			Role:      models.RoleAssistant,
			Content:   models.PlainContent(turn.Content),
			ToolCalls: assistantToolCalls(turn),
		}
		if err := o.store.AppendMessage(ctx, assistant); err != nil {
			o.terminal(ctx, events, ReasonInternalError, err.Error())
			return
		}
		history = append(history, assistant)

		toolMsgs, imageParts, err := o.executeCalls(ctx, events, sessionID, turn)
		history = append(history, toolMsgs...)
		if err != nil {
			o.terminal(ctx, events, ReasonInternalError, err.Error())
			return
		}
		if ctx.Err() != nil {
			// Client is gone: completed tool messages are persisted, but
			// no further provider turn is issued.
			status = "cancelled"
			return
		}

		if len(imageParts) > 0 {
			imgMsg := &models.Message{
				SessionID: sessionID,
				Role:      models.RoleUser,
				Content:   models.RichContent(imageParts...),
			}
			if err := o.store.AppendMessage(ctx, imgMsg); err != nil {
				o.terminal(ctx, events, ReasonInternalError, err.Error())
				return
			}
			history = append(history, imgMsg)
		}
	}

	o.terminal(ctx, events, ReasonToolLoopExhausted,
		fmt.Sprintf("tool loop still pending after %d iterations", o.cfg.MaxToolIterations))
}

// streamTurn issues one provider round-trip and folds the stream into a
// complete assistant turn, emitting text deltas along the way.
func (o *Orchestrator) streamTurn(ctx context.Context, events chan<- Event, snapshot models.ModelSettings, timezone string, history []*models.Message, catalog []openai.Tool) (*provider.Turn, error) {
	req := &provider.ChatRequest{
		Stream: true,
		Tools:  catalog,
	}
	req.ApplySettings(snapshot)

	system := composeSystemPrompt(time.Now(), timezone, snapshot.SystemPrompt)
	req.Messages = append([]provider.ChatMessage{provider.SystemMessage(system)},
		provider.ConvertMessages(history)...)

	stream, err := o.client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	acc := provider.NewAccumulator()
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		delta := acc.Add(chunk)
		reasoning := ""
		if len(chunk.Choices) > 0 {
			reasoning = chunk.Choices[0].Delta.Reasoning
		}
		if delta != "" || reasoning != "" {
			if !o.emit(ctx, events, Event{Type: EventDelta, Delta: delta, Reasoning: reasoning}) {
				return nil, ctx.Err()
			}
		}
	}
	return acc.Finalize(), nil
}

// executeCalls dispatches the turn's tool calls sequentially and persists
// one role=tool message per call, in the assistant message's call order.
// Malformed calls are never dispatched. The returned error is a persistence
// failure only; per-call tool errors become tool messages.
func (o *Orchestrator) executeCalls(ctx context.Context, events chan<- Event, sessionID string, turn *provider.Turn) ([]*models.Message, []models.ContentPart, error) {
	var persisted []*models.Message
	var imageParts []models.ContentPart

	appendToolMsg := func(callID, name, content string) error {
		msg := &models.Message{
			SessionID:  sessionID,
			Role:       models.RoleTool,
			Content:    models.PlainContent(content),
			ToolCallID: callID,
			ToolName:   name,
		}
		if err := o.store.AppendMessage(ctx, msg); err != nil {
			return err
		}
		persisted = append(persisted, msg)
		return nil
	}

	for _, tc := range turn.ToolCalls {
		if !o.emit(ctx, events, Event{Type: EventTool, Tool: &ToolEvent{
			Name: tc.Name, Status: ToolStarted, CallID: tc.ID,
		}}) {
			return persisted, imageParts, nil
		}

		callStart := time.Now()
		var content string
		toolStatus := ToolFinished
		metricStatus := "success"

		if o.tools == nil {
			content = "error: no tool servers configured"
			toolStatus = ToolFailed
			metricStatus = "error"
		} else {
			result, err := o.tools.Call(ctx, tc.Name, tc.Arguments, sessionID)
			switch {
			case err != nil && ctx.Err() != nil:
				// Cancelled mid-call: the call produced no result, so no
				// tool message is persisted for it.
				o.metrics.ToolCall(tc.Name, "error", time.Since(callStart))
				return persisted, imageParts, nil
			case err != nil:
				content = "error: " + err.Error()
				toolStatus = ToolFailed
				metricStatus = "error"
			default:
				content = result.Text
				if result.IsError {
					toolStatus = ToolFailed
					metricStatus = "error"
				}
				for _, img := range result.Images {
					part, err := o.saveToolImage(ctx, sessionID, img)
					if err != nil {
						o.logger.Warn("tool image not saved",
							"tool", tc.Name, "error", err)
						continue
					}
					imageParts = append(imageParts, part)
				}
			}
		}
		o.metrics.ToolCall(tc.Name, metricStatus, time.Since(callStart))

		if err := appendToolMsg(tc.ID, tc.Name, content); err != nil {
			return persisted, imageParts, err
		}
		if !o.emit(ctx, events, Event{Type: EventTool, Tool: &ToolEvent{
			Name: tc.Name, Status: toolStatus, CallID: tc.ID,
			Result: summarize(content),
		}}) {
			return persisted, imageParts, nil
		}
	}

	for _, mc := range turn.Malformed {
		o.metrics.ToolCall(mc.Name, "malformed", 0)
		if err := appendToolMsg(mc.ID, mc.Name, "error: malformed_arguments"); err != nil {
			return persisted, imageParts, err
		}
		if !o.emit(ctx, events, Event{Type: EventTool, Tool: &ToolEvent{
			Name: mc.Name, Status: ToolFailed, CallID: mc.ID,
			Result: "malformed_arguments",
		}}) {
			return persisted, imageParts, nil
		}
	}

	return persisted, imageParts, nil
}

func (o *Orchestrator) saveToolImage(ctx context.Context, sessionID string, img mcp.ToolImage) (models.ContentPart, error) {
	if o.attachments == nil {
		return models.ContentPart{}, errors.New("attachments not configured")
	}
	att, err := o.attachments.SaveToolImage(ctx, sessionID, img.Data, img.MimeType)
	if err != nil {
		return models.ContentPart{}, err
	}
	return models.ImagePart(models.ImageURL{
		URL:          att.SignedURL,
		MimeType:     att.MimeType,
		SizeBytes:    att.SizeBytes,
		AttachmentID: att.ID,
	}), nil
}

// terminal emits an error frame followed by the done marker.
func (o *Orchestrator) terminal(ctx context.Context, events chan<- Event, reason, message string) {
	o.logger.Error("turn terminated", "reason", reason, "message", message)
	if !o.emit(ctx, events, Event{Type: EventError, Err: &ErrorEvent{Reason: reason, Message: message}}) {
		return
	}
	o.emit(ctx, events, Event{Type: EventDone})
}

// emit sends unless the consumer's context is gone.
func (o *Orchestrator) emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// assistantToolCalls flattens valid and malformed calls into the persisted
// tool-call list, preserving raw argument JSON.
func assistantToolCalls(turn *provider.Turn) []models.ToolCall {
	out := make([]models.ToolCall, 0, len(turn.ToolCalls)+len(turn.Malformed))
	out = append(out, turn.ToolCalls...)
	for _, mc := range turn.Malformed {
		out = append(out, models.ToolCall{ID: mc.ID, Name: mc.Name, Arguments: mc.Raw})
	}
	return out
}

func summarize(s string) string {
	if utf8.RuneCountInString(s) <= toolSummaryRuneLimit {
		return s
	}
	runes := []rune(s)
	return string(runes[:toolSummaryRuneLimit]) + "…"
}
