package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parley-chat/parley/internal/store"
	"github.com/parley-chat/parley/pkg/models"
)

const (
	titleTimeout      = 15 * time.Second
	titleMaxTokens    = 30
	titleInputLimit   = 4000
	titleMaxRuneCount = 80
)

const titleSystemPrompt = `Write a short title (at most six words) for this
conversation. Respond with the title only: no quotes, no trailing period.`

// TitleGenerator produces session titles with a cheap non-streaming model
// call. Failures leave the existing title untouched.
type TitleGenerator struct {
	store  *store.Store
	client ChatClient
	model  string
	logger *slog.Logger
}

// NewTitleGenerator builds a generator using the given model.
func NewTitleGenerator(st *store.Store, client ChatClient, model string, logger *slog.Logger) *TitleGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &TitleGenerator{
		store:  st,
		client: client,
		model:  model,
		logger: logger.With("component", "title"),
	}
}

// Generate derives a title from the session transcript, persists it with
// source "ai", and returns it.
func (g *TitleGenerator) Generate(ctx context.Context, sessionID string) (string, error) {
	msgs, err := g.store.ListMessages(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "", errors.New("title: session has no messages")
	}

	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	raw, err := g.client.Complete(ctx, g.model, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: titleSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: titleInput(msgs)},
	}, titleMaxTokens)
	if err != nil {
		return "", err
	}

	title := cleanTitle(raw)
	if title == "" {
		return "", errors.New("title: model returned nothing usable")
	}
	if err := g.store.SetTitle(ctx, sessionID, title, models.TitleSourceAI); err != nil {
		return "", err
	}
	return title, nil
}

// GenerateAsync runs Generate in the background, detached from the turn's
// context so client disconnects do not abort it.
func (g *TitleGenerator) GenerateAsync(sessionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
		defer cancel()
		if _, err := g.Generate(ctx, sessionID); err != nil {
			g.logger.Debug("title generation skipped", "session_id", sessionID, "error", err)
		}
	}()
}

// titleInput concatenates the transcript, newest last, capped to the input
// limit by dropping the oldest messages first.
func titleInput(msgs []*models.Message) string {
	var lines []string
	total := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != models.RoleUser && msgs[i].Role != models.RoleAssistant {
			continue
		}
		text := msgs[i].Content.PlainText()
		if text == "" {
			continue
		}
		line := string(msgs[i].Role) + ": " + text
		if total+len(line) > titleInputLimit {
			break
		}
		lines = append(lines, line)
		total += len(line) + 1
	}
	// Restore chronological order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}

func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, `"'`)
	title = strings.TrimSuffix(title, ".")
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.TrimSpace(title)
	if utf8.RuneCountInString(title) > titleMaxRuneCount {
		runes := []rune(title)
		title = string(runes[:titleMaxRuneCount])
	}
	return title
}
