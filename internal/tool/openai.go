package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"alfred/internal/domain"
)

const defaultSuggestPrompt = "Você é um assistente de vendas de um CRM. " +
	"Escreva uma única resposta curta, cordial e objetiva em português para a mensagem do cliente. " +
	"Responda apenas com o texto da mensagem."

// SuggestReplyConfig configures the local suggest-reply tool.
type SuggestReplyConfig struct {
	APIKey       string
	BaseURL      string // optional, for OpenAI-compatible endpoints
	Model        string
	Temperature  float64
	SystemPrompt string
	Logger       *slog.Logger
}

// SuggestReplyTool drafts replies with a chat completion instead of the CRM's
// suggest-reply endpoint. Its output carries the draft under "reply".
type SuggestReplyTool struct {
	client       openai.Client
	model        string
	temperature  float64
	systemPrompt string
	logger       *slog.Logger
}

var _ domain.Tool = (*SuggestReplyTool)(nil)

func NewSuggestReplyTool(cfg SuggestReplyConfig) *SuggestReplyTool {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = defaultSuggestPrompt
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SuggestReplyTool{
		client:       openai.NewClient(opts...),
		model:        model,
		temperature:  cfg.Temperature,
		systemPrompt: prompt,
		logger:       logger,
	}
}

func (t *SuggestReplyTool) Kind() domain.ToolKind { return domain.ToolSuggestReply }

func (t *SuggestReplyTool) Execute(ctx context.Context, input domain.ToolInput) (any, error) {
	in, ok := input.(domain.SuggestReplyInput)
	if !ok {
		return nil, &domain.ToolError{Tool: domain.ToolSuggestReply, Message: fmt.Sprintf("unexpected input %T", input)}
	}

	params := openai.ChatCompletionNewParams{
		Model: t.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(t.systemPrompt),
			openai.UserMessage(in.Message),
		},
		Temperature: openai.Float(t.temperature),
	}

	resp, err := t.client.Chat.Completions.New(ctx, params)
	if err != nil {
		te := &domain.ToolError{Tool: domain.ToolSuggestReply, Message: err.Error(), Err: err}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			te.Status = apiErr.StatusCode
			te.Message = apiErr.Message
		}
		return nil, te
	}
	if len(resp.Choices) == 0 {
		return nil, &domain.ToolError{Tool: domain.ToolSuggestReply, Message: "no choices returned"}
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	t.logger.Debug("suggested reply", "model", resp.Model, "conversation", in.ConversationID, "chars", len(reply))
	return map[string]any{
		"reply": reply,
		"model": resp.Model,
	}, nil
}
