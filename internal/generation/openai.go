package generation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/nextlevelbuilder/turnbot/internal/bus"
	"github.com/nextlevelbuilder/turnbot/internal/store"
)

const defaultSystemPrompt = `You are a friendly customer support assistant for an online store. ` +
	`Answer questions about products, orders and shipping concisely. ` +
	`When the customer asks to see a product, include a line "SEND_IMAGE: <product-id>" ` +
	`for each product to show. Never invent product ids.`

// OpenAIConfig configures the chat-completion generator.
type OpenAIConfig struct {
	APIKey          string
	Model           string
	Temperature     float64
	MaxOutputTokens int
	SystemPrompt    string
}

// OpenAIGenerator produces replies via the OpenAI chat completions API.
type OpenAIGenerator struct {
	client       openai.Client
	model        string
	temperature  float64
	maxTokens    int
	systemPrompt string
}

// NewOpenAI creates a Generator backed by OpenAI.
func NewOpenAI(cfg OpenAIConfig) *OpenAIGenerator {
	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}
	maxTokens := cfg.MaxOutputTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	return &OpenAIGenerator{
		client:       openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:        model,
		temperature:  cfg.Temperature,
		maxTokens:    maxTokens,
		systemPrompt: prompt,
	}
}

// Generate sends the merged turn plus prior history to the model and parses
// any inline directives out of the answer.
func (g *OpenAIGenerator) Generate(ctx context.Context, turn bus.MergedTurn, history []store.Entry) (Reply, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, openai.SystemMessage(g.systemPrompt))
	for _, entry := range history {
		switch entry.Role {
		case store.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(entry.Text))
		default:
			messages = append(messages, openai.UserMessage(entry.Text))
		}
	}
	messages = append(messages, openai.UserMessage(userContent(turn)))

	params := openai.ChatCompletionNewParams{
		Model:               g.model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(g.maxTokens)),
	}
	if g.temperature > 0 {
		params.Temperature = openai.Float(g.temperature)
	}

	start := time.Now()
	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Reply{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, fmt.Errorf("no choices in response")
	}

	slog.DebugContext(ctx, "reply generated",
		"conversation", turn.ConversationID,
		"model", g.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)

	text, directives := ParseDirectives(resp.Choices[0].Message.Content)
	return Reply{Text: text, Directives: directives}, nil
}

// userContent renders the merged turn for the model. Attachments the pipeline
// cannot inline are described so the model knows they were there.
func userContent(turn bus.MergedTurn) string {
	if len(turn.Attachments) == 0 {
		return turn.Text
	}
	content := turn.Text
	for _, att := range turn.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[customer sent a %s attachment]", att.Type)
	}
	return content
}
