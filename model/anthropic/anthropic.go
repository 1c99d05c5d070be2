// Package anthropic adapts Anthropic's Claude API to model.ChatModel.
package anthropic

import (
	"context"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/graphplan-go/model"
)

const defaultModel = "claude-3-5-sonnet-20241022"

// ChatModel wraps the official anthropic-sdk-go client. Safe for concurrent
// use after creation.
type ChatModel struct {
	client    *anthropicsdk.Client
	modelName string
	maxTokens int64
}

// NewChatModel creates a Claude-backed ChatModel. An empty modelName uses
// the default Sonnet model.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = defaultModel
	}
	client := anthropicsdk.NewClient(option.WithAPIKey(apiKey))
	return &ChatModel{
		client:    &client,
		modelName: modelName,
		maxTokens: 4096,
	}
}

// Chat implements model.ChatModel. System messages are concatenated and
// passed via Anthropic's separate system parameter.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	systemPrompt, conversation := splitSystem(messages)

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(m.modelName),
		MaxTokens: m.maxTokens,
		Messages:  toParams(conversation),
	}
	if systemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: systemPrompt}}
	}

	message, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, model.ClassifyError("anthropic", err)
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return model.ChatOut{
		Text:       text,
		TokensUsed: int(message.Usage.InputTokens + message.Usage.OutputTokens),
	}, nil
}

// splitSystem separates system messages from the conversation; Anthropic
// does not accept them in the messages array.
func splitSystem(messages []model.Message) (string, []model.Message) {
	var system string
	var conversation []model.Message
	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		conversation = append(conversation, msg)
	}
	return system, conversation
}

func toParams(messages []model.Message) []anthropicsdk.MessageParam {
	out := make([]anthropicsdk.MessageParam, 0, len(messages))
	for _, msg := range messages {
		block := anthropicsdk.NewTextBlock(msg.Content)
		if msg.Role == model.RoleAssistant {
			out = append(out, anthropicsdk.NewAssistantMessage(block))
		} else {
			out = append(out, anthropicsdk.NewUserMessage(block))
		}
	}
	return out
}
