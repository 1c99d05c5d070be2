// Package openai adapts OpenAI's chat completions API to model.ChatModel.
package openai

import (
	"context"
	"errors"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/graphplan-go/model"
)

const defaultModel = "gpt-4o-mini"

// ChatModel wraps the official openai-go client. Safe for concurrent use
// after creation.
type ChatModel struct {
	client    *openaisdk.Client
	modelName string
}

// NewChatModel creates a GPT-backed ChatModel. An empty modelName uses the
// default mini model.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = defaultModel
	}
	client := openaisdk.NewClient(option.WithAPIKey(apiKey))
	return &ChatModel{client: &client, modelName: modelName}
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	completion, err := m.client.Chat.Completions.New(ctx, openaisdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.modelName),
		Messages: toParams(messages),
	})
	if err != nil {
		return model.ChatOut{}, model.ClassifyError("openai", err)
	}
	if len(completion.Choices) == 0 {
		return model.ChatOut{}, model.ClassifyError("openai", errors.New("empty completion"))
	}

	return model.ChatOut{
		Text:       completion.Choices[0].Message.Content,
		TokensUsed: int(completion.Usage.TotalTokens),
	}, nil
}

func toParams(messages []model.Message) []openaisdk.ChatCompletionMessageParamUnion {
	out := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			out = append(out, openaisdk.SystemMessage(msg.Content))
		case model.RoleAssistant:
			out = append(out, openaisdk.AssistantMessage(msg.Content))
		default:
			out = append(out, openaisdk.UserMessage(msg.Content))
		}
	}
	return out
}
