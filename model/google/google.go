// Package google adapts Google's Gemini API to model.ChatModel.
package google

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/graphplan-go/model"
)

const defaultModel = "gemini-1.5-flash"

// ChatModel wraps the official generative-ai-go client. Close releases the
// underlying connection.
type ChatModel struct {
	client    *genai.Client
	modelName string
}

// NewChatModel creates a Gemini-backed ChatModel. An empty modelName uses
// the default flash model.
func NewChatModel(ctx context.Context, apiKey, modelName string) (*ChatModel, error) {
	if modelName == "" {
		modelName = defaultModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &ChatModel{client: client, modelName: modelName}, nil
}

// Close releases the client connection.
func (m *ChatModel) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

// Chat implements model.ChatModel. System messages become the model's
// system instruction; the rest flow through as alternating content parts.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	gm := m.client.GenerativeModel(m.modelName)

	var parts []genai.Part
	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(msg.Content)}}
			continue
		}
		parts = append(parts, genai.Text(msg.Content))
	}

	resp, err := gm.GenerateContent(ctx, parts...)
	if err != nil {
		return model.ChatOut{}, model.ClassifyError("google", err)
	}

	out := model.ChatOut{}
	if resp.UsageMetadata != nil {
		out.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out, nil
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			out.Text += string(text)
		}
	}
	return out, nil
}
