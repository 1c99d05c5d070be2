package tool

import (
	"context"

	"github.com/dshills/graphplan-go/model"
)

const llmSystemPrompt = "You are a task execution assistant. Complete the task described in the prompt using any provided context. Be concise and factual."

// LLMTool runs reasoning and synthesis tasks through a chat model.
type LLMTool struct {
	chat model.ChatModel
}

// NewLLMTool wraps a chat model as the "llm" tool.
func NewLLMTool(chat model.ChatModel) *LLMTool {
	return &LLMTool{chat: chat}
}

// Name implements Tool.
func (l *LLMTool) Name() string { return "llm" }

// Call sends the prompt to the model. Input: "prompt" (required),
// "context" (optional prior-task output folded into the user message).
func (l *LLMTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	prompt, err := promptFrom(input)
	if err != nil {
		return nil, err
	}
	if extra, ok := input["context"].(string); ok && extra != "" {
		prompt = "Context from earlier tasks:\n" + extra + "\n\nTask:\n" + prompt
	}

	out, err := l.chat.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: llmSystemPrompt},
		{Role: model.RoleUser, Content: prompt},
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"output":      out.Text,
		"tokens_used": out.TokensUsed,
	}, nil
}
