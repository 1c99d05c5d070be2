package tool

import (
	"github.com/dshills/graphplan-go/graph"
	"github.com/dshills/graphplan-go/model"
)

// NewBuiltinRegistry wires the four builtin tools the planner assigns:
// retriever, llm, calculator, and rules_checker.
func NewBuiltinRegistry(store *graph.Store, chat model.ChatModel) *Registry {
	r := NewRegistry()
	r.Register(NewRetriever(store))
	r.Register(NewLLMTool(chat))
	r.Register(NewCalculator())
	r.Register(NewRulesChecker(store))
	return r
}
