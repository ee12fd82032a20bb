package vm

import "context"

// Capability interfaces consumed from the embedder. Handles are installed by
// name in RunOptions.Capabilities; atoms type-assert against these and fail
// with a capability-missing error otherwise. Additional capabilities may be
// installed under other names; the engine ignores handles it does not use.

// FetchOptions carries the resolved httpFetch parameters to a fetch
// capability.
type FetchOptions struct {
	Method       string
	Headers      map[string]string
	Body         any
	ResponseType string
}

// FetchCapability replaces the engine's HTTP client when installed.
type FetchCapability interface {
	Fetch(ctx context.Context, url string, opts FetchOptions) (any, error)
}

// StoreCapability is the KV surface behind storeGet/storeSet and the cache
// atom.
type StoreCapability interface {
	Get(ctx context.Context, key string) (any, error)
	Set(ctx context.Context, key string, value any) error
}

// StoreQuerier is the optional query surface of a store.
type StoreQuerier interface {
	Query(ctx context.Context, q any) ([]any, error)
}

// VectorSearcher is the optional similarity-search surface of a store.
type VectorSearcher interface {
	VectorSearch(ctx context.Context, collection string, vector []float64, k int, filter any) ([]any, error)
}

// LLMCapability backs llmPredict.
type LLMCapability interface {
	Predict(ctx context.Context, prompt string, options map[string]any) (any, error)
}

// LLMEmbedder is the optional embedding surface of an llm capability.
type LLMEmbedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// AgentCapability lets agentRun delegate to embedder-registered agents by
// id instead of an inline AST or procedure token.
type AgentCapability interface {
	RunAgent(ctx context.Context, agentID string, input any) (any, error)
}

// XMLCapability backs xmlParse.
type XMLCapability interface {
	Parse(text string) (any, error)
}
