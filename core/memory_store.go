package core

import "context"

// FactStore persists short facts per scope and retrieves them for the
// retrieve_facts step. Implementations decide how relevance is scored.
type FactStore interface {
	Remember(ctx context.Context, scope, content string, metadata map[string]string) (string, error)
	Search(ctx context.Context, scope, query string, limit int) ([]SearchResult, error)
	Forget(ctx context.Context, scope, factID string) error
}
