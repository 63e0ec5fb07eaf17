// Package embedding defines the embedding inference port and its adapters.
// The domain depends only on Provider; process-local or remote backends plug
// in behind it.
package embedding

import "context"

// Provider produces vector embeddings for text.
//
// Load pulls the model into memory. It may be slow (seconds to minutes on a
// cold pull) and must be safe to call more than once; subsequent calls should
// be cheap. Callers coalesce concurrent loads, the provider does not have to.
type Provider interface {
	Load(ctx context.Context, model string) error
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
	HealthCheck(ctx context.Context) error
}
