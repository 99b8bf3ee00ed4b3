package port

import "context"

// Generator is a text generation capability.
type Generator interface {
	// Generate completes prompt under the given system instruction.
	Generate(ctx context.Context, system, prompt string) (string, error)

	// ModelName returns the name of the model.
	ModelName() string
}

// RelevanceScorer scores (query, passage) pairs, cross-encoder style.
type RelevanceScorer interface {
	// Score returns one relevance score per passage, higher is better.
	Score(ctx context.Context, query string, passages []string) ([]float64, error)

	// ModelName returns the name of the scoring model.
	ModelName() string
}
