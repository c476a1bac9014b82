package scoring

import "context"

// Scores maps an analysis criterion to a value in [0,1].
type Scores map[string]float64

// Scorer stands in for whatever reasoning an agent does to judge a piece of
// analysis. The coordinator never calls one directly.
type Scorer interface {
	Score(ctx context.Context, text string, metadata map[string]any) (Scores, error)
}
