package embed

import (
	"context"
	"math"

	"github.com/spaolacci/murmur3"

	"github.com/rudderlabs/rudder-go-kit/config"
)

// mockProvider produces deterministic pseudo-embeddings derived from the text
// content. Useful for development and tests, where vector quality doesn't
// matter but order preservation and dimensionality do.
type mockProvider struct {
	dimension int
}

func newMock(conf *config.Config) *mockProvider {
	return &mockProvider{
		dimension: conf.GetIntVar(32, 1, "Embeddings.mock.dimension"),
	}
}

func (p *mockProvider) Dimension() int { return p.dimension }

func (p *mockProvider) Embed(_ context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, len(texts))
	for i, text := range texts {
		vector := make([]float64, p.dimension)
		h1, h2 := murmur3.Sum128([]byte(text))
		for d := range vector {
			seed := h1 + uint64(d)*h2
			vector[d] = math.Mod(float64(seed%10007)/10007.0*2, 2) - 1
		}
		vectors[i] = vector
	}
	return vectors, nil
}
