package embed

import (
	"context"
	"fmt"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/docqueue/jobs/model"
)

// Provider turns a batch of texts into fixed-dimension vectors, preserving
// input order. Batching is internal to the provider.
type Provider interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float64, error)

	// Dimension is the fixed length of every returned vector.
	Dimension() int
}

// NewProvider builds the embedding capability selected by the
// EMBEDDINGS_PROVIDER option.
func NewProvider(conf *config.Config, log logger.Logger, statsFactory stats.Stats) (Provider, error) {
	providerName := conf.GetStringVar("mock", "Embeddings.provider", "EMBEDDINGS_PROVIDER")
	switch providerName {
	case "openai":
		return newOpenAI(conf, log.Child("embeddings"), statsFactory)
	case "mock":
		return newMock(conf), nil
	case "off":
		return &offProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", providerName)
	}
}

// offProvider is the disabled capability: any embed attempt is a permanent
// provider error, so jobs that require embeddings fail fast.
type offProvider struct{}

func (*offProvider) Embed(context.Context, []string) ([][]float64, error) {
	return nil, model.NewJobError(model.ErrKindProvider, fmt.Errorf("embeddings are disabled")).Permanently()
}

func (*offProvider) Dimension() int { return 0 }
