package embed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/httputil"
	"github.com/rudderlabs/rudder-go-kit/jsonrs"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/docqueue/jobs/model"
)

// openAIProvider calls an OpenAI-compatible embeddings endpoint. Requests go
// through a circuit breaker so a struggling upstream sheds load quickly
// instead of burning every job's retry budget.
type openAIProvider struct {
	logger       logger.Logger
	client       *http.Client
	breaker      *gobreaker.CircuitBreaker
	requestTimer stats.Timer

	endpoint  string
	apiKey    string
	modelName string
	dimension int
	batchSize int
}

func newOpenAI(conf *config.Config, log logger.Logger, statsFactory stats.Stats) (*openAIProvider, error) {
	apiKey := conf.GetStringVar("", "Embeddings.openai.apiKey", "OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("openai embeddings: api key not provided")
	}

	p := &openAIProvider{
		logger: log,
		client: &http.Client{
			Timeout: conf.GetDurationVar(60, time.Second, "Embeddings.openai.timeout"),
		},
		endpoint:  conf.GetStringVar("https://api.openai.com/v1/embeddings", "Embeddings.openai.endpoint"),
		apiKey:    apiKey,
		modelName: conf.GetStringVar("text-embedding-3-small", "Embeddings.openai.model"),
		dimension: conf.GetIntVar(1536, 1, "Embeddings.openai.dimension"),
		batchSize: conf.GetIntVar(100, 1, "Embeddings.openai.batchSize"),
		requestTimer: statsFactory.NewTaggedStat("embeddings_request_time", stats.TimerType, stats.Tags{
			"provider": "openai",
		}),
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "openai-embeddings",
		Timeout: conf.GetDurationVar(30, time.Second, "Embeddings.openai.breakerTimeout"),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(conf.GetIntVar(5, 1, "Embeddings.openai.breakerFailures"))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("circuit breaker %s: %s -> %s", name, from, to)
		},
	})
	return p, nil
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *openAIProvider) Dimension() int { return p.dimension }

func (p *openAIProvider) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += p.batchSize {
		end := start + p.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batchVectors, err := p.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batchVectors...)
	}
	return vectors, nil
}

func (p *openAIProvider) embedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	payload, err := jsonrs.Marshal(embeddingsRequest{Model: p.modelName, Input: texts})
	if err != nil {
		return nil, model.NewJobError(model.ErrKindProvider, fmt.Errorf("marshaling request: %w", err)).Permanently()
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.doRequest(ctx, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, model.NewJobError(model.ErrKindProvider, fmt.Errorf("embeddings upstream unavailable: %w", err))
		}
		return nil, err
	}

	response := result.(*embeddingsResponse)
	if len(response.Data) != len(texts) {
		return nil, model.NewJobError(model.ErrKindProvider,
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(response.Data)))
	}

	vectors := make([][]float64, len(texts))
	for _, item := range response.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, model.NewJobError(model.ErrKindProvider, fmt.Errorf("embedding index %d out of range", item.Index))
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

func (p *openAIProvider) doRequest(ctx context.Context, payload []byte) (*embeddingsResponse, error) {
	defer p.requestTimer.RecordDuration()()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, model.NewJobError(model.ErrKindProvider, fmt.Errorf("building request: %w", err)).Permanently()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, model.NewJobError(model.ErrKindProvider, fmt.Errorf("calling embeddings endpoint: %w", err))
	}
	defer func() { httputil.CloseResponse(resp) }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewJobError(model.ErrKindProvider, fmt.Errorf("reading response: %w", err))
	}

	var response embeddingsResponse
	if err := jsonrs.Unmarshal(body, &response); err != nil {
		return nil, model.NewJobError(model.ErrKindProvider, fmt.Errorf("unmarshaling response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		message := resp.Status
		if response.Error != nil {
			message = response.Error.Message
		}
		jobErr := model.NewJobError(model.ErrKindProvider, fmt.Errorf("embeddings endpoint: %s", message))
		// client-side mistakes won't heal on retry
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			jobErr = jobErr.Permanently()
		}
		return nil, jobErr
	}
	return &response, nil
}
