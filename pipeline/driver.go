package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/jsonrs"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/docqueue/docstore"
	"github.com/rudderlabs/docqueue/jobs/model"
	"github.com/rudderlabs/docqueue/pipeline/chunk"
	"github.com/rudderlabs/docqueue/pipeline/embed"
	"github.com/rudderlabs/docqueue/pipeline/fetch"
	"github.com/rudderlabs/docqueue/pipeline/parse"
)

// CancelProbe reports whether cancellation has been requested for the running
// job. The driver consults it only at checkpoints.
type CancelProbe func() bool

type fetcher interface {
	Fetch(ctx context.Context, url string) (*fetch.Result, error)
}

type documentStore interface {
	Upsert(ctx context.Context, doc docstore.Document, chunks []docstore.Chunk, vectors [][]float64) (uuid.UUID, error)
}

// Driver composes the pipeline stages for each job kind and threads
// cooperative cancellation between them. Stages know nothing about jobs; the
// driver owns the job context.
type Driver struct {
	logger       logger.Logger
	statsFactory stats.Stats

	fetcher  fetcher
	chunker  *chunk.Chunker
	provider embed.Provider
	docs     documentStore

	embedBatchSize int
}

func NewDriver(
	conf *config.Config,
	log logger.Logger,
	statsFactory stats.Stats,
	f fetcher,
	chunker *chunk.Chunker,
	provider embed.Provider,
	docs documentStore,
) *Driver {
	return &Driver{
		logger:         log.Child("driver"),
		statsFactory:   statsFactory,
		fetcher:        f,
		chunker:        chunker,
		provider:       provider,
		docs:           docs,
		embedBatchSize: conf.GetIntVar(16, 1, "Pipeline.embedBatchSize"),
	}
}

// Run executes the job's kind and returns the output payload. A cancellation
// observed at a checkpoint surfaces as model.ErrCancelled; everything else is
// a stage failure. Fetch, parse and embed failures carry their error kind;
// upsert and output marshaling errors are returned unclassified.
func (d *Driver) Run(ctx context.Context, job *model.Job, probe CancelProbe) (json.RawMessage, error) {
	defer d.stageTimer("run", string(job.Kind)).RecordDuration()()

	switch job.Kind {
	case model.FullETL:
		return d.runFullETL(ctx, job, probe)
	case model.Crawl:
		return d.runCrawl(ctx, job)
	case model.Parse:
		return d.runParse(job)
	case model.Chunk:
		return d.runChunk(job)
	case model.Embed:
		return d.runEmbed(ctx, job, probe)
	default:
		return nil, model.NewJobError(model.ErrKindBadInput, fmt.Errorf("unknown job kind %q", job.Kind))
	}
}

func (d *Driver) runFullETL(ctx context.Context, job *model.Job, probe CancelProbe) (json.RawMessage, error) {
	input := gjson.ParseBytes(job.Input)
	url := input.Get("url").String()
	text := input.Get("text").String()
	if url == "" && text == "" {
		return nil, model.NewJobError(model.ErrKindBadInput, fmt.Errorf("input requires url or text"))
	}

	if err := checkpoint(probe); err != nil {
		return nil, err
	}

	var (
		contentType = "text/plain"
		sourceURL   = url
	)
	if url != "" {
		fetched, err := d.fetchStage(ctx, url)
		if err != nil {
			return nil, err
		}
		if err := checkpoint(probe); err != nil {
			return nil, err
		}

		text, err = d.parseStage(fetched.Body, fetched.ContentType)
		if err != nil {
			return nil, err
		}
		contentType = fetched.ContentType
		sourceURL = fetched.FinalURL
	}

	if err := checkpoint(probe); err != nil {
		return nil, err
	}

	chunks := d.chunkStage(job, text)

	if err := checkpoint(probe); err != nil {
		return nil, err
	}

	vectors, err := d.embedStage(ctx, chunkTexts(chunks), probe)
	if err != nil {
		return nil, err
	}

	if err := checkpoint(probe); err != nil {
		return nil, err
	}

	doc := docstore.Document{
		SourceURL:   sourceURL,
		Title:       input.Get("title").String(),
		ContentType: contentType,
	}
	if metadata := input.Get("metadata"); metadata.IsObject() {
		_ = jsonrs.Unmarshal([]byte(metadata.Raw), &doc.Metadata)
	}

	docChunks := make([]docstore.Chunk, len(chunks))
	for i, ch := range chunks {
		docChunks[i] = docstore.Chunk{Index: ch.Index, Content: ch.Content}
	}

	documentID, err := d.upsertStage(ctx, doc, docChunks, vectors)
	if err != nil {
		return nil, err
	}

	return marshalOutput(map[string]interface{}{
		"document_id": documentID.String(),
		"chunk_count": len(chunks),
	})
}

func (d *Driver) runCrawl(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	url := gjson.GetBytes(job.Input, "url").String()
	if url == "" {
		return nil, model.NewJobError(model.ErrKindBadInput, fmt.Errorf("input requires url"))
	}
	fetched, err := d.fetchStage(ctx, url)
	if err != nil {
		return nil, err
	}
	return marshalOutput(map[string]interface{}{
		"content":      string(fetched.Body),
		"content_type": fetched.ContentType,
		"final_url":    fetched.FinalURL,
		"size":         len(fetched.Body),
	})
}

func (d *Driver) runParse(job *model.Job) (json.RawMessage, error) {
	input := gjson.ParseBytes(job.Input)
	content := input.Get("content").String()
	if content == "" {
		return nil, model.NewJobError(model.ErrKindBadInput, fmt.Errorf("input requires content"))
	}
	text, err := d.parseStage([]byte(content), input.Get("content_type").String())
	if err != nil {
		return nil, err
	}
	return marshalOutput(map[string]interface{}{
		"text":   text,
		"length": len(text),
	})
}

func (d *Driver) runChunk(job *model.Job) (json.RawMessage, error) {
	text := gjson.GetBytes(job.Input, "text").String()
	if text == "" {
		return nil, model.NewJobError(model.ErrKindBadInput, fmt.Errorf("input requires text"))
	}
	chunks := d.chunkStage(job, text)
	return marshalOutput(map[string]interface{}{
		"chunks": chunkTexts(chunks),
		"count":  len(chunks),
	})
}

func (d *Driver) runEmbed(ctx context.Context, job *model.Job, probe CancelProbe) (json.RawMessage, error) {
	textsResult := gjson.GetBytes(job.Input, "texts")
	if !textsResult.IsArray() {
		return nil, model.NewJobError(model.ErrKindBadInput, fmt.Errorf("input requires texts"))
	}
	var texts []string
	for _, item := range textsResult.Array() {
		texts = append(texts, item.String())
	}

	vectors, err := d.embedStage(ctx, texts, probe)
	if err != nil {
		return nil, err
	}
	return marshalOutput(map[string]interface{}{
		"embeddings": vectors,
		"count":      len(vectors),
		"dimension":  d.provider.Dimension(),
	})
}

func (d *Driver) fetchStage(ctx context.Context, url string) (*fetch.Result, error) {
	defer d.stageTimer("fetch", "").RecordDuration()()
	return d.fetcher.Fetch(ctx, url)
}

func (d *Driver) parseStage(body []byte, contentType string) (string, error) {
	defer d.stageTimer("parse", "").RecordDuration()()
	return parse.Parse(body, contentType)
}

func (d *Driver) chunkStage(job *model.Job, text string) []chunk.Chunk {
	defer d.stageTimer("chunk", "").RecordDuration()()

	input := gjson.ParseBytes(job.Input)
	if size := input.Get("chunk_size"); size.Exists() {
		chunker := chunk.NewWith(int(size.Int()), int(input.Get("chunk_overlap").Int()), nil)
		return chunker.Chunk(text)
	}
	return d.chunker.Chunk(text)
}

// embedStage runs the provider over bounded batches, probing for cancellation
// between batches so a long embedding run stays responsive to cancel.
func (d *Driver) embedStage(ctx context.Context, texts []string, probe CancelProbe) ([][]float64, error) {
	defer d.stageTimer("embed", "").RecordDuration()()

	vectors := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += d.embedBatchSize {
		if err := checkpoint(probe); err != nil {
			return nil, err
		}
		end := start + d.embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batchVectors, err := d.provider.Embed(ctx, texts[start:end])
		if err != nil {
			var jobErr *model.JobError
			if !errors.As(err, &jobErr) {
				err = model.NewJobError(model.ErrKindProvider, err)
			}
			return nil, err
		}
		vectors = append(vectors, batchVectors...)
	}
	return vectors, nil
}

func (d *Driver) upsertStage(ctx context.Context, doc docstore.Document, chunks []docstore.Chunk, vectors [][]float64) (uuid.UUID, error) {
	defer d.stageTimer("upsert", "").RecordDuration()()
	return d.docs.Upsert(ctx, doc, chunks, vectors)
}

func (d *Driver) stageTimer(stage, kind string) stats.Timer {
	tags := stats.Tags{"stage": stage}
	if kind != "" {
		tags["kind"] = kind
	}
	return d.statsFactory.NewTaggedStat("pipeline_stage_time", stats.TimerType, tags)
}

// checkpoint is the only place cooperative cancellation takes effect.
func checkpoint(probe CancelProbe) error {
	if probe != nil && probe() {
		return model.ErrCancelled
	}
	return nil
}

func chunkTexts(chunks []chunk.Chunk) []string {
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
	}
	return texts
}

func marshalOutput(output map[string]interface{}) (json.RawMessage, error) {
	raw, err := jsonrs.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("marshaling output: %w", err)
	}
	return raw, nil
}
