package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/rudderlabs/rudder-go-kit/jsonrs"

	"github.com/rudderlabs/docqueue/internal/middleware/sqlquerywrapper"
	"github.com/rudderlabs/docqueue/utils/misc"
	"github.com/rudderlabs/docqueue/utils/timeutil"
)

// ErrDocumentNotFound is returned when a document id does not resolve to a row.
var ErrDocumentNotFound = errors.New("document not found")

// Document is the persisted unit a pipeline run produces.
type Document struct {
	ID          uuid.UUID
	SourceURL   string
	Title       string
	ContentType string
	Metadata    map[string]interface{}
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Chunk is one ordered piece of a document. Its embedding vector, if any, is
// passed to Upsert separately.
type Chunk struct {
	Index   int
	Content string
}

// Repo persists documents and their chunks.
type Repo struct {
	db  *sqlquerywrapper.DB
	now func() time.Time
}

type Opt func(*Repo)

func WithNow(now func() time.Time) Opt {
	return func(r *Repo) {
		r.now = now
	}
}

func New(db *sqlquerywrapper.DB, opts ...Opt) *Repo {
	r := &Repo{
		db:  db,
		now: timeutil.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert persists a document and its full chunk set in one transaction:
// either the document and all chunks are written, or none are. A document
// with a known source_url is replaced in place, its previous chunks dropped.
// vectors may be nil (embeddings disabled) or must match chunks in length.
func (r *Repo) Upsert(ctx context.Context, doc Document, chunks []Chunk, vectors [][]float64) (uuid.UUID, error) {
	if vectors != nil && len(vectors) != len(chunks) {
		return uuid.Nil, fmt.Errorf("upserting document: %d chunks but %d vectors", len(chunks), len(vectors))
	}

	metadata := doc.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	rawMetadata, err := jsonrs.Marshal(metadata)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upserting document: marshaling metadata: %w", err)
	}

	documentID := doc.ID
	if documentID == uuid.Nil {
		documentID = misc.FastUUID()
	}

	now := r.now()

	err = r.db.WithTx(ctx, func(tx *sqlquerywrapper.Tx) error {
		var sourceURL interface{}
		if doc.SourceURL != "" {
			sourceURL = doc.SourceURL
		}

		err := tx.QueryRowContext(ctx, `
			INSERT INTO documents (id, source_url, title, content_type, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			ON CONFLICT (source_url) WHERE source_url IS NOT NULL
			DO UPDATE SET
				title = EXCLUDED.title,
				content_type = EXCLUDED.content_type,
				metadata = EXCLUDED.metadata,
				updated_at = EXCLUDED.updated_at
			RETURNING id;
		`, documentID, sourceURL, doc.Title, doc.ContentType, rawMetadata, now).Scan(&documentID)
		if err != nil {
			return fmt.Errorf("inserting document: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM document_chunks WHERE document_id = $1;
		`, documentID); err != nil {
			return fmt.Errorf("deleting stale chunks: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, pq.CopyIn(
			"document_chunks",
			"id", "document_id", "chunk_index", "content", "embedding", "metadata", "created_at",
		))
		if err != nil {
			return fmt.Errorf("preparing chunk copy: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for i, chunk := range chunks {
			var embedding interface{}
			if vectors != nil {
				embedding = pq.Array(vectors[i])
			}
			if _, err := stmt.ExecContext(ctx,
				misc.FastUUID(), documentID, chunk.Index, chunk.Content, embedding, "{}", now,
			); err != nil {
				return fmt.Errorf("copying chunk %d: %w", i, err)
			}
		}
		if _, err := stmt.ExecContext(ctx); err != nil {
			return fmt.Errorf("flushing chunk copy: %w", err)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("upserting document: %w", err)
	}
	return documentID, nil
}

// Get returns a document by id.
func (r *Repo) Get(ctx context.Context, documentID uuid.UUID) (*Document, error) {
	var (
		doc         Document
		sourceURL   sql.NullString
		title       sql.NullString
		contentType sql.NullString
		rawMetadata []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, source_url, title, content_type, metadata, created_at, updated_at
		FROM documents
		WHERE id = $1;
	`, documentID).Scan(&doc.ID, &sourceURL, &title, &contentType, &rawMetadata, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting document %s: %w", documentID, err)
	}

	doc.SourceURL = sourceURL.String
	doc.Title = title.String
	doc.ContentType = contentType.String
	doc.CreatedAt = doc.CreatedAt.UTC()
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	if err := jsonrs.Unmarshal(rawMetadata, &doc.Metadata); err != nil {
		return nil, fmt.Errorf("getting document %s: unmarshaling metadata: %w", documentID, err)
	}
	return &doc, nil
}

// ChunkCount returns the number of chunks stored for a document.
func (r *Repo) ChunkCount(ctx context.Context, documentID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM document_chunks WHERE document_id = $1;
	`, documentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting chunks for document %s: %w", documentID, err)
	}
	return count, nil
}
