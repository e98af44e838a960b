package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Echoxiawan/KBaseCase/internal/config"
	"github.com/Echoxiawan/KBaseCase/internal/embeddings"
	"github.com/Echoxiawan/KBaseCase/internal/textsplit"
	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Chunking used when ingesting documents into a local knowledge base.
const (
	IngestChunkSize    = 300
	IngestChunkOverlap = 30
	defaultLocalTopK   = 5
)

// LocalStore is an embedded knowledge base backed by a chromem-go
// collection. With an empty path it lives in memory only.
type LocalStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	encoder    embeddings.Provider
	topK       int
	logger     *zap.Logger
}

// NewLocalStore opens (or creates) the collection described by cfg.
// topK <= 0 uses 5.
func NewLocalStore(cfg config.LocalConfig, encoder embeddings.Provider, topK int, logger *zap.Logger) (*LocalStore, error) {
	if encoder == nil {
		return nil, fmt.Errorf("%w: local knowledge base needs an encoder", ErrNotConfigured)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if topK <= 0 {
		topK = defaultLocalTopK
	}
	name := collectionName(cfg.Collection)

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening chromem DB: %w", err)
		}
	}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		return encoder.EmbedQuery(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(name, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("getting collection %s: %w", name, err)
	}

	logger = logger.Named("local")
	logger.Info("local knowledge base opened",
		zap.String("path", cfg.Path),
		zap.String("collection", name),
		zap.Int("documents", collection.Count()))

	return &LocalStore{db: db, collection: collection, encoder: encoder, topK: topK, logger: logger}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// Count returns the number of stored chunks.
func (s *LocalStore) Count() int {
	return s.collection.Count()
}

// AddDocuments splits each document into chunks, embeds them in one batch
// per document and stores them with their source name.
func (s *LocalStore) AddDocuments(ctx context.Context, docs []Document) (_ int, err error) {
	ctx, span := tracer.Start(ctx, "knowledge.Local.AddDocuments")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	total := 0
	for _, doc := range docs {
		var texts []string
		for c := range textsplit.Segment(doc.Text, IngestChunkSize, IngestChunkOverlap) {
			if strings.TrimSpace(c.Content) != "" {
				texts = append(texts, c.Content)
			}
		}
		if len(texts) == 0 {
			continue
		}

		vectors, err := s.encoder.EmbedDocuments(ctx, texts)
		if err != nil {
			return total, fmt.Errorf("embedding %q: %w", doc.Name, err)
		}

		id := doc.ID
		if id == "" {
			id = uuid.NewString()
		}
		records := make([]chromem.Document, len(texts))
		for i, text := range texts {
			records[i] = chromem.Document{
				ID:        id + "-" + strconv.Itoa(i),
				Content:   text,
				Embedding: vectors[i],
				Metadata: map[string]string{
					"source": doc.Name,
					"doc_id": id,
					"chunk":  strconv.Itoa(i),
				},
			}
		}
		if err := s.collection.AddDocuments(ctx, records, 1); err != nil {
			return total, fmt.Errorf("storing %q: %w", doc.Name, err)
		}
		total += len(records)
	}

	span.SetAttributes(attribute.Int("chunks", total))
	s.logger.Info("documents ingested", zap.Int("documents", len(docs)), zap.Int("chunks", total))
	return total, nil
}

// Retrieve runs a similarity query. Only semantic search is supported; the
// requested method is ignored. A score threshold drops weaker results.
func (s *LocalStore) Retrieve(ctx context.Context, q Query) (_ []Snippet, err error) {
	ctx, span := tracer.Start(ctx, "knowledge.Local.Retrieve")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if strings.TrimSpace(q.Text) == "" {
		return nil, ErrEmptyQuery
	}
	k := q.TopK
	if k <= 0 {
		k = s.topK
	}
	// chromem requires nResults <= document count.
	k = min(k, s.collection.Count())
	if k == 0 {
		return nil, nil
	}

	results, err := s.collection.Query(ctx, q.Text, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	snippets := make([]Snippet, 0, len(results))
	for _, r := range results {
		if q.ScoreThreshold != nil && float64(r.Similarity) < *q.ScoreThreshold {
			continue
		}
		snippets = append(snippets, Snippet{
			Content: r.Content,
			Source:  r.Metadata["source"],
			Score:   float64(r.Similarity),
		})
	}
	span.SetAttributes(attribute.Int("snippets", len(snippets)))
	return snippets, nil
}

// Close is a no-op; persistent collections are written on every add.
func (s *LocalStore) Close() error { return nil }
