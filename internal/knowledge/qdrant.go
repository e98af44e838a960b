package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/Echoxiawan/KBaseCase/internal/config"
	"github.com/Echoxiawan/KBaseCase/internal/embeddings"
	"github.com/Echoxiawan/KBaseCase/internal/textsplit"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	payloadContent = "content"
	payloadSource  = "source"
	payloadDocID   = "doc_id"
)

// qdrantAPI is the subset of *qdrant.Client used here.
type qdrantAPI interface {
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	Close() error
}

// QdrantStore is a knowledge base kept in a Qdrant collection. Points
// carry the chunk text under "content" and the document name under
// "source".
type QdrantStore struct {
	client     qdrantAPI
	collection string
	encoder    embeddings.Provider
	topK       int
	logger     *zap.Logger
}

// NewQdrantStore connects to the gRPC endpoint in cfg.
func NewQdrantStore(cfg config.QdrantConfig, encoder embeddings.Provider, topK int, logger *zap.Logger) (*QdrantStore, error) {
	if encoder == nil {
		return nil, fmt.Errorf("%w: qdrant knowledge base needs an encoder", ErrNotConfigured)
	}
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, fmt.Errorf("%w: qdrant needs host and port", ErrNotConfigured)
	}

	qcfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey.Value(),
	}
	if !cfg.UseTLS {
		qcfg.GrpcOptions = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("%w: creating qdrant client: %w", ErrTransport, err)
	}
	return newQdrantStore(client, cfg.Collection, encoder, topK, logger), nil
}

func newQdrantStore(client qdrantAPI, collection string, encoder embeddings.Provider, topK int, logger *zap.Logger) *QdrantStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	collection = collectionName(collection)
	if topK <= 0 {
		topK = defaultLocalTopK
	}
	return &QdrantStore{
		client:     client,
		collection: collection,
		encoder:    encoder,
		topK:       topK,
		logger:     logger.Named("qdrant"),
	}
}

// Retrieve embeds the query and runs a nearest-neighbour query. Missing
// collections yield no snippets.
func (s *QdrantStore) Retrieve(ctx context.Context, q Query) (_ []Snippet, err error) {
	ctx, span := tracer.Start(ctx, "knowledge.Qdrant.Retrieve")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("collection", s.collection))

	if strings.TrimSpace(q.Text) == "" {
		return nil, ErrEmptyQuery
	}
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return nil, fmt.Errorf("%w: checking collection: %w", ErrTransport, err)
	}
	if !exists {
		s.logger.Warn("knowledge collection does not exist", zap.String("collection", s.collection))
		return nil, nil
	}

	vector, err := s.encoder.EmbedQuery(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	k := q.TopK
	if k <= 0 {
		k = s.topK
	}
	req := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if q.ScoreThreshold != nil {
		req.ScoreThreshold = qdrant.PtrOf(float32(*q.ScoreThreshold))
	}

	points, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %w", ErrTransport, err)
	}

	snippets := make([]Snippet, 0, len(points))
	for _, p := range points {
		content := p.GetPayload()[payloadContent].GetStringValue()
		if strings.TrimSpace(content) == "" {
			continue
		}
		snippets = append(snippets, Snippet{
			Content: content,
			Source:  p.GetPayload()[payloadSource].GetStringValue(),
			Score:   float64(p.GetScore()),
		})
	}
	span.SetAttributes(attribute.Int("snippets", len(snippets)))
	return snippets, nil
}

// AddDocuments chunks, embeds and upserts docs, creating the collection
// with the encoder's dimension when needed.
func (s *QdrantStore) AddDocuments(ctx context.Context, docs []Document) (_ int, err error) {
	ctx, span := tracer.Start(ctx, "knowledge.Qdrant.AddDocuments")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := s.ensureCollection(ctx); err != nil {
		return 0, err
	}

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

		docID := doc.ID
		if docID == "" {
			docID = uuid.NewString()
		}
		points := make([]*qdrant.PointStruct, len(texts))
		for i, text := range texts {
			points[i] = &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(uuid.NewString()),
				Vectors: qdrant.NewVectors(vectors[i]...),
				Payload: map[string]*qdrant.Value{
					payloadContent: {Kind: &qdrant.Value_StringValue{StringValue: text}},
					payloadSource:  {Kind: &qdrant.Value_StringValue{StringValue: doc.Name}},
					payloadDocID:   {Kind: &qdrant.Value_StringValue{StringValue: docID}},
				},
			}
		}
		if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.collection,
			Points:         points,
		}); err != nil {
			return total, fmt.Errorf("%w: upserting %q: %w", ErrTransport, doc.Name, err)
		}
		total += len(points)
	}

	span.SetAttributes(attribute.Int("chunks", total))
	s.logger.Info("documents ingested", zap.Int("documents", len(docs)), zap.Int("chunks", total))
	return total, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("%w: checking collection: %w", ErrTransport, err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.encoder.Dimension()),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("%w: creating collection %s: %w", ErrTransport, s.collection, err)
	}
	s.logger.Info("knowledge collection created",
		zap.String("collection", s.collection),
		zap.Int("dimension", s.encoder.Dimension()))
	return nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}
