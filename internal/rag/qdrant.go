package rag

import (
	"context"
	"fmt"
	"strconv"

	"github.com/qdrant/go-client/qdrant"
)

// Payload keys written with every point.
const (
	payloadNamespace   = "namespace"
	payloadContent     = "content"
	payloadURL         = "url"
	payloadTitle       = "title"
	payloadDescription = "description"
	payloadChunkIndex  = "chunk_index"
)

// QdrantConfig holds connection parameters for a Qdrant vector store instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the shared collection holding every namespace (default: firestarter).
	Collection string

	// VectorSize is the dimensionality of the embeddings stored in this collection.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantStore implements VectorStore on a single Qdrant collection. Each
// point carries its namespace as a keyword payload field, and every read or
// delete is filtered on it.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantStore connects to Qdrant, creates the collection and the
// namespace payload index if they are missing, and returns the store.
func NewQdrantStore(ctx context.Context, cfg *QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "firestarter"
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	s := &QdrantStore{client: client, collection: cfg.Collection}
	if err := s.ensureCollection(ctx, cfg.VectorSize); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// ensureCollection creates the collection and its namespace keyword index.
func (s *QdrantStore) ensureCollection(ctx context.Context, size uint64) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     size,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", s.collection, err)
	}

	_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.collection,
		FieldName:      payloadNamespace,
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to index %q payload: %w", payloadNamespace, err)
	}
	return nil
}

// namespaceFilter matches every point of namespace.
func namespaceFilter(namespace string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch(payloadNamespace, namespace)},
	}
}

// Upsert writes docs with their vectors. Document IDs must be UUIDs.
func (s *QdrantStore) Upsert(ctx context.Context, docs []Document, embeddings [][]float32) error {
	if len(docs) != len(embeddings) {
		return fmt.Errorf("qdrant: %d docs but %d embeddings", len(docs), len(embeddings))
	}
	if len(docs) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(docs))
	for i, doc := range docs {
		points = append(points, docPoint(doc, embeddings[i]))
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert failed: %w", err)
	}
	return nil
}

// docPoint converts doc and its vector into a Qdrant point.
func docPoint(doc Document, vector []float32) *qdrant.PointStruct {
	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(doc.ID),
		Vectors: qdrant.NewVectors(vector...),
		Payload: qdrant.NewValueMap(docPayload(doc)),
	}
}

// docPayload flattens doc into the point payload.
func docPayload(doc Document) map[string]any {
	payload := map[string]any{
		payloadNamespace:   doc.Namespace,
		payloadContent:     doc.Content,
		payloadURL:         doc.URL,
		payloadTitle:       doc.Title,
		payloadDescription: doc.Description,
		payloadChunkIndex:  int64(doc.ChunkIndex),
	}
	for k, v := range doc.Metadata {
		if _, reserved := payload[k]; !reserved {
			payload[k] = v
		}
	}
	return payload
}

// Search returns the topK nearest points of namespace.
func (s *QdrantStore) Search(ctx context.Context, namespace string, queryEmbedding []float32, topK int) ([]Document, error) {
	if topK <= 0 {
		return nil, nil
	}
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(queryEmbedding...),
		Filter:         namespaceFilter(namespace),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	docs := make([]Document, 0, len(results))
	for _, r := range results {
		docs = append(docs, pointDocument(namespace, r))
	}
	return docs, nil
}

// pointDocument rebuilds a Document from a scored point. Unknown payload
// fields holding strings or integers land in Metadata.
func pointDocument(namespace string, r *qdrant.ScoredPoint) Document {
	doc := Document{
		ID:        r.GetId().GetUuid(),
		Namespace: namespace,
		Score:     r.GetScore(),
		Metadata:  make(map[string]string),
	}
	for k, v := range r.GetPayload() {
		switch k {
		case payloadNamespace:
		case payloadContent:
			doc.Content = v.GetStringValue()
		case payloadURL:
			doc.URL = v.GetStringValue()
		case payloadTitle:
			doc.Title = v.GetStringValue()
		case payloadDescription:
			doc.Description = v.GetStringValue()
		case payloadChunkIndex:
			doc.ChunkIndex = int(v.GetIntegerValue())
		default:
			switch kind := v.GetKind().(type) {
			case *qdrant.Value_StringValue:
				doc.Metadata[k] = kind.StringValue
			case *qdrant.Value_IntegerValue:
				doc.Metadata[k] = strconv.FormatInt(kind.IntegerValue, 10)
			}
		}
	}
	return doc
}

// DeleteNamespace removes every point of namespace.
func (s *QdrantStore) DeleteNamespace(ctx context.Context, namespace string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(namespaceFilter(namespace)),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete namespace %q failed: %w", namespace, err)
	}
	return nil
}

// CountNamespace returns the exact number of points in namespace.
func (s *QdrantStore) CountNamespace(ctx context.Context, namespace string) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Filter:         namespaceFilter(namespace),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("qdrant: count namespace %q failed: %w", namespace, err)
	}
	return int(n), nil
}

// Ping checks that the Qdrant server answers health checks.
func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant: health check failed: %w", err)
	}
	return nil
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}
