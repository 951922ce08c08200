package rag

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemConfig configures the embedded vector store.
type ChromemConfig struct {
	// Path persists the database to disk. Empty keeps everything in memory.
	Path string

	// Prefix is prepended to every per-namespace collection name (default: firestarter).
	Prefix string

	// Compress gzips the persisted files.
	Compress bool
}

// ChromemStore implements VectorStore with an in-process chromem-go database.
// It needs no external service and is the default when no Qdrant host is set.
// Each namespace lives in its own collection, so counts and deletes are
// whole-collection operations.
type ChromemStore struct {
	db     *chromem.DB
	prefix string
}

// errNoEmbedFunc is returned if chromem ever tries to compute an embedding
// itself; every document reaching the store already carries its vector.
var errNoEmbedFunc = errors.New("rag: chromem store requires precomputed embeddings")

func noEmbed(context.Context, string) ([]float32, error) { return nil, errNoEmbedFunc }

// NewChromemStore opens (or creates) the database.
func NewChromemStore(cfg *ChromemConfig) (*ChromemStore, error) {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "firestarter"
	}

	db := chromem.NewDB()
	if cfg.Path != "" {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("chromem: open %s: %w", cfg.Path, err)
		}
	}
	return &ChromemStore{db: db, prefix: prefix}, nil
}

func (s *ChromemStore) collectionName(namespace string) string {
	return s.prefix + "-" + namespace
}

// Upsert writes docs with their vectors. Existing IDs are replaced.
func (s *ChromemStore) Upsert(ctx context.Context, docs []Document, embeddings [][]float32) error {
	if len(docs) != len(embeddings) {
		return fmt.Errorf("chromem: %d docs but %d embeddings", len(docs), len(embeddings))
	}

	byNS := make(map[string][]chromem.Document)
	for i, doc := range docs {
		if doc.Namespace == "" {
			return fmt.Errorf("chromem: document %q has no namespace", doc.ID)
		}
		meta := make(map[string]string, len(doc.Metadata)+4)
		for k, v := range doc.Metadata {
			meta[k] = v
		}
		meta[payloadURL] = doc.URL
		meta[payloadTitle] = doc.Title
		meta[payloadDescription] = doc.Description
		meta[payloadChunkIndex] = strconv.Itoa(doc.ChunkIndex)
		byNS[doc.Namespace] = append(byNS[doc.Namespace], chromem.Document{
			ID:        doc.ID,
			Metadata:  meta,
			Embedding: embeddings[i],
			Content:   doc.Content,
		})
	}

	for ns, cdocs := range byNS {
		col, err := s.db.GetOrCreateCollection(s.collectionName(ns), map[string]string{payloadNamespace: ns}, noEmbed)
		if err != nil {
			return fmt.Errorf("chromem: collection for %q: %w", ns, err)
		}
		ids := make([]string, len(cdocs))
		for i, d := range cdocs {
			ids[i] = d.ID
		}
		// chromem has no upsert; drop prior versions of these IDs first.
		if col.Count() > 0 {
			if err := col.Delete(ctx, nil, nil, ids...); err != nil {
				return fmt.Errorf("chromem: replace in %q: %w", ns, err)
			}
		}
		if err := col.AddDocuments(ctx, cdocs, runtime.NumCPU()); err != nil {
			return fmt.Errorf("chromem: add documents to %q: %w", ns, err)
		}
	}
	return nil
}

// Search returns the topK nearest documents of namespace.
func (s *ChromemStore) Search(ctx context.Context, namespace string, queryEmbedding []float32, topK int) ([]Document, error) {
	col := s.db.GetCollection(s.collectionName(namespace), noEmbed)
	if col == nil || topK <= 0 {
		return nil, nil
	}
	// QueryEmbedding rejects n larger than the collection.
	if n := col.Count(); topK > n {
		topK = n
	}
	if topK == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, queryEmbedding, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: query %q: %w", namespace, err)
	}

	docs := make([]Document, 0, len(results))
	for _, r := range results {
		doc := Document{
			ID:          r.ID,
			Namespace:   namespace,
			Content:     r.Content,
			URL:         r.Metadata[payloadURL],
			Title:       r.Metadata[payloadTitle],
			Description: r.Metadata[payloadDescription],
			Score:       r.Similarity,
			Metadata:    make(map[string]string),
		}
		doc.ChunkIndex, _ = strconv.Atoi(r.Metadata[payloadChunkIndex])
		for k, v := range r.Metadata {
			switch k {
			case payloadURL, payloadTitle, payloadDescription, payloadChunkIndex:
			default:
				doc.Metadata[k] = v
			}
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// DeleteNamespace drops the namespace's collection. Unknown namespaces are a no-op.
func (s *ChromemStore) DeleteNamespace(_ context.Context, namespace string) error {
	if s.db.GetCollection(s.collectionName(namespace), noEmbed) == nil {
		return nil
	}
	if err := s.db.DeleteCollection(s.collectionName(namespace)); err != nil {
		return fmt.Errorf("chromem: delete namespace %q: %w", namespace, err)
	}
	return nil
}

// CountNamespace returns the number of documents in namespace.
func (s *ChromemStore) CountNamespace(_ context.Context, namespace string) (int, error) {
	col := s.db.GetCollection(s.collectionName(namespace), noEmbed)
	if col == nil {
		return 0, nil
	}
	return col.Count(), nil
}

// Ping always succeeds; the store is in-process.
func (s *ChromemStore) Ping(context.Context) error { return nil }

// Close is a no-op; persistent writes are flushed on every call.
func (s *ChromemStore) Close() error { return nil }
