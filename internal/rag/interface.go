// Package rag holds the retrieval side of firestarter: the document model,
// the namespaced vector store contract with its Qdrant and chromem
// implementations, and the retriever that embeds a query, searches one
// namespace and re-ranks the hits.
package rag

import (
	"context"
)

// Document is one chunk of a crawled page.
type Document struct {
	// ID is the unique point identifier of this chunk.
	ID string

	// Namespace isolates one crawled site inside the shared index.
	Namespace string

	// Content is the chunk text that is embedded and fed to the model.
	Content string

	// URL is the page the chunk was cut from.
	URL string

	// Title is the page title.
	Title string

	// Description is the page meta description.
	Description string

	// ChunkIndex is the position of the chunk within its page.
	ChunkIndex int

	// Score is the similarity assigned during retrieval. Zero means not computed.
	Score float32

	// Metadata holds additional string attributes stored with the chunk.
	Metadata map[string]string
}

// VectorStore persists chunk embeddings and searches them within a namespace.
// Implementations must be safe to call from multiple goroutines.
type VectorStore interface {
	// Upsert stores or replaces docs. embeddings[i] is the vector for docs[i].
	Upsert(ctx context.Context, docs []Document, embeddings [][]float32) error

	// Search returns up to topK documents of namespace ordered by descending score.
	Search(ctx context.Context, namespace string, queryEmbedding []float32, topK int) ([]Document, error)

	// DeleteNamespace removes every document of namespace.
	DeleteNamespace(ctx context.Context, namespace string) error

	// CountNamespace returns the number of stored documents in namespace.
	CountNamespace(ctx context.Context, namespace string) (int, error)

	// Close releases any resources held by the store.
	Close() error
}

// Embedder is the interface for converting text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Retriever fetches the most relevant chunks of one namespace for a query.
type Retriever interface {
	Retrieve(ctx context.Context, namespace, query string, topK int) ([]Document, error)
}
