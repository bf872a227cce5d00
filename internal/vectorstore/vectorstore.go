// Package vectorstore implements the Vector Store Adapter: a thin contract
// over insert/query/search/delete on named, per-model collections with a
// fixed schema, backed by PostgreSQL + pgvector. It plays the role the
// teacher's internal/ai/rag package plays for retrieval-augmented chat,
// generalized to multiple model-specific tables and composite primary keys.
package vectorstore

import (
	"context"
)

// Entry is one stored row: a primary key (plain url, or "url#x_y_angle" for
// local-feature models), its embedding, and its caller-supplied metadata
// blob (serialized JSON, opaque to the store).
type Entry struct {
	URL       string
	Embedding []float32
	Metadata  string
}

// Hit is one similarity-search result: the matched key, its distance from
// the query vector under the collection's configured metric, and its
// stored metadata.
type Hit struct {
	URL      string
	Distance float64
	Metadata string
}

// Collection is the per-model contract every vector store backend must
// satisfy. All query variants are strongly consistent: they must reflect
// every write acknowledged before the read began.
type Collection interface {
	// Insert upserts rows keyed by url. len(urls) == len(embeddings) ==
	// len(metadatas) must hold.
	Insert(ctx context.Context, urls []string, embeddings [][]float32, metadatas []string) error

	// QueryByCursor returns up to limit rows with url > cursor, sorted
	// ascending by url (paginated scan).
	QueryByCursor(ctx context.Context, cursor string, limit int) ([]Entry, error)

	// QueryByURLs returns the rows matching the given exact keys (batch
	// lookup); urls not present are simply absent from the result.
	QueryByURLs(ctx context.Context, urls []string) ([]Entry, error)

	// QueryByPrefix returns every row whose key starts with prefix (used to
	// resolve a local-feature model's composite keys for one image url).
	// Callers must ensure prefix contains no literal '%'.
	QueryByPrefix(ctx context.Context, prefix string) ([]Entry, error)

	// Search runs one nearest-neighbor query per vector in vectors, each
	// returning up to limit hits sorted ascending by distance.
	Search(ctx context.Context, vectors [][]float32, limit int) ([][]Hit, error)

	// Delete removes the given exact keys. Deleting a key that does not
	// exist is not an error.
	Delete(ctx context.Context, urls []string) error
}
