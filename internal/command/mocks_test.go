package command

import (
	"context"
	"image"
	"sort"
	"strings"

	"github.com/lklic/idios/internal/apierr"
	"github.com/lklic/idios/internal/provider"
	"github.com/lklic/idios/internal/vectorstore"
)

// mockCollection is a test double for vectorstore.Collection, an in-memory
// map keyed by url, sorted on read to mimic the store's ascending-by-url
// contract.
type mockCollection struct {
	rows map[string]vectorstore.Entry
	// searchHits, if set, is returned verbatim by Search (one list per query
	// vector) instead of computing real nearest neighbors.
	searchHits [][]vectorstore.Hit
}

func newMockCollection() *mockCollection {
	return &mockCollection{rows: map[string]vectorstore.Entry{}}
}

func (m *mockCollection) Insert(ctx context.Context, urls []string, embeddings [][]float32, metadatas []string) error {
	for i, u := range urls {
		m.rows[u] = vectorstore.Entry{URL: u, Embedding: embeddings[i], Metadata: metadatas[i]}
	}
	return nil
}

func (m *mockCollection) sortedURLs() []string {
	urls := make([]string, 0, len(m.rows))
	for u := range m.rows {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}

func (m *mockCollection) QueryByCursor(ctx context.Context, cursor string, limit int) ([]vectorstore.Entry, error) {
	var out []vectorstore.Entry
	for _, u := range m.sortedURLs() {
		if u <= cursor {
			continue
		}
		out = append(out, m.rows[u])
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockCollection) QueryByURLs(ctx context.Context, urls []string) ([]vectorstore.Entry, error) {
	var out []vectorstore.Entry
	for _, u := range urls {
		if e, ok := m.rows[u]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockCollection) QueryByPrefix(ctx context.Context, prefix string) ([]vectorstore.Entry, error) {
	if strings.Contains(prefix, "%") {
		return nil, apierr.ParameterError("prefix %q contains literal %%", prefix)
	}
	var out []vectorstore.Entry
	for _, u := range m.sortedURLs() {
		if strings.HasPrefix(u, prefix) {
			out = append(out, m.rows[u])
		}
	}
	return out, nil
}

func (m *mockCollection) Search(ctx context.Context, vectors [][]float32, limit int) ([][]vectorstore.Hit, error) {
	if m.searchHits != nil {
		return m.searchHits, nil
	}
	results := make([][]vectorstore.Hit, len(vectors))
	for i, v := range vectors {
		var hits []vectorstore.Hit
		for _, u := range m.sortedURLs() {
			e := m.rows[u]
			hits = append(hits, vectorstore.Hit{URL: u, Distance: squaredL2(v, e.Embedding), Metadata: e.Metadata})
		}
		sort.Slice(hits, func(a, b int) bool { return hits[a].Distance < hits[b].Distance })
		if len(hits) > limit {
			hits = hits[:limit]
		}
		results[i] = hits
	}
	return results, nil
}

func (m *mockCollection) Delete(ctx context.Context, urls []string) error {
	for _, u := range urls {
		delete(m.rows, u)
	}
	return nil
}

// mockProvider is a test double for provider.Provider.
type mockProvider struct {
	cardinality   int
	imageVector   []float32
	imageResult   []provider.Descriptor
	textVector    []float32
	textSupported bool
	imageErr      error
	textErr       error
}

func (m *mockProvider) Cardinality() int { return m.cardinality }

func (m *mockProvider) ImageEmbedding(ctx context.Context, img image.Image) ([]provider.Descriptor, error) {
	if m.imageErr != nil {
		return nil, m.imageErr
	}
	if m.imageResult != nil {
		return m.imageResult, nil
	}
	return []provider.Descriptor{{Vector: m.imageVector}}, nil
}

func (m *mockProvider) TextEmbedding(ctx context.Context, text string) ([]float32, error) {
	if !m.textSupported {
		return nil, provider.ErrTextUnsupported
	}
	if m.textErr != nil {
		return nil, m.textErr
	}
	return m.textVector, nil
}
