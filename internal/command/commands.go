// Package command implements the eight core business operations of Idios —
// insert_images, search_by_url, search_by_text, compare, list_images, count,
// remove_images, ping — plus the add_bulk/restore/dump operations its HTTP
// surface additionally exposes. It composes one embedding provider.Provider
// and one vectorstore.Collection per model, carrying no state of its own
// beyond that composition, mirroring how the teacher's plugin engine
// dispatches to one handler per resource kind.
package command

import (
	"context"
	"encoding/json"
	"image"
	"math"
	"strings"

	"github.com/lklic/idios/internal/apierr"
	"github.com/lklic/idios/internal/modelconfig"
	"github.com/lklic/idios/internal/provider"
	"github.com/lklic/idios/internal/vectorstore"
)

// maxMetadataBytes bounds the serialized JSON metadata stored per entry.
const maxMetadataBytes = 65535

// ModelBackend bundles the embedding provider, vector-store collection, and
// static descriptor serving one configured model.
type ModelBackend struct {
	Provider   provider.Provider
	Store      vectorstore.Collection
	Descriptor modelconfig.Descriptor
}

// Commands implements the core operations against a fixed set of model
// backends assembled at startup.
type Commands struct {
	models    map[string]ModelBackend
	loadImage func(url string) (image.Image, error)
}

// New builds a Commands dispatching to the given per-model backends,
// fetching images via provider.LoadImageFromURL.
func New(models map[string]ModelBackend) *Commands {
	return NewWithImageLoader(models, provider.LoadImageFromURL)
}

// NewWithImageLoader builds a Commands with an injected image loader,
// letting tests substitute a fake in place of a real HTTP fetch.
func NewWithImageLoader(models map[string]ModelBackend, loadImage func(url string) (image.Image, error)) *Commands {
	return &Commands{models: models, loadImage: loadImage}
}

func (c *Commands) backend(model string) (ModelBackend, error) {
	b, ok := c.models[model]
	if !ok {
		return ModelBackend{}, apierr.ParameterError("unknown model %q", model)
	}
	return b, nil
}

// InsertResult reports which urls were newly added versus already present.
type InsertResult struct {
	Added []string `json:"added"`
	Found []string `json:"found"`
}

// SearchHit is one ranked search result.
type SearchHit struct {
	URL        string  `json:"url"`
	Metadata   any     `json:"metadata"`
	Similarity float64 `json:"similarity"`
}

// Ping reports liveness; it takes no dependency on any model backend.
func (c *Commands) Ping(ctx context.Context) (string, error) {
	return "pong", nil
}

// InsertImages implements insert_images: urls/metadatas/embeddings are
// parallel slices (embeddings and its elements may be nil to request
// provider-computed embeddings). When replaceExisting is false, urls already
// present are reported in Found and left untouched.
func (c *Commands) InsertImages(ctx context.Context, model string, urls []string, metadatas []any, embeddings [][]float32, replaceExisting bool) (*InsertResult, error) {
	if len(urls) != len(metadatas) {
		return nil, apierr.ParameterError("urls and metadatas must have the same length")
	}
	if embeddings != nil && len(embeddings) != len(urls) {
		return nil, apierr.ParameterError("urls and embeddings must have the same length")
	}

	b, err := c.backend(model)
	if err != nil {
		return nil, err
	}
	isLocal := b.Descriptor.IsLocal()

	if isLocal {
		for _, u := range urls {
			if strings.Contains(u, "%") {
				return nil, apierr.ParameterError("url %q must not contain '%%' for a local-feature model", u)
			}
		}
	}

	existing := map[string]bool{}
	if !replaceExisting && len(urls) > 0 {
		entries, err := b.Store.QueryByURLs(ctx, urls)
		if err != nil {
			return nil, apierr.ServerError("insert_images: checking existing urls: %v", err)
		}
		for _, e := range entries {
			existing[e.URL] = true
		}
	}

	var rowURLs []string
	var rowVecs [][]float32
	var rowMeta []string
	result := &InsertResult{}

	for i, u := range urls {
		if existing[u] {
			result.Found = append(result.Found, u)
			continue
		}

		metaJSON, err := marshalMetadata(metadatas[i])
		if err != nil {
			return nil, err
		}

		var supplied []float32
		if embeddings != nil {
			supplied = embeddings[i]
		}

		switch {
		case supplied != nil:
			rowURLs = append(rowURLs, u)
			rowVecs = append(rowVecs, supplied)
			rowMeta = append(rowMeta, metaJSON)

		case isLocal:
			img, err := c.loadImage(u)
			if err != nil {
				return nil, err
			}
			descriptors, err := b.Provider.ImageEmbedding(ctx, img)
			if err != nil {
				return nil, err
			}
			for _, d := range descriptors {
				rowURLs = append(rowURLs, u+"#"+d.Location)
				rowVecs = append(rowVecs, d.Vector)
				rowMeta = append(rowMeta, metaJSON)
			}

		default:
			img, err := c.loadImage(u)
			if err != nil {
				return nil, err
			}
			descriptors, err := b.Provider.ImageEmbedding(ctx, img)
			if err != nil {
				return nil, err
			}
			if len(descriptors) == 0 {
				return nil, apierr.ServerError("provider returned no descriptor for %q", u)
			}
			rowURLs = append(rowURLs, u)
			rowVecs = append(rowVecs, descriptors[0].Vector)
			rowMeta = append(rowMeta, metaJSON)
		}

		result.Added = append(result.Added, u)
	}

	if len(rowURLs) > 0 {
		if err := b.Store.Insert(ctx, rowURLs, rowVecs, rowMeta); err != nil {
			return nil, apierr.ServerError("insert_images: %v", err)
		}
	}
	return result, nil
}

// AddBulkResult reports a per-url partial-failure outcome for add_bulk.
type AddBulkResult struct {
	Added  []string         `json:"added"`
	Found  []string         `json:"found"`
	Failed []AddBulkFailure `json:"failed"`
}

// AddBulkFailure names one url that failed and why.
type AddBulkFailure struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// AddBulk inserts each url independently, collecting failures instead of
// aborting the batch (the opt-out-of-fail-fast path the HTTP /add_bulk route
// exposes; single-url /add remains fail-fast via InsertImages directly).
func (c *Commands) AddBulk(ctx context.Context, model string, urls []string, metadatas []any) (*AddBulkResult, error) {
	if len(urls) != len(metadatas) {
		return nil, apierr.ParameterError("urls and metadatas must have the same length")
	}

	result := &AddBulkResult{}
	for i, u := range urls {
		res, err := c.InsertImages(ctx, model, []string{u}, []any{metadatas[i]}, nil, true)
		if err != nil {
			result.Failed = append(result.Failed, AddBulkFailure{URL: u, Error: err.Error()})
			continue
		}
		result.Added = append(result.Added, res.Added...)
		result.Found = append(result.Found, res.Found...)
	}
	return result, nil
}

// Restore inserts rows with caller-supplied embeddings, bypassing provider
// computation entirely — urls may already be composite "url#loc" keys for a
// local-feature model, since restore operates at the raw-row level rather
// than re-deriving descriptors.
func (c *Commands) Restore(ctx context.Context, model string, urls []string, metadatas []any, embeddings [][]float32) error {
	if len(urls) != len(metadatas) || len(urls) != len(embeddings) {
		return apierr.ParameterError("urls, metadatas, and embeddings must have the same length")
	}
	if len(urls) == 0 {
		return nil
	}

	b, err := c.backend(model)
	if err != nil {
		return err
	}

	rowMeta := make([]string, len(urls))
	for i, md := range metadatas {
		metaJSON, err := marshalMetadata(md)
		if err != nil {
			return err
		}
		rowMeta[i] = metaJSON
	}

	if err := b.Store.Insert(ctx, urls, embeddings, rowMeta); err != nil {
		return apierr.ServerError("restore: %v", err)
	}
	return nil
}

// SearchByEmbeddings runs a single ANN search for the given embeddings and
// returns the first query vector's hits as ranked SearchHits. Idios only
// ever issues one query vector per call from this entry point (global-model
// search); local-feature search instead drives vectorstore.Collection.Search
// directly from searchLocalByURL to handle multiple query descriptors.
func (c *Commands) SearchByEmbeddings(ctx context.Context, model string, embedding []float32, limit int) ([]SearchHit, error) {
	b, err := c.backend(model)
	if err != nil {
		return nil, err
	}
	hitLists, err := b.Store.Search(ctx, [][]float32{embedding}, limit)
	if err != nil {
		return nil, apierr.ServerError("search: %v", err)
	}
	if len(hitLists) == 0 {
		return nil, nil
	}
	return toSearchHits(hitLists[0]), nil
}

func toSearchHits(hits []vectorstore.Hit) []SearchHit {
	results := make([]SearchHit, 0, len(hits))
	for _, h := range hits {
		results = append(results, SearchHit{
			URL:        h.URL,
			Metadata:   decodeMetadata(h.Metadata),
			Similarity: similarityFromSquaredL2(h.Distance * h.Distance),
		})
	}
	return results
}

// SearchByURL implements search_by_url: for a global model it embeds the
// query image and delegates to SearchByEmbeddings; for a local-feature model
// it performs geometric verification (searchLocalByURL).
func (c *Commands) SearchByURL(ctx context.Context, model, url string, limit int) ([]SearchHit, error) {
	b, err := c.backend(model)
	if err != nil {
		return nil, err
	}

	if b.Descriptor.IsLocal() {
		return c.searchLocalByURL(ctx, b, url, limit)
	}

	img, err := c.loadImage(url)
	if err != nil {
		return nil, err
	}
	descriptors, err := b.Provider.ImageEmbedding(ctx, img)
	if err != nil {
		return nil, err
	}
	if len(descriptors) == 0 {
		return nil, apierr.ServerError("provider returned no descriptor for %q", url)
	}
	return c.SearchByEmbeddings(ctx, model, descriptors[0].Vector, limit)
}

// SearchByText implements search_by_text: fails with a parameter_error if the
// model's provider reports provider.ErrTextUnsupported (it does not support
// text queries).
func (c *Commands) SearchByText(ctx context.Context, model, text string, limit int) ([]SearchHit, error) {
	b, err := c.backend(model)
	if err != nil {
		return nil, err
	}
	vec, err := b.Provider.TextEmbedding(ctx, text)
	if err != nil {
		if err == provider.ErrTextUnsupported {
			return nil, apierr.ParameterError("model %q does not support text queries", model)
		}
		return nil, err
	}
	return c.SearchByEmbeddings(ctx, model, vec, limit)
}

// Compare implements compare: only the L2 metric has a defined distance
// calculation; any other configured metric is an explicit server_error,
// matching the documented behavior verbatim.
func (c *Commands) Compare(ctx context.Context, model, left, right string) (float64, error) {
	b, err := c.backend(model)
	if err != nil {
		return 0, err
	}
	if b.Descriptor.Metric != modelconfig.MetricL2 {
		return 0, apierr.ServerError("Distance calculation has not been implemented")
	}

	leftVec, err := c.embedSingle(ctx, b, left)
	if err != nil {
		return 0, err
	}
	rightVec, err := c.embedSingle(ctx, b, right)
	if err != nil {
		return 0, err
	}

	return similarityFromSquaredL2(squaredL2(leftVec, rightVec)), nil
}

func (c *Commands) embedSingle(ctx context.Context, b ModelBackend, url string) ([]float32, error) {
	img, err := c.loadImage(url)
	if err != nil {
		return nil, err
	}
	descriptors, err := b.Provider.ImageEmbedding(ctx, img)
	if err != nil {
		return nil, err
	}
	if len(descriptors) == 0 {
		return nil, apierr.ServerError("provider returned no descriptor for %q", url)
	}
	return descriptors[0].Vector, nil
}

// ImageEntry is one fully-materialized row, used by list_images (with
// output fields) and dump.
type ImageEntry struct {
	URL       string    `json:"url"`
	Embedding []float32 `json:"embedding"`
	Metadata  any       `json:"metadata"`
}

// ListImages implements list_images. When includeFields is false and the
// model is local-feature, it instead returns the set of distinct image urls
// observable on this page (collapsing composite keys), in unspecified order,
// matching the documented cursor-skip approximation.
func (c *Commands) ListImages(ctx context.Context, model, cursor string, limit int, includeFields bool) ([]ImageEntry, []string, error) {
	b, err := c.backend(model)
	if err != nil {
		return nil, nil, err
	}

	if !includeFields && b.Descriptor.IsLocal() {
		urls, err := c.listLocalImageURLs(ctx, b, cursor, limit)
		return nil, urls, err
	}

	entries, err := b.Store.QueryByCursor(ctx, cursor, limit)
	if err != nil {
		return nil, nil, apierr.ServerError("list_images: %v", err)
	}

	out := make([]ImageEntry, len(entries))
	for i, e := range entries {
		if includeFields {
			out[i] = ImageEntry{URL: e.URL, Embedding: e.Embedding, Metadata: decodeMetadata(e.Metadata)}
		} else {
			out[i] = ImageEntry{URL: e.URL}
		}
	}
	return out, nil, nil
}

// listLocalImageURLs advances the cursor by appending "Z" to skip past the
// current url's composite-key block, per the documented approximation (see
// the open question about urls whose successor starts with url+"Z").
func (c *Commands) listLocalImageURLs(ctx context.Context, b ModelBackend, cursor string, limit int) ([]string, error) {
	if cursor != "" {
		cursor += "Z"
	}
	entries, err := b.Store.QueryByCursor(ctx, cursor, limit)
	if err != nil {
		return nil, apierr.ServerError("list_images: %v", err)
	}
	seen := map[string]bool{}
	var urls []string
	for _, e := range entries {
		idx := strings.LastIndex(e.URL, "#")
		urlPart := e.URL
		if idx >= 0 {
			urlPart = e.URL[:idx]
		}
		if !seen[urlPart] {
			seen[urlPart] = true
			urls = append(urls, urlPart)
		}
	}
	return urls, nil
}

// Count implements count: it drives list_images in a loop until an empty
// page, summing page sizes, since the store's own count may be eventually
// consistent.
func (c *Commands) Count(ctx context.Context, model string) (int, error) {
	b, err := c.backend(model)
	if err != nil {
		return 0, err
	}

	const pageSize = 1000
	total := 0
	cursor := ""
	for {
		entries, urls, err := c.ListImages(ctx, model, cursor, pageSize, false)
		if err != nil {
			return 0, err
		}
		page := urls
		if !b.Descriptor.IsLocal() {
			for _, e := range entries {
				page = append(page, e.URL)
			}
		}
		if len(page) == 0 {
			break
		}
		total += len(page)
		cursor = page[len(page)-1]
	}
	return total, nil
}

// RemoveImages implements remove_images: for a local-feature model, each url
// is first expanded to its composite keys via a prefix query before
// deletion.
func (c *Commands) RemoveImages(ctx context.Context, model string, urls []string) error {
	b, err := c.backend(model)
	if err != nil {
		return err
	}

	if !b.Descriptor.IsLocal() {
		if err := b.Store.Delete(ctx, urls); err != nil {
			return apierr.ServerError("remove_images: %v", err)
		}
		return nil
	}

	var compositeKeys []string
	for _, u := range urls {
		entries, err := b.Store.QueryByPrefix(ctx, u+"#")
		if err != nil {
			return apierr.ServerError("remove_images: resolving composite keys for %q: %v", u, err)
		}
		for _, e := range entries {
			compositeKeys = append(compositeKeys, e.URL)
		}
	}
	if len(compositeKeys) == 0 {
		return nil
	}
	if err := b.Store.Delete(ctx, compositeKeys); err != nil {
		return apierr.ServerError("remove_images: %v", err)
	}
	return nil
}

// Dump implements dump: pagination like list_images, but every returned
// entry always carries its embedding and decoded metadata.
func (c *Commands) Dump(ctx context.Context, model, cursor string, limit int) ([]ImageEntry, error) {
	entries, _, err := c.ListImages(ctx, model, cursor, limit, true)
	return entries, err
}

func marshalMetadata(v any) (string, error) {
	if v == nil {
		v = map[string]any{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", apierr.ParameterError("metadata is not valid JSON: %v", err)
	}
	if len(b) > maxMetadataBytes {
		return "", apierr.ParameterError("metadata exceeds %d bytes", maxMetadataBytes)
	}
	return string(b), nil
}

func decodeMetadata(raw string) any {
	if raw == "" {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return map[string]any{}
	}
	return v
}

// squaredL2 returns the squared Euclidean distance between two equal-length
// vectors.
func squaredL2(a, b []float32) float64 {
	var sum float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

// similarityFromSquaredL2 converts a squared L2 distance between vectors
// normalised to unit length (whose squared distance therefore ranges [0,2])
// into a [0,100] similarity score.
func similarityFromSquaredL2(squaredDistance float64) float64 {
	s := 100 * (1 - squaredDistance/2)
	return math.Max(0, math.Min(100, s))
}
