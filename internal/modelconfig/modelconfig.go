// Package modelconfig holds the static table of embedding model descriptors
// that Idios serves. Model topology (dimension, metric, index parameters,
// cardinality) is a deployment-time decision baked into collection schemas,
// so unlike internal/config it is not environment-driven: it is code-defined
// and loaded once at startup.
package modelconfig

// Metric identifies the distance function a model's collection is indexed
// and searched with.
type Metric string

const (
	MetricL2     Metric = "L2"
	MetricCosine Metric = "COSINE"
)

// IndexKind identifies the ANN index structure backing a collection.
type IndexKind string

const (
	IndexIVFFlat IndexKind = "IVF_FLAT"
	IndexHNSW    IndexKind = "HNSW"
)

// Descriptor is the static, per-model configuration consulted by the
// provider, vector store, and command layers.
type Descriptor struct {
	Name string

	// Dimension is the length of each embedding vector this model produces.
	Dimension int

	// Metric is the distance function used for indexing and search.
	Metric Metric

	// Index is the ANN index kind backing the collection.
	Index IndexKind

	// IndexParams holds index-build parameters (e.g. "nlist" for IVF_FLAT,
	// "m"/"ef_construction" for HNSW).
	IndexParams map[string]int

	// SearchParams holds per-query search parameters (e.g. "nprobe" for
	// IVF_FLAT, "ef" for HNSW).
	SearchParams map[string]int

	// Cardinality is the maximum number of descriptors this model yields per
	// image. 1 means a single global descriptor; >1 means up to that many
	// local descriptors, ordered by decreasing keypoint strength.
	Cardinality int
}

// IsLocal reports whether the model produces multiple local descriptors per
// image (cardinality > 1), which changes the command layer's primary-key and
// search behavior.
func (d Descriptor) IsLocal() bool {
	return d.Cardinality > 1
}

// Table is the static set of model descriptors Idios is configured to serve.
// It mirrors the shape of the original Python service's
// common.embedding_dimensions table, extended with the index/search
// parameters the vector store adapter needs.
var Table = map[string]Descriptor{
	"vit_b32": {
		Name:         "vit_b32",
		Dimension:    512,
		Metric:       MetricL2,
		Index:        IndexIVFFlat,
		IndexParams:  map[string]int{"nlist": 2048},
		SearchParams: map[string]int{"nprobe": 10},
		Cardinality:  1,
	},
	"resnet50": {
		Name:         "resnet50",
		Dimension:    2048,
		Metric:       MetricL2,
		Index:        IndexIVFFlat,
		IndexParams:  map[string]int{"nlist": 2048},
		SearchParams: map[string]int{"nprobe": 10},
		Cardinality:  1,
	},
	"sift_local": {
		Name:         "sift_local",
		Dimension:    128,
		Metric:       MetricL2,
		Index:        IndexHNSW,
		IndexParams:  map[string]int{"m": 16, "ef_construction": 200},
		SearchParams: map[string]int{"ef": 64},
		Cardinality:  64,
	},
}

// Lookup returns the descriptor for name and whether it exists.
func Lookup(name string) (Descriptor, bool) {
	d, ok := Table[name]
	return d, ok
}

// Names returns the configured model names.
func Names() []string {
	names := make([]string, 0, len(Table))
	for name := range Table {
		names = append(names, name)
	}
	return names
}
