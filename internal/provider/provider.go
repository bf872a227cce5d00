// Package provider defines the embedding provider contract Idios composes
// against, plus thin HTTP-backed implementations for global (single vector
// per image) and local-feature (multiple keypoint descriptors per image)
// models. The concrete embedding models themselves (CLIP, SIFT, ...) are
// external collaborators; this package only specifies and exercises the
// interface they must expose, following the shape of ai.LLMProvider in the
// teacher codebase.
package provider

import (
	"context"
	"errors"
	"image"
)

// ErrTextUnsupported is returned by TextEmbedding when a provider's
// cardinality or modality does not support text queries (e.g. local-feature
// models never support search_by_text).
var ErrTextUnsupported = errors.New("provider: text embedding not supported")

// Descriptor is one embedding produced for an image. For global models a
// single Descriptor is returned with an empty Location. For local-feature
// models, one Descriptor is returned per keypoint, Location encoding the
// keypoint's position and orientation as "x_y_angle" (floats rounded to two
// decimals), and the sequence is ordered by decreasing keypoint strength.
type Descriptor struct {
	Vector   []float32
	Location string
}

// Provider is the capability set every embedding backend exposes: a
// cardinality (how many descriptors per image) and an image embedding call;
// text embedding is optional and reports ErrTextUnsupported when absent.
type Provider interface {
	// Cardinality is the maximum number of descriptors this provider yields
	// per image. 1 means global; >1 means local-feature.
	Cardinality() int

	// ImageEmbedding computes the descriptor(s) for a decoded image.
	ImageEmbedding(ctx context.Context, img image.Image) ([]Descriptor, error)

	// TextEmbedding computes a single embedding for a text query. Returns
	// ErrTextUnsupported if this provider/model does not support it.
	TextEmbedding(ctx context.Context, text string) ([]float32, error)
}
