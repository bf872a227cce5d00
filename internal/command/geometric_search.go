package command

import (
	"context"
	"math"
	"strings"

	"github.com/lklic/idios/internal/apierr"
	"github.com/lklic/idios/internal/provider"
	"github.com/lklic/idios/internal/vectorstore"
)

const (
	minLocalMatches    = 4
	minInlierRatio     = 0.50
	reprojThreshold    = 5.0
	conditionTolerance = 0.1
	perspectiveBound   = 0.1
)

type localMatch struct {
	queryPos point2D
	candPos  point2D
}

// searchLocalByURL implements search_by_url's local-feature path: it
// collects the query image's own descriptors (reusing ones already indexed
// under url, falling back to computing fresh ones), searches each against
// the collection, matches hits back to candidate urls, and keeps only
// candidates whose correspondences fit a geometrically consistent
// homography.
func (c *Commands) searchLocalByURL(ctx context.Context, b ModelBackend, url string, limit int) ([]SearchHit, error) {
	queryVecs, queryPos, err := c.queryDescriptors(ctx, b, url)
	if err != nil {
		return nil, err
	}
	if len(queryVecs) == 0 {
		return nil, nil
	}

	hitLists, err := b.Store.Search(ctx, queryVecs, limit)
	if err != nil {
		return nil, apierr.ServerError("search_by_url: %v", err)
	}

	matchings, metadatas, order := collectMatchings(hitLists, queryPos)

	var results []SearchHit
	for _, candURL := range order {
		ms := matchings[candURL]
		if len(ms) < minLocalMatches {
			continue
		}

		src := make([]point2D, len(ms))
		dst := make([]point2D, len(ms))
		for i, m := range ms {
			src[i] = m.queryPos
			dst[i] = m.candPos
		}

		H, mask, err := fitHomographyRANSAC(src, dst, reprojThreshold)
		if err != nil {
			continue
		}

		inliers := 0
		for _, ok := range mask {
			if ok {
				inliers++
			}
		}
		ratio := float64(inliers) / float64(len(ms))
		if ratio < minInlierRatio {
			continue
		}
		if det3x3(H) == 0 {
			continue
		}
		cond := conditionNumber2x2(H[0][0], H[0][1], H[1][0], H[1][1])
		if math.Abs(1-cond) > conditionTolerance {
			continue
		}
		if math.Abs(H[2][0]) > perspectiveBound || math.Abs(H[2][1]) > perspectiveBound {
			continue
		}

		results = append(results, SearchHit{
			URL:        candURL,
			Metadata:   decodeMetadata(metadatas[candURL]),
			Similarity: 100 * ratio,
		})
	}
	return results, nil
}

// queryDescriptors returns url's local descriptors and their positions,
// preferring ones already indexed (avoids a redundant provider call) and
// falling back to computing them fresh when url is not yet in the
// collection.
func (c *Commands) queryDescriptors(ctx context.Context, b ModelBackend, url string) ([][]float32, []point2D, error) {
	entries, err := b.Store.QueryByPrefix(ctx, url+"#")
	if err != nil {
		return nil, nil, apierr.ServerError("search_by_url: %v", err)
	}

	if len(entries) > 0 {
		vecs := make([][]float32, 0, len(entries))
		pos := make([]point2D, 0, len(entries))
		for _, e := range entries {
			loc := strings.TrimPrefix(e.URL, url+"#")
			x, y, _, err := provider.DecodeLocation(loc)
			if err != nil {
				continue
			}
			vecs = append(vecs, e.Embedding)
			pos = append(pos, point2D{X: x, Y: y})
		}
		return vecs, pos, nil
	}

	img, err := c.loadImage(url)
	if err != nil {
		return nil, nil, err
	}
	descriptors, err := b.Provider.ImageEmbedding(ctx, img)
	if err != nil {
		return nil, nil, err
	}

	vecs := make([][]float32, 0, len(descriptors))
	pos := make([]point2D, 0, len(descriptors))
	for _, d := range descriptors {
		x, y, _, err := provider.DecodeLocation(d.Location)
		if err != nil {
			continue
		}
		vecs = append(vecs, d.Vector)
		pos = append(pos, point2D{X: x, Y: y})
	}
	return vecs, pos, nil
}

// collectMatchings walks each query descriptor's ranked hit list, keeping
// only the first appearance of each candidate url within that list (a
// SIFT-style ratio test could refine this; this baseline takes first match
// only), and returns matchings keyed by the candidate url_part — not the
// outer loop's query url — so metadata is attached to the value the
// candidate id actually represents.
func collectMatchings(hitLists [][]vectorstore.Hit, queryPos []point2D) (map[string][]localMatch, map[string]string, []string) {
	matchings := map[string][]localMatch{}
	metadatas := map[string]string{}
	var order []string

	for i, hits := range hitLists {
		seenInList := map[string]bool{}
		for _, h := range hits {
			idx := strings.LastIndex(h.URL, "#")
			if idx < 0 {
				continue
			}
			candURL := h.URL[:idx]
			loc := h.URL[idx+1:]
			if seenInList[candURL] {
				continue
			}
			seenInList[candURL] = true

			cx, cy, _, err := provider.DecodeLocation(loc)
			if err != nil {
				continue
			}
			if _, ok := matchings[candURL]; !ok {
				order = append(order, candURL)
			}
			matchings[candURL] = append(matchings[candURL], localMatch{
				queryPos: queryPos[i],
				candPos:  point2D{X: cx, Y: cy},
			})
			metadatas[candURL] = h.Metadata
		}
	}
	return matchings, metadatas, order
}
