package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lklic/idios/internal/apierr"
)

// HTTPLocalProvider is a cardinality>1 Provider backing local-feature models
// (SIFT-like): it posts an image to an external keypoint-descriptor service
// and returns an ordered sequence of (vector, location) pairs. It never
// supports text queries.
type HTTPLocalProvider struct {
	baseURL     string
	apiKey      string
	cardinality int
	httpClient  *http.Client
}

// NewHTTPLocalProvider creates a local-feature provider backed by an
// external service reachable at baseURL, capped at cardinality descriptors
// per image.
func NewHTTPLocalProvider(baseURL, apiKey string, cardinality int) *HTTPLocalProvider {
	return &HTTPLocalProvider{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		cardinality: cardinality,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *HTTPLocalProvider) Cardinality() int { return p.cardinality }

type localKeypoint struct {
	Vector []float32 `json:"vector"`
	X      float64   `json:"x"`
	Y      float64   `json:"y"`
	Angle  float64   `json:"angle"`
}

type localEmbedResponse struct {
	Keypoints []localKeypoint `json:"keypoints"`
}

// ImageEmbedding returns up to p.cardinality descriptors, ordered by
// decreasing keypoint response as supplied by the external service. Location
// is encoded as "x_y_angle" with coordinates rounded to two decimals, making
// the tag reversible for the command layer's composite-key parsing.
func (p *HTTPLocalProvider) ImageEmbedding(ctx context.Context, img image.Image) ([]Descriptor, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 92}); err != nil {
		return nil, apierr.ServerError("encoding image for local embedding call: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embed/local", &buf)
	if err != nil {
		return nil, apierr.ServerError("building local embedding request: %v", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, apierr.ServerError("calling local embedding service: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apierr.ServerError("local embedding service returned %d", resp.StatusCode)
	}

	var result localEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apierr.ServerError("decoding local embedding response: %v", err)
	}

	keypoints := result.Keypoints
	if len(keypoints) > p.cardinality {
		keypoints = keypoints[:p.cardinality]
	}

	descriptors := make([]Descriptor, len(keypoints))
	for i, kp := range keypoints {
		descriptors[i] = Descriptor{
			Vector:   kp.Vector,
			Location: EncodeLocation(kp.X, kp.Y, kp.Angle),
		}
	}
	return descriptors, nil
}

func (p *HTTPLocalProvider) TextEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, ErrTextUnsupported
}

// EncodeLocation renders a keypoint's position and orientation as the
// reversible "x_y_angle" tag used as the composite-key suffix, rounding each
// component to two decimals.
func EncodeLocation(x, y, angle float64) string {
	return fmt.Sprintf("%s_%s_%s", formatCoord(x), formatCoord(y), formatCoord(angle))
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(roundTwoDecimals(v), 'f', 2, 64)
}

func roundTwoDecimals(v float64) float64 {
	return float64(int64(v*100+signOf(v)*0.5)) / 100
}

func signOf(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// DecodeLocation parses a "x_y_angle" tag back into its components. Only the
// first two are needed by the geometric-verification path, but angle is
// returned for completeness.
func DecodeLocation(location string) (x, y, angle float64, err error) {
	parts := strings.Split(location, "_")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("provider: malformed location %q", location)
	}
	x, err = strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("provider: malformed location %q: %w", location, err)
	}
	y, err = strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("provider: malformed location %q: %w", location, err)
	}
	angle, err = strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("provider: malformed location %q: %w", location, err)
	}
	return x, y, angle, nil
}
