package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lklic/idios/internal/apierr"
)

// HTTPGlobalProvider is a cardinality-1 Provider that delegates embedding
// computation to an external inference service over HTTP, the same
// thin-client shape as the teacher's providers.OpenAI and the CLIPProvider
// found across the example corpus's visual-search services.
type HTTPGlobalProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPGlobalProvider creates a global embedding provider backed by an
// external service reachable at baseURL.
func NewHTTPGlobalProvider(baseURL, apiKey string) *HTTPGlobalProvider {
	return &HTTPGlobalProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *HTTPGlobalProvider) Cardinality() int { return 1 }

type embedVectorResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (p *HTTPGlobalProvider) ImageEmbedding(ctx context.Context, img image.Image) ([]Descriptor, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 92}); err != nil {
		return nil, apierr.ServerError("encoding image for embedding call: %v", err)
	}

	vec, err := p.postEmbed(ctx, "/embed/image", "image/jpeg", &buf)
	if err != nil {
		return nil, err
	}
	return []Descriptor{{Vector: vec}}, nil
}

func (p *HTTPGlobalProvider) TextEmbedding(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, apierr.ServerError("encoding text embedding request: %v", err)
	}
	return p.postEmbed(ctx, "/embed/text", "application/json", bytes.NewReader(body))
}

func (p *HTTPGlobalProvider) postEmbed(ctx context.Context, path, contentType string, body io.Reader) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, body)
	if err != nil {
		return nil, apierr.ServerError("building embedding request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, apierr.ServerError("calling embedding service: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, apierr.ServerError("embedding service returned %d: %s", resp.StatusCode, string(msg))
	}

	var result embedVectorResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apierr.ServerError("decoding embedding response: %v", err)
	}
	if len(result.Embedding) == 0 {
		return nil, apierr.ServerError("embedding service returned no vector")
	}
	return result.Embedding, nil
}
