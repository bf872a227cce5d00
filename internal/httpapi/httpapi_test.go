package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lklic/idios/internal/apierr"
	"github.com/lklic/idios/internal/command"
)

// fakeCaller stands in for a dispatcher client, routed to a map of
// command-name handlers instead of publishing to a real broker.
type fakeCaller struct {
	handlers map[string]func(args any, out any) error
}

func (f *fakeCaller) Call(ctx context.Context, cmd string, args any, out any) error {
	h, ok := f.handlers[cmd]
	if !ok {
		return apierr.ServerError("no fake handler for %q", cmd)
	}
	return h(args, out)
}

func newTestRouter(fc *fakeCaller) http.Handler {
	return newRouter(func() caller { return fc })
}

func TestPing_NoRPC(t *testing.T) {
	r := newTestRouter(&fakeCaller{})
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body != "pong" {
		t.Errorf("expected pong, got %q", body)
	}
}

func TestAdd_RejectsInvalidURL(t *testing.T) {
	r := newTestRouter(&fakeCaller{})
	body, _ := json.Marshal(map[string]any{"url": "not-a-url"})
	req := httptest.NewRequest(http.MethodPost, "/models/vit_b32/add", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAdd_Success(t *testing.T) {
	fc := &fakeCaller{handlers: map[string]func(args any, out any) error{
		"insert_images": func(args any, out any) error {
			result := out.(*command.InsertResult)
			result.Added = []string{"https://example.com/a.jpg"}
			return nil
		},
	}}
	r := newTestRouter(fc)
	body, _ := json.Marshal(map[string]any{"url": "https://example.com/a.jpg"})
	req := httptest.NewRequest(http.MethodPost, "/models/vit_b32/add", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSearchAdd_ConflictOnExistingURL(t *testing.T) {
	fc := &fakeCaller{handlers: map[string]func(args any, out any) error{
		"insert_images": func(args any, out any) error {
			result := out.(*command.InsertResult)
			result.Found = []string{"https://example.com/a.jpg"}
			return nil
		},
	}}
	r := newTestRouter(fc)
	body, _ := json.Marshal(map[string]any{"url": "https://example.com/a.jpg"})
	req := httptest.NewRequest(http.MethodPost, "/models/vit_b32/search_add", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestSearch_RequiresURLOrText(t *testing.T) {
	r := newTestRouter(&fakeCaller{})
	body, _ := json.Marshal(map[string]any{"limit": 5})
	req := httptest.NewRequest(http.MethodPost, "/models/vit_b32/search", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rec.Code)
	}
}

func TestSearch_ByURL(t *testing.T) {
	fc := &fakeCaller{handlers: map[string]func(args any, out any) error{
		"search_by_url": func(args any, out any) error {
			hits := out.(*[]command.SearchHit)
			*hits = []command.SearchHit{{URL: "https://example.com/b.jpg", Similarity: 92.5}}
			return nil
		},
	}}
	r := newTestRouter(fc)
	body, _ := json.Marshal(map[string]any{"url": "https://example.com/a.jpg"})
	req := httptest.NewRequest(http.MethodPost, "/models/vit_b32/search", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	// Decode into the raw wire shape (not command.SearchHit) so a missing
	// json tag on the Go struct would actually be caught here.
	var hits []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &hits); err != nil {
		t.Fatalf("decoding hits: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d: %s", len(hits), rec.Body.String())
	}
	if hits[0]["url"] != "https://example.com/b.jpg" {
		t.Errorf("expected lowercase %q key, got %+v", "url", hits[0])
	}
	if hits[0]["similarity"] != 92.5 {
		t.Errorf("expected lowercase %q key, got %+v", "similarity", hits[0])
	}
}

func TestAddBulk_WireShapeUsesLowercaseKeys(t *testing.T) {
	fc := &fakeCaller{handlers: map[string]func(args any, out any) error{
		"add_bulk": func(args any, out any) error {
			result := out.(*command.AddBulkResult)
			result.Added = []string{"https://example.com/a.jpg"}
			result.Failed = []command.AddBulkFailure{{URL: "https://example.com/bad.jpg", Error: "boom"}}
			return nil
		},
	}}
	r := newTestRouter(fc)
	body, _ := json.Marshal([]map[string]any{
		{"url": "https://example.com/a.jpg"},
		{"url": "https://example.com/bad.jpg"},
	})
	req := httptest.NewRequest(http.MethodPost, "/models/vit_b32/add_bulk", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if _, ok := result["added"]; !ok {
		t.Errorf("expected lowercase %q key, got %+v", "added", result)
	}
	failed, ok := result["failed"].([]any)
	if !ok || len(failed) != 1 {
		t.Fatalf("expected lowercase %q key with one entry, got %+v", "failed", result)
	}
	failure := failed[0].(map[string]any)
	if failure["url"] != "https://example.com/bad.jpg" || failure["error"] != "boom" {
		t.Errorf("expected lowercase %q/%q keys, got %+v", "url", "error", failure)
	}
}

func TestDump_WireShapeUsesLowercaseKeys(t *testing.T) {
	fc := &fakeCaller{handlers: map[string]func(args any, out any) error{
		"dump": func(args any, out any) error {
			entries := out.(*[]command.ImageEntry)
			*entries = []command.ImageEntry{{URL: "https://example.com/a.jpg", Embedding: []float32{0.1, 0.2}, Metadata: map[string]any{"k": "v"}}}
			return nil
		},
	}}
	r := newTestRouter(fc)
	req := httptest.NewRequest(http.MethodPost, "/models/vit_b32/dump", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var entries []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decoding entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d: %s", len(entries), rec.Body.String())
	}
	for _, key := range []string{"url", "embedding", "metadata"} {
		if _, ok := entries[0][key]; !ok {
			t.Errorf("expected lowercase %q key, got %+v", key, entries[0])
		}
	}
}

func TestCompare_UnsupportedMetricMapsTo500(t *testing.T) {
	fc := &fakeCaller{handlers: map[string]func(args any, out any) error{
		"compare": func(args any, out any) error {
			return apierr.ServerError("Distance calculation has not been implemented")
		},
	}}
	r := newTestRouter(fc)
	body, _ := json.Marshal(map[string]any{"url": "https://example.com/a.jpg", "other": "https://example.com/b.jpg"})
	req := httptest.NewRequest(http.MethodPost, "/models/vit_b32/compare", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestCount(t *testing.T) {
	fc := &fakeCaller{handlers: map[string]func(args any, out any) error{
		"count": func(args any, out any) error {
			n := out.(*int)
			*n = 42
			return nil
		},
	}}
	r := newTestRouter(fc)
	req := httptest.NewRequest(http.MethodGet, "/models/vit_b32/count", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var n int
	if err := json.Unmarshal(rec.Body.Bytes(), &n); err != nil {
		t.Fatalf("decoding count: %v", err)
	}
	if n != 42 {
		t.Errorf("expected 42, got %d", n)
	}
}

func TestRemove_InvalidURLIs422(t *testing.T) {
	r := newTestRouter(&fakeCaller{})
	body, _ := json.Marshal(map[string]any{"url": "ftp://example.com/a.jpg"})
	req := httptest.NewRequest(http.MethodPost, "/models/vit_b32/remove", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rec.Code)
	}
}

func TestLimit_OutOfBoundsIs422(t *testing.T) {
	r := newTestRouter(&fakeCaller{})
	body, _ := json.Marshal(map[string]any{"url": "https://example.com/a.jpg", "limit": 99999})
	req := httptest.NewRequest(http.MethodPost, "/models/vit_b32/search", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rec.Code)
	}
}
