// Package httpapi translates the REST surface into dispatcher calls: it
// validates inputs, opens a fresh dispatcher client per request (the broker
// client is not safe for concurrent reuse, and a shared client would
// serialise the whole server on its blocking reply wait), and maps the
// typed errors that come back over the wire to HTTP status codes.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/lklic/idios/internal/apierr"
	"github.com/lklic/idios/internal/command"
	"github.com/lklic/idios/internal/dispatcher"
	"github.com/lklic/idios/internal/httputil"
	"github.com/lklic/idios/internal/middleware"
)

// caller is the subset of *dispatcher.Client the front-end depends on.
// Handlers go through this interface, rather than the concrete type, so
// tests can substitute an in-process fake instead of publishing to a real
// broker — the same injection seam command.Commands uses for image
// loading.
type caller interface {
	Call(ctx context.Context, command string, args any, out any) error
}

// NewRouter builds the Idios HTTP front-end. brokers is the Kafka broker
// list each request's dispatcher client publishes to and reads replies
// from.
func NewRouter(brokers []string) *mux.Router {
	return newRouter(func() caller { return dispatcher.NewClient(brokers) })
}

func newRouter(newClient func() caller) *mux.Router {
	h := &handlers{newClient: newClient}

	r := mux.NewRouter()
	r.Use(middleware.RateLimitMiddleware(100, 200))

	r.HandleFunc("/ping", h.ping).Methods(http.MethodGet)
	r.HandleFunc("/models/{model}/add", h.add).Methods(http.MethodPost)
	r.HandleFunc("/models/{model}/search_add", h.searchAdd).Methods(http.MethodPost)
	r.HandleFunc("/models/{model}/add_bulk", h.addBulk).Methods(http.MethodPost)
	r.HandleFunc("/models/{model}/restore", h.restore).Methods(http.MethodPost)
	r.HandleFunc("/models/{model}/search", h.search).Methods(http.MethodPost)
	r.HandleFunc("/models/{model}/compare", h.compare).Methods(http.MethodPost)
	r.HandleFunc("/models/{model}/urls", h.urls).Methods(http.MethodPost)
	r.HandleFunc("/models/{model}/dump", h.dump).Methods(http.MethodPost)
	r.HandleFunc("/models/{model}/count", h.count).Methods(http.MethodGet)
	r.HandleFunc("/models/{model}/remove", h.remove).Methods(http.MethodPost)
	return r
}

type handlers struct {
	newClient func() caller
}

// client opens a fresh dispatcher client for one request's lifetime.
func (h *handlers) client() caller {
	return h.newClient()
}

func modelFromPath(r *http.Request) string {
	return mux.Vars(r)["model"]
}

// writeErr maps a dispatcher/command error to its HTTP status, per the
// taxonomy: parameter_error -> 422, server_error -> 500, anything else
// (transport failure, JSON decode) -> 500.
func writeErr(w http.ResponseWriter, err error) {
	if apiErr, ok := apierr.AsError(err); ok {
		switch apiErr.Kind {
		case apierr.KindParameter:
			httputil.WriteError(w, http.StatusUnprocessableEntity, apiErr.Message)
			return
		case apierr.KindServer:
			httputil.WriteError(w, http.StatusInternalServerError, apiErr.Message)
			return
		}
	}
	httputil.WriteError(w, http.StatusInternalServerError, err.Error())
}

func decodeBody(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		return apierr.ParameterError("invalid request body: %v", err)
	}
	return nil
}

// ping answers liveness. With rpc=true it round-trips through the
// dispatcher (job topic -> a worker -> reply topic), proving the whole
// pipeline is alive; otherwise it answers directly from the HTTP process.
func (h *handlers) ping(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("rpc") == "true" {
		c := h.client()
		var pong string
		if err := c.Call(r.Context(), "ping", nil, &pong); err != nil {
			writeErr(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, pong)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, "pong")
}

type addRequest struct {
	URL      string `json:"url"`
	Metadata any    `json:"metadata"`
}

func (h *handlers) insert(w http.ResponseWriter, r *http.Request, replaceExisting bool) (*command.InsertResult, bool) {
	model := modelFromPath(r)
	var req addRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return nil, false
	}
	if err := validateURL(req.URL); err != nil {
		writeErr(w, err)
		return nil, false
	}
	if err := validateMetadataSize(req.Metadata); err != nil {
		writeErr(w, err)
		return nil, false
	}

	c := h.client()
	args := map[string]any{
		"model":            model,
		"urls":             []string{req.URL},
		"metadatas":        []any{req.Metadata},
		"embeddings":       nil,
		"replace_existing": replaceExisting,
	}
	var result command.InsertResult
	if err := c.Call(r.Context(), "insert_images", args, &result); err != nil {
		writeErr(w, err)
		return nil, false
	}
	return &result, true
}

// add implements POST /models/{model}/add: upsert a single url.
func (h *handlers) add(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.insert(w, r, true); !ok {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// searchAdd implements POST /models/{model}/search_add: insert only if the
// url is not already present, surfacing 409 when it is.
func (h *handlers) searchAdd(w http.ResponseWriter, r *http.Request) {
	result, ok := h.insert(w, r, false)
	if !ok {
		return
	}
	if len(result.Found) > 0 {
		httputil.WriteError(w, http.StatusConflict, "url already exists")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// addBulk implements POST /models/{model}/add_bulk.
func (h *handlers) addBulk(w http.ResponseWriter, r *http.Request) {
	model := modelFromPath(r)
	var items []addRequest
	if err := decodeBody(r, &items); err != nil {
		writeErr(w, err)
		return
	}

	urls := make([]string, len(items))
	metadatas := make([]any, len(items))
	for i, item := range items {
		if err := validateURL(item.URL); err != nil {
			writeErr(w, err)
			return
		}
		if err := validateMetadataSize(item.Metadata); err != nil {
			writeErr(w, err)
			return
		}
		urls[i] = item.URL
		metadatas[i] = item.Metadata
	}

	c := h.client()
	args := map[string]any{"model": model, "urls": urls, "metadatas": metadatas}
	var result command.AddBulkResult
	if err := c.Call(r.Context(), "add_bulk", args, &result); err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

type restoreRequest struct {
	URL       string    `json:"url"`
	Metadata  any       `json:"metadata"`
	Embedding []float32 `json:"embedding"`
}

// restore implements POST /models/{model}/restore.
func (h *handlers) restore(w http.ResponseWriter, r *http.Request) {
	model := modelFromPath(r)
	var items []restoreRequest
	if err := decodeBody(r, &items); err != nil {
		writeErr(w, err)
		return
	}

	urls := make([]string, len(items))
	metadatas := make([]any, len(items))
	embeddings := make([][]float32, len(items))
	for i, item := range items {
		if err := validateURL(item.URL); err != nil {
			writeErr(w, err)
			return
		}
		urls[i] = item.URL
		metadatas[i] = item.Metadata
		embeddings[i] = item.Embedding
	}

	c := h.client()
	args := map[string]any{"model": model, "urls": urls, "metadatas": metadatas, "embeddings": embeddings}
	if err := c.Call(r.Context(), "restore", args, nil); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type searchRequest struct {
	URL   string `json:"url"`
	Text  string `json:"text"`
	Limit int    `json:"limit"`
}

// search implements POST /models/{model}/search.
func (h *handlers) search(w http.ResponseWriter, r *http.Request) {
	model := modelFromPath(r)
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.URL == "" && req.Text == "" {
		writeErr(w, apierr.ParameterError("search requires either url or text"))
		return
	}
	limit, err := boundLimit(req.Limit)
	if err != nil {
		writeErr(w, err)
		return
	}

	c := h.client()
	var hits []command.SearchHit
	if req.URL != "" {
		if err := validateURL(req.URL); err != nil {
			writeErr(w, err)
			return
		}
		args := map[string]any{"model": model, "url": req.URL, "limit": limit}
		err = c.Call(r.Context(), "search_by_url", args, &hits)
	} else {
		args := map[string]any{"model": model, "text": req.Text, "limit": limit}
		err = c.Call(r.Context(), "search_by_text", args, &hits)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, hits)
}

type compareRequest struct {
	URL   string `json:"url"`
	Other string `json:"other"`
}

// compare implements POST /models/{model}/compare.
func (h *handlers) compare(w http.ResponseWriter, r *http.Request) {
	model := modelFromPath(r)
	var req compareRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := validateURL(req.URL); err != nil {
		writeErr(w, err)
		return
	}
	if err := validateURL(req.Other); err != nil {
		writeErr(w, err)
		return
	}

	c := h.client()
	args := map[string]any{"model": model, "left": req.URL, "right": req.Other}
	var similarity float64
	if err := c.Call(r.Context(), "compare", args, &similarity); err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, similarity)
}

type cursorRequest struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}

type listImagesResult struct {
	Images []command.ImageEntry `json:"images"`
	Cursor []string             `json:"cursor"`
}

// urls implements POST /models/{model}/urls: one page of urls only.
func (h *handlers) urls(w http.ResponseWriter, r *http.Request) {
	model := modelFromPath(r)
	var req cursorRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	limit, err := boundLimit(req.Limit)
	if err != nil {
		writeErr(w, err)
		return
	}

	c := h.client()
	args := map[string]any{"model": model, "cursor": req.Cursor, "limit": limit, "include_fields": false}
	var result listImagesResult
	if err := c.Call(r.Context(), "list_images", args, &result); err != nil {
		writeErr(w, err)
		return
	}

	out := result.Cursor
	if out == nil {
		out = make([]string, 0, len(result.Images))
		for _, e := range result.Images {
			out = append(out, e.URL)
		}
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// dump implements POST /models/{model}/dump.
func (h *handlers) dump(w http.ResponseWriter, r *http.Request) {
	model := modelFromPath(r)
	var req cursorRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	limit, err := boundLimit(req.Limit)
	if err != nil {
		writeErr(w, err)
		return
	}

	c := h.client()
	args := map[string]any{"model": model, "cursor": req.Cursor, "limit": limit}
	var entries []command.ImageEntry
	if err := c.Call(r.Context(), "dump", args, &entries); err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entries)
}

// count implements GET /models/{model}/count.
func (h *handlers) count(w http.ResponseWriter, r *http.Request) {
	model := modelFromPath(r)
	c := h.client()
	args := map[string]any{"model": model}
	var n int
	if err := c.Call(r.Context(), "count", args, &n); err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, n)
}

type removeRequest struct {
	URL string `json:"url"`
}

// remove implements POST /models/{model}/remove.
func (h *handlers) remove(w http.ResponseWriter, r *http.Request) {
	model := modelFromPath(r)
	var req removeRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := validateURL(req.URL); err != nil {
		writeErr(w, err)
		return
	}

	c := h.client()
	args := map[string]any{"model": model, "urls": []string{req.URL}}
	if err := c.Call(r.Context(), "remove_images", args, nil); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
