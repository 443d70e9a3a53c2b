package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/ragd/internal/ingest"
	"github.com/kalambet/ragd/internal/storage"
)

const maxIngestBodySize = 10 << 20 // 10MB
const maxURLFetchSize = 5 << 20    // 5MB

// KnowledgeBase is what the admin routes need from ingestion and storage.
type KnowledgeBase interface {
	Enqueue(ctx context.Context, title, sourceURL, text string) (ingest.Result, error)
	Remove(ctx context.Context, documentID string) error
	ListDocuments(ctx context.Context, limit, offset int) ([]storage.Document, error)
	GetDocument(ctx context.Context, id string) (storage.Document, error)
}

// AddDocumentRequest is the body of POST /v1/kb/documents. Type is one of
// text (default), url, or file; file content is base64 and Filename picks
// the extractor.
type AddDocumentRequest struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	URL       string `json:"url"`
	Filename  string `json:"filename"`
	SourceURL string `json:"source_url"`
}

func handleAddDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req AddDocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "validation_error", "invalid request body: %v", err)
			return
		}
		if req.Type == "" {
			req.Type = "text"
		}

		var text string
		source := req.SourceURL
		switch req.Type {
		case "text":
			if strings.TrimSpace(req.Content) == "" {
				httpError(w, http.StatusBadRequest, "validation_error", "content is required")
				return
			}
			text = req.Content
			if source == "" {
				source = "inline"
			}

		case "url":
			if req.URL == "" {
				httpError(w, http.StatusBadRequest, "validation_error", "url is required")
				return
			}
			ex, status, err := fetchURL(r.Context(), deps.HTTPClient, req.URL)
			if err != nil {
				httpError(w, status, "validation_error", "%v", err)
				return
			}
			text = ex.Text
			if req.Title == "" {
				req.Title = ex.Title
			}
			if req.Title == "" {
				req.Title = req.URL
			}
			source = req.URL

		case "file":
			if req.Filename == "" || req.Content == "" {
				httpError(w, http.StatusBadRequest, "validation_error", "filename and content are required")
				return
			}
			decoded, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "validation_error", "invalid base64 content")
				return
			}
			ex, err := extractUpload(req.Filename, decoded)
			if err != nil {
				httpError(w, http.StatusBadRequest, "validation_error", "could not extract text: %v", err)
				return
			}
			text = ex.Text
			if req.Title == "" {
				req.Title = ex.Title
			}
			if source == "" {
				source = "upload://" + filepath.Base(req.Filename)
			}

		default:
			httpError(w, http.StatusBadRequest, "validation_error", "type must be text, url or file")
			return
		}

		res, err := deps.KB.Enqueue(r.Context(), req.Title, source, text)
		if errors.Is(err, ingest.ErrEmptyDocument) {
			httpError(w, http.StatusBadRequest, "validation_error", "document has no text")
			return
		}
		if err != nil {
			deps.Logger.Error("adding document", "error", err)
			httpError(w, http.StatusInternalServerError, "internal_error", "failed to add document")
			return
		}

		status := "queued"
		code := http.StatusAccepted
		if res.Duplicate {
			status = "duplicate"
			code = http.StatusOK
		}
		writeJSON(w, code, map[string]string{"id": res.DocumentID, "status": status})
	}
}

// fetchURL downloads a page and extracts its text. The returned status is
// the one to respond with on error.
func fetchURL(ctx context.Context, client *http.Client, rawURL string) (ingest.Extracted, int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ingest.Extracted{}, http.StatusBadRequest, fmt.Errorf("invalid url: %w", err)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return ingest.Extracted{}, http.StatusBadGateway, fmt.Errorf("failed to fetch url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ingest.Extracted{}, http.StatusBadGateway, fmt.Errorf("url returned status %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxURLFetchSize)
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/html" || mediaType == "application/xhtml+xml" {
		ex, err := ingest.ExtractHTML(body)
		if err != nil {
			return ingest.Extracted{}, http.StatusBadGateway, err
		}
		return ex, 0, nil
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return ingest.Extracted{}, http.StatusBadGateway, fmt.Errorf("failed to read url response: %w", err)
	}
	return ingest.Extracted{Text: string(data)}, 0, nil
}

// extractUpload spools an uploaded file to disk so the extension-based
// extractors (PDF needs a seekable file) can read it.
func extractUpload(filename string, data []byte) (ingest.Extracted, error) {
	f, err := os.CreateTemp("", "ragd-upload-*"+strings.ToLower(filepath.Ext(filename)))
	if err != nil {
		return ingest.Extracted{}, err
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(data); err != nil {
		f.Close()
		return ingest.Extracted{}, err
	}
	if err := f.Close(); err != nil {
		return ingest.Extracted{}, err
	}

	ex, err := ingest.ExtractFile(f.Name())
	if err != nil {
		return ingest.Extracted{}, err
	}
	if base := filepath.Base(filename); ex.Title == "" || strings.HasPrefix(ex.Title, "ragd-upload-") {
		ex.Title = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return ex, nil
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		docs, err := deps.KB.ListDocuments(r.Context(), limit, offset)
		if err != nil {
			deps.Logger.Error("listing documents", "error", err)
			httpError(w, http.StatusInternalServerError, "internal_error", "failed to list documents")
			return
		}
		if docs == nil {
			docs = []storage.Document{}
		}
		writeJSON(w, http.StatusOK, docs)
	}
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := deps.KB.GetDocument(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			deps.Logger.Error("getting document", "error", err)
			httpError(w, http.StatusInternalServerError, "internal_error", "failed to get document")
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.KB.Remove(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			deps.Logger.Error("deleting document", "error", err)
			httpError(w, http.StatusInternalServerError, "internal_error", "failed to delete document")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
