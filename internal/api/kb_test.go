package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/ragd/internal/storage"
)

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (ts *testServer) addDocument(t *testing.T, body string) (*httptest.ResponseRecorder, map[string]string) {
	t.Helper()
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, authReq(http.MethodPost, "/v1/kb/documents", body, testToken))
	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	return rr, resp
}

func TestKB_TextQueued(t *testing.T) {
	ts := newTestServer(t, serverOptions{token: testToken})

	rr, resp := ts.addDocument(t, `{"type":"text","title":"RAG notes","content":"Retrieval first. Then generation."}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusAccepted)
	}
	if resp["status"] != "queued" || resp["id"] == "" {
		t.Fatalf("resp = %v", resp)
	}

	doc, err := ts.store.GetDocument(context.Background(), resp["id"])
	if err != nil {
		t.Fatalf("GetDocument(%q) failed: %v", resp["id"], err)
	}
	if doc.Title != "RAG notes" || doc.SourceURL != "inline" || doc.Status != storage.DocumentPending {
		t.Errorf("doc = %+v", doc)
	}

	job, err := ts.store.ClaimNextJob(context.Background(), []string{storage.JobIndexDocument})
	if err != nil || job == nil {
		t.Fatalf("ClaimNextJob = %v, %v; want a queued index job", job, err)
	}
}

func TestKB_Duplicate(t *testing.T) {
	ts := newTestServer(t, serverOptions{token: testToken})

	body := `{"type":"text","content":"The same paragraph twice."}`
	_, first := ts.addDocument(t, body)
	rr, second := ts.addDocument(t, body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if second["status"] != "duplicate" || second["id"] != first["id"] {
		t.Errorf("second = %v, first = %v", second, first)
	}
}

func TestKB_Validation(t *testing.T) {
	ts := newTestServer(t, serverOptions{token: testToken})

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{"type":`},
		{"empty content", `{"type":"text","content":"   "}`},
		{"url missing", `{"type":"url"}`},
		{"file missing name", `{"type":"file","content":"aGk="}`},
		{"file bad base64", `{"type":"file","filename":"a.txt","content":"%%%"}`},
		{"unknown type", `{"type":"video","content":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, _ := ts.addDocument(t, tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rr.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestKB_Auth(t *testing.T) {
	ts := newTestServer(t, serverOptions{token: testToken})

	for _, token := range []string{"", "wrong-token"} {
		rr := httptest.NewRecorder()
		ts.handler.ServeHTTP(rr, authReq(http.MethodGet, "/v1/kb/documents", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want %d", token, rr.Code, http.StatusUnauthorized)
		}
	}
}

func TestKB_NotMountedWithoutToken(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, authReq(http.MethodPost, "/v1/kb/documents", `{"content":"x"}`, ""))
	if rr.Code != http.StatusNotFound && rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestKB_URLType(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>Fetched Page</title></head><body><p>fetched content from URL</p><script>x()</script></body></html>`)
	}))
	t.Cleanup(upstream.Close)

	ts := newTestServer(t, serverOptions{token: testToken})

	rr, resp := ts.addDocument(t, fmt.Sprintf(`{"type":"url","url":"%s"}`, upstream.URL))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusAccepted)
	}

	doc, err := ts.store.GetDocument(context.Background(), resp["id"])
	if err != nil {
		t.Fatalf("GetDocument(%q) failed: %v", resp["id"], err)
	}
	if doc.Title != "Fetched Page" || doc.SourceURL != upstream.URL {
		t.Errorf("doc = %+v", doc)
	}
	if !strings.Contains(doc.Content, "fetched content from URL") || strings.Contains(doc.Content, "x()") {
		t.Errorf("doc.Content = %q", doc.Content)
	}
}

func TestKB_URLUpstreamError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(upstream.Close)

	ts := newTestServer(t, serverOptions{token: testToken})
	rr, _ := ts.addDocument(t, fmt.Sprintf(`{"type":"url","url":"%s"}`, upstream.URL))
	if rr.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusBadGateway)
	}
}

func TestKB_FileBase64(t *testing.T) {
	ts := newTestServer(t, serverOptions{token: testToken})

	encoded := base64.StdEncoding.EncodeToString([]byte("Hello, World!"))
	rr, resp := ts.addDocument(t, fmt.Sprintf(`{"type":"file","filename":"greeting.txt","content":"%s"}`, encoded))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusAccepted)
	}

	doc, err := ts.store.GetDocument(context.Background(), resp["id"])
	if err != nil {
		t.Fatalf("GetDocument(%q) failed: %v", resp["id"], err)
	}
	if doc.Content != "Hello, World!" {
		t.Errorf("doc.Content = %q, want %q", doc.Content, "Hello, World!")
	}
	if doc.Title != "greeting" || doc.SourceURL != "upload://greeting.txt" {
		t.Errorf("doc = %+v", doc)
	}
}

func TestKB_ListGetDelete(t *testing.T) {
	ts := newTestServer(t, serverOptions{token: testToken})

	var ids []string
	for i := range 3 {
		_, resp := ts.addDocument(t, fmt.Sprintf(`{"content":"document number %d"}`, i))
		ids = append(ids, resp["id"])
	}

	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, authReq(http.MethodGet, "/v1/kb/documents?limit=2", "", testToken))
	var docs []storage.Document
	if err := json.NewDecoder(rr.Body).Decode(&docs); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("len(docs) = %d, want 2", len(docs))
	}

	rr = httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, authReq(http.MethodGet, "/v1/kb/documents/"+ids[0], "", testToken))
	if rr.Code != http.StatusOK || strings.Contains(rr.Body.String(), "document number") {
		t.Errorf("get = %d %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, authReq(http.MethodDelete, "/v1/kb/documents/"+ids[0], "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rr.Code)
	}

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		rr = httptest.NewRecorder()
		ts.handler.ServeHTTP(rr, authReq(method, "/v1/kb/documents/"+ids[0], "", testToken))
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s after delete: status = %d, want 404", method, rr.Code)
		}
	}
}

func TestKB_IndexedDocumentIsRetrievable(t *testing.T) {
	ts := newTestServer(t, serverOptions{token: testToken})
	res, err := ts.kb.AddText(context.Background(), "RAG", "https://kb.example/rag", "Retrieval-augmented generation cites sources.")
	if err != nil {
		t.Fatalf("AddText: %v", err)
	}
	if res.Passages != 1 {
		t.Fatalf("passages = %d", res.Passages)
	}

	rr := ts.post(t, `{"query": "What is RAG?"}`)
	var body answerBody
	json.Unmarshal(rr.Body.Bytes(), &body)
	if rr.Code != http.StatusOK || len(body.Citations) != 1 || body.Citations[0].SourceURL != "https://kb.example/rag" {
		t.Errorf("answer = %d %s", rr.Code, rr.Body.String())
	}
}
