package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hyperjump/docqa/internal/chunker"
	"github.com/hyperjump/docqa/internal/config"
	"github.com/hyperjump/docqa/internal/embedding"
	"github.com/hyperjump/docqa/internal/models"
	"github.com/hyperjump/docqa/internal/rag"
	"github.com/hyperjump/docqa/internal/service"
	"github.com/hyperjump/docqa/internal/session"
)

func newTestServer(t *testing.T, opts ...service.Option) http.Handler {
	t.Helper()
	store, err := session.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c, err := chunker.New(50, 10)
	if err != nil {
		t.Fatal(err)
	}
	svc := service.New(store, rag.New(c, embedding.NewHashEmbedder(32), store), nil, nil, opts...)
	return NewServer(svc, &config.ServerConfig{Host: "localhost", Port: 0}, nil).Handler()
}

func uploadRequest(t *testing.T, path, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

const document = "Discharge summary. The patient was treated for pneumonia with amoxicillin. " +
	"Continue amoxicillin 500mg three times daily for seven days. Return if fever persists."

func TestSessionLifecycle(t *testing.T) {
	h := newTestServer(t)

	rec := do(h, uploadRequest(t, "/api/v1/sessions", "summary.txt", []byte(document)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: status %d, body %s", rec.Code, rec.Body.String())
	}
	var created map[string]string
	decode(t, rec, &created)
	sid := created["session_id"]
	if sid == "" {
		t.Fatal("expected session_id")
	}

	rec = do(h, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+sid, nil))
	var st models.SessionStatus
	decode(t, rec, &st)
	if rec.Code != http.StatusOK || st.Processed {
		t.Errorf("status before process: %d %+v", rec.Code, st)
	}

	rec = do(h, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+sid+"/query", bytes.NewBufferString(`{"question":"dose?"}`)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("query before process: status %d, want 404", rec.Code)
	}

	rec = do(h, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+sid+"/process", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("process: status %d, body %s", rec.Code, rec.Body.String())
	}
	var processed service.ProcessResult
	decode(t, rec, &processed)
	if processed.Status != "done" || processed.Chunks == 0 {
		t.Errorf("unexpected process result %+v", processed)
	}

	rec = do(h, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+sid, nil))
	decode(t, rec, &st)
	if !st.Processed || st.Chunks != processed.Chunks {
		t.Errorf("status after process: %+v", st)
	}

	rec = do(h, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+sid+"/query",
		bytes.NewBufferString(`{"question":"Continue amoxicillin 500mg three times daily","k":2}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("query: status %d, body %s", rec.Code, rec.Body.String())
	}
	var resp models.QueryResponse
	decode(t, rec, &resp)
	if resp.Answer == "" || len(resp.Chunks) != 2 {
		t.Errorf("unexpected query response %+v", resp)
	}

	rec = do(h, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
	var list struct {
		Sessions []models.SessionStatus `json:"sessions"`
	}
	decode(t, rec, &list)
	if len(list.Sessions) != 1 || list.Sessions[0].SessionID != sid {
		t.Errorf("unexpected list %+v", list)
	}

	for i := 0; i < 2; i++ {
		rec = do(h, httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/"+sid, nil))
		var deleted map[string]bool
		decode(t, rec, &deleted)
		if rec.Code != http.StatusOK || !deleted["deleted"] {
			t.Errorf("delete #%d: %d %v", i+1, rec.Code, deleted)
		}
	}

	rec = do(h, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+sid, nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status after delete: %d, want 404", rec.Code)
	}
}

func TestLegacyRoutes(t *testing.T) {
	h := newTestServer(t)
	rec := do(h, uploadRequest(t, "/upload", "a.txt", []byte(document)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: %d", rec.Code)
	}
	var created map[string]string
	decode(t, rec, &created)
	sid := created["session_id"]

	if rec := do(h, httptest.NewRequest(http.MethodPost, "/process/"+sid, nil)); rec.Code != http.StatusOK {
		t.Errorf("process: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(h, httptest.NewRequest(http.MethodGet, "/status/"+sid, nil))
	var st map[string]interface{}
	decode(t, rec, &st)
	if st["processed"] != true {
		t.Errorf("status: %v", st)
	}
	rec = do(h, httptest.NewRequest(http.MethodPost, "/query/"+sid, bytes.NewBufferString(`{"question":"fever"}`)))
	var resp map[string]interface{}
	decode(t, rec, &resp)
	if _, ok := resp["answer"]; !ok || rec.Code != http.StatusOK {
		t.Errorf("query: %d %v", rec.Code, resp)
	}
	if rec := do(h, httptest.NewRequest(http.MethodDelete, "/cleanup/"+sid, nil)); rec.Code != http.StatusOK {
		t.Errorf("cleanup: %d", rec.Code)
	}
	if rec := do(h, httptest.NewRequest(http.MethodDelete, "/cleanup/never-there", nil)); rec.Code != http.StatusOK {
		t.Errorf("cleanup of absent session should succeed, got %d", rec.Code)
	}
}

func TestErrors(t *testing.T) {
	h := newTestServer(t, service.WithMaxUploadBytes(16))
	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"process unknown", httptest.NewRequest(http.MethodPost, "/api/v1/sessions/unknown/process", nil), http.StatusNotFound},
		{"status unknown", httptest.NewRequest(http.MethodGet, "/api/v1/sessions/unknown", nil), http.StatusNotFound},
		{"invalid id", httptest.NewRequest(http.MethodGet, "/api/v1/sessions/bad.id", nil), http.StatusBadRequest},
		{"query bad body", httptest.NewRequest(http.MethodPost, "/api/v1/sessions/x/query", bytes.NewBufferString("{")), http.StatusBadRequest},
		{"query empty question", httptest.NewRequest(http.MethodPost, "/api/v1/sessions/x/query", bytes.NewBufferString(`{"question":""}`)), http.StatusBadRequest},
		{"upload without form", httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewBufferString("raw")), http.StatusBadRequest},
		{"upload too large", uploadRequest(t, "/api/v1/sessions", "big.txt", bytes.Repeat([]byte("x"), 17)), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, tt.req)
			if rec.Code != tt.want {
				t.Errorf("status %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			var body map[string]string
			decode(t, rec, &body)
			if body["error"] == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestHealthAndCORS(t *testing.T) {
	h := newTestServer(t)
	rec := do(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("health: %d %v", rec.Code, rec.Header())
	}

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sessions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec = do(h, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight: status %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("preflight should list allowed methods")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrNotFound, http.StatusNotFound},
		{&rag.StageError{Stage: rag.StageLoad, SessionID: "s", Err: models.ErrSessionNotFound}, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", models.ErrInvalidSessionID), http.StatusBadRequest},
		{models.ErrInvalidInput, http.StatusBadRequest},
		{&rag.StageError{Stage: rag.StageSearch, SessionID: "s", Err: models.ErrDimensionMismatch}, http.StatusConflict},
		{&rag.StageError{Stage: rag.StageEmbed, SessionID: "s", Err: models.ErrEmbedding}, http.StatusBadGateway},
		{models.ErrGeneration, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
