package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/paperbase/internal/model"
	"github.com/sells-group/paperbase/internal/store"
)

func newSeededStore(t *testing.T) (store.Store, *model.Document) {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	doc, err := st.UpsertDocument(context.Background(), "hash-1", "/papers/smith2021.pdf")
	require.NoError(t, err)

	id, err := model.ParseRecordID("Smith_2021_1_r1")
	require.NoError(t, err)
	require.NoError(t, st.InsertRecords(context.Background(), []model.Record{
		{
			DocumentID:     doc.ID,
			ID:             id,
			Fields:         map[string]any{"species": "Apis mellifera", "sample_size": 10},
			ExtractionTime: time.Now().UTC(),
		},
	}))
	return st, doc
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestReviewAPI_Health(t *testing.T) {
	st, _ := newSeededStore(t)
	rr := doRequest(t, newReviewRouter(st), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestReviewAPI_ListDocuments(t *testing.T) {
	st, doc := newSeededStore(t)
	rr := doRequest(t, newReviewRouter(st), http.MethodGet, "/api/documents", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var docs []model.Document
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, doc.ID, docs[0].ID)
}

func TestReviewAPI_GetDocumentNotFound(t *testing.T) {
	st, _ := newSeededStore(t)
	rr := doRequest(t, newReviewRouter(st), http.MethodGet, "/api/documents/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestReviewAPI_EditRecord(t *testing.T) {
	st, doc := newSeededStore(t)
	router := newReviewRouter(st)

	rr := doRequest(t, router, http.MethodPatch,
		"/api/documents/"+doc.ID+"/records/Smith_2021_1_r1",
		map[string]any{"column": "sample_size", "value": 12})
	require.Equal(t, http.StatusOK, rr.Code)

	recs, err := st.ListRecords(context.Background(), doc.ID, false)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	v, ok := recs[0].FieldString("sample_size")
	require.True(t, ok)
	assert.Equal(t, "12", v)
	assert.NotNil(t, recs[0].HumanEdited)

	// The original value lands in the audit trail.
	edits, err := st.ListRecordEdits(context.Background(), "Smith_2021_1_r1")
	require.NoError(t, err)
	require.Len(t, edits, 1)
	assert.Equal(t, "sample_size", edits[0].ColumnName)
	assert.Equal(t, "10", edits[0].OriginalValue)
}

func TestReviewAPI_EditRecordValidation(t *testing.T) {
	st, doc := newSeededStore(t)
	router := newReviewRouter(st)

	rr := doRequest(t, router, http.MethodPatch,
		"/api/documents/"+doc.ID+"/records/Smith_2021_1_r1",
		map[string]any{"value": 12})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(t, router, http.MethodPatch,
		"/api/documents/"+doc.ID+"/records/Smith_2021_1_r9",
		map[string]any{"column": "sample_size", "value": 12})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestReviewAPI_DeleteRecord(t *testing.T) {
	st, doc := newSeededStore(t)
	router := newReviewRouter(st)

	rr := doRequest(t, router, http.MethodDelete,
		"/api/documents/"+doc.ID+"/records/Smith_2021_1_r1", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	recs, err := st.ListRecords(context.Background(), doc.ID, false)
	require.NoError(t, err)
	assert.Empty(t, recs)

	// Deleted rows stay visible when asked for.
	rr = doRequest(t, router, http.MethodGet,
		"/api/documents/"+doc.ID+"/records?include_deleted=true", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var all []model.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &all))
	require.Len(t, all, 1)
	assert.NotNil(t, all[0].DeletedByUser)
}

func TestReviewAPI_MarkReviewed(t *testing.T) {
	st, doc := newSeededStore(t)
	router := newReviewRouter(st)

	rr := doRequest(t, router, http.MethodPost, "/api/documents/"+doc.ID+"/reviewed", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	got, err := st.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ReviewedAt)

	// Reviewed filter picks it up.
	rr = doRequest(t, router, http.MethodGet, "/api/documents?reviewed=true", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var docs []model.Document
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &docs))
	assert.Len(t, docs, 1)
}
