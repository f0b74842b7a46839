package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/derm-screen/classify"
	"github.com/nvr-ai/derm-screen/errs"
	"github.com/nvr-ai/derm-screen/pipeline"
)

type fakeClassifier struct {
	ready   bool
	verdict *classify.Verdict
	err     error
	got     atomic.Int64
}

func (f *fakeClassifier) Run(_ context.Context, data []byte, _ pipeline.Observer) (*classify.Verdict, error) {
	f.got.Store(int64(len(data)))
	return f.verdict, f.err
}

func (f *fakeClassifier) Ready() bool { return f.ready }

func upload(t *testing.T, field string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile(field, "lesion.png")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &body, w.FormDataContentType()
}

func post(t *testing.T, router *gin.Engine, field string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := upload(t, field, data)
	req := httptest.NewRequest(http.MethodPost, "/v1/diagnose", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	return body
}

func TestHealth(t *testing.T) {
	for _, ready := range []bool{false, true} {
		router := New(&fakeClassifier{ready: ready}, Options{Mode: gin.TestMode})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, ready, body["modelLoaded"])
	}
}

func TestDiagnoseReturnsVerdict(t *testing.T) {
	verdict, err := classify.Classify([]float32{5.0, 0.1}, []string{"benign", "malignant"}, classify.DefaultPolicy())
	require.NoError(t, err)
	fc := &fakeClassifier{ready: true, verdict: verdict}
	router := New(fc, Options{Mode: gin.TestMode})

	rec := post(t, router, "image", []byte("image bytes"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(len("image bytes")), fc.got.Load())

	var got classify.Verdict
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, *verdict, got)
}

func TestDiagnoseMissingField(t *testing.T) {
	router := New(&fakeClassifier{}, Options{Mode: gin.TestMode})
	rec := post(t, router, "photo", []byte("x"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec)["error"], "image")

	req := httptest.NewRequest(http.MethodPost, "/v1/diagnose", bytes.NewReader([]byte("not multipart")))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDiagnoseOversizedUpload(t *testing.T) {
	fc := &fakeClassifier{}
	router := New(fc, Options{Mode: gin.TestMode, MaxUploadBytes: 1 << 10})

	rec := post(t, router, "image", bytes.Repeat([]byte{0xff}, 4<<10))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, fc.got.Load(), "oversized uploads never reach the pipeline")

	rec = post(t, router, "image", bytes.Repeat([]byte{0xff}, 256<<10))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestDiagnoseErrorMapping(t *testing.T) {
	cases := []struct {
		kind   errs.Kind
		stage  pipeline.State
		status int
	}{
		{errs.Decode, pipeline.StatePreprocessing, http.StatusUnprocessableEntity},
		{errs.AssetUnreachable, pipeline.StateLoading, http.StatusServiceUnavailable},
		{errs.AssetTooSmall, pipeline.StateLoading, http.StatusServiceUnavailable},
		{errs.ModelLoad, pipeline.StateLoading, http.StatusServiceUnavailable},
		{errs.ShapeMismatch, pipeline.StateInferring, http.StatusInternalServerError},
		{errs.InferenceRuntime, pipeline.StateInferring, http.StatusInternalServerError},
		{errs.Internal, pipeline.StatePostprocessing, http.StatusInternalServerError},
		{errs.Canceled, pipeline.StateInferring, http.StatusRequestTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			fc := &fakeClassifier{err: &pipeline.StageError{Stage: tc.stage, Err: errs.Errorf(tc.kind, "test", "failure")}}
			rec := post(t, New(fc, Options{Mode: gin.TestMode}), "image", []byte("bytes"))

			assert.Equal(t, tc.status, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, tc.kind.String(), body["kind"])
			assert.Equal(t, string(tc.stage), body["stage"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestUnknownRoute(t *testing.T) {
	router := New(&fakeClassifier{}, Options{Mode: gin.TestMode})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v2/nothing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ListenAndServe(ctx, "127.0.0.1:0", http.NotFoundHandler(), Timeouts{})
	}()
	cancel()
	assert.NoError(t, <-done)
}
