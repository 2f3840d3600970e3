package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surveyhub/api/internal/archive"
	"surveyhub/api/internal/metrics"
	"surveyhub/api/internal/store"
)

type unreachableStore struct {
	*store.MemoryStore
}

func (unreachableStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	svc, _ := newTestService(t, WithMetrics(metrics.NewEngine(reg)))
	return NewHTTPServer(svc, "*", WithHTTPLogger(discardLogger()), WithGatherer(reg)).Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndReady(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeMap(t, rec)["ok"])

	rec = doJSON(t, h, http.MethodGet, "/api/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decodeMap(t, rec)["status"])

	down := New(unreachableStore{store.NewMemoryStore()}, WithLogger(discardLogger()))
	rec = doJSON(t, NewHTTPServer(down, "*", WithHTTPLogger(discardLogger())).Handler(), http.MethodGet, "/api/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "not_ready", body["status"])
	assert.Equal(t, "error", body["checks"].(map[string]any)["database"].(map[string]any)["status"])
}

func TestHTTPErrorEnvelope(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/api/surveys", map[string]any{"title": "No name"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, codeValidation, body["code"])
	assert.NotEmpty(t, body["error"])
	assert.NotNil(t, body["details"])

	rec = doJSON(t, h, http.MethodPost, "/api/surveys", `{"nameId":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_BODY", decodeMap(t, rec)["code"])

	rec = doJSON(t, h, http.MethodGet, "/api/surveys/srv_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeMap(t, rec)["code"])

	rec = doJSON(t, h, http.MethodGet, "/api/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/surveys/search?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_QUERY", decodeMap(t, rec)["code"])

	rec = doJSON(t, h, http.MethodPost, "/api/containers/srv_missing/questions", map[string]any{"text": "untyped"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHTTPSurveyLifecycle(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/api/surveys", map[string]any{"nameId": "alpha", "title": "Alpha"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	survey := decodeMap(t, rec)
	surveyID := survey["id"].(string)
	assert.Equal(t, "EDIT", survey["releaseStatus"])
	assert.Equal(t, []any{}, survey["questionIds"])

	rec = doJSON(t, h, http.MethodPost, "/api/containers/"+surveyID+"/questions", map[string]any{
		"type":          "CHOICE",
		"text":          "Pick one",
		"answers":       []string{"red", "blue"},
		"defaultAnswer": 1,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	question := decodeMap(t, rec)
	answerIDs := question["answerIds"].([]any)
	require.Len(t, answerIDs, 2)

	rec = doJSON(t, h, http.MethodPost, "/api/questions/"+question["id"].(string)+"/container", map[string]any{
		"type":      "CHOICE",
		"dependsOn": []any{answerIDs[0]},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	container := decodeMap(t, rec)
	assert.Equal(t, []any{answerIDs[0]}, container["dependsOn"])

	rec = doJSON(t, h, http.MethodGet, "/api/surveys/"+surveyID+"/releasable", nil)
	assert.Equal(t, false, decodeMap(t, rec)["releasable"])

	rec = doJSON(t, h, http.MethodPost, "/api/containers/"+container["id"].(string)+"/questions", map[string]any{
		"type":   "TEXT",
		"text":   "Why red?",
		"length": 120,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, "/api/surveys/"+surveyID+"/release", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "RELEASED", decodeMap(t, rec)["releaseStatus"])

	rec = doJSON(t, h, http.MethodGet, "/api/surveys/"+surveyID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var doc SurveyDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Len(t, doc.Questions, 1)
	require.NotNil(t, doc.Questions[0].Container)
	assert.Len(t, doc.Questions[0].Container.Questions, 1)
	assert.Equal(t, answerIDs[1], doc.Questions[0].DefaultAnswer)

	rec = doJSON(t, h, http.MethodDelete, "/api/surveys/"+surveyID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, codeSurveyReleased, decodeMap(t, rec)["code"])

	rec = doJSON(t, h, http.MethodPost, "/api/surveys/"+surveyID+"/versions", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, float64(2), decodeMap(t, rec)["version"])

	rec = doJSON(t, h, http.MethodGet, "/api/surveys?filter="+strings.ReplaceAll(`version == 2`, " ", "%20"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	surveys := decodeMap(t, rec)["surveys"].([]any)
	require.Len(t, surveys, 1)
	assert.Equal(t, "alpha", surveys[0].(map[string]any)["nameId"])

	rec = doJSON(t, h, http.MethodGet, "/api/surveys/name-ids", nil)
	assert.Equal(t, []any{"alpha"}, decodeMap(t, rec)["nameIds"])

	rec = doJSON(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "surveyhub_engine_releases_total")
}

func TestCORSPreflight(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodOptions, "/api/surveys", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHTTPArchivedReleases(t *testing.T) {
	svc, _ := newTestService(t, WithArchiver(archive.NewGitArchive(t.TempDir())))
	h := NewHTTPServer(svc, "*", WithHTTPLogger(discardLogger())).Handler()

	released := mustCreateSurvey(t, svc, definition("alpha"))
	mustAddQuestion(t, svc, released.ID, textQuestion("Favourite breakfast"))
	mustRelease(t, svc, released.ID)
	draft := mustNewVersion(t, svc, released.ID)

	rec := doJSON(t, h, http.MethodGet, "/api/surveys/"+released.ID+"/archive", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var doc SurveyDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, released.ID, doc.ID)
	assert.Equal(t, 1, doc.Version)
	require.Len(t, doc.Questions, 1)
	assert.Equal(t, "Favourite breakfast", doc.Questions[0].Text)

	rec = doJSON(t, h, http.MethodGet, "/api/surveys/"+draft.ID+"/archive", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, codeNotArchived, body["code"])
	assert.Equal(t, map[string]any{"nameId": "alpha", "version": float64(2)}, body["details"])

	rec = doJSON(t, h, http.MethodGet, "/api/surveys/"+draft.ID+"/archive/versions", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]any{"nameId": "alpha", "versions": []any{float64(1)}}, decodeMap(t, rec))

	rec = doJSON(t, h, http.MethodGet, "/api/surveys/srv_missing/archive", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeMap(t, rec)["code"])
}

func TestArchiveRoutesWithoutArchiver(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/api/surveys", map[string]any{"nameId": "alpha", "title": "Alpha"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	surveyID := decodeMap(t, rec)["id"].(string)

	rec = doJSON(t, h, http.MethodGet, "/api/surveys/"+surveyID+"/archive/versions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, decodeMap(t, rec)["versions"])

	rec = doJSON(t, h, http.MethodGet, "/api/surveys/"+surveyID+"/archive", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeNotArchived, decodeMap(t, rec)["code"])
}
