package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"surveyhub/api/internal/search"
	"surveyhub/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
	gatherer   prometheus.Gatherer
}

type HTTPOption func(*HTTPServer)

func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(s *HTTPServer) { s.logger = logger }
}

// WithGatherer exposes the registry on /metrics.
func WithGatherer(gatherer prometheus.Gatherer) HTTPOption {
	return func(s *HTTPServer) { s.gatherer = gatherer }
}

func NewHTTPServer(service *Service, corsOrigin string, opts ...HTTPOption) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/surveys", func(r chi.Router) {
		r.Get("/", s.handleOverview)
		r.Post("/", s.handleCreateSurvey)
		r.Get("/name-ids", s.handleNameIDs)
		r.Get("/search", s.handleSearch)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSurvey)
			r.Put("/", s.handleUpdateSurvey)
			r.Delete("/", s.handleDeleteSurvey)
			r.Get("/releasable", s.handleReleasable)
			r.Post("/release", s.handleRelease)
			r.Post("/versions", s.handleNewVersion)
			r.Get("/archive", s.handleArchivedRelease)
			r.Get("/archive/versions", s.handleArchivedVersions)
		})
	})
	r.Route("/api/containers/{id}", func(r chi.Router) {
		r.Post("/questions", s.handleAddQuestion)
		r.Put("/", s.handleUpdateContainer)
		r.Delete("/", s.handleDeleteContainer)
	})
	r.Route("/api/questions/{id}", func(r chi.Router) {
		r.Put("/", s.handleUpdateQuestion)
		r.Delete("/", s.handleDeleteQuestion)
		r.Post("/container", s.handleCreateContainer)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleOverview(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.GetSurveyOverview(r.Context(), r.URL.Query().Get("filter"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"surveys": entries})
}

func (s *HTTPServer) handleNameIDs(w http.ResponseWriter, r *http.Request) {
	ids, err := s.service.GetSurveyNameIDs(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nameIds": ids})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := search.Query{
		Text:          strings.TrimSpace(query.Get("q")),
		ReleaseStatus: strings.ToUpper(strings.TrimSpace(query.Get("status"))),
	}
	var err error
	if q.Limit, err = queryInt(query.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a non-negative integer", nil)
		return
	}
	if q.Offset, err = queryInt(query.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "offset must be a non-negative integer", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.service.SearchSurveys(r.Context(), q))
}

func (s *HTTPServer) handleCreateSurvey(w http.ResponseWriter, r *http.Request) {
	var def SurveyDefinition
	if err := decodeBody(r, &def); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	survey, err := s.service.CreateSurvey(r.Context(), def)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, surveyResponse(survey))
}

func (s *HTTPServer) handleGetSurvey(w http.ResponseWriter, r *http.Request) {
	doc, err := s.service.GetSurvey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) handleArchivedRelease(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.GetArchivedRelease(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleArchivedVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.service.GetArchivedVersions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *HTTPServer) handleUpdateSurvey(w http.ResponseWriter, r *http.Request) {
	var def SurveyDefinition
	if err := decodeBody(r, &def); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	survey, err := s.service.UpdateSurvey(r.Context(), chi.URLParam(r, "id"), def)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, surveyResponse(survey))
}

func (s *HTTPServer) handleDeleteSurvey(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteSurvey(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleReleasable(w http.ResponseWriter, r *http.Request) {
	ok, err := s.service.IsReleasable(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"releasable": ok})
}

func (s *HTTPServer) handleRelease(w http.ResponseWriter, r *http.Request) {
	survey, err := s.service.ReleaseSurvey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, surveyResponse(survey))
}

func (s *HTTPServer) handleNewVersion(w http.ResponseWriter, r *http.Request) {
	survey, err := s.service.CreateNewVersion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, surveyResponse(survey))
}

func (s *HTTPServer) handleAddQuestion(w http.ResponseWriter, r *http.Request) {
	in, err := decodeQuestion(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	question, err := s.service.AddQuestion(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, questionResponse(question))
}

func (s *HTTPServer) handleUpdateQuestion(w http.ResponseWriter, r *http.Request) {
	in, err := decodeQuestion(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	question, err := s.service.UpdateQuestion(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, questionResponse(question))
}

func (s *HTTPServer) handleDeleteQuestion(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteQuestion(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleCreateContainer(w http.ResponseWriter, r *http.Request) {
	in, err := decodeContainer(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	container, err := s.service.CreateContainer(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, containerResponse(container))
}

func (s *HTTPServer) handleUpdateContainer(w http.ResponseWriter, r *http.Request) {
	in, err := decodeContainer(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	container, err := s.service.UpdateContainer(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, containerResponse(container))
}

func (s *HTTPServer) handleDeleteContainer(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteContainer(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// questionPayload is the wire shape of a question. Type selects which of the
// variant fields apply.
type questionPayload struct {
	Type          store.QuestionType   `json:"type"`
	Text          string               `json:"text"`
	Optional      bool                 `json:"optional"`
	Ranking       *int                 `json:"ranking"`
	DefaultAnswer json.RawMessage      `json:"defaultAnswer"`
	Answers       []string             `json:"answers"`
	Multiple      bool                 `json:"multiple"`
	MinValue      int                  `json:"minValue"`
	MaxValue      int                  `json:"maxValue"`
	MinText       string               `json:"minText"`
	MaxText       string               `json:"maxText"`
	Length        int                  `json:"length"`
	Multiline     bool                 `json:"multiline"`
	Entries       []ChecklistEntrySpec `json:"entries"`
}

func decodeQuestion(r *http.Request) (QuestionInput, error) {
	var payload questionPayload
	if err := decodeBody(r, &payload); err != nil {
		return QuestionInput{}, badRequest(err)
	}
	in := QuestionInput{Text: payload.Text, Optional: payload.Optional, Ranking: payload.Ranking}

	switch payload.Type {
	case store.TypeBoolean:
		var def *bool
		if err := decodeDefault(payload.DefaultAnswer, &def); err != nil {
			return QuestionInput{}, err
		}
		in.Spec = BooleanSpec{DefaultAnswer: def}
	case store.TypeChoice:
		var def *int
		if err := decodeDefault(payload.DefaultAnswer, &def); err != nil {
			return QuestionInput{}, err
		}
		in.Spec = ChoiceSpec{Answers: payload.Answers, DefaultAnswer: def, Multiple: payload.Multiple}
	case store.TypeRange:
		var def *int
		if err := decodeDefault(payload.DefaultAnswer, &def); err != nil {
			return QuestionInput{}, err
		}
		in.Spec = RangeSpec{
			MinValue:      payload.MinValue,
			MaxValue:      payload.MaxValue,
			MinText:       payload.MinText,
			MaxText:       payload.MaxText,
			DefaultAnswer: def,
		}
	case store.TypeNumber:
		var def *int
		if err := decodeDefault(payload.DefaultAnswer, &def); err != nil {
			return QuestionInput{}, err
		}
		in.Spec = NumberSpec{MinValue: payload.MinValue, MaxValue: payload.MaxValue, DefaultAnswer: def}
	case store.TypeText:
		in.Spec = TextSpec{Length: payload.Length, Multiline: payload.Multiline}
	case store.TypeChecklist:
		in.Spec = ChecklistSpec{Entries: payload.Entries}
	case "":
		return QuestionInput{}, validationError("question type is required", nil)
	default:
		return QuestionInput{}, validationError("unsupported question type", map[string]any{"type": payload.Type})
	}
	return in, nil
}

func decodeDefault[T any](raw json.RawMessage, target **T) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return validationError("defaultAnswer has the wrong type", nil)
	}
	*target = &v
	return nil
}

type containerPayload struct {
	Type      store.QuestionType `json:"type"`
	DependsOn json.RawMessage    `json:"dependsOn"`
}

// decodeContainer reads {type, dependsOn}: a bool for BOOL containers and a
// list of answer ids for CHOICE containers.
func decodeContainer(r *http.Request) (ContainerInput, error) {
	var payload containerPayload
	if err := decodeBody(r, &payload); err != nil {
		return ContainerInput{}, badRequest(err)
	}
	switch payload.Type {
	case store.TypeBoolean:
		var dependsOn bool
		if len(payload.DependsOn) > 0 {
			if err := json.Unmarshal(payload.DependsOn, &dependsOn); err != nil {
				return ContainerInput{}, validationError("dependsOn must be a boolean", nil)
			}
		}
		return ContainerInput{Condition: &store.BooleanCondition{DependsOn: dependsOn}}, nil
	case store.TypeChoice:
		var answerIDs []string
		if len(payload.DependsOn) > 0 {
			if err := json.Unmarshal(payload.DependsOn, &answerIDs); err != nil {
				return ContainerInput{}, validationError("dependsOn must be a list of answer ids", nil)
			}
		}
		return ContainerInput{Condition: &store.ChoiceCondition{AnswerIDs: answerIDs}}, nil
	case "":
		return ContainerInput{}, validationError("container type is required", nil)
	}
	return ContainerInput{}, validationError("unsupported container type", map[string]any{"type": payload.Type})
}

func surveyResponse(survey store.Survey) map[string]any {
	return map[string]any{
		"id":            survey.ID,
		"nameId":        survey.NameID,
		"version":       survey.Version,
		"title":         survey.Title,
		"description":   survey.Description,
		"dependsOn":     survey.DependsOn,
		"intervalType":  survey.IntervalType,
		"intervalValue": survey.IntervalValue,
		"intervalStart": survey.IntervalStart,
		"reminderType":  survey.ReminderType,
		"reminderValue": survey.ReminderValue,
		"releaseStatus": survey.ReleaseStatus,
		"questionIds":   nonNilStrings(survey.QuestionIDs),
		"createdAt":     survey.CreatedAt,
		"updatedAt":     survey.UpdatedAt,
	}
}

func questionResponse(q store.Question) map[string]any {
	out := map[string]any{
		"id":            q.ID,
		"type":          q.Type(),
		"text":          q.Text,
		"ranking":       q.Ranking,
		"optional":      q.Optional,
		"releaseStatus": q.ReleaseStatus,
	}
	if q.PreviousVersionID != "" {
		out["previousVersionId"] = q.PreviousVersionID
	}
	if containerID := q.ContainerID(); containerID != "" {
		out["containerId"] = containerID
	}
	switch body := q.Body.(type) {
	case *store.ChoiceBody:
		out["answerIds"] = nonNilStrings(body.AnswerIDs)
	case *store.ChecklistBody:
		out["entryIds"] = nonNilStrings(body.EntryIDs)
	}
	return out
}

func containerResponse(c store.Container) map[string]any {
	out := map[string]any{
		"id":          c.ID,
		"type":        c.Type(),
		"parentId":    c.ParentID,
		"questionIds": nonNilStrings(c.QuestionIDs),
	}
	switch cond := c.Condition.(type) {
	case *store.BooleanCondition:
		out["dependsOn"] = cond.DependsOn
	case *store.ChoiceCondition:
		out["dependsOn"] = nonNilStrings(cond.AnswerIDs)
	}
	return out
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "http: request failed",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		writer := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(writer, r)

		status := writer.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.logger.InfoContext(r.Context(), "http request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

func (s *HTTPServer) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w.Header(), s.corsOrigin)
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func badRequest(err error) *DomainError {
	return domainError(http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
}

func queryInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return v, nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
