package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pitabwire/util"

	"github.com/humanagencyorg/twilio-stub/pkg/schema"
	"github.com/humanagencyorg/twilio-stub/pkg/store"
)

const assistantKey = "chatbot"

// Sid prefixes of the generated resources.
const (
	assistantSidPrefix = "UA"
	taskSidPrefix      = "UD"
	sampleSidPrefix    = "UF"
)

func newSid(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// mutateSchema applies fn to the stored schema and writes it back. Admin
// writes are serialized so concurrent edits do not drop each other.
func (h *Handler) mutateSchema(w http.ResponseWriter, r *http.Request, fn func(*schema.Schema) (int, string)) bool {
	h.schemaMu.Lock()
	defer h.schemaMu.Unlock()

	ctx := r.Context()
	s, err := schema.Load(ctx, h.store)
	if errors.Is(err, schema.ErrNoSchema) {
		writeError(w, http.StatusNotFound, "no assistant created")
		return false
	}
	if err != nil {
		util.Log(ctx).WithError(err).Error("load schema")
		writeError(w, http.StatusInternalServerError, "failed to load schema")
		return false
	}
	if status, msg := fn(s); status != 0 {
		writeError(w, status, msg)
		return false
	}
	if err := schema.Save(ctx, h.store, s); err != nil {
		util.Log(ctx).WithError(err).Error("save schema")
		writeError(w, http.StatusInternalServerError, "failed to save schema")
		return false
	}
	return true
}

// UpdateSchema handles POST /autopilot/update
func (h *Handler) UpdateSchema(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req UpdateSchemaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s, err := schema.Decode([]byte(req.Schema))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schema: "+err.Error())
		return
	}

	h.schemaMu.Lock()
	defer h.schemaMu.Unlock()
	if err := schema.Save(r.Context(), h.store, s); err != nil {
		util.Log(r.Context()).WithError(err).Error("save schema")
		writeError(w, http.StatusInternalServerError, "failed to save schema")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// CreateAssistant handles POST /v1/Assistants
func (h *Handler) CreateAssistant(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	ctx := r.Context()
	a := Assistant{
		Sid:          newSid(assistantSidPrefix),
		FriendlyName: r.FormValue("FriendlyName"),
		UniqueName:   r.FormValue("UniqueName"),
	}
	if a.UniqueName == "" {
		writeError(w, http.StatusBadRequest, "UniqueName is required")
		return
	}

	h.schemaMu.Lock()
	defer h.schemaMu.Unlock()
	if err := store.SetJSON(ctx, h.store, assistantKey, a); err != nil {
		util.Log(ctx).WithError(err).Error("store assistant")
		writeError(w, http.StatusInternalServerError, "failed to store assistant")
		return
	}
	s := &schema.Schema{UniqueName: a.UniqueName, FriendlyName: a.FriendlyName, Tasks: []schema.Task{}}
	if err := schema.Save(ctx, h.store, s); err != nil {
		util.Log(ctx).WithError(err).Error("save schema")
		writeError(w, http.StatusInternalServerError, "failed to save schema")
		return
	}
	writeJSON(w, http.StatusOK, SidResponse{Sid: a.Sid, UniqueName: a.UniqueName})
}

// UpdateAssistant handles POST /v1/Assistants/{assistant}
func (h *Handler) UpdateAssistant(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	ctx := r.Context()
	var a Assistant
	ok, err := store.GetJSON(ctx, h.store, assistantKey, &a)
	if err != nil {
		util.Log(ctx).WithError(err).Error("load assistant")
		writeError(w, http.StatusInternalServerError, "failed to load assistant")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no assistant created")
		return
	}
	a.DevelopmentStage = r.FormValue("DevelopmentStage")
	if err := store.SetJSON(ctx, h.store, assistantKey, a); err != nil {
		util.Log(ctx).WithError(err).Error("store assistant")
		writeError(w, http.StatusInternalServerError, "failed to store assistant")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"sid":               chi.URLParam(r, "assistant"),
		"development_stage": a.DevelopmentStage,
	})
}

// SetStyleSheet handles POST /v1/Assistants/{assistant}/StyleSheet
func (h *Handler) SetStyleSheet(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var sheet schema.StyleSheet
	if err := json.Unmarshal([]byte(r.FormValue("StyleSheet")), &sheet); err != nil {
		writeError(w, http.StatusBadRequest, "invalid StyleSheet: "+err.Error())
		return
	}
	if h.mutateSchema(w, r, func(s *schema.Schema) (int, string) {
		s.StyleSheet = &sheet
		return 0, ""
	}) {
		writeJSON(w, http.StatusOK, struct{}{})
	}
}

// SetDefaults handles POST /v1/Assistants/{assistant}/Defaults
func (h *Handler) SetDefaults(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	raw := []byte(r.FormValue("Defaults"))
	if !json.Valid(raw) {
		writeError(w, http.StatusBadRequest, "invalid Defaults")
		return
	}
	if h.mutateSchema(w, r, func(s *schema.Schema) (int, string) {
		s.Defaults = raw
		return 0, ""
	}) {
		writeJSON(w, http.StatusOK, struct{}{})
	}
}

// ModelBuild handles POST /v1/Assistants/{assistant}/ModelBuilds. Matching is
// exact, so there is nothing to build.
func (h *Handler) ModelBuild(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct{}{})
}

// CreateTask handles POST /v1/Assistants/{assistant}/Tasks
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	task := schema.Task{
		Sid:        newSid(taskSidPrefix),
		UniqueName: r.FormValue("UniqueName"),
		Samples:    []schema.Sample{},
	}
	if task.UniqueName == "" {
		writeError(w, http.StatusBadRequest, "UniqueName is required")
		return
	}
	if err := json.Unmarshal([]byte(r.FormValue("Actions")), &task.Actions); err != nil {
		writeError(w, http.StatusBadRequest, "invalid Actions: "+err.Error())
		return
	}
	if h.mutateSchema(w, r, func(s *schema.Schema) (int, string) {
		s.AddTask(task)
		return 0, ""
	}) {
		writeJSON(w, http.StatusOK, SidResponse{Sid: task.Sid})
	}
}

// DeleteTask handles DELETE /v1/Assistants/{assistant}/Tasks/{task}
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "task")
	if h.mutateSchema(w, r, func(s *schema.Schema) (int, string) {
		s.RemoveTask(ref)
		return 0, ""
	}) {
		writeJSON(w, http.StatusOK, struct{}{})
	}
}

// CreateSample handles POST /v1/Assistants/{assistant}/Tasks/{task}/Samples
func (h *Handler) CreateSample(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	sample := schema.Sample{
		Sid:        newSid(sampleSidPrefix),
		Language:   r.FormValue("Language"),
		TaggedText: r.FormValue("TaggedText"),
	}
	if sample.TaggedText == "" {
		writeError(w, http.StatusBadRequest, "TaggedText is required")
		return
	}
	ref := chi.URLParam(r, "task")
	if h.mutateSchema(w, r, func(s *schema.Schema) (int, string) {
		if err := s.AddSample(ref, sample); err != nil {
			return http.StatusNotFound, err.Error()
		}
		return 0, ""
	}) {
		writeJSON(w, http.StatusOK, SidResponse{Sid: sample.Sid})
	}
}

// DeleteSample handles DELETE /v1/Assistants/{assistant}/Tasks/{task}/Samples/{sample}
func (h *Handler) DeleteSample(w http.ResponseWriter, r *http.Request) {
	ref, sid := chi.URLParam(r, "task"), chi.URLParam(r, "sample")
	if h.mutateSchema(w, r, func(s *schema.Schema) (int, string) {
		if err := s.RemoveSample(ref, sid); err != nil {
			return http.StatusNotFound, err.Error()
		}
		return 0, ""
	}) {
		writeJSON(w, http.StatusOK, struct{}{})
	}
}
