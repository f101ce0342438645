package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pitabwire/util"

	"github.com/humanagencyorg/twilio-stub/pkg/dialog"
	"github.com/humanagencyorg/twilio-stub/pkg/store"
)

// FallbackText makes the custom channel answer with the fallback task instead
// of running a turn.
const FallbackText = "fallback"

const (
	assistantIDKey = "assistant_id"
	customerIDKey  = "customer_id"
)

var targetTaskPattern = regexp.MustCompile(`TargetTask=(.+)$`)

// loadChannel reads a channel record. ok is false when none was opened.
func (h *Handler) loadChannel(r *http.Request, name string) (Channel, bool, error) {
	var ch Channel
	ok, err := store.GetJSON(r.Context(), h.store, store.ChannelKey(name), &ch)
	return ch, ok, err
}

// CustomMessage handles POST /v2/{account}/{assistant}/custom/{session}
func (h *Handler) CustomMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	ctx := r.Context()
	name := chi.URLParam(r, "session")
	text := r.FormValue("Text")

	ch, ok, err := h.loadChannel(r, name)
	if err != nil {
		util.Log(ctx).WithError(err).Error("load channel")
		writeError(w, http.StatusInternalServerError, "failed to load channel")
		return
	}
	if !ok {
		ch = Channel{Name: name, CustomerID: name}
	}

	if err := h.store.Set(ctx, store.UserIDKey(name), []byte(r.FormValue("UserId"))); err != nil {
		util.Log(ctx).WithError(err).Error("store user id")
		writeError(w, http.StatusInternalServerError, "failed to store user id")
		return
	}
	if _, err := dialog.AppendCustomerMessage(ctx, h.store, name, ch.CustomerID, text); err != nil {
		util.Log(ctx).WithError(err).Error("append customer message")
		writeError(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	if text == FallbackText {
		writeJSON(w, http.StatusOK, FallbackResponse{CurrentTask: FallbackText})
		return
	}

	turn := dialog.Turn{Channel: name, TargetTask: r.FormValue("TargetTask"), Body: text}
	if err := h.runTurn(ctx, turn); err != nil {
		writeTurnError(w, r, err)
		return
	}

	last, _, err := dialog.LastMessage(ctx, h.store, name)
	if err != nil {
		util.Log(ctx).WithError(err).Error("read last message")
		writeError(w, http.StatusInternalServerError, "failed to read reply")
		return
	}
	var resp CustomResponse
	resp.Response.Says = []CustomSay{{Text: last.Body}}
	writeJSON(w, http.StatusOK, resp)
}

// OpenChannel handles GET /js_api/channels/{channel}?token=
func (h *Handler) OpenChannel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "channel")

	identity, chatID, err := parseChannelToken(r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ch := Channel{Name: name, CustomerID: identity, ChatID: chatID}
	if err := store.SetJSON(ctx, h.store, store.ChannelKey(name), ch); err != nil {
		util.Log(ctx).WithError(err).Error("store channel")
		writeError(w, http.StatusInternalServerError, "failed to store channel")
		return
	}
	if err := store.SetJSON(ctx, h.store, store.MessagesKey(name), []dialog.Message{}); err != nil {
		util.Log(ctx).WithError(err).Error("reset channel messages")
		writeError(w, http.StatusInternalServerError, "failed to reset messages")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// parseChannelToken reads the chat grants of an access token. The signature
// is not checked; the stub only needs the identity.
func parseChannelToken(token string) (identity, chatID string, err error) {
	if token == "" {
		return "", "", fmt.Errorf("token is required")
	}
	var claims struct {
		jwt.RegisteredClaims
		Grants struct {
			Identity string `json:"identity"`
			Chat     struct {
				ServiceSid string `json:"service_sid"`
			} `json:"chat"`
		} `json:"grants"`
	}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", "", fmt.Errorf("invalid token: %w", err)
	}
	if claims.Grants.Identity == "" {
		return "", "", fmt.Errorf("token has no identity grant")
	}
	return claims.Grants.Identity, claims.Grants.Chat.ServiceSid, nil
}

// LastMessage handles GET /js_api/channels/{channel}/messages
func (h *Handler) LastMessage(w http.ResponseWriter, r *http.Request) {
	msg, ok, err := dialog.LastMessage(r.Context(), h.store, chi.URLParam(r, "channel"))
	if err != nil {
		util.Log(r.Context()).WithError(err).Error("read last message")
		writeError(w, http.StatusInternalServerError, "failed to read messages")
		return
	}
	resp := LastMessageResponse{}
	if ok {
		resp.Message = &msg
	}
	writeJSON(w, http.StatusOK, resp)
}

// PostMessage handles POST /js_api/channels/{channel}/messages
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ctx := r.Context()
	name := chi.URLParam(r, "channel")

	ch, ok, err := h.loadChannel(r, name)
	if err != nil {
		util.Log(ctx).WithError(err).Error("load channel")
		writeError(w, http.StatusInternalServerError, "failed to load channel")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "channel not opened")
		return
	}

	if _, err := dialog.AppendCustomerMessage(ctx, h.store, name, ch.CustomerID, req.Message); err != nil {
		util.Log(ctx).WithError(err).Error("append customer message")
		writeError(w, http.StatusInternalServerError, "failed to store message")
		return
	}
	target, err := store.GetString(ctx, h.store, store.TargetTaskKey)
	if err != nil {
		util.Log(ctx).WithError(err).Error("read target task")
		writeError(w, http.StatusInternalServerError, "failed to read target task")
		return
	}

	h.scheduleTurn(ctx, dialog.Turn{Channel: name, TargetTask: target, Body: req.Message})
	w.WriteHeader(http.StatusOK)
}

// GetChannel handles GET /v2/Services/{assistant}/Channels/{channel}
func (h *Handler) GetChannel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	for key, value := range map[string]string{
		assistantIDKey: chi.URLParam(r, "assistant"),
		customerIDKey:  chi.URLParam(r, "channel"),
	} {
		if err := h.store.Set(ctx, key, []byte(value)); err != nil {
			util.Log(ctx).WithError(err).Error("store channel lookup")
			writeError(w, http.StatusInternalServerError, "failed to store channel")
			return
		}
	}
	writeJSON(w, http.StatusOK, ChannelResponse{UniqueName: "hello", Sid: "hello_sid"})
}

// ChannelWebhook handles POST /v2/Services/{assistant}/Channels/{channel}/Webhooks
func (h *Handler) ChannelWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	m := targetTaskPattern.FindStringSubmatch(r.FormValue("Configuration.Url"))
	if m == nil {
		writeError(w, http.StatusBadRequest, "Configuration.Url has no TargetTask")
		return
	}
	if err := h.store.Set(r.Context(), store.TargetTaskKey, []byte(m[1])); err != nil {
		util.Log(r.Context()).WithError(err).Error("store target task")
		writeError(w, http.StatusInternalServerError, "failed to store target task")
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}
