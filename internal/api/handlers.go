package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"gwi.com/inference-gateway/internal/core"
	"gwi.com/inference-gateway/internal/metrics"
	"gwi.com/inference-gateway/internal/store"
)

const multipartMemory = 32 << 20

type HandlerConfig struct {
	StreamTimeout time.Duration
	KeepAlive     time.Duration
	MaxBodyBytes  int64
}

type APIHandler struct {
	orchestrator *core.Orchestrator
	threads      *core.ThreadService
	images       *core.ImageService
	metrics      *metrics.StreamingMetrics
	validate     *validator.Validate
	cfg          HandlerConfig
	logger       zerolog.Logger
}

// NewAPIHandler builds the HTTP handlers. images may be nil when image generation is not configured.
func NewAPIHandler(o *core.Orchestrator, threads *core.ThreadService, images *core.ImageService,
	m *metrics.StreamingMetrics, cfg HandlerConfig, logger zerolog.Logger) *APIHandler {
	return &APIHandler{
		orchestrator: o,
		threads:      threads,
		images:       images,
		metrics:      m,
		validate:     validator.New(),
		cfg:          cfg,
		logger:       logger.With().Str("component", "api").Logger(),
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// envelope is the response shape of the thread and message endpoints.
type envelope struct {
	Message string `json:"message"`
	Data    any    `json:"data"`
	Error   any    `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeEnvelope(w http.ResponseWriter, status int, message string, data any, errMsg string) {
	env := envelope{Message: message, Data: data}
	if errMsg != "" {
		env.Error = errMsg
	}
	writeJSON(w, status, env)
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// InferenceHandler streams a conversational response as server-sent events.
// Failures before the stream opens are sent as a single error event with a 4xx/5xx status.
func (h *APIHandler) InferenceHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.cfg.StreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.StreamTimeout)
		defer cancel()
	}

	req, err := h.parseInferenceRequest(w, r)
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}
	if err != nil {
		h.logger.Info().Err(err).Msg("rejected inference request")
		h.streamEvents(w, http.StatusBadRequest, singleEvent(core.ErrorEvent(err.Error())))
		return
	}

	exchange, err := h.orchestrator.Prepare(ctx, req)
	var te *core.TransportError
	if errors.As(err, &te) {
		h.logger.Debug().Err(err).Msg("client went away before streaming started")
		return
	}
	if err != nil {
		status := http.StatusInternalServerError
		if core.IsClientError(err) {
			status = http.StatusBadRequest
		} else {
			h.logger.Error().Err(err).Msg("failed to prepare inference")
		}
		h.streamEvents(w, status, singleEvent(core.ErrorEvent(core.PublicMessage(err))))
		return
	}

	h.streamEvents(w, http.StatusOK, exchange.Events(ctx))
}

func (h *APIHandler) parseInferenceRequest(w http.ResponseWriter, r *http.Request) (core.InferenceRequest, error) {
	if h.cfg.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if !errors.Is(err, http.ErrNotMultipart) {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				return core.InferenceRequest{}, &core.ValidationError{Msg: fmt.Sprintf("Request body exceeds %d bytes", mbe.Limit)}
			}
			return core.InferenceRequest{}, &core.ValidationError{Msg: "Malformed multipart form"}
		}
		if err := r.ParseForm(); err != nil {
			return core.InferenceRequest{}, &core.ValidationError{Msg: "Malformed form"}
		}
	}

	req := core.InferenceRequest{
		Prompt:   r.FormValue("prompt"),
		ThreadID: r.FormValue("thread_id"),
	}

	user, err := h.parseUser(r.FormValue("user"))
	if err != nil {
		return req, err
	}
	req.User = user

	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["files"] {
			req.Files = append(req.Files, uploadFromHeader(fh))
		}
	}
	return req, nil
}

func uploadFromHeader(fh *multipart.FileHeader) core.Upload {
	return core.Upload{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Open:        func() (io.ReadCloser, error) { return fh.Open() },
	}
}

// userID accepts both string and numeric ids.
type userID string

func (u *userID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*u = userID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number")
	}
	*u = userID(n.String())
	return nil
}

type userPayload struct {
	ID       userID `json:"id" validate:"required"`
	Username string `json:"username"`
}

// parseUser decodes {"data":{"id","username"}} or the flat {"id","username"} form.
// An empty value yields a nil user.
func (h *APIHandler) parseUser(raw string) (*store.User, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, nil
	}

	var wrapped struct {
		Data *userPayload `json:"data"`
		userPayload
	}
	dec := json.NewDecoder(bytes.NewBufferString(raw))
	if err := dec.Decode(&wrapped); err != nil {
		return nil, &core.ValidationError{Msg: "Failed to parse user data: " + err.Error()}
	}

	payload := wrapped.userPayload
	if wrapped.Data != nil {
		payload = *wrapped.Data
	}
	payload.ID = userID(strings.TrimSpace(string(payload.ID)))
	if err := h.validate.Struct(payload); err != nil {
		return nil, &core.ValidationError{Msg: "Missing user data: id"}
	}
	return &store.User{ID: string(payload.ID), Username: payload.Username}, nil
}

func (h *APIHandler) GenerateImageHandler(w http.ResponseWriter, r *http.Request) {
	if h.images == nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "image generation is not configured"})
		return
	}

	var req core.ImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid request body: " + err.Error()})
		return
	}

	urls, err := h.images.Generate(r.Context(), req)
	if err != nil {
		if core.IsClientError(err) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		h.logger.Error().Err(err).Msg("image generation failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Failed to generate images"})
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"image_urls": urls})
}

func (h *APIHandler) ListThreadsHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	threads, err := h.threads.ListThreads(r.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("error listing threads")
		writeEnvelope(w, http.StatusInternalServerError, "Internal Server Error", nil, "Failed to list threads")
		return
	}
	if len(threads) == 0 {
		writeEnvelope(w, http.StatusNotFound, "No threads found for the user", nil, "")
		return
	}
	writeEnvelope(w, http.StatusOK, "Threads retrieved successfully", threads, "")
}

type renameThreadRequest struct {
	Title string `json:"title"`
}

func (h *APIHandler) RenameThreadHandler(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")

	var req renameThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, "Bad Request", nil, "No JSON data provided")
		return
	}

	err := h.threads.RenameThread(r.Context(), threadID, req.Title)
	var ve *core.ValidationError
	switch {
	case err == nil:
		writeEnvelope(w, http.StatusOK, "Thread title updated successfully",
			map[string]string{"id": threadID, "title": strings.TrimSpace(req.Title)}, "")
	case errors.As(err, &ve):
		writeEnvelope(w, http.StatusBadRequest, "Bad Request", nil, "Title is required")
	case errors.Is(err, store.ErrThreadNotFound):
		writeEnvelope(w, http.StatusNotFound, "Thread not found", nil, "Thread with the specified ID does not exist")
	default:
		h.logger.Error().Err(err).Str("thread_id", threadID).Msg("error renaming thread")
		writeEnvelope(w, http.StatusInternalServerError, "Internal Server Error", nil, "Failed to update thread title")
	}
}

func (h *APIHandler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")

	msgs, err := h.threads.ListMessages(r.Context(), threadID)
	if err != nil {
		h.logger.Error().Err(err).Str("thread_id", threadID).Msg("error listing messages")
		writeEnvelope(w, http.StatusInternalServerError, "Internal Server Error", nil, "Failed to list messages")
		return
	}
	if len(msgs) == 0 {
		writeEnvelope(w, http.StatusNotFound, "No messages found for the thread", nil, "")
		return
	}
	writeEnvelope(w, http.StatusOK, "Messages with associated files retrieved successfully",
		map[string]any{"messages": msgs}, "")
}

// feedbackValue accepts a boolean (thumbs up/down) or free text.
type feedbackValue string

func (f *feedbackValue) UnmarshalJSON(b []byte) error {
	var positive bool
	if err := json.Unmarshal(b, &positive); err == nil {
		if positive {
			*f = "positive"
		} else {
			*f = "negative"
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("feedback must be a boolean or string")
	}
	*f = feedbackValue(s)
	return nil
}

type feedbackRequest struct {
	Feedback feedbackValue `json:"feedback"`
}

func (h *APIHandler) MessageFeedbackHandler(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "id")

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, "Bad Request", nil, "Invalid request body: "+err.Error())
		return
	}

	err := h.threads.SetFeedback(r.Context(), messageID, string(req.Feedback))
	var ve *core.ValidationError
	switch {
	case err == nil:
		writeEnvelope(w, http.StatusOK, "Feedback updated successfully",
			map[string]string{"message_id": messageID, "feedback": string(req.Feedback)}, "")
	case errors.As(err, &ve):
		writeEnvelope(w, http.StatusBadRequest, "Missing required parameters", nil, "feedback is required")
	case errors.Is(err, store.ErrMessageNotFound):
		writeEnvelope(w, http.StatusNotFound, "Message not found", nil, "Message with the specified ID does not exist")
	default:
		h.logger.Error().Err(err).Str("message_id", messageID).Msg("error updating feedback")
		writeEnvelope(w, http.StatusInternalServerError, "Internal Server Error", nil, "Failed to update feedback")
	}
}
