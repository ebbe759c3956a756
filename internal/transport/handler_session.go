package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/dealdesk/internal/session"
	"github.com/pitabwire/dealdesk/model"
)

const maxBodyBytes = 1 << 20

func handleOpenSession(engine *session.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			writeRequestError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			EntityType string `json:"entity_type"`
			EntityID   string `json:"entity_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeRequestError(w, r, err)
			return
		}
		if body.EntityType == "" {
			writeRequestError(w, r, model.NewValidationError([]model.FieldError{
				{Field: "entity_type", Code: "REQUIRED", Message: "entity_type is required"},
			}))
			return
		}

		view, err := engine.Open(r.Context(), rctx, body.EntityType, body.EntityID)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, view)
	}
}

func handleListSessions(engine *session.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			writeRequestError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		filters := model.SessionFilters{
			EntityType: r.URL.Query().Get("entity_type"),
			Page:       queryInt(r, "page", 1),
			PageSize:   queryInt(r, "page_size", 50),
		}
		summaries, err := engine.List(r.Context(), rctx, filters)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"data":      summaries,
			"page":      filters.Page,
			"page_size": filters.PageSize,
		})
	}
}

func handleGetSession(engine *session.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			writeRequestError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		view, err := engine.Get(r.Context(), rctx, chi.URLParam(r, "sessionId"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleUpdateFields(engine *session.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			writeRequestError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			Fields map[string]any `json:"fields"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeRequestError(w, r, err)
			return
		}
		if body.Fields == nil {
			writeRequestError(w, r, model.NewBadRequestError("fields is required"))
			return
		}

		view, err := engine.UpdateFields(r.Context(), rctx, chi.URLParam(r, "sessionId"), body.Fields)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleSessionChanges(engine *session.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			writeRequestError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		changes, err := engine.Changes(r.Context(), rctx, chi.URLParam(r, "sessionId"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": changes})
	}
}

// handleSaveSession sends the session's patch. A client may retry with the
// same X-Idempotency-Key to receive the original result.
func handleSaveSession(engine *session.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			writeRequestError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		key := r.Header.Get("X-Idempotency-Key")
		if len(key) > 255 {
			writeRequestError(w, r, model.NewBadRequestError("X-Idempotency-Key must be at most 255 characters"))
			return
		}

		result, err := engine.Save(r.Context(), rctx, chi.URLParam(r, "sessionId"), key)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleReloadSession(engine *session.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			writeRequestError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		view, err := engine.Reload(r.Context(), rctx, chi.URLParam(r, "sessionId"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleResetSession(engine *session.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			writeRequestError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		view, err := engine.Reset(r.Context(), rctx, chi.URLParam(r, "sessionId"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleDiscardSession(engine *session.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			writeRequestError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		if err := engine.Discard(r.Context(), rctx, chi.URLParam(r, "sessionId")); err != nil {
			writeRequestError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// decodeBody reads a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return model.NewBadRequestError("request body is required")
		}
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

// queryInt extracts an integer query param with a default.
func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
