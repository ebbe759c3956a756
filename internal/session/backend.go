package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/pitabwire/dealdesk/model"
	"github.com/pitabwire/dealdesk/reconcile"
)

// fetchEntity loads one entity through the definition's fetch operation.
func (e *Engine) fetchEntity(ctx context.Context, rctx *model.RequestContext, def model.EntityDefinition, entityID string) (map[string]any, error) {
	res, err := e.invoker.Invoke(ctx, rctx, def.Fetch, model.InvocationInput{
		PathParams: map[string]string{def.PathParam(): entityID},
	})
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, backendError(res, fmt.Sprintf("%s %q not found", def.ID, entityID))
	}
	entity, ok := unwrapEntity(res.Body, def.ResponsePath)
	if !ok {
		return nil, fmt.Errorf("session: %s response carries no %s object", def.Fetch, def.ID)
	}
	return entity, nil
}

// sendPatch writes patch to the backend: PUT/PATCH through the save
// operation for existing entities, POST through the create operation for
// new ones. It returns the entity as the server now has it and its ID.
func (e *Engine) sendPatch(
	ctx context.Context,
	rctx *model.RequestContext,
	def model.EntityDefinition,
	entityID string,
	patch reconcile.Patch,
) (map[string]any, string, error) {
	op := def.Save
	input := model.InvocationInput{Body: patch}
	if entityID == "" {
		if def.Create == nil {
			return nil, "", model.NewBadRequestError(fmt.Sprintf("entity type %q cannot be created", def.ID))
		}
		op = *def.Create
	} else {
		input.PathParams = map[string]string{def.PathParam(): entityID}
	}

	res, err := e.invoker.Invoke(ctx, rctx, op, input)
	if err != nil {
		return nil, "", err
	}
	if !res.OK() {
		return nil, "", backendError(res, fmt.Sprintf("%s %q not found", def.ID, entityID))
	}

	entity, ok := unwrapEntity(res.Body, def.ResponsePath)
	if entityID == "" {
		if !ok {
			return nil, "", fmt.Errorf("session: %s response carries no %s object", op, def.ID)
		}
		entityID = idString(entity[def.IDAttribute()])
		if entityID == "" {
			return nil, "", fmt.Errorf("session: %s response carries no %q attribute", op, def.IDAttribute())
		}
		return entity, entityID, nil
	}
	if ok {
		return entity, entityID, nil
	}

	// 204 or an acknowledgement without the entity: read it back.
	entity, err = e.fetchEntity(ctx, rctx, def, entityID)
	if err != nil {
		return nil, "", err
	}
	return entity, entityID, nil
}

// unwrapEntity follows the dot-separated path into body and returns the
// object found there.
func unwrapEntity(body any, path string) (map[string]any, bool) {
	cur := body
	if path != "" {
		for _, part := range strings.Split(path, ".") {
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur = m[part]
		}
	}
	entity, ok := cur.(map[string]any)
	return entity, ok
}

func idString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	case json.Number:
		return id.String()
	default:
		return fmt.Sprint(id)
	}
}

// backendError maps a non-2xx backend response to an error envelope.
// Validation rejections keep the server's message verbatim.
func backendError(res model.InvocationResult, notFound string) error {
	msg := responseMessage(res.Body)
	switch {
	case res.StatusCode == http.StatusBadRequest || res.StatusCode == http.StatusUnprocessableEntity:
		return model.NewRejectedError(msg, responseFieldErrors(res.Body))
	case res.StatusCode == http.StatusUnauthorized:
		return model.NewUnauthorizedError(orDefault(msg, "backend rejected the credentials"))
	case res.StatusCode == http.StatusForbidden:
		return model.NewForbiddenError(orDefault(msg, "backend denied the request"))
	case res.StatusCode == http.StatusNotFound:
		return model.NewNotFoundError(orDefault(msg, notFound))
	case res.StatusCode == http.StatusConflict:
		return model.NewConflictError(orDefault(msg, "the entity was changed by someone else"))
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return model.NewBackendUnavailableError()
	default:
		return model.NewInternalError()
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// responseMessage reads {"message": "..."}, {"error": "..."} or
// {"error": {"message": "..."}}.
func responseMessage(body any) string {
	m, ok := body.(map[string]any)
	if !ok {
		if s, ok := body.(string); ok {
			return strings.TrimSpace(s)
		}
		return ""
	}
	if s, ok := m["message"].(string); ok && s != "" {
		return s
	}
	switch v := m["error"].(type) {
	case string:
		return v
	case map[string]any:
		if s, ok := v["message"].(string); ok {
			return s
		}
	}
	return ""
}

// responseFieldErrors reads per-field problems from "errors" or "details",
// either a list of {field, code, message} objects or a field -> message map.
func responseFieldErrors(body any) []model.FieldError {
	m, ok := body.(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := m["errors"]
	if !ok {
		raw = m["details"]
	}

	var out []model.FieldError
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			fe := model.FieldError{Code: model.ErrValidationError}
			fe.Field, _ = obj["field"].(string)
			fe.Message, _ = obj["message"].(string)
			if code, ok := obj["code"].(string); ok && code != "" {
				fe.Code = code
			}
			if fe.Field != "" || fe.Message != "" {
				out = append(out, fe)
			}
		}
	case map[string]any:
		for field, msg := range v {
			fe := model.FieldError{Field: field, Code: model.ErrValidationError}
			switch mv := msg.(type) {
			case string:
				fe.Message = mv
			case []any:
				if len(mv) > 0 {
					fe.Message = fmt.Sprint(mv[0])
				}
			}
			out = append(out, fe)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	}
	return out
}
