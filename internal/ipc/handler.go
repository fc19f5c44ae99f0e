package ipc

import (
	"bytes"
	"encoding/json"

	"github.com/kartikbazzad/cursordb/internal/api"
	"github.com/kartikbazzad/cursordb/internal/cursor"
	apierr "github.com/kartikbazzad/cursordb/internal/errors"
	"github.com/kartikbazzad/cursordb/internal/value"
)

// Handler dispatches decoded request frames onto the API core. One
// handler serves every connection; all state lives in the core.
type Handler struct {
	api *api.API
}

func NewHandler(a *api.API) *Handler {
	return &Handler{api: a}
}

// batchBody mirrors the HTTP cursor envelope minus transport code.
type batchBody struct {
	ID      string                 `json:"id,omitempty"`
	Result  []value.Value          `json:"result"`
	HasMore bool                   `json:"hasMore"`
	Count   *int                   `json:"count,omitempty"`
	Cached  bool                   `json:"cached"`
	Extra   map[string]interface{} `json:"extra,omitempty"`
}

type errorBody struct {
	ErrorNum     int    `json:"errorNum"`
	ErrorMessage string `json:"errorMessage"`
}

type cursorRef struct {
	ID string `json:"id"`
}

func (h *Handler) Handle(frame *RequestFrame) *ResponseFrame {
	response := &ResponseFrame{RequestID: frame.RequestID}

	switch frame.Command {
	case CmdCreateCursor:
		var req api.QueryRequest
		if err := decodePayload(frame.Payload, &req); err != nil {
			return fail(response, err)
		}
		res, err := h.api.CreateCursor(&req)
		if err != nil {
			return fail(response, err)
		}
		return ok(response, batchResponse(res))

	case CmdContinueCursor:
		var ref cursorRef
		if err := decodePayload(frame.Payload, &ref); err != nil {
			return fail(response, err)
		}
		if ref.ID == "" {
			return fail(response, apierr.WithNum(apierr.NumBadParameter, apierr.ErrMissingIdentifier))
		}
		res, err := h.api.ContinueCursor(ref.ID)
		if err != nil {
			return fail(response, err)
		}
		return ok(response, batchResponse(res))

	case CmdDisposeCursor:
		var ref cursorRef
		if err := decodePayload(frame.Payload, &ref); err != nil {
			return fail(response, err)
		}
		if ref.ID == "" {
			return fail(response, apierr.WithNum(apierr.NumBadParameter, apierr.ErrMissingIdentifier))
		}
		id, err := h.api.DisposeCursor(ref.ID)
		if err != nil {
			return fail(response, err)
		}
		return ok(response, cursorRef{ID: id})

	case CmdValidateQuery:
		var req struct {
			Query string `json:"query"`
		}
		if err := decodePayload(frame.Payload, &req); err != nil {
			return fail(response, err)
		}
		info, err := h.api.ValidateQuery(req.Query)
		if err != nil {
			return fail(response, err)
		}
		return ok(response, map[string]interface{}{
			"parsed":      true,
			"bindVars":    info.BindVars,
			"collections": info.Collections,
		})

	case CmdCacheProperties:
		mode, maxResults := h.api.CacheProperties()
		return ok(response, map[string]interface{}{
			"mode":       mode,
			"maxResults": maxResults,
		})

	case CmdSetCacheProperties:
		var req struct {
			Mode       *string `json:"mode,omitempty"`
			MaxResults *int    `json:"maxResults,omitempty"`
		}
		if err := decodePayload(frame.Payload, &req); err != nil {
			return fail(response, err)
		}
		if err := h.api.SetCacheProperties(req.Mode, req.MaxResults); err != nil {
			return fail(response, err)
		}
		mode, maxResults := h.api.CacheProperties()
		return ok(response, map[string]interface{}{
			"mode":       mode,
			"maxResults": maxResults,
		})

	case CmdClearCache:
		h.api.ClearCache()
		return ok(response, map[string]interface{}{"cleared": true})

	case CmdCreateCollection:
		var req struct {
			Name string `json:"name"`
		}
		if err := decodePayload(frame.Payload, &req); err != nil {
			return fail(response, err)
		}
		coll, err := h.api.CreateCollection(req.Name)
		if err != nil {
			return fail(response, err)
		}
		return ok(response, map[string]interface{}{"name": coll.Name})

	case CmdInsertDocument:
		var req struct {
			Collection string      `json:"collection"`
			Document   value.Value `json:"document"`
		}
		if err := decodePayload(frame.Payload, &req); err != nil {
			return fail(response, err)
		}
		stored, err := h.api.InsertDocument(req.Collection, req.Document)
		if err != nil {
			return fail(response, err)
		}
		key := ""
		if obj, isObj := stored.(map[string]interface{}); isObj {
			key, _ = obj["_key"].(string)
		}
		return ok(response, map[string]interface{}{"_key": key})

	case CmdListCollections:
		return ok(response, map[string]interface{}{"result": h.api.Collections()})

	default:
		return fail(response, apierr.Numbered(apierr.NumBadParameter, "unknown command %d", frame.Command))
	}
}

func batchResponse(res *api.QueryResult) batchBody {
	body := batchBody{
		ID:      res.ID,
		Result:  res.Rows,
		HasMore: res.HasMore,
		Cached:  res.Cached,
	}
	if body.Result == nil {
		body.Result = []value.Value{}
	}
	if res.Count != cursor.CountNone {
		count := res.Count
		body.Count = &count
	}
	if res.Stats != nil {
		body.Extra = map[string]interface{}{"stats": res.Stats}
	}
	return body
}

// decodePayload parses a JSON payload with number fidelity preserved.
func decodePayload(payload []byte, dst interface{}) error {
	if len(payload) == 0 {
		return apierr.WithNum(apierr.NumMissingBody, apierr.ErrMissingBody)
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return &apierr.APIError{
			Num:     apierr.NumMissingBody,
			Message: "failed to parse request payload",
			Err:     apierr.ErrMissingBody,
		}
	}
	return nil
}

func fail(response *ResponseFrame, err error) *ResponseFrame {
	response.Status = StatusError
	data, encErr := json.Marshal(errorBody{
		ErrorNum:     apierr.NumberOf(err),
		ErrorMessage: err.Error(),
	})
	if encErr != nil {
		data = []byte(`{"errorNum":1500,"errorMessage":"internal error"}`)
	}
	response.Data = data
	return response
}

func ok(response *ResponseFrame, body interface{}) *ResponseFrame {
	data, err := json.Marshal(body)
	if err != nil {
		return fail(response, apierr.Numbered(apierr.NumExecutionFailed, "failed to encode response: %v", err))
	}
	response.Status = StatusOK
	response.Data = data
	return response
}
