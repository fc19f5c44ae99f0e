// Package server exposes the API core over HTTP. Response bodies follow
// the envelope convention of carrying error, code and a stable errorNum
// alongside the transport status.
package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kartikbazzad/cursordb/internal/api"
	"github.com/kartikbazzad/cursordb/internal/config"
	"github.com/kartikbazzad/cursordb/internal/cursor"
	apierr "github.com/kartikbazzad/cursordb/internal/errors"
	"github.com/kartikbazzad/cursordb/internal/logger"
	"github.com/kartikbazzad/cursordb/internal/value"
)

// Server is the cursordb HTTP server.
type Server struct {
	cfg    *config.Config
	logger *logger.Logger
	api    *api.API
	server *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(cfg *config.Config, log *logger.Logger, a *api.API) *Server {
	s := &Server{
		cfg:    cfg,
		logger: log,
		api:    a,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/_api/cursor", s.handleCursorCreate)
	mux.HandleFunc("/_api/cursor/", s.handleCursorByID)
	mux.HandleFunc("/_api/query", s.handleQueryValidate)
	mux.HandleFunc("/_api/query-cache/properties", s.handleCacheProperties)
	mux.HandleFunc("/_api/query-cache", s.handleCacheClear)
	mux.HandleFunc("/_api/collection", s.handleCollections)
	mux.HandleFunc("/_api/collection/", s.handleCollectionByName)
	mux.HandleFunc("/_api/document", s.handleDocumentInsert)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	s.server = &http.Server{
		Addr:        cfg.HTTP.ListenAddr,
		Handler:     mux,
		ReadTimeout: cfg.HTTP.ReadTimeout,
	}
	return s
}

// Handler returns the route table, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening on %s", s.cfg.HTTP.ListenAddr)
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// cursorResponse is the batch envelope shared by create and continue.
// ID is present only while more batches remain; Count only when the
// query asked for it.
type cursorResponse struct {
	Error   bool                   `json:"error"`
	Code    int                    `json:"code"`
	ID      string                 `json:"id,omitempty"`
	Result  []value.Value          `json:"result"`
	HasMore bool                   `json:"hasMore"`
	Count   *int                   `json:"count,omitempty"`
	Cached  bool                   `json:"cached"`
	Extra   map[string]interface{} `json:"extra,omitempty"`
}

type errorResponse struct {
	Error        bool   `json:"error"`
	Code         int    `json:"code"`
	ErrorNum     int    `json:"errorNum"`
	ErrorMessage string `json:"errorMessage"`
}

// httpStatus maps a stable error number onto the transport status.
func httpStatus(num int) int {
	switch num {
	case apierr.NumMissingBody, apierr.NumBadParameter, apierr.NumParseFailed, apierr.NumExecutionFailed:
		return http.StatusBadRequest
	case apierr.NumCollectionUnknown, apierr.NumCursorUnknown:
		return http.StatusNotFound
	case apierr.NumCursorBusy:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	num := apierr.NumberOf(err)
	status := httpStatus(num)
	s.writeJSON(w, status, errorResponse{
		Error:        true,
		Code:         status,
		ErrorNum:     num,
		ErrorMessage: err.Error(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to write response: %v", err)
	}
}

// decodeBody parses a JSON request body with number fidelity preserved.
// A missing or malformed body maps to errorNum 600.
func decodeBody(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return apierr.WithNum(apierr.NumMissingBody, apierr.ErrMissingBody)
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return &apierr.APIError{
			Num:     apierr.NumMissingBody,
			Message: "failed to parse request body",
			Err:     apierr.ErrMissingBody,
		}
	}
	return nil
}

func (s *Server) writeBatch(w http.ResponseWriter, status int, res *api.QueryResult) {
	out := cursorResponse{
		Code:    status,
		ID:      res.ID,
		Result:  res.Rows,
		HasMore: res.HasMore,
		Cached:  res.Cached,
	}
	if out.Result == nil {
		out.Result = []value.Value{}
	}
	if res.Count != cursor.CountNone {
		count := res.Count
		out.Count = &count
	}
	if res.Stats != nil {
		out.Extra = map[string]interface{}{"stats": res.Stats}
	}
	s.writeJSON(w, status, out)
}

func (s *Server) handleCursorCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req api.QueryRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.api.CreateCursor(&req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeBatch(w, http.StatusCreated, res)
}

func (s *Server) handleCursorByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/_api/cursor/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, apierr.WithNum(apierr.NumBadParameter, apierr.ErrMissingIdentifier))
		return
	}

	switch r.Method {
	case http.MethodPut, http.MethodPost:
		res, err := s.api.ContinueCursor(id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeBatch(w, http.StatusOK, res)
	case http.MethodDelete:
		id, err := s.api.DisposeCursor(id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"error": false,
			"code":  http.StatusAccepted,
			"id":    id,
		})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleQueryValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Query string `json:"query"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.api.ValidateQuery(req.Query)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"error":       false,
		"code":        http.StatusOK,
		"parsed":      true,
		"bindVars":    info.BindVars,
		"collections": info.Collections,
	})
}

func (s *Server) handleCacheProperties(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		var req struct {
			Mode       *string `json:"mode,omitempty"`
			MaxResults *int    `json:"maxResults,omitempty"`
		}
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.api.SetCacheProperties(req.Mode, req.MaxResults); err != nil {
			s.writeError(w, err)
			return
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	mode, maxResults := s.api.CacheProperties()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"error":      false,
		"code":       http.StatusOK,
		"mode":       mode,
		"maxResults": maxResults,
	})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.api.ClearCache()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"error": false,
		"code":  http.StatusOK,
	})
}

func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"error":  false,
			"code":   http.StatusOK,
			"result": s.api.Collections(),
		})
	case http.MethodPost:
		var req struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		coll, err := s.api.CreateCollection(req.Name)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"error": false,
			"code":  http.StatusOK,
			"name":  coll.Name,
		})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCollectionByName(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/_api/collection/")
	name, op, _ := strings.Cut(rest, "/")
	if name == "" {
		s.writeError(w, apierr.Numbered(apierr.NumBadParameter, "missing collection name"))
		return
	}

	switch {
	case r.Method == http.MethodGet && op == "":
		coll, err := s.api.Collection(name)
		if err != nil {
			s.writeError(w, apierr.WithNum(apierr.NumCollectionUnknown, err))
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"error": false,
			"code":  http.StatusOK,
			"name":  coll.Name,
			"count": coll.Count(),
		})
	case r.Method == http.MethodPut && op == "truncate":
		if err := s.api.TruncateCollection(name); err != nil {
			s.writeError(w, apierr.WithNum(apierr.NumCollectionUnknown, err))
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"error": false,
			"code":  http.StatusOK,
			"name":  name,
		})
	case r.Method == http.MethodDelete && op == "":
		if err := s.api.DropCollection(name); err != nil {
			s.writeError(w, apierr.WithNum(apierr.NumCollectionUnknown, err))
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"error": false,
			"code":  http.StatusOK,
		})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDocumentInsert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	collection := r.URL.Query().Get("collection")
	if collection == "" {
		s.writeError(w, apierr.Numbered(apierr.NumBadParameter, "missing query parameter: collection"))
		return
	}
	var doc value.Value
	if err := decodeBody(r, &doc); err != nil {
		s.writeError(w, err)
		return
	}
	stored, err := s.api.InsertDocument(collection, doc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	key := ""
	if obj, ok := stored.(map[string]interface{}); ok {
		key, _ = obj["_key"].(string)
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"error": false,
		"code":  http.StatusAccepted,
		"_key":  key,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
