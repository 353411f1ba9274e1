// Package httpapi implements the HTTP surface of spec §6.1 on top of
// gorilla/mux, the router heroiclabs-nakama uses for its own REST
// surface in this retrieval pack. JSON is the default wire encoding;
// MessagePack is negotiated via Content-Type/Accept, matching spec
// §6's content-negotiation note. Deliberately thin: every handler
// translates HTTP to an index.Manager / index.Index call and back,
// with no engine logic of its own (spec §1's "out of scope" list).
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/acoustid/aindex/internal/change"
	"github.com/acoustid/aindex/internal/metrics"
	"github.com/acoustid/aindex/internal/stage"
	"github.com/acoustid/aindex/index"
)

const msgpackContentType = "application/msgpack"

// Server wires a Manager to an HTTP router.
type Server struct {
	Manager *index.Manager
	Logger  *zap.Logger

	// SearchTimeout is used when a _search request omits "timeout".
	SearchTimeout time.Duration

	router *mux.Router
}

// New builds a Server with its routes registered.
func New(mgr *index.Manager, logger *zap.Logger, searchTimeout time.Duration) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if searchTimeout <= 0 {
		searchTimeout = 500 * time.Millisecond
	}
	s := &Server{Manager: mgr, Logger: logger, SearchTimeout: searchTimeout}
	s.router = mux.NewRouter()
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/_health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/_metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/{index}", s.handleCreateIndex).Methods(http.MethodPut)
	r.HandleFunc("/{index}", s.handleDeleteIndex).Methods(http.MethodDelete)
	r.HandleFunc("/{index}", s.handleHeadIndex).Methods(http.MethodHead)
	r.HandleFunc("/{index}", s.handleGetIndex).Methods(http.MethodGet)
	r.HandleFunc("/{index}/_health", s.handleIndexHealth).Methods(http.MethodGet)
	r.HandleFunc("/{index}/_update", s.handleUpdate).Methods(http.MethodPost)
	r.HandleFunc("/{index}/_search", s.handleSearch).Methods(http.MethodPost)
	r.HandleFunc("/{index}/_snapshot", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/{index}/_flush", s.handleFlush).Methods(http.MethodPost)
	r.HandleFunc("/{index}/_attributes/{name}", s.handleGetAttribute).Methods(http.MethodGet)
	r.HandleFunc("/{index}/{id}", s.handlePutDoc).Methods(http.MethodPut)
	r.HandleFunc("/{index}/{id}", s.handleGetDoc).Methods(http.MethodGet)
	r.HandleFunc("/{index}/{id}", s.handleDeleteDoc).Methods(http.MethodDelete)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeBody(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIndexHealth(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["index"]
	idx, err := s.Manager.Get(name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if idx.State() != index.StateActive {
		writeBody(w, r, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	writeBody(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["index"]
	if _, err := s.Manager.Get(name); err == nil {
		// PUT is idempotent: creating an existing index is a no-op
		// success (spec §5 "PUT /{index} followed by PUT /{index} both
		// return success").
		writeBody(w, r, http.StatusOK, map[string]any{})
		return
	}
	if _, err := s.Manager.Create(name); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusOK, map[string]any{})
}

func (s *Server) handleDeleteIndex(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["index"]
	if err := s.Manager.Delete(name); err != nil && !errors.Is(err, index.ErrIndexNotFound) {
		s.writeError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusOK, map[string]any{})
}

func (s *Server) handleHeadIndex(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["index"]
	if _, err := s.Manager.Get(name); err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type getIndexResponse struct {
	Version uint64     `msgpack:"v" json:"version"`
	Stats   statsBlock `msgpack:"s" json:"stats"`
}

type statsBlock struct {
	MinDocID    uint32 `msgpack:"mn" json:"min_doc_id"`
	MaxDocID    uint32 `msgpack:"mx" json:"max_doc_id"`
	NumSegments int    `msgpack:"ns" json:"num_segments"`
	NumDocs     uint64 `msgpack:"nd" json:"num_docs"`
}

func (s *Server) handleGetIndex(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["index"]
	idx, err := s.Manager.Get(name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st := idx.Stats()
	writeBody(w, r, http.StatusOK, getIndexResponse{
		Version: idx.CurrentVersion(),
		Stats: statsBlock{
			MinDocID:    st.MinDocID,
			MaxDocID:    st.MaxDocID,
			NumSegments: st.NumSegments,
			NumDocs:     st.NumDocs,
		},
	})
}

type putDocRequest struct {
	Hashes []uint32 `msgpack:"h" json:"hashes"`
}

func parseDocID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, index.ErrFingerprintOutOfRange
	}
	return uint32(v), nil
}

func (s *Server) handlePutDoc(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	idx, err := s.Manager.Get(vars["index"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := parseDocID(vars["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req putDocRequest
	if err := readBody(r, &req); err != nil {
		s.writeError(w, r, index.ErrBadRequest)
		return
	}
	batch := change.UpdateBatch{Changes: []change.Change{{Kind: change.Insert, DocID: id, Hashes: req.Hashes}}}
	if _, err := idx.Apply(batch); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusOK, map[string]any{})
}

type getDocResponse struct {
	Version uint64 `msgpack:"v" json:"version"`
}

func (s *Server) handleGetDoc(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	idx, err := s.Manager.Get(vars["index"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := parseDocID(vars["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	version, err := idx.GetVersion(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusOK, getDocResponse{Version: version})
}

func (s *Server) handleDeleteDoc(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	idx, err := s.Manager.Get(vars["index"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := parseDocID(vars["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	batch := change.UpdateBatch{Changes: []change.Change{{Kind: change.Delete, DocID: id}}}
	if _, err := idx.Apply(batch); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusOK, map[string]any{})
}

type updateResponse struct {
	Version uint64 `msgpack:"v" json:"version"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["index"]
	idx, err := s.Manager.Get(name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var batch change.UpdateBatch
	if err := readBody(r, &batch); err != nil {
		s.writeError(w, r, index.ErrBadRequest)
		return
	}
	version, err := idx.Apply(batch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusOK, updateResponse{Version: version})
}

type searchRequest struct {
	Query   []uint32 `msgpack:"h" json:"query"`
	Limit   int      `msgpack:"n" json:"limit"`
	Timeout int64    `msgpack:"t" json:"timeout"` // milliseconds; 0 selects the server default
}

type searchResult struct {
	ID    uint32 `msgpack:"i" json:"id"`
	Score int    `msgpack:"s" json:"score"`
}

type searchResponse struct {
	Results []searchResult `msgpack:"r" json:"results"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["index"]
	idx, err := s.Manager.Get(name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req searchRequest
	if err := readBody(r, &req); err != nil {
		s.writeError(w, r, index.ErrBadRequest)
		return
	}
	timeout := s.SearchTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Millisecond
	}
	outcome, err := idx.Search(req.Query, req.Limit, timeout)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := searchResponse{Results: make([]searchResult, len(outcome.Results))}
	for i, res := range outcome.Results {
		resp.Results[i] = searchResult{ID: res.ID, Score: res.Score}
	}
	writeBody(w, r, http.StatusOK, resp)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["index"]
	idx, err := s.Manager.Get(name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-tar")
	w.WriteHeader(http.StatusOK)
	if err := idx.WriteSnapshot(w); err != nil {
		s.Logger.Error("snapshot stream failed", zap.String("index", name), zap.Error(err))
	}
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["index"]
	idx, err := s.Manager.Get(name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := idx.Checkpoint(); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeBody(w, r, http.StatusOK, map[string]any{})
}

type attributeResponse struct {
	Value int64 `msgpack:"v" json:"value"`
}

func (s *Server) handleGetAttribute(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	idx, err := s.Manager.Get(vars["index"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	value, ok := idx.GetAttribute(vars["name"])
	if !ok {
		s.writeError(w, r, index.ErrFingerprintNotFound)
		return
	}
	writeBody(w, r, http.StatusOK, attributeResponse{Value: value})
}

func wantsMsgpack(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	accept := r.Header.Get("Accept")
	return ct == msgpackContentType || accept == msgpackContentType
}

func readBody(r *http.Request, v any) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if wantsMsgpack(r) {
		return msgpack.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func writeBody(w http.ResponseWriter, r *http.Request, status int, v any) {
	if wantsMsgpack(r) {
		data, err := msgpack.Marshal(v)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", msgpackContentType)
		w.WriteHeader(status)
		_, _ = w.Write(data)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the body shape for every non-2xx response.
type errorResponse struct {
	Error string `json:"error" msgpack:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	writeBody(w, r, status, errorResponse{Error: message})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, index.ErrIndexNotFound):
		return http.StatusNotFound, "index_not_found"
	case errors.Is(err, index.ErrFingerprintNotFound):
		return http.StatusNotFound, "fingerprint_not_found"
	case errors.Is(err, index.ErrFingerprintOutOfRange):
		return http.StatusBadRequest, "fingerprint_id_out_of_range"
	case errors.Is(err, index.ErrBadIndexName):
		return http.StatusBadRequest, "bad_index_name"
	case errors.Is(err, index.ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, index.ErrIndexAlreadyExists):
		return http.StatusConflict, "index_already_exists"
	case errors.Is(err, index.ErrShuttingDown):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, stage.ErrVersionMismatch):
		return http.StatusConflict, "version_mismatch"
	case errors.Is(err, stage.ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
