package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anfivewer/an5wer-sub001/internal/auth"
	"github.com/anfivewer/an5wer-sub001/internal/collections"
	"github.com/anfivewer/an5wer-sub001/internal/keycodec"
	"github.com/anfivewer/an5wer-sub001/internal/storeerr"
)

type jsonResponse map[string]any

type errorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type"`
}

type Server struct {
	store    *collections.Store
	logger   *slog.Logger
	gatherer prometheus.Gatherer
}

// NewServer wires store to HTTP. A nil gatherer leaves /metrics unrouted.
func NewServer(store *collections.Store, logger *slog.Logger, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, logger: logger, gatherer: gatherer}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/collections/create", s.handleCreateCollection)
	mux.HandleFunc("/collections/delete", s.handleDeleteCollection)
	mux.HandleFunc("/collections/get", s.handleGetCollection)
	mux.HandleFunc("/collections/list", s.handleListCollections)
	mux.HandleFunc("/generations/start", s.handleStartGeneration)
	mux.HandleFunc("/generations/commit", s.handleCommitGeneration)
	mux.HandleFunc("/generations/abort", s.handleAbortGeneration)
	mux.HandleFunc("/generations/prune", s.handlePrune)
	mux.HandleFunc("/items/put", s.handlePut)
	mux.HandleFunc("/query", s.handleQuery)
	mux.HandleFunc("/query/cursor", s.handleReadCursor)
	mux.HandleFunc("/query/cursor/close", s.handleCloseCursor)
	mux.HandleFunc("/query/stream", s.handleStream)
	mux.HandleFunc("/readers/create", s.handleCreateReader)
	mux.HandleFunc("/readers/delete", s.handleDeleteReader)
	mux.HandleFunc("/readers/update", s.handleUpdateReader)
	mux.HandleFunc("/readers/list", s.handleListReaders)
	mux.HandleFunc("/readers/get", s.handleGetReader)
	mux.HandleFunc("/readers/probe", s.handleProbeReader)
	mux.HandleFunc("/readers/confirm", s.handleConfirmPhantom)
	mux.HandleFunc("/readers/discard", s.handleDiscardPhantom)
	mux.HandleFunc("/dump", s.handleDump)
	mux.HandleFunc("/restore", s.handleRestore)
	mux.HandleFunc("/healthz", handleHealthz)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var payload struct {
		Name          string  `json:"name"`
		IsManual      bool    `json:"isManual"`
		GenerationID  *string `json:"generationId"`
		ValueEncoding string  `json:"valueEncoding"`
	}
	if !s.decodePayload(w, r, &payload) {
		return
	}
	if payload.Name == "" {
		badRequest(w, "name is required")
		return
	}
	encoding, ok := valueEncoding(w, payload.ValueEncoding)
	if !ok {
		return
	}
	policy := collections.CommitAuto
	if payload.IsManual {
		policy = collections.CommitManual
	}
	c, err := s.store.CreateCollection(r.Context(), collections.CreateCollectionOptions{
		Name:                payload.Name,
		Policy:              policy,
		InitialGenerationID: payload.GenerationID,
	})
	if err != nil {
		s.writeStoreError(w, r, "create collection", err)
		return
	}
	s.logger.Info("collection created via api", "collection", c.Name, "user", auth.Actor(r.Context()))
	writeJSON(w, http.StatusOK, toCollectionJSON(c, encoding))
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var payload struct {
		Name string `json:"name"`
	}
	if !s.decodePayload(w, r, &payload) {
		return
	}
	if payload.Name == "" {
		badRequest(w, "name is required")
		return
	}
	if err := s.store.DeleteCollection(r.Context(), payload.Name); err != nil {
		s.writeStoreError(w, r, "delete collection", err)
		return
	}
	s.logger.Info("collection deleted via api", "collection", payload.Name, "user", auth.Actor(r.Context()))
	writeJSON(w, http.StatusOK, jsonResponse{"deleted": payload.Name})
}

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		badRequest(w, "name is required")
		return
	}
	encoding, ok := valueEncoding(w, r.URL.Query().Get("valueEncoding"))
	if !ok {
		return
	}
	c, err := s.store.GetCollection(r.Context(), name)
	if err != nil {
		s.writeStoreError(w, r, "get collection", err)
		return
	}
	writeJSON(w, http.StatusOK, toCollectionJSON(c, encoding))
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	names, err := s.store.ListCollections(r.Context())
	if err != nil {
		s.writeStoreError(w, r, "list collections", err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, jsonResponse{"collections": names})
}

type generationPayload struct {
	Collection   string `json:"collection"`
	GenerationID string `json:"generationId"`
}

func (s *Server) decodeGeneration(w http.ResponseWriter, r *http.Request, needGeneration bool) (generationPayload, bool) {
	var payload generationPayload
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return payload, false
	}
	if !s.decodePayload(w, r, &payload) {
		return payload, false
	}
	if payload.Collection == "" {
		badRequest(w, "collection is required")
		return payload, false
	}
	if needGeneration && payload.GenerationID == "" {
		badRequest(w, "generationId is required")
		return payload, false
	}
	return payload, true
}

func (s *Server) handleStartGeneration(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decodeGeneration(w, r, true)
	if !ok {
		return
	}
	if err := s.store.StartNextGeneration(r.Context(), payload.Collection, payload.GenerationID); err != nil {
		s.writeStoreError(w, r, "start generation", err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{"nextGenerationId": payload.GenerationID})
}

func (s *Server) handleCommitGeneration(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decodeGeneration(w, r, true)
	if !ok {
		return
	}
	if err := s.store.CommitGeneration(r.Context(), payload.Collection, payload.GenerationID); err != nil {
		s.writeStoreError(w, r, "commit generation", err)
		return
	}
	s.logger.Info("generation committed via api", "collection", payload.Collection, "generation", payload.GenerationID, "user", auth.Actor(r.Context()))
	writeJSON(w, http.StatusOK, jsonResponse{"generationId": payload.GenerationID})
}

func (s *Server) handleAbortGeneration(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decodeGeneration(w, r, false)
	if !ok {
		return
	}
	if err := s.store.AbortGeneration(r.Context(), payload.Collection); err != nil {
		s.writeStoreError(w, r, "abort generation", err)
		return
	}
	s.logger.Info("generation aborted via api", "collection", payload.Collection, "user", auth.Actor(r.Context()))
	writeJSON(w, http.StatusOK, jsonResponse{"aborted": true})
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decodeGeneration(w, r, true)
	if !ok {
		return
	}
	if err := s.store.PruneGenerations(r.Context(), payload.Collection, payload.GenerationID); err != nil {
		s.writeStoreError(w, r, "prune", err)
		return
	}
	s.logger.Info("generations pruned via api", "collection", payload.Collection, "floor", payload.GenerationID, "user", auth.Actor(r.Context()))
	writeJSON(w, http.StatusOK, jsonResponse{"floor": payload.GenerationID})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var payload struct {
		Collection string        `json:"collection"`
		Items      []putItemJSON `json:"items"`
	}
	if !s.decodePayload(w, r, &payload) {
		return
	}
	if payload.Collection == "" {
		badRequest(w, "collection is required")
		return
	}
	items, err := decodeItems(payload.Items)
	if err != nil {
		s.writeStoreError(w, r, "put", err)
		return
	}
	gen, err := s.store.PutItems(r.Context(), payload.Collection, items)
	if err != nil {
		s.writeStoreError(w, r, "put", err)
		return
	}
	s.logger.Debug("items put", "collection", payload.Collection, "items", len(items), "generation", gen, "user", auth.Actor(r.Context()))
	writeJSON(w, http.StatusOK, jsonResponse{"generationId": gen})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var payload struct {
		Collection        string  `json:"collection"`
		GenerationID      *string `json:"generationId"`
		SinceGenerationID *string `json:"sinceGenerationId"`
		PageSize          int     `json:"pageSize"`
		ValueEncoding     string  `json:"valueEncoding"`
	}
	if !s.decodePayload(w, r, &payload) {
		return
	}
	if payload.Collection == "" {
		badRequest(w, "collection is required")
		return
	}
	encoding, ok := valueEncoding(w, payload.ValueEncoding)
	if !ok {
		return
	}
	page, err := s.store.Query(r.Context(), payload.Collection, collections.QueryOptions{
		GenerationID:      payload.GenerationID,
		SinceGenerationID: payload.SinceGenerationID,
		PageSize:          payload.PageSize,
	})
	if err != nil {
		s.writeStoreError(w, r, "query", err)
		return
	}
	writeJSON(w, http.StatusOK, toPageJSON(page, encoding))
}

type cursorPayload struct {
	CursorID      string `json:"cursorId"`
	ValueEncoding string `json:"valueEncoding"`
}

func (s *Server) decodeCursor(w http.ResponseWriter, r *http.Request) (cursorPayload, bool) {
	var payload cursorPayload
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return payload, false
	}
	if !s.decodePayload(w, r, &payload) {
		return payload, false
	}
	if payload.CursorID == "" {
		badRequest(w, "cursorId is required")
		return payload, false
	}
	return payload, true
}

func (s *Server) handleReadCursor(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decodeCursor(w, r)
	if !ok {
		return
	}
	encoding, ok := valueEncoding(w, payload.ValueEncoding)
	if !ok {
		return
	}
	page, err := s.store.ReadQueryCursor(r.Context(), payload.CursorID)
	if err != nil {
		s.writeStoreError(w, r, "read cursor", err)
		return
	}
	writeJSON(w, http.StatusOK, toPageJSON(page, encoding))
}

func (s *Server) handleCloseCursor(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decodeCursor(w, r)
	if !ok {
		return
	}
	if err := s.store.CloseQueryCursor(r.Context(), payload.CursorID); err != nil {
		s.writeStoreError(w, r, "close cursor", err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{"closed": payload.CursorID})
}

// handleStream writes every page of a snapshot as one JSON line. An error
// after the first page ends the stream with an error line.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	collection := query.Get("collection")
	if collection == "" {
		badRequest(w, "collection is required")
		return
	}
	encoding, ok := valueEncoding(w, query.Get("valueEncoding"))
	if !ok {
		return
	}
	var opts collections.StreamOptions
	if gen := query.Get("generationId"); gen != "" {
		opts.GenerationID = &gen
	}
	if since := query.Get("sinceGenerationId"); since != "" {
		opts.SinceGenerationID = &since
	}
	if raw := query.Get("pageSize"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 1 {
			badRequest(w, "pageSize must be a positive integer")
			return
		}
		opts.PageSize = size
	}

	stream, err := s.store.Stream(r.Context(), collection, opts)
	if err != nil {
		s.writeStoreError(w, r, "stream", err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	encoder := json.NewEncoder(w)
	for {
		page, err := stream.Next(r.Context())
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			s.logger.Warn("stream ended early", "collection", collection, "error", err)
			_ = encoder.Encode(errorBody(err))
			return
		}
		if err := encoder.Encode(toPageJSON(page, encoding)); err != nil {
			s.logger.Debug("stream client went away", "collection", collection, "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

type readerPayload struct {
	Collection         string  `json:"collection"`
	ReaderID           string  `json:"readerId"`
	GenerationID       *string `json:"generationId"`
	FollowedCollection string  `json:"followedCollection"`
}

func (s *Server) decodeReader(w http.ResponseWriter, r *http.Request) (readerPayload, bool) {
	var payload readerPayload
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return payload, false
	}
	if !s.decodePayload(w, r, &payload) {
		return payload, false
	}
	if payload.Collection == "" {
		badRequest(w, "collection is required")
		return payload, false
	}
	if payload.ReaderID == "" {
		badRequest(w, "readerId is required")
		return payload, false
	}
	return payload, true
}

func (p readerPayload) options() collections.ReaderOptions {
	return collections.ReaderOptions{
		ReaderID:           p.ReaderID,
		GenerationID:       p.GenerationID,
		FollowedCollection: p.FollowedCollection,
	}
}

func (s *Server) handleCreateReader(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decodeReader(w, r)
	if !ok {
		return
	}
	reader, err := s.store.CreateReader(r.Context(), payload.Collection, payload.options())
	if err != nil {
		s.writeStoreError(w, r, "create reader", err)
		return
	}
	s.logger.Info("reader created via api", "collection", payload.Collection, "reader", payload.ReaderID, "user", auth.Actor(r.Context()))
	writeJSON(w, http.StatusOK, toReaderJSON(reader))
}

func (s *Server) handleDeleteReader(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decodeReader(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteReader(r.Context(), payload.Collection, payload.ReaderID); err != nil {
		s.writeStoreError(w, r, "delete reader", err)
		return
	}
	s.logger.Info("reader deleted via api", "collection", payload.Collection, "reader", payload.ReaderID, "user", auth.Actor(r.Context()))
	writeJSON(w, http.StatusOK, jsonResponse{"deleted": payload.ReaderID})
}

func (s *Server) handleUpdateReader(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decodeReader(w, r)
	if !ok {
		return
	}
	if payload.GenerationID == nil || *payload.GenerationID == "" {
		badRequest(w, "generationId is required")
		return
	}
	reader, err := s.store.UpdateReader(r.Context(), payload.Collection, payload.ReaderID, *payload.GenerationID)
	if err != nil {
		s.writeStoreError(w, r, "update reader", err)
		return
	}
	writeJSON(w, http.StatusOK, toReaderJSON(reader))
}

func (s *Server) handleListReaders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	collection := r.URL.Query().Get("collection")
	if collection == "" {
		badRequest(w, "collection is required")
		return
	}
	readers, err := s.store.ListReaders(r.Context(), collection)
	if err != nil {
		s.writeStoreError(w, r, "list readers", err)
		return
	}
	out := make([]readerJSON, 0, len(readers))
	for _, reader := range readers {
		out = append(out, toReaderJSON(reader))
	}
	writeJSON(w, http.StatusOK, jsonResponse{"readers": out})
}

func (s *Server) handleGetReader(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	collection := r.URL.Query().Get("collection")
	readerID := r.URL.Query().Get("readerId")
	if collection == "" || readerID == "" {
		badRequest(w, "collection and readerId are required")
		return
	}
	reader, err := s.store.GetReader(r.Context(), collection, readerID)
	if err != nil {
		s.writeStoreError(w, r, "get reader", err)
		return
	}
	writeJSON(w, http.StatusOK, toReaderJSON(reader))
}

func (s *Server) handleProbeReader(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decodeReader(w, r)
	if !ok {
		return
	}
	phantom, err := s.store.ProbeReader(r.Context(), payload.Collection, payload.options())
	if err != nil {
		s.writeStoreError(w, r, "probe reader", err)
		return
	}
	writeJSON(w, http.StatusOK, toPhantomJSON(phantom))
}

type phantomPayload struct {
	Collection string `json:"collection"`
	PhantomID  string `json:"phantomId"`
}

func (s *Server) decodePhantom(w http.ResponseWriter, r *http.Request) (phantomPayload, bool) {
	var payload phantomPayload
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return payload, false
	}
	if !s.decodePayload(w, r, &payload) {
		return payload, false
	}
	if payload.Collection == "" || payload.PhantomID == "" {
		badRequest(w, "collection and phantomId are required")
		return payload, false
	}
	return payload, true
}

func (s *Server) handleConfirmPhantom(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decodePhantom(w, r)
	if !ok {
		return
	}
	reader, err := s.store.ConfirmPhantom(r.Context(), payload.Collection, payload.PhantomID)
	if err != nil {
		s.writeStoreError(w, r, "confirm phantom", err)
		return
	}
	s.logger.Info("phantom confirmed via api", "collection", payload.Collection, "reader", reader.ID, "user", auth.Actor(r.Context()))
	writeJSON(w, http.StatusOK, toReaderJSON(reader))
}

func (s *Server) handleDiscardPhantom(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decodePhantom(w, r)
	if !ok {
		return
	}
	if err := s.store.DiscardPhantom(r.Context(), payload.Collection, payload.PhantomID); err != nil {
		s.writeStoreError(w, r, "discard phantom", err)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{"discarded": payload.PhantomID})
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	if err := s.store.Dump(r.Context(), w); err != nil {
		// Headers are gone by now; the truncated body lacks its end part.
		s.logger.Error("dump failed", "error", err, "user", auth.Actor(r.Context()))
	}
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.store.Restore(r.Context(), r.Body); err != nil {
		if errors.Is(err, collections.ErrMalformedDump) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Type: "MalformedDumpError"})
			return
		}
		s.writeStoreError(w, r, "restore", err)
		return
	}
	s.logger.Info("store restored via api", "user", auth.Actor(r.Context()))
	writeJSON(w, http.StatusOK, jsonResponse{"restored": true})
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func valueEncoding(w http.ResponseWriter, encoding string) (string, bool) {
	if err := keycodec.RequireUtf8OrBase64(encoding); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return "", false
	}
	return encoding, true
}

func (s *Server) decodePayload(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeJSON(r, target); err != nil {
		s.logger.Debug("request decode error", "path", r.URL.Path, "error", err)
		badRequest(w, err.Error())
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed", Type: "MethodNotAllowed"})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Type: storeerr.KindInvalidArgument.String()})
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(payload)
}
