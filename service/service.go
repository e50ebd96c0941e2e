// Package service exposes a bitvault Engine over HTTP/JSON: the network
// surface spec.md treats as out of scope for the storage engine itself.
package service

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/halvardkv/bitvault/core"
)

// Status mirrors spec.md §6.3's wire-level result codes. It is distinct
// from the engine's Go errors: the wire only ever sees one of these four.
type Status string

const (
	StatusOK           Status = "OK"
	StatusNotFound     Status = "NotFound"
	StatusInvalidRegex Status = "InvalidRegex"
	StatusErr          Status = "Err"
)

// Server adapts a core.Engine to HTTP/JSON using gorilla/mux, the routing
// library this corpus's log/KV service sibling uses for the same purpose.
type Server struct {
	eng *core.Engine
	log *zap.SugaredLogger
}

// New builds an *http.Server ready to ListenAndServe at addr.
func New(addr string, eng *core.Engine, log *zap.SugaredLogger) *http.Server {
	s := &Server{eng: eng, log: log}
	r := mux.NewRouter()
	r.HandleFunc("/put", s.handlePut).Methods(http.MethodPost)
	r.HandleFunc("/get", s.handleGet).Methods(http.MethodPost)
	r.HandleFunc("/del", s.handleDel).Methods(http.MethodPost)
	r.HandleFunc("/merge", s.handleMerge).Methods(http.MethodPost)
	r.HandleFunc("/scan", s.handleScan).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	return &http.Server{Addr: addr, Handler: r}
}

type putRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type statusResponse struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

type getResponse struct {
	Status Status `json:"status"`
	Value  string `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}

// toWire renders a binary key/value lossily, per spec.md §6.3: the engine
// itself stays []byte-native, only the wire loses fidelity on non-UTF-8.
func toWire(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: StatusErr, Error: err.Error()})
		return
	}
	if err := s.eng.Put([]byte(req.Key), []byte(req.Value)); err != nil {
		s.log.Errorw("put failed", "key", req.Key, "err", err)
		writeJSON(w, http.StatusInternalServerError, statusResponse{Status: StatusErr, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: StatusOK})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, getResponse{Status: StatusErr, Error: err.Error()})
		return
	}
	val, err := s.eng.Get([]byte(req.Key))
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusOK, getResponse{Status: StatusNotFound})
	case err != nil:
		s.log.Errorw("get failed", "key", req.Key, "err", err)
		writeJSON(w, http.StatusInternalServerError, getResponse{Status: StatusErr, Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, getResponse{Status: StatusOK, Value: toWire(val)})
	}
}

func (s *Server) handleDel(w http.ResponseWriter, r *http.Request) {
	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: StatusErr, Error: err.Error()})
		return
	}
	if err := s.eng.Del([]byte(req.Key)); err != nil {
		s.log.Errorw("del failed", "key", req.Key, "err", err)
		writeJSON(w, http.StatusInternalServerError, statusResponse{Status: StatusErr, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: StatusOK})
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Merge(); err != nil {
		s.log.Errorw("merge failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, statusResponse{Status: StatusErr, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: StatusOK})
}

type statsResponse struct {
	Status   Status `json:"status"`
	DiskSize int64  `json:"disk_size"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	size, err := s.eng.DiskSize()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, statusResponse{Status: StatusErr, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Status: StatusOK, DiskSize: size})
}

type scanFrame struct {
	Status Status `json:"status"`
	Key    string `json:"key,omitempty"`
	Value  string `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleScan streams one JSON frame per row the scan returns (bounded by
// range and filtered by regex), each flushed immediately, the
// HTTP analogue of spec.md's server-streaming scan operation.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	scanner := core.Scanner{Range: -1}
	if raw := q.Get("range"); raw != "" {
		n, err := parseInt64(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, scanFrame{Status: StatusErr, Error: "invalid range: " + err.Error()})
			return
		}
		scanner.Range = n
	}
	if raw := q.Get("regex"); raw != "" {
		re, err := regexp.Compile(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, scanFrame{Status: StatusInvalidRegex, Error: err.Error()})
			return
		}
		scanner.Regex = re
	}

	ctx := r.Context()
	_, rows, err := s.eng.Scan(scanner)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, scanFrame{Status: StatusErr, Error: err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for _, row := range rows {
		select {
		case <-ctx.Done():
			return
		default:
		}
		frame := scanFrame{Status: StatusOK, Key: toWire(row.Key), Value: toWire(row.Value)}
		if err := enc.Encode(frame); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
