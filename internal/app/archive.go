package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MrWong99/whisperflow/internal/session"
	"github.com/MrWong99/whisperflow/internal/session/filestore"
)

// maxSearchResults caps /search when no limit is given.
const maxSearchResults = 50

// recordIndex reads finished sessions back from SQL. [postgres.Store]
// implements it.
type recordIndex interface {
	Chunks(ctx context.Context, sessionID string) ([]session.ChunkRecord, error)
	Search(ctx context.Context, query string, limit int) ([]session.ChunkRecord, error)
}

// archiveHandler serves past sessions: the file store's sessions.json index,
// the records of one session and, with PostgreSQL, transcript search.
type archiveHandler struct {
	root string
	sql  recordIndex // nil without postgres
}

func (h *archiveHandler) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /sessions", h.sessions)
	mux.HandleFunc("GET /sessions/{id}/chunks", h.chunks)
	mux.HandleFunc("GET /search", h.search)
}

func (h *archiveHandler) sessions(w http.ResponseWriter, _ *http.Request) {
	entries, err := filestore.ReadIndex(h.root)
	if err != nil {
		failJSON(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []filestore.IndexEntry{}
	}
	replyJSON(w, http.StatusOK, entries)
}

// chunks prefers PostgreSQL when configured. Otherwise the session is looked
// up in the index so that only directories the store wrote are read.
func (h *archiveHandler) chunks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.sql != nil {
		recs, err := h.sql.Chunks(r.Context(), id)
		if err != nil {
			failJSON(w, http.StatusInternalServerError, err)
			return
		}
		if len(recs) == 0 {
			replyJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session " + id})
			return
		}
		replyJSON(w, http.StatusOK, recs)
		return
	}

	entries, err := filestore.ReadIndex(h.root)
	if err != nil {
		failJSON(w, http.StatusInternalServerError, err)
		return
	}
	for _, e := range entries {
		if e.ID != id {
			continue
		}
		recs, err := filestore.ReadChunks(e.Path)
		if err != nil {
			failJSON(w, http.StatusInternalServerError, err)
			return
		}
		replyJSON(w, http.StatusOK, recs)
		return
	}
	replyJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session " + id})
}

func (h *archiveHandler) search(w http.ResponseWriter, r *http.Request) {
	if h.sql == nil {
		replyJSON(w, http.StatusNotImplemented, map[string]string{"error": "search needs session.postgres_dsn"})
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		replyJSON(w, http.StatusBadRequest, map[string]string{"error": "missing q"})
		return
	}
	limit := maxSearchResults
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			replyJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxSearchResults)
	}
	recs, err := h.sql.Search(r.Context(), q, limit)
	if err != nil {
		failJSON(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []session.ChunkRecord{}
	}
	replyJSON(w, http.StatusOK, recs)
}

func failJSON(w http.ResponseWriter, status int, err error) {
	slog.Warn("archive request failed", "err", err)
	replyJSON(w, status, map[string]string{"error": err.Error()})
}

func replyJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("archive response write", "err", err)
	}
}
