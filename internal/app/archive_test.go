package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/whisperflow/internal/session"
	"github.com/MrWong99/whisperflow/internal/session/filestore"
)

// fakeIndex stands in for the PostgreSQL store.
type fakeIndex struct {
	chunks    map[string][]session.ChunkRecord
	hits      []session.ChunkRecord
	lastQuery string
	lastLimit int
}

func (f *fakeIndex) Chunks(_ context.Context, id string) ([]session.ChunkRecord, error) {
	return f.chunks[id], nil
}

func (f *fakeIndex) Search(_ context.Context, q string, limit int) ([]session.ChunkRecord, error) {
	f.lastQuery, f.lastLimit = q, limit
	return f.hits, nil
}

// recordSession writes one finished session with the given transcripts.
func recordSession(t *testing.T, root, id string, texts ...string) {
	t.Helper()
	ctx := context.Background()
	s := filestore.New(root, filestore.WithFullAudio(false))
	defer s.Close()
	if err := s.Start(ctx, session.Info{ID: id, SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, text := range texts {
		if err := s.AppendChunk(ctx, session.ChunkRecord{Transcription: text}); err != nil {
			t.Fatalf("AppendChunk: %v", err)
		}
	}
	if err := s.Finish(ctx, session.Summary{Chunks: len(texts)}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func serveArchive(t *testing.T, h *archiveHandler, target string, out any) int {
	t.Helper()
	mux := http.NewServeMux()
	h.register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if out != nil && rec.Code == http.StatusOK {
		if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
			t.Fatalf("%s: decode: %v", target, err)
		}
	}
	return rec.Code
}

func TestArchive_SessionsFromFileStore(t *testing.T) {
	root := t.TempDir()
	h := &archiveHandler{root: root}

	var empty []filestore.IndexEntry
	if code := serveArchive(t, h, "/sessions", &empty); code != http.StatusOK || len(empty) != 0 {
		t.Fatalf("empty root: code %d, entries %v", code, empty)
	}

	recordSession(t, root, "session_a", "first", "second")
	recordSession(t, root, "session_b")

	var entries []filestore.IndexEntry
	if code := serveArchive(t, h, "/sessions", &entries); code != http.StatusOK {
		t.Fatalf("/sessions = %d", code)
	}
	if len(entries) != 2 || entries[0].ID != "session_a" || entries[0].Chunks != 2 {
		t.Errorf("entries = %+v", entries)
	}

	var recs []session.ChunkRecord
	if code := serveArchive(t, h, "/sessions/session_a/chunks", &recs); code != http.StatusOK {
		t.Fatalf("/sessions/session_a/chunks = %d", code)
	}
	if len(recs) != 2 || recs[1].Transcription != "second" {
		t.Errorf("records = %+v", recs)
	}

	if code := serveArchive(t, h, "/sessions/session_c/chunks", nil); code != http.StatusNotFound {
		t.Errorf("unknown session = %d, want 404", code)
	}
}

func TestArchive_ChunksPreferPostgres(t *testing.T) {
	sql := &fakeIndex{chunks: map[string][]session.ChunkRecord{
		"session_a": {{Transcription: "from sql"}},
	}}
	h := &archiveHandler{root: t.TempDir(), sql: sql}

	var recs []session.ChunkRecord
	if code := serveArchive(t, h, "/sessions/session_a/chunks", &recs); code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if len(recs) != 1 || recs[0].Transcription != "from sql" {
		t.Errorf("records = %+v", recs)
	}
	if code := serveArchive(t, h, "/sessions/session_b/chunks", nil); code != http.StatusNotFound {
		t.Errorf("unknown session = %d, want 404", code)
	}
}

func TestArchive_Search(t *testing.T) {
	if code := serveArchive(t, &archiveHandler{root: t.TempDir()}, "/search?q=weather", nil); code != http.StatusNotImplemented {
		t.Errorf("search without postgres = %d, want 501", code)
	}

	sql := &fakeIndex{hits: []session.ChunkRecord{{Transcription: "the weather is fine"}}}
	h := &archiveHandler{root: t.TempDir(), sql: sql}

	tests := []struct {
		target    string
		wantCode  int
		wantLimit int
	}{
		{"/search?q=weather", http.StatusOK, maxSearchResults},
		{"/search?q=weather&limit=5", http.StatusOK, 5},
		{"/search?q=weather&limit=5000", http.StatusOK, maxSearchResults},
		{"/search?q=weather&limit=-1", http.StatusBadRequest, 0},
		{"/search?q=weather&limit=ten", http.StatusBadRequest, 0},
		{"/search", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			sql.lastLimit = 0
			var recs []session.ChunkRecord
			code := serveArchive(t, h, tt.target, &recs)
			if code != tt.wantCode {
				t.Fatalf("code = %d, want %d", code, tt.wantCode)
			}
			if sql.lastLimit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", sql.lastLimit, tt.wantLimit)
			}
			if code == http.StatusOK && (len(recs) != 1 || sql.lastQuery != "weather") {
				t.Errorf("records = %+v, query %q", recs, sql.lastQuery)
			}
		})
	}
}
