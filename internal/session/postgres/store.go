package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/whisperflow/internal/session"
	"github.com/MrWong99/whisperflow/internal/transcript"
	"github.com/MrWong99/whisperflow/pkg/audio"
	"github.com/MrWong99/whisperflow/pkg/provider/stt"
	"github.com/MrWong99/whisperflow/pkg/provider/vad"
)

// Store implements [session.Store] on a PostgreSQL connection pool. It is
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool

	mu       sync.Mutex
	id       string
	finished bool
}

var _ session.Store = (*Store)(nil)

// New connects to dsn, pings the server and runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// details holds the structured parts of a record kept in the JSONB column.
type details struct {
	Segments     []stt.Segment           `json:"segments,omitempty"`
	Words        []stt.WordDetail        `json:"words,omitempty"`
	SpeechRanges []vad.SpeechRange       `json:"speech_ranges,omitempty"`
	Corrections  []transcript.Correction `json:"corrections,omitempty"`
}

func (s *Store) current() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.id == "":
		return "", session.ErrNotStarted
	case s.finished:
		return "", session.ErrFinished
	}
	return s.id, nil
}

// Start inserts the session row.
func (s *Store) Start(ctx context.Context, info session.Info) error {
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	if info.ID == "" {
		info.ID = session.NewID(info.StartedAt)
	}
	const q = `
		INSERT INTO sessions (id, started_at, sample_rate, channels, threshold, source, transcriber)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.pool.Exec(ctx, q,
		info.ID,
		info.StartedAt,
		info.SampleRate,
		info.Channels,
		info.Threshold,
		info.Source,
		info.Transcriber,
	)
	if err != nil {
		return fmt.Errorf("postgres store: start session: %w", err)
	}
	s.mu.Lock()
	s.id, s.finished = info.ID, false
	s.mu.Unlock()
	return nil
}

// SaveChunkAudio does not store audio. It returns name unchanged.
func (s *Store) SaveChunkAudio(_ context.Context, name string, _ []byte) (string, error) {
	if _, err := s.current(); err != nil {
		return "", err
	}
	return name, nil
}

// PersistFullAudio does not store audio.
func (s *Store) PersistFullAudio(context.Context, []audio.Frame) error {
	_, err := s.current()
	return err
}

// AppendChunk inserts rec into the chunks table.
func (s *Store) AppendChunk(ctx context.Context, rec session.ChunkRecord) error {
	id, err := s.current()
	if err != nil {
		return err
	}
	d, err := json.Marshal(details{
		Segments:     rec.Segments,
		Words:        rec.Words,
		SpeechRanges: rec.SpeechRanges,
		Corrections:  rec.Corrections,
	})
	if err != nil {
		return fmt.Errorf("postgres store: encode details: %w", err)
	}

	const q = `
		INSERT INTO chunks
		    (session_id, segment_id, chunk_file, recorded_at, transcription,
		     raw_transcription, language, provider, duration_seconds, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)`
	_, err = s.pool.Exec(ctx, q,
		id,
		int64(rec.SegmentID),
		rec.ChunkFile,
		rec.Timestamp.Time(),
		rec.Transcription,
		rec.RawTranscription,
		rec.Language,
		rec.Provider,
		rec.Duration,
		string(d),
	)
	if err != nil {
		return fmt.Errorf("postgres store: append chunk: %w", err)
	}
	return nil
}

// Finish records the end of the session. The chunk count is taken from the
// chunks table rather than the summary.
func (s *Store) Finish(ctx context.Context, sum session.Summary) error {
	id, err := s.current()
	if err != nil {
		return err
	}
	const q = `
		UPDATE sessions
		SET    ended_at      = $2,
		       chunk_count   = (SELECT count(*) FROM chunks WHERE session_id = $1),
		       segments      = $3,
		       rejected      = $4,
		       failed        = $5,
		       audio_seconds = $6
		WHERE  id = $1`
	tag, err := s.pool.Exec(ctx, q, id, sum.EndedAt, sum.Segments, sum.Rejected, sum.Failed, sum.AudioDuration.Seconds())
	if err != nil {
		return fmt.Errorf("postgres store: finish session: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("postgres store: finish session: session %q not found", id)
	}
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Chunks returns the records of sessionID in recording order.
func (s *Store) Chunks(ctx context.Context, sessionID string) ([]session.ChunkRecord, error) {
	const q = `
		SELECT segment_id, chunk_file, recorded_at, transcription, raw_transcription,
		       language, provider, duration_seconds, details
		FROM   chunks
		WHERE  session_id = $1
		ORDER  BY recorded_at, id`
	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: chunks: %w", err)
	}
	return collectChunks(rows)
}

// Search runs a full-text query over transcriptions of all sessions, most
// recent first. A limit of 0 means no limit.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]session.ChunkRecord, error) {
	args := []any{query}
	q := strings.Join([]string{
		"SELECT segment_id, chunk_file, recorded_at, transcription, raw_transcription,",
		"       language, provider, duration_seconds, details",
		"FROM   chunks",
		"WHERE  to_tsvector('english', transcription) @@ plainto_tsquery('english', $1)",
		"ORDER  BY recorded_at DESC",
	}, "\n")
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search: %w", err)
	}
	return collectChunks(rows)
}

func collectChunks(rows pgx.Rows) ([]session.ChunkRecord, error) {
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (session.ChunkRecord, error) {
		var (
			rec       session.ChunkRecord
			segmentID int64
			raw       []byte
			d         details
			ts        time.Time
		)
		if err := row.Scan(
			&segmentID,
			&rec.ChunkFile,
			&ts,
			&rec.Transcription,
			&rec.RawTranscription,
			&rec.Language,
			&rec.Provider,
			&rec.Duration,
			&raw,
		); err != nil {
			return rec, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &d); err != nil {
				return rec, fmt.Errorf("decode details: %w", err)
			}
		}
		rec.SegmentID = uint64(segmentID)
		rec.Timestamp = session.Timestamp(ts)
		rec.Segments, rec.Words = d.Segments, d.Words
		rec.SpeechRanges, rec.Corrections = d.SpeechRanges, d.Corrections
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan chunks: %w", err)
	}
	return records, nil
}
