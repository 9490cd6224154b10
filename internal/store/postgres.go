package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*Postgres)(nil)

// Postgres is the pgx-backed Store. A single pgxpool.Pool is shared by all
// sessions; the schema is migrated on construction.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database at dsn and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	const schema = `
CREATE TABLE IF NOT EXISTS tracks (
	id             UUID PRIMARY KEY,
	session_id     TEXT NOT NULL,
	speaker_id     TEXT NOT NULL,
	seq            INT NOT NULL,
	path           TEXT NOT NULL,
	state          TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	first_frame_at TIMESTAMPTZ,
	ended_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS tracks_session_idx ON tracks (session_id);

CREATE TABLE IF NOT EXISTS bursts (
	id          UUID PRIMARY KEY,
	track_id    UUID NOT NULL REFERENCES tracks (id),
	started_at  TIMESTAMPTZ NOT NULL,
	ended_at    TIMESTAMPTZ,
	start_frame BIGINT NOT NULL,
	end_frame   BIGINT
);
CREATE INDEX IF NOT EXISTS bursts_track_idx ON bursts (track_id, started_at);

CREATE TABLE IF NOT EXISTS transcripts (
	id            UUID PRIMARY KEY,
	session_id    TEXT NOT NULL,
	track_id      UUID NOT NULL,
	speaker_id    TEXT NOT NULL,
	speaker_label TEXT NOT NULL DEFAULT '',
	stream_seq    INT NOT NULL,
	result_id     TEXT NOT NULL DEFAULT '',
	start_at      TIMESTAMPTZ NOT NULL,
	end_at        TIMESTAMPTZ NOT NULL,
	text          TEXT NOT NULL,
	confidence    DOUBLE PRECISION NOT NULL,
	final         BOOLEAN NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS transcripts_result_key
	ON transcripts (session_id, track_id, speaker_id, stream_seq, result_id)
	WHERE result_id <> '';
`
	_, err := pool.Exec(ctx, schema)
	return err
}

func (p *Postgres) CreateTrack(ctx context.Context, t *Track) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO tracks (id, session_id, speaker_id, seq, path, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.SessionID, t.SpeakerID, t.Seq, t.Path, string(t.State), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create track: %w", err)
	}
	return nil
}

func (p *Postgres) MarkTrackFirstFrame(ctx context.Context, trackID uuid.UUID, at time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE tracks SET first_frame_at = $2
		WHERE id = $1 AND first_frame_at IS NULL`,
		trackID, at)
	if err != nil {
		return fmt.Errorf("mark first frame: %w", err)
	}
	return nil
}

func (p *Postgres) CloseTrack(ctx context.Context, trackID uuid.UUID, endedAt time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE tracks SET state = $2, ended_at = $3
		WHERE id = $1 AND state = $4`,
		trackID, string(TrackClosed), endedAt, string(TrackActive))
	if err != nil {
		return fmt.Errorf("close track: %w", err)
	}
	return nil
}

func (p *Postgres) OpenBurst(ctx context.Context, b *Burst) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO bursts (id, track_id, started_at, start_frame)
		VALUES ($1, $2, $3, $4)`,
		b.ID, b.TrackID, b.StartedAt, b.StartFrame)
	if err != nil {
		return fmt.Errorf("open burst: %w", err)
	}
	return nil
}

func (p *Postgres) CloseBurst(ctx context.Context, burstID uuid.UUID, endedAt time.Time, endFrame int64) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE bursts SET ended_at = $2, end_frame = $3
		WHERE id = $1 AND ended_at IS NULL`,
		burstID, endedAt, endFrame)
	if err != nil {
		return fmt.Errorf("close burst: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertTranscript(ctx context.Context, t *Transcript) error {
	if t.ResultID == "" {
		_, err := p.pool.Exec(ctx, `
			INSERT INTO transcripts
				(id, session_id, track_id, speaker_id, speaker_label, stream_seq,
				 result_id, start_at, end_at, text, confidence, final)
			VALUES ($1, $2, $3, $4, $5, $6, '', $7, $8, $9, $10, $11)`,
			uuid.New(), t.SessionID, t.TrackID, t.SpeakerID, t.SpeakerLabel,
			t.StreamSeq, t.StartAt, t.EndAt, t.Text, t.Confidence, t.Final)
		if err != nil {
			return fmt.Errorf("insert transcript: %w", err)
		}
		return nil
	}

	// The partial unique index makes this an idempotent upsert on the result
	// key. The WHERE clause keeps a final row from being downgraded by a
	// late interim for the same key.
	_, err := p.pool.Exec(ctx, `
		INSERT INTO transcripts
			(id, session_id, track_id, speaker_id, speaker_label, stream_seq,
			 result_id, start_at, end_at, text, confidence, final)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (session_id, track_id, speaker_id, stream_seq, result_id)
			WHERE result_id <> ''
		DO UPDATE SET
			speaker_label = EXCLUDED.speaker_label,
			start_at = EXCLUDED.start_at,
			end_at = EXCLUDED.end_at,
			text = EXCLUDED.text,
			confidence = EXCLUDED.confidence,
			final = EXCLUDED.final
		WHERE NOT (transcripts.final AND NOT EXCLUDED.final)`,
		uuid.New(), t.SessionID, t.TrackID, t.SpeakerID, t.SpeakerLabel,
		t.StreamSeq, t.ResultID, t.StartAt, t.EndAt, t.Text, t.Confidence, t.Final)
	if err != nil {
		return fmt.Errorf("upsert transcript: %w", err)
	}
	return nil
}

func (p *Postgres) TracksOfSession(ctx context.Context, sessionID string) ([]Track, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, session_id, speaker_id, seq, path, state, created_at, first_frame_at, ended_at
		FROM tracks WHERE session_id = $1
		ORDER BY speaker_id, seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("tracks of session: %w", err)
	}
	defer rows.Close()

	var out []Track
	for rows.Next() {
		var t Track
		var state string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.SpeakerID, &t.Seq, &t.Path,
			&state, &t.CreatedAt, &t.FirstFrameAt, &t.EndedAt); err != nil {
			return nil, fmt.Errorf("scan track: %w", err)
		}
		t.State = TrackState(state)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) BurstsOfTrack(ctx context.Context, trackID uuid.UUID) ([]Burst, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, track_id, started_at, ended_at, start_frame, end_frame
		FROM bursts WHERE track_id = $1
		ORDER BY started_at`, trackID)
	if err != nil {
		return nil, fmt.Errorf("bursts of track: %w", err)
	}
	defer rows.Close()

	var out []Burst
	for rows.Next() {
		var b Burst
		if err := rows.Scan(&b.ID, &b.TrackID, &b.StartedAt, &b.EndedAt,
			&b.StartFrame, &b.EndFrame); err != nil {
			return nil, fmt.Errorf("scan burst: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *Postgres) RecoverStale(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE tracks SET state = $1 WHERE state = $2`,
		string(TrackErrored), string(TrackActive))
	if err != nil {
		return 0, fmt.Errorf("recover stale tracks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
