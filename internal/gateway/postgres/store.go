// Package postgres implements the persistence gateway directly against a
// PostgreSQL database. It is the standalone-deployment store: no recruitment
// backend in front, the store owns sequence numbering and the application
// status transition itself.
//
// When constructed with an embeddings provider it additionally maintains a
// pgvector index over candidate answers, queryable via [Store.SearchAnswers]
// for recruiter-side retrieval and duplicate-answer detection.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/pressly/goose/v3"

	"github.com/evrhire/cadenza/internal/gateway"
	"github.com/evrhire/cadenza/pkg/provider/embeddings"
	"github.com/evrhire/cadenza/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// answerEmbeddingDim is the vector size fixed by the answer_chunks migration.
// An embeddings provider with a different output dimension cannot be used
// without a manual schema change.
const answerEmbeddingDim = 1536

// Compile-time interface assertion.
var _ gateway.Store = (*Store)(nil)

// Option is a functional option for configuring the Store.
type Option func(*Store)

// WithEmbeddings enables semantic indexing of candidate answers. Every
// appended candidate segment is embedded and inserted into the answer index;
// [Store.SearchAnswers] becomes available. The provider's output dimension
// must be 1536.
func WithEmbeddings(p embeddings.Provider) Option {
	return func(s *Store) {
		s.embedder = p
	}
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Store is a PostgreSQL-backed [gateway.Store]. It holds a single
// [pgxpool.Pool]; all operations are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
	logger   *slog.Logger
	now      func() time.Time
}

// NewStore connects to the database at dsn, registers pgvector types on every
// connection, and runs the embedded migrations.
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	s := &Store{
		logger: slog.Default().With("component", "postgres-gateway"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}

	if s.embedder != nil {
		if dim := s.embedder.Dimensions(); dim != answerEmbeddingDim {
			return nil, fmt.Errorf("postgres gateway: embeddings model %s produces %d dimensions, answer index requires %d",
				s.embedder.ModelID(), dim, answerEmbeddingDim)
		}
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres gateway: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres gateway: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres gateway: ping: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres gateway: migrate: %w", err)
	}

	s.pool = pool
	return s, nil
}

// migrate runs all embedded goose migrations against the pool.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	// goose drives a database/sql handle; borrow one from the pool for the
	// duration of the migration run.
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	return goose.UpContext(ctx, db, "migrations")
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies the database is reachable. It is the readiness probe for the
// embedded store deployment mode.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// interviewColumns is the SELECT list every interview scan uses, NULLs
// collapsed so rows scan straight into [gateway.Interview].
const interviewColumns = `
	id, application_id, status, scheduled_at, started_at, ended_at,
	COALESCE(duration_seconds, 0), COALESCE(recording_url, ''),
	COALESCE(transcript_status, ''), COALESCE(summary, ''),
	created_at, updated_at`

func scanInterview(row pgx.Row) (*gateway.Interview, error) {
	var iv gateway.Interview
	err := row.Scan(
		&iv.ID,
		&iv.ApplicationID,
		&iv.Status,
		&iv.ScheduledAt,
		&iv.StartedAt,
		&iv.EndedAt,
		&iv.DurationSeconds,
		&iv.RecordingURL,
		&iv.TranscriptStatus,
		&iv.Summary,
		&iv.CreatedAt,
		&iv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &iv, nil
}

// CreateOrResume implements [gateway.Store]. It returns the open interview
// for applicationID, creating one when none exists, and marks it in progress.
// A page reload mid-interview therefore continues the same record instead of
// opening a duplicate.
func (s *Store) CreateOrResume(ctx context.Context, applicationID string) (*gateway.Interview, error) {
	findQ := `
		SELECT` + interviewColumns + `
		FROM   interviews
		WHERE  application_id = $1
		  AND  status IN ($2, $3)
		ORDER  BY created_at DESC
		LIMIT  1`

	iv, err := scanInterview(s.pool.QueryRow(ctx, findQ,
		applicationID, gateway.StatusPending, gateway.StatusInProgress))
	switch {
	case err == nil:
		if iv.Status == gateway.StatusInProgress {
			return iv, nil
		}
		return s.startInterview(ctx, iv.ID)
	case errors.Is(err, pgx.ErrNoRows):
		return s.createInterview(ctx, applicationID)
	default:
		return nil, fmt.Errorf("postgres gateway: find open interview: %w", err)
	}
}

// startInterview flips a pending interview to in progress. The start
// timestamp only moves on the first start.
func (s *Store) startInterview(ctx context.Context, interviewID string) (*gateway.Interview, error) {
	q := `
		UPDATE interviews
		SET    status     = $2,
		       started_at = COALESCE(started_at, $3),
		       updated_at = now()
		WHERE  id = $1
		RETURNING` + interviewColumns

	iv, err := scanInterview(s.pool.QueryRow(ctx, q,
		interviewID, gateway.StatusInProgress, s.now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("postgres gateway: start interview: %w", err)
	}
	return iv, nil
}

func (s *Store) createInterview(ctx context.Context, applicationID string) (*gateway.Interview, error) {
	q := `
		INSERT INTO interviews (id, application_id, status, started_at)
		VALUES ($1, $2, $3, $4)
		RETURNING` + interviewColumns

	iv, err := scanInterview(s.pool.QueryRow(ctx, q,
		uuid.NewString(), applicationID, gateway.StatusInProgress, s.now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("postgres gateway: create interview: %w", err)
	}
	return iv, nil
}

// AppendTranscript implements [gateway.Store]. The sequence number is
// assigned here, one past the interview's current maximum.
func (s *Store) AppendTranscript(ctx context.Context, interviewID string, seg gateway.Segment) error {
	const q = `
		INSERT INTO transcript_segments
		    (interview_id, sequence, speaker, content, start_time_ms, end_time_ms)
		SELECT $1, COALESCE(MAX(sequence), 0) + 1, $2, $3, $4, $5
		FROM   transcript_segments
		WHERE  interview_id = $1
		RETURNING sequence`

	var sequence int
	err := s.pool.QueryRow(ctx, q,
		interviewID,
		string(seg.Speaker),
		seg.Content,
		seg.StartTimeMS,
		seg.EndTimeMS,
	).Scan(&sequence)
	if err != nil {
		return fmt.Errorf("postgres gateway: append transcript: %w", err)
	}

	// Indexing is best effort: a failed embedding must not lose the segment.
	if s.embedder != nil && seg.Speaker == types.RoleCandidate && strings.TrimSpace(seg.Content) != "" {
		if err := s.indexAnswer(ctx, interviewID, sequence, seg.Content); err != nil {
			s.logger.Warn("answer indexing failed",
				"interview_id", interviewID,
				"sequence", sequence,
				"error", err)
		}
	}
	return nil
}

func (s *Store) indexAnswer(ctx context.Context, interviewID string, sequence int, content string) error {
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("embed answer: %w", err)
	}

	const q = `
		INSERT INTO answer_chunks (interview_id, sequence, content, embedding)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.pool.Exec(ctx, q, interviewID, sequence, content, pgvector.NewVector(vec)); err != nil {
		return fmt.Errorf("insert answer chunk: %w", err)
	}
	return nil
}

// UpdateSignals implements [gateway.Store]. The full signal set replaces the
// stored one, so repeated flushes of the same set are idempotent.
func (s *Store) UpdateSignals(ctx context.Context, interviewID string, signals []types.Signal) error {
	if signals == nil {
		signals = []types.Signal{}
	}
	payload, err := json.Marshal(signals)
	if err != nil {
		return fmt.Errorf("postgres gateway: encode signals: %w", err)
	}

	const q = `
		UPDATE interviews
		SET    anti_cheat_signals = $2,
		       updated_at         = now()
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, interviewID, payload)
	if err != nil {
		return fmt.Errorf("postgres gateway: update signals: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres gateway: update signals: interview %s not found", interviewID)
	}
	return nil
}

// Finalize implements [gateway.Store]. It closes the interview and moves the
// owning application to its post-interview status.
func (s *Store) Finalize(ctx context.Context, interviewID string, req gateway.FinalizeRequest) error {
	signals := req.Signals
	if signals == nil {
		signals = []types.Signal{}
	}
	payload, err := json.Marshal(signals)
	if err != nil {
		return fmt.Errorf("postgres gateway: encode signals: %w", err)
	}

	const q = `
		UPDATE interviews
		SET    status             = $2,
		       ended_at           = $3,
		       duration_seconds   = $4,
		       anti_cheat_signals = $5,
		       recording_url      = NULLIF($6, ''),
		       summary            = NULLIF($7, ''),
		       updated_at         = now()
		WHERE  id = $1
		RETURNING application_id`

	var applicationID string
	err = s.pool.QueryRow(ctx, q,
		interviewID,
		gateway.StatusCompleted,
		s.now().UTC(),
		req.DurationSeconds,
		payload,
		req.RecordingURL,
		req.Summary,
	).Scan(&applicationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres gateway: finalize: interview %s not found", interviewID)
	}
	if err != nil {
		return fmt.Errorf("postgres gateway: finalize: %w", err)
	}

	// The applications table may be owned by another service in shared
	// deployments; a missing row is not an error.
	const appQ = `UPDATE applications SET status = $2, updated_at = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, appQ, applicationID, appliedStatus); err != nil {
		return fmt.Errorf("postgres gateway: transition application: %w", err)
	}
	return nil
}

// appliedStatus is the application status set once its interview finalizes.
const appliedStatus = "interviewed"

// RecordingUploadURL implements [gateway.Store]. The direct-Postgres store
// has no blob storage to sign against.
func (s *Store) RecordingUploadURL(ctx context.Context, fileName, contentType string) (*gateway.UploadTarget, error) {
	return nil, fmt.Errorf("postgres gateway: recording upload: %w", errors.ErrUnsupported)
}

// AnswerMatch is one semantic search hit from the candidate answer index.
type AnswerMatch struct {
	InterviewID string
	Sequence    int
	Content     string

	// Distance is the cosine distance to the query; lower is more similar.
	Distance float64
}

// SearchAnswers finds the limit candidate answers closest to query across all
// interviews, ordered by ascending cosine distance. Requires the store to
// have been built with [WithEmbeddings].
func (s *Store) SearchAnswers(ctx context.Context, query string, limit int) ([]AnswerMatch, error) {
	if s.embedder == nil {
		return nil, errors.New("postgres gateway: search answers: no embeddings provider configured")
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres gateway: embed query: %w", err)
	}

	const q = `
		SELECT interview_id, sequence, content,
		       embedding <=> $1 AS distance
		FROM   answer_chunks
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres gateway: search answers: %w", err)
	}

	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (AnswerMatch, error) {
		var m AnswerMatch
		if err := row.Scan(&m.InterviewID, &m.Sequence, &m.Content, &m.Distance); err != nil {
			return AnswerMatch{}, err
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres gateway: scan answer rows: %w", err)
	}
	if matches == nil {
		matches = []AnswerMatch{}
	}
	return matches, nil
}
