package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/evrhire/cadenza/internal/gateway"
	"github.com/evrhire/cadenza/internal/gateway/postgres"
	"github.com/evrhire/cadenza/pkg/types"
)

// testAnswerDim matches the vector size fixed by the answer_chunks migration.
const testAnswerDim = 1536

// testDSN returns the test database DSN from the environment, or skips the
// test if CADENZA_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CADENZA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CADENZA_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
// It calls t.Cleanup to close the store when the test finishes.
func newTestStore(t *testing.T, opts ...postgres.Option) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	// Use a bare pool to drop and recreate the schema.
	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	store, err := postgres.NewStore(ctx, dsn, opts...)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

// mustPool opens a pgxpool with pgvector types registered (needed to touch
// the answer index during dropSchema and row assertions).
func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// best-effort: pgvector may not be installed yet on a fresh DB
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

// dropSchema removes all migrated tables in reverse dependency order,
// including goose's version table so migrations re-run from scratch.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS answer_chunks CASCADE",
		"DROP TABLE IF EXISTS transcript_segments CASCADE",
		"DROP TABLE IF EXISTS interviews CASCADE",
		"DROP TABLE IF EXISTS applications CASCADE",
		"DROP TABLE IF EXISTS goose_db_version CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

// rowPool opens a second pool for seeding rows and asserting on raw table
// state that the Store API deliberately does not expose.
func rowPool(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()
	pool := mustPool(t, ctx, testDSN(t))
	t.Cleanup(pool.Close)
	return pool
}

// keywordEmbedder is a deterministic embeddings stub: each known keyword maps
// to its own axis, so texts sharing a keyword are close in cosine distance
// and unrelated texts are far apart.
type keywordEmbedder struct{}

var embedderAxes = []string{"kubernetes", "database", "leadership"}

func (keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, testAnswerDim)
	lower := strings.ToLower(text)
	for axis, kw := range embedderAxes {
		if strings.Contains(lower, kw) {
			vec[axis] = 1
		}
	}
	// Shared tail component so no text produces the zero vector.
	vec[testAnswerDim-1] = 0.1
	return vec, nil
}

func (e keywordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (keywordEmbedder) Dimensions() int { return testAnswerDim }

func (keywordEmbedder) ModelID() string { return "keyword-stub" }

// ─────────────────────────────────────────────────────────────────────────────
// CreateOrResume
// ─────────────────────────────────────────────────────────────────────────────

func TestCreateOrResume_CreatesNew(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	iv, err := store.CreateOrResume(ctx, "app-1")
	if err != nil {
		t.Fatalf("CreateOrResume: %v", err)
	}
	if iv.ID == "" {
		t.Error("ID: want non-empty")
	}
	if iv.ApplicationID != "app-1" {
		t.Errorf("ApplicationID: want app-1, got %s", iv.ApplicationID)
	}
	if iv.Status != gateway.StatusInProgress {
		t.Errorf("Status: want %s, got %s", gateway.StatusInProgress, iv.Status)
	}
	if iv.StartedAt == nil {
		t.Error("StartedAt: want set, got nil")
	}
}

func TestCreateOrResume_ResumesOpen(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.CreateOrResume(ctx, "app-1")
	if err != nil {
		t.Fatalf("CreateOrResume first: %v", err)
	}
	second, err := store.CreateOrResume(ctx, "app-1")
	if err != nil {
		t.Fatalf("CreateOrResume second: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("resume: want same interview %s, got %s", first.ID, second.ID)
	}
	if second.Status != gateway.StatusInProgress {
		t.Errorf("Status: want %s, got %s", gateway.StatusInProgress, second.Status)
	}
}

func TestCreateOrResume_StartsPendingInterview(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pool := rowPool(t, ctx)

	// A scheduled interview exists but has never been started.
	if _, err := pool.Exec(ctx,
		"INSERT INTO interviews (id, application_id, status) VALUES ($1, $2, $3)",
		"iv-pending", "app-2", gateway.StatusPending,
	); err != nil {
		t.Fatalf("seed pending interview: %v", err)
	}

	iv, err := store.CreateOrResume(ctx, "app-2")
	if err != nil {
		t.Fatalf("CreateOrResume: %v", err)
	}
	if iv.ID != "iv-pending" {
		t.Errorf("ID: want iv-pending, got %s", iv.ID)
	}
	if iv.Status != gateway.StatusInProgress {
		t.Errorf("Status: want %s, got %s", gateway.StatusInProgress, iv.Status)
	}
	if iv.StartedAt == nil {
		t.Error("StartedAt: want set after start, got nil")
	}
}

func TestCreateOrResume_IgnoresCompleted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.CreateOrResume(ctx, "app-1")
	if err != nil {
		t.Fatalf("CreateOrResume: %v", err)
	}
	if err := store.Finalize(ctx, first.ID, gateway.FinalizeRequest{DurationSeconds: 60}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	second, err := store.CreateOrResume(ctx, "app-1")
	if err != nil {
		t.Fatalf("CreateOrResume after finalize: %v", err)
	}
	if second.ID == first.ID {
		t.Error("completed interview must not be resumed")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// AppendTranscript
// ─────────────────────────────────────────────────────────────────────────────

func TestAppendTranscript_AssignsSequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pool := rowPool(t, ctx)

	iv, err := store.CreateOrResume(ctx, "app-1")
	if err != nil {
		t.Fatalf("CreateOrResume: %v", err)
	}

	segments := []gateway.Segment{
		{Speaker: types.RoleAI, Content: "Tell me about a project you led.", StartTimeMS: 0, EndTimeMS: 4200},
		{Speaker: types.RoleCandidate, Content: "I led the checkout rewrite last year.", StartTimeMS: 5100, EndTimeMS: 9800},
		{Speaker: types.RoleAI, Content: "What was the hardest part?"},
	}
	for i, seg := range segments {
		if err := store.AppendTranscript(ctx, iv.ID, seg); err != nil {
			t.Fatalf("AppendTranscript[%d]: %v", i, err)
		}
	}

	rows, err := pool.Query(ctx,
		"SELECT sequence, speaker, content, COALESCE(start_time_ms, 0), COALESCE(end_time_ms, 0) FROM transcript_segments WHERE interview_id = $1 ORDER BY sequence",
		iv.ID)
	if err != nil {
		t.Fatalf("query segments: %v", err)
	}
	type row struct {
		seq              int
		speaker, content string
		startMS, endMS   int64
	}
	got, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (row, error) {
		var v row
		err := r.Scan(&v.seq, &v.speaker, &v.content, &v.startMS, &v.endMS)
		return v, err
	})
	if err != nil {
		t.Fatalf("scan segments: %v", err)
	}

	if len(got) != len(segments) {
		t.Fatalf("segments: want %d, got %d", len(segments), len(got))
	}
	for i, v := range got {
		if v.seq != i+1 {
			t.Errorf("segment %d: want sequence %d, got %d", i, i+1, v.seq)
		}
		if v.speaker != string(segments[i].Speaker) {
			t.Errorf("segment %d: want speaker %s, got %s", i, segments[i].Speaker, v.speaker)
		}
		if v.content != segments[i].Content {
			t.Errorf("segment %d: want content %q, got %q", i, segments[i].Content, v.content)
		}
		if v.startMS != segments[i].StartTimeMS || v.endMS != segments[i].EndTimeMS {
			t.Errorf("segment %d: want bounds [%d, %d], got [%d, %d]",
				i, segments[i].StartTimeMS, segments[i].EndTimeMS, v.startMS, v.endMS)
		}
	}
}

func TestAppendTranscript_SequencesPerInterview(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pool := rowPool(t, ctx)

	first, err := store.CreateOrResume(ctx, "app-1")
	if err != nil {
		t.Fatalf("CreateOrResume app-1: %v", err)
	}
	second, err := store.CreateOrResume(ctx, "app-2")
	if err != nil {
		t.Fatalf("CreateOrResume app-2: %v", err)
	}

	for _, id := range []string{first.ID, second.ID} {
		if err := store.AppendTranscript(ctx, id, gateway.Segment{Speaker: types.RoleAI, Content: "Welcome."}); err != nil {
			t.Fatalf("AppendTranscript %s: %v", id, err)
		}
	}

	for _, id := range []string{first.ID, second.ID} {
		var seq int
		if err := pool.QueryRow(ctx,
			"SELECT MAX(sequence) FROM transcript_segments WHERE interview_id = $1", id,
		).Scan(&seq); err != nil {
			t.Fatalf("query max sequence: %v", err)
		}
		if seq != 1 {
			t.Errorf("interview %s: want independent sequence 1, got %d", id, seq)
		}
	}
}

func TestAppendTranscript_IndexesCandidateAnswers(t *testing.T) {
	store := newTestStore(t, postgres.WithEmbeddings(keywordEmbedder{}))
	ctx := context.Background()
	pool := rowPool(t, ctx)

	iv, err := store.CreateOrResume(ctx, "app-1")
	if err != nil {
		t.Fatalf("CreateOrResume: %v", err)
	}

	segments := []gateway.Segment{
		{Speaker: types.RoleAI, Content: "Describe your Kubernetes experience."},
		{Speaker: types.RoleCandidate, Content: "I ran our Kubernetes platform for three years."},
		{Speaker: types.RoleCandidate, Content: "   "},
	}
	for i, seg := range segments {
		if err := store.AppendTranscript(ctx, iv.ID, seg); err != nil {
			t.Fatalf("AppendTranscript[%d]: %v", i, err)
		}
	}

	// Only the non-blank candidate answer gets indexed; the question and the
	// blank segment do not.
	var count int
	if err := pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM answer_chunks WHERE interview_id = $1", iv.ID,
	).Scan(&count); err != nil {
		t.Fatalf("count answer chunks: %v", err)
	}
	if count != 1 {
		t.Fatalf("answer chunks: want 1, got %d", count)
	}

	var seq int
	var content string
	if err := pool.QueryRow(ctx,
		"SELECT sequence, content FROM answer_chunks WHERE interview_id = $1", iv.ID,
	).Scan(&seq, &content); err != nil {
		t.Fatalf("query answer chunk: %v", err)
	}
	if seq != 2 {
		t.Errorf("chunk sequence: want 2, got %d", seq)
	}
	if content != segments[1].Content {
		t.Errorf("chunk content: want %q, got %q", segments[1].Content, content)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// UpdateSignals
// ─────────────────────────────────────────────────────────────────────────────

func TestUpdateSignals_ReplacesSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pool := rowPool(t, ctx)

	iv, err := store.CreateOrResume(ctx, "app-1")
	if err != nil {
		t.Fatalf("CreateOrResume: %v", err)
	}

	readSignals := func() []types.Signal {
		t.Helper()
		var raw []byte
		if err := pool.QueryRow(ctx,
			"SELECT anti_cheat_signals FROM interviews WHERE id = $1", iv.ID,
		).Scan(&raw); err != nil {
			t.Fatalf("read signals: %v", err)
		}
		var signals []types.Signal
		if err := json.Unmarshal(raw, &signals); err != nil {
			t.Fatalf("decode signals %s: %v", raw, err)
		}
		return signals
	}

	observed := time.Date(2026, 8, 22, 10, 0, 0, 0, time.UTC)
	first := []types.Signal{
		{Type: types.SignalTabSwitch, Timestamp: observed},
	}
	if err := store.UpdateSignals(ctx, iv.ID, first); err != nil {
		t.Fatalf("UpdateSignals first: %v", err)
	}
	if got := readSignals(); len(got) != 1 || got[0].Type != types.SignalTabSwitch {
		t.Errorf("first flush: want 1 tab_switch signal, got %+v", got)
	}

	// The whole set is rewritten on every flush.
	second := append(first, types.Signal{
		Type: types.SignalSilence, Timestamp: observed.Add(time.Minute), DurationMs: 12000,
	})
	if err := store.UpdateSignals(ctx, iv.ID, second); err != nil {
		t.Fatalf("UpdateSignals second: %v", err)
	}
	got := readSignals()
	if len(got) != 2 {
		t.Fatalf("second flush: want 2 signals, got %+v", got)
	}
	if got[1].Type != types.SignalSilence || got[1].DurationMs != 12000 {
		t.Errorf("second flush: want silence 12000ms, got %+v", got[1])
	}
}

func TestUpdateSignals_UnknownInterview(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.UpdateSignals(ctx, "no-such-interview", []types.Signal{
		{Type: types.SignalLatency, Timestamp: time.Now(), DurationMs: 9000},
	})
	if err == nil {
		t.Fatal("UpdateSignals unknown: expected error, got nil")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Finalize
// ─────────────────────────────────────────────────────────────────────────────

func TestFinalize_ClosesInterview(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pool := rowPool(t, ctx)

	if _, err := pool.Exec(ctx,
		"INSERT INTO applications (id, status) VALUES ($1, $2)", "app-1", "new",
	); err != nil {
		t.Fatalf("seed application: %v", err)
	}

	iv, err := store.CreateOrResume(ctx, "app-1")
	if err != nil {
		t.Fatalf("CreateOrResume: %v", err)
	}

	req := gateway.FinalizeRequest{
		DurationSeconds: 420,
		Signals: []types.Signal{
			{Type: types.SignalSilence, Timestamp: time.Now().UTC(), DurationMs: 11000},
		},
		Summary: "Strong on distributed systems, weaker on frontend.",
	}
	if err := store.Finalize(ctx, iv.ID, req); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	var (
		status, summary string
		duration        int
		endedAt         *time.Time
		recordingURL    *string
	)
	if err := pool.QueryRow(ctx,
		"SELECT status, COALESCE(summary, ''), COALESCE(duration_seconds, 0), ended_at, recording_url FROM interviews WHERE id = $1",
		iv.ID,
	).Scan(&status, &summary, &duration, &endedAt, &recordingURL); err != nil {
		t.Fatalf("read interview: %v", err)
	}
	if status != gateway.StatusCompleted {
		t.Errorf("status: want %s, got %s", gateway.StatusCompleted, status)
	}
	if summary != req.Summary {
		t.Errorf("summary: want %q, got %q", req.Summary, summary)
	}
	if duration != 420 {
		t.Errorf("duration: want 420, got %d", duration)
	}
	if endedAt == nil {
		t.Error("ended_at: want set, got NULL")
	}
	if recordingURL != nil {
		t.Errorf("recording_url: want NULL for empty URL, got %q", *recordingURL)
	}

	var appStatus string
	if err := pool.QueryRow(ctx,
		"SELECT status FROM applications WHERE id = $1", "app-1",
	).Scan(&appStatus); err != nil {
		t.Fatalf("read application: %v", err)
	}
	if appStatus != "interviewed" {
		t.Errorf("application status: want interviewed, got %s", appStatus)
	}
}

func TestFinalize_UnknownInterview(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Finalize(ctx, "no-such-interview", gateway.FinalizeRequest{DurationSeconds: 10}); err == nil {
		t.Fatal("Finalize unknown: expected error, got nil")
	}
}

func TestFinalize_MissingApplicationRowIsNotAnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	iv, err := store.CreateOrResume(ctx, "app-owned-elsewhere")
	if err != nil {
		t.Fatalf("CreateOrResume: %v", err)
	}
	if err := store.Finalize(ctx, iv.ID, gateway.FinalizeRequest{DurationSeconds: 30}); err != nil {
		t.Fatalf("Finalize without application row: %v", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// RecordingUploadURL
// ─────────────────────────────────────────────────────────────────────────────

func TestRecordingUploadURL_Unsupported(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.RecordingUploadURL(ctx, "session.flac", "audio/flac")
	if !errors.Is(err, errors.ErrUnsupported) {
		t.Fatalf("RecordingUploadURL: want errors.ErrUnsupported, got %v", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// SearchAnswers
// ─────────────────────────────────────────────────────────────────────────────

func TestSearchAnswers(t *testing.T) {
	store := newTestStore(t, postgres.WithEmbeddings(keywordEmbedder{}))
	ctx := context.Background()

	first, err := store.CreateOrResume(ctx, "app-1")
	if err != nil {
		t.Fatalf("CreateOrResume app-1: %v", err)
	}
	second, err := store.CreateOrResume(ctx, "app-2")
	if err != nil {
		t.Fatalf("CreateOrResume app-2: %v", err)
	}

	answers := []struct {
		interviewID string
		content     string
	}{
		{first.ID, "I migrated our services onto Kubernetes and cut deploy times in half."},
		{second.ID, "I redesigned the database schema to remove the reporting bottleneck."},
		{second.ID, "My leadership style is to pair with engineers on the hardest problems."},
	}
	for i, a := range answers {
		if err := store.AppendTranscript(ctx, a.interviewID, gateway.Segment{
			Speaker: types.RoleCandidate, Content: a.content,
		}); err != nil {
			t.Fatalf("AppendTranscript[%d]: %v", i, err)
		}
	}

	matches, err := store.SearchAnswers(ctx, "Tell me about your Kubernetes work.", 2)
	if err != nil {
		t.Fatalf("SearchAnswers: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("SearchAnswers: want 2 matches, got %d", len(matches))
	}
	if !strings.Contains(matches[0].Content, "Kubernetes") {
		t.Errorf("closest match: want the Kubernetes answer, got %q (distance %.4f)",
			matches[0].Content, matches[0].Distance)
	}
	if matches[0].InterviewID != first.ID {
		t.Errorf("closest match interview: want %s, got %s", first.ID, matches[0].InterviewID)
	}
	if matches[0].Distance > matches[1].Distance {
		t.Errorf("matches out of order: %.4f then %.4f", matches[0].Distance, matches[1].Distance)
	}
}

func TestSearchAnswers_RequiresEmbeddings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.SearchAnswers(ctx, "anything", 5); err == nil {
		t.Fatal("SearchAnswers without embeddings: expected error, got nil")
	}
}
