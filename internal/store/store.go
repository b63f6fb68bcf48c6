package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/andresmejia3/swapline/internal/types"
	"github.com/jackc/pgx/v5"
)

// EmbeddingDim is the width of the reference_faces vector column.
const EmbeddingDim = 512

// ErrEmbeddingDim is returned when a face embedding does not fit the vector column.
var ErrEmbeddingDim = fmt.Errorf("embedding must have %d dimensions", EmbeddingDim)

// Job statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Store manages the PostgreSQL connection and pgvector operations.
type Store struct {
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the ledger tables and vector extension if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS media (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			seen_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			source_id TEXT REFERENCES media(id),
			target_id TEXT REFERENCES media(id),
			source_path TEXT NOT NULL,
			target_path TEXT NOT NULL,
			output_path TEXT NOT NULL,
			mode TEXT NOT NULL,
			stages TEXT[] NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ DEFAULT NOW(),
			finished_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS reference_faces (
			job_id TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
			frame_number INT NOT NULL,
			position INT NOT NULL,
			embedding VECTOR(512) NOT NULL
		);
		CREATE INDEX IF NOT EXISTS jobs_target_id_idx ON jobs (target_id);
		CREATE INDEX IF NOT EXISTS reference_faces_embedding_idx ON reference_faces USING hnsw (embedding vector_l2_ops);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// EnsureMedia registers a source or target file by fingerprint. If it exists, it updates the timestamp.
func (s *Store) EnsureMedia(ctx context.Context, mediaID, path string) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO media (id, path, seen_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET seen_at = NOW(), path = EXCLUDED.path
	`, mediaID, path)
	return err
}

// CreateJob inserts a running job. sourceID and targetID may be empty when the
// files could not be fingerprinted.
func (s *Store) CreateJob(ctx context.Context, job types.JobRecord, sourceID, targetID string) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO jobs (id, source_id, target_id, source_path, target_path, output_path, mode, stages, status)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8, $9)
	`, job.ID, sourceID, targetID, job.SourcePath, job.TargetPath, job.OutputPath, job.Mode, job.Stages, StatusRunning)
	return err
}

// FinishJob marks a job succeeded, or failed with jobErr's message.
func (s *Store) FinishJob(ctx context.Context, jobID string, jobErr error) error {
	status, msg := StatusSucceeded, ""
	if jobErr != nil {
		status, msg = StatusFailed, jobErr.Error()
	}
	tag, err := s.conn.Exec(ctx, `
		UPDATE jobs SET status = $1, error = $2, finished_at = NOW() WHERE id = $3
	`, status, msg, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not found", jobID)
	}
	return nil
}

// vecToString formats a float slice into a PostgreSQL vector string format "[1.0,2.0,...]"
func vecToString(vec []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%f", v)
	}
	b.WriteByte(']')
	return b.String()
}

// RecordReferenceFace stores the identity a video job tracked.
func (s *Store) RecordReferenceFace(ctx context.Context, jobID string, frameNumber, position int, embedding []float64) error {
	if len(embedding) != EmbeddingDim {
		return ErrEmbeddingDim
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO reference_faces (job_id, frame_number, position, embedding)
		VALUES ($1, $2, $3, $4::vector)
		ON CONFLICT (job_id) DO UPDATE SET frame_number = EXCLUDED.frame_number,
			position = EXCLUDED.position, embedding = EXCLUDED.embedding
	`, jobID, frameNumber, position, vecToString(embedding))
	return err
}

// FindJobsWithSimilarReference lists other jobs whose reference face lies within
// threshold (squared Euclidean distance, the same metric the swapper uses) of jobID's.
func (s *Store) FindJobsWithSimilarReference(ctx context.Context, jobID string, threshold float64) ([]types.JobRecord, error) {
	// <-> is the L2 distance operator in pgvector; square it to match the matcher.
	rows, err := s.conn.Query(ctx, `
		SELECT `+jobColumns+`
		FROM reference_faces ref
		JOIN reference_faces other ON other.job_id <> ref.job_id
		JOIN jobs j ON j.id = other.job_id
		WHERE ref.job_id = $1 AND power(other.embedding <-> ref.embedding, 2) < $2
		ORDER BY other.embedding <-> ref.embedding ASC
	`, jobID, threshold)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

const jobColumns = `j.id, j.source_path, j.target_path, j.output_path, j.mode, j.stages, j.status, j.error, j.started_at, j.finished_at`

// ListJobs returns the most recent jobs first. limit <= 0 returns all.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]types.JobRecord, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs j ORDER BY j.started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// GetJob fetches one job. Returns pgx.ErrNoRows wrapped if unknown.
func (s *Store) GetJob(ctx context.Context, jobID string) (types.JobRecord, error) {
	rows, err := s.conn.Query(ctx, `SELECT `+jobColumns+` FROM jobs j WHERE j.id = $1`, jobID)
	if err != nil {
		return types.JobRecord{}, err
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return types.JobRecord{}, err
	}
	if len(jobs) == 0 {
		return types.JobRecord{}, fmt.Errorf("job %s: %w", jobID, pgx.ErrNoRows)
	}
	return jobs[0], nil
}

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func collectJobs(rows pgx.Rows) ([]types.JobRecord, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.JobRecord, error) {
		var j types.JobRecord
		err := row.Scan(&j.ID, &j.SourcePath, &j.TargetPath, &j.OutputPath, &j.Mode, &j.Stages,
			&j.Status, &j.Error, &j.StartedAt, &j.FinishedAt)
		return j, err
	})
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS reference_faces CASCADE;
		DROP TABLE IF EXISTS jobs CASCADE;
		DROP TABLE IF EXISTS media CASCADE;
	`)
	return err
}
