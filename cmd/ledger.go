package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/andresmejia3/swapline/internal/store"
	"github.com/andresmejia3/swapline/internal/types"
	"github.com/andresmejia3/swapline/internal/utils"
)

// ledger records one job in the database. A nil ledger does nothing, so the
// run path does not care whether a database is configured.
type ledger struct {
	db    *store.Store
	jobID string
}

// openLedger registers the job's media and inserts it as running.
func openLedger(ctx context.Context, db *store.Store, rec types.JobRecord) (*ledger, error) {
	if db == nil {
		return nil, nil
	}

	sourceID := registerMedia(ctx, db, rec.SourcePath)
	targetID := registerMedia(ctx, db, rec.TargetPath)
	if err := db.CreateJob(ctx, rec, sourceID, targetID); err != nil {
		return nil, fmt.Errorf("failed to record job: %w", err)
	}
	fmt.Fprintf(os.Stderr, "🗂️  Job %s recorded in ledger\n", rec.ID)
	return &ledger{db: db, jobID: rec.ID}, nil
}

// registerMedia fingerprints path and upserts it. Failures are logged and
// yield an empty ID; the job row simply has no media link.
func registerMedia(ctx context.Context, db *store.Store, path string) string {
	id, err := utils.GenerateMediaID(path)
	if err != nil {
		slog.Warn("ledger: failed to fingerprint media", "path", path, "err", err)
		return ""
	}
	if err := db.EnsureMedia(ctx, id, path); err != nil {
		slog.Warn("ledger: failed to register media", "path", path, "err", err)
		return ""
	}
	return id
}

// referenceHook stores the reference face a video job settles on.
func (l *ledger) referenceHook(ctx context.Context) func(frameNumber, position int, face *types.Face) {
	if l == nil {
		return nil
	}
	return func(frameNumber, position int, face *types.Face) {
		if err := l.db.RecordReferenceFace(ctx, l.jobID, frameNumber, position, face.Embedding); err != nil {
			slog.Warn("ledger: failed to record reference face", "job", l.jobID, "err", err)
		}
	}
}

// finish marks the job succeeded or failed. It runs on a fresh context so a
// cancelled job is still recorded.
func (l *ledger) finish(jobErr error) {
	if l == nil {
		return
	}
	if err := l.db.FinishJob(context.Background(), l.jobID, jobErr); err != nil {
		slog.Warn("ledger: failed to finish job", "job", l.jobID, "err", err)
	}
}
