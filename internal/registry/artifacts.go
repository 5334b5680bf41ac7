package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Artifact is one published model snapshot.
type Artifact struct {
	ID        string
	Service   string
	Version   string
	Payload   []byte
	Meta      map[string]any
	Active    bool
	CreatedAt time.Time
}

// Run is one training-run record.
type Run struct {
	ID         string
	Task       string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Samples    int
	Metrics    map[string]float64
	Error      string
}

// ══════════════════════════════════════════════════════════════════════════════
// Artifacts
// ══════════════════════════════════════════════════════════════════════════════

// Publish stores a new artifact for service and makes it the active one.
// The previous active artifact (if any) is deactivated in the same
// transaction, so a reader never observes zero or two active rows.
func (r *Registry) Publish(ctx context.Context, service, version string, payload []byte, meta map[string]any) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("publish %s: empty payload", service)
	}
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal artifact meta: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	err = r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE artifacts SET active = 0 WHERE service = ? AND active = 1`,
			service,
		); err != nil {
			return fmt.Errorf("deactivate previous artifact: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO artifacts (id, service, version, payload, meta, active, created_at)
			VALUES (?, ?, ?, ?, ?, 1, ?)
		`, id, service, version, payload, string(metaJSON), now); err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// ActiveArtifact returns the currently active artifact for service,
// or ErrNoArtifact when the service has never been trained.
func (r *Registry) ActiveArtifact(ctx context.Context, service string) (*Artifact, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, service, version, payload, meta, active, created_at
		FROM artifacts
		WHERE service = ? AND active = 1
		ORDER BY created_at DESC
		LIMIT 1
	`, service)

	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w for service %s", ErrNoArtifact, service)
	}
	if err != nil {
		return nil, fmt.Errorf("query active artifact: %w", err)
	}
	return a, nil
}

// ArtifactByID fetches a specific artifact regardless of active state.
func (r *Registry) ArtifactByID(ctx context.Context, id string) (*Artifact, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, service, version, payload, meta, active, created_at
		FROM artifacts
		WHERE id = ?
	`, id)

	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %s", ErrNoArtifact, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query artifact by id: %w", err)
	}
	return a, nil
}

// PruneArtifacts deletes inactive artifacts for service beyond the most
// recent keep rows. The active artifact is never pruned.
func (r *Registry) PruneArtifacts(ctx context.Context, service string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM artifacts
		WHERE service = ? AND active = 0 AND id NOT IN (
			SELECT id FROM artifacts
			WHERE service = ? AND active = 0
			ORDER BY created_at DESC
			LIMIT ?
		)
	`, service, service, keep)
	if err != nil {
		return 0, fmt.Errorf("prune artifacts: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*Artifact, error) {
	var (
		a        Artifact
		metaJSON string
		active   int
	)
	if err := row.Scan(&a.ID, &a.Service, &a.Version, &a.Payload, &metaJSON, &active, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Active = active == 1
	if err := json.Unmarshal([]byte(metaJSON), &a.Meta); err != nil {
		return nil, fmt.Errorf("unmarshal artifact meta: %w", err)
	}
	return &a, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// Training runs
// ══════════════════════════════════════════════════════════════════════════════

// StartRun records the start of a training run and returns its id.
func (r *Registry) StartRun(ctx context.Context, task string) (string, error) {
	id := uuid.NewString()
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO training_runs (id, task, status, started_at)
		VALUES (?, ?, ?, ?)
	`, id, task, RunRunning, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("insert training run: %w", err)
	}
	return id, nil
}

// FinishRun closes out a training run. runErr may be nil.
func (r *Registry) FinishRun(ctx context.Context, id, status string, samples int, metrics map[string]float64, runErr error) error {
	if metrics == nil {
		metrics = map[string]float64{}
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("marshal run metrics: %w", err)
	}

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE training_runs
		SET status = ?, finished_at = ?, sample_count = ?, metrics = ?, error = ?
		WHERE id = ?
	`, status, time.Now().UTC(), samples, string(metricsJSON), errMsg, id)
	if err != nil {
		return fmt.Errorf("finish training run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("training run not found: %s", id)
	}
	return nil
}

// RecentRuns lists runs for task (all tasks when task is empty), newest first.
func (r *Registry) RecentRuns(ctx context.Context, task string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, task, status, started_at, finished_at, sample_count, metrics, error
		FROM training_runs
	`
	var args []any
	if task != "" {
		query += " WHERE task = ?"
		args = append(args, task)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query training runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run         Run
			finishedAt  sql.NullTime
			metricsJSON string
		)
		if err := rows.Scan(&run.ID, &run.Task, &run.Status, &run.StartedAt, &finishedAt, &run.Samples, &metricsJSON, &run.Error); err != nil {
			return nil, fmt.Errorf("scan training run: %w", err)
		}
		if finishedAt.Valid {
			run.FinishedAt = &finishedAt.Time
		}
		if err := json.Unmarshal([]byte(metricsJSON), &run.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal run metrics: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate training runs: %w", err)
	}
	return runs, nil
}
