// Package postgres implements the territory store on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TravisMcGray/territory-app/internal/domain"
	"github.com/TravisMcGray/territory-app/internal/events"
	"github.com/TravisMcGray/territory-app/internal/geo"
	"github.com/TravisMcGray/territory-app/internal/outbox"
)

// SQLSTATE codes for aborts caused by concurrent writers.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// Repository provides Postgres-backed persistence for activities, cells, user stats and outbox
// events.
type Repository struct {
	pool *pgxpool.Pool
}

var _ domain.Store = (*Repository)(nil)

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithinTx runs fn inside a read-committed transaction.
func (r *Repository) WithinTx(ctx context.Context, fn func(context.Context, domain.Tx) error) error {
	err := pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &txStore{tx: tx})
	})
	return mapError(err)
}

// ListActivities returns one page of a user's activities, newest first.
func (r *Repository) ListActivities(ctx context.Context, query domain.ListQuery) (domain.ActivityList, error) {
	list := domain.ActivityList{Page: query.Page, Items: []domain.Activity{}}

	const countQuery = `SELECT COUNT(*) FROM activities WHERE user_id = $1 AND ($2 = '' OR kind = $2)`
	if err := r.pool.QueryRow(ctx, countQuery, query.UserID, string(query.Kind)).Scan(&list.Total); err != nil {
		return domain.ActivityList{}, mapError(err)
	}
	if list.Total == 0 {
		return list, nil
	}

	const pageQuery = `SELECT activity_id, user_id, kind, coordinates, distance, duration_seconds, elevation_gain, cells, created_at
        FROM activities
        WHERE user_id = $1 AND ($2 = '' OR kind = $2)
        ORDER BY created_at DESC, activity_id DESC
        LIMIT $3 OFFSET $4`

	rows, err := r.pool.Query(ctx, pageQuery, query.UserID, string(query.Kind), query.Page.Limit, query.Page.Offset())
	if err != nil {
		return domain.ActivityList{}, mapError(err)
	}
	items, err := pgx.CollectRows(rows, scanActivity)
	if err != nil {
		return domain.ActivityList{}, mapError(err)
	}
	list.Items = items
	return list, nil
}

// UserStats returns the counters of userID, zero when the user has no row yet.
func (r *Repository) UserStats(ctx context.Context, userID string) (domain.UserStats, error) {
	const query = `SELECT total_walks, total_runs, total_distance, total_cells_captured FROM users WHERE user_id = $1`

	var stats domain.UserStats
	err := r.pool.QueryRow(ctx, query, userID).Scan(&stats.TotalWalks, &stats.TotalRuns, &stats.TotalDistance, &stats.TotalCellsCaptured)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.UserStats{}, nil
	}
	if err != nil {
		return domain.UserStats{}, mapError(err)
	}
	return stats, nil
}

// Cell loads a single ownership record. It returns nil when the cell has never been claimed.
func (r *Repository) Cell(ctx context.Context, cellID string) (*domain.Cell, error) {
	const query = `SELECT cell_id, owner_id, previous_owner_id, captured_by_activity_id, captured_at, times_visited
        FROM cells WHERE cell_id = $1`

	var (
		cell     domain.Cell
		previous *string
	)
	err := r.pool.QueryRow(ctx, query, cellID).Scan(&cell.ID, &cell.OwnerID, &previous, &cell.CapturedByActivityID, &cell.CapturedAt, &cell.TimesVisited)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	cell.PreviousOwnerID = deref(previous)
	return &cell, nil
}

type txStore struct {
	tx pgx.Tx
}

const claimStatement = `INSERT INTO cells (cell_id, owner_id, previous_owner_id, captured_by_activity_id, captured_at, times_visited)
    VALUES ($1, $2, NULL, $3, $4, 1)
    ON CONFLICT (cell_id) DO UPDATE SET
        previous_owner_id = cells.owner_id,
        owner_id = EXCLUDED.owner_id,
        captured_by_activity_id = EXCLUDED.captured_by_activity_id,
        captured_at = EXCLUDED.captured_at,
        times_visited = cells.times_visited + 1
    RETURNING previous_owner_id, times_visited`

// Claim transfers one cell. The row lock taken by the upsert serialises concurrent claimants, and
// the RETURNING clause reports the owner that was replaced.
func (t *txStore) Claim(ctx context.Context, req domain.ClaimRequest) (domain.ClaimResult, error) {
	var previous *string
	result := domain.ClaimResult{CellID: req.CellID}
	if err := t.tx.QueryRow(ctx, claimStatement, req.CellID, req.ClaimantID, req.ActivityID, req.At).Scan(&previous, &result.VisitsAfter); err != nil {
		return domain.ClaimResult{}, err
	}
	result.PreviousOwnerID = deref(previous)
	return result, nil
}

// ClaimBatch pipelines the claims in one round trip. Callers pass cell ids in ascending order so
// concurrent activities lock rows in the same order.
func (t *txStore) ClaimBatch(ctx context.Context, reqs []domain.ClaimRequest) ([]domain.ClaimResult, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	for _, req := range reqs {
		batch.Queue(claimStatement, req.CellID, req.ClaimantID, req.ActivityID, req.At)
	}

	br := t.tx.SendBatch(ctx, batch)
	results := make([]domain.ClaimResult, len(reqs))
	for i, req := range reqs {
		var previous *string
		if err := br.QueryRow().Scan(&previous, &results[i].VisitsAfter); err != nil {
			_ = br.Close()
			return nil, fmt.Errorf("claim %s: %w", req.CellID, err)
		}
		results[i].CellID = req.CellID
		results[i].PreviousOwnerID = deref(previous)
	}
	if err := br.Close(); err != nil {
		return nil, err
	}
	return results, nil
}

// ReleaseOwned deletes the cells captured by activityID that ownerID still holds. Rows are locked
// in cell id order before deletion.
func (t *txStore) ReleaseOwned(ctx context.Context, activityID, ownerID string) ([]string, error) {
	const stmt = `DELETE FROM cells
        WHERE cell_id IN (
            SELECT cell_id FROM cells
            WHERE captured_by_activity_id = $1 AND owner_id = $2
            ORDER BY cell_id
            FOR UPDATE
        )
        RETURNING cell_id`

	rows, err := t.tx.Query(ctx, stmt, activityID, ownerID)
	if err != nil {
		return nil, err
	}
	released, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	sort.Strings(released)
	return released, nil
}

// ApplyCapture upserts the user's counters with a single relative increment.
func (t *txStore) ApplyCapture(ctx context.Context, userID string, delta domain.StatsDelta) (domain.StatsChange, error) {
	const stmt = `INSERT INTO users (user_id, total_walks, total_runs, total_distance, total_cells_captured, updated_at)
        VALUES ($1, $2, $3, $4, $5, NOW())
        ON CONFLICT (user_id) DO UPDATE SET
            total_walks = users.total_walks + EXCLUDED.total_walks,
            total_runs = users.total_runs + EXCLUDED.total_runs,
            total_distance = users.total_distance + EXCLUDED.total_distance,
            total_cells_captured = users.total_cells_captured + EXCLUDED.total_cells_captured,
            updated_at = NOW()
        RETURNING total_walks, total_runs, total_distance, total_cells_captured`

	var after domain.UserStats
	err := t.tx.QueryRow(ctx, stmt, userID, delta.Walks, delta.Runs, delta.Distance, delta.CellsCaptured).
		Scan(&after.TotalWalks, &after.TotalRuns, &after.TotalDistance, &after.TotalCellsCaptured)
	if err != nil {
		return domain.StatsChange{}, err
	}

	before := domain.UserStats{
		TotalWalks:         after.TotalWalks - delta.Walks,
		TotalRuns:          after.TotalRuns - delta.Runs,
		TotalDistance:      after.TotalDistance - delta.Distance,
		TotalCellsCaptured: after.TotalCellsCaptured - delta.CellsCaptured,
	}
	return domain.StatsChange{Before: before, After: after}, nil
}

func (t *txStore) InsertActivity(ctx context.Context, a domain.Activity) error {
	coords, err := json.Marshal(a.Coordinates)
	if err != nil {
		return err
	}
	cells := a.Cells
	if cells == nil {
		cells = []string{}
	}

	const stmt = `INSERT INTO activities (activity_id, user_id, kind, coordinates, distance, duration_seconds, elevation_gain, cells, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err = t.tx.Exec(ctx, stmt,
		a.ID,
		a.UserID,
		string(a.Kind),
		coords,
		a.DistanceMiles,
		a.Duration.Seconds(),
		a.ElevationGain,
		cells,
		a.CreatedAt,
	)
	return err
}

func (t *txStore) LockActivity(ctx context.Context, activityID string) (*domain.Activity, error) {
	const query = `SELECT activity_id, user_id, kind, coordinates, distance, duration_seconds, elevation_gain, cells, created_at
        FROM activities WHERE activity_id = $1
        FOR UPDATE`

	rows, err := t.tx.Query(ctx, query, activityID)
	if err != nil {
		return nil, err
	}
	a, err := pgx.CollectOneRow(rows, scanActivity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *txStore) DeleteActivity(ctx context.Context, activityID string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM activities WHERE activity_id = $1`, activityID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Enqueue validates each envelope against its schema and writes it to the outbox.
func (t *txStore) Enqueue(ctx context.Context, envelopes ...events.Envelope) error {
	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`

	for _, env := range envelopes {
		rec, err := outbox.Encode(env)
		if err != nil {
			return err
		}
		if _, err := t.tx.Exec(ctx, stmt, rec.AggregateType, rec.AggregateID, rec.EventType, rec.Topic, rec.SchemaSubject, rec.PartitionKey, []byte(rec.Payload)); err != nil {
			return err
		}
	}
	return nil
}

func scanActivity(row pgx.CollectableRow) (domain.Activity, error) {
	var (
		a        domain.Activity
		kind     string
		coords   []byte
		duration float64
	)
	if err := row.Scan(&a.ID, &a.UserID, &kind, &coords, &a.DistanceMiles, &duration, &a.ElevationGain, &a.Cells, &a.CreatedAt); err != nil {
		return domain.Activity{}, err
	}
	a.Kind = domain.Kind(kind)
	a.Duration = time.Duration(duration * float64(time.Second))
	if len(coords) > 0 {
		var points []geo.Point
		if err := json.Unmarshal(coords, &points); err != nil {
			return domain.Activity{}, fmt.Errorf("decode coordinates of %s: %w", a.ID, err)
		}
		a.Coordinates = points
	}
	return a, nil
}

// mapError translates driver failures into the domain's store errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected:
			return fmt.Errorf("%w: %s", domain.ErrConflict, pgErr.Message)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
