// Package domain defines the territory capture engine: recording activities, claiming cells,
// keeping user counters consistent and compensating deleted activities.
package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/TravisMcGray/territory-app/internal/events"
	"github.com/TravisMcGray/territory-app/internal/geo"
	"github.com/TravisMcGray/territory-app/internal/observability"
)

// PathProcessor turns a coordinate sequence into a distance and a cell set.
type PathProcessor interface {
	Process(points []geo.Point) (geo.Path, error)
}

// Config carries the engine's tunables.
type Config struct {
	// MilestoneThreshold is the captured-cell total that unlocks a username change.
	MilestoneThreshold int64
	// CaptureTimeout bounds a whole RecordActivity call, retries included.
	CaptureTimeout time.Duration
	// MaxAttempts bounds how often a conflicted unit of work is run.
	MaxAttempts    int
	RetryBaseDelay time.Duration
	DefaultLimit   int
	MaxLimit       int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MilestoneThreshold: 100,
		CaptureTimeout:     10 * time.Second,
		MaxAttempts:        3,
		RetryBaseDelay:     25 * time.Millisecond,
		DefaultLimit:       20,
		MaxLimit:           50,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MilestoneThreshold <= 0 {
		c.MilestoneThreshold = def.MilestoneThreshold
	}
	if c.CaptureTimeout <= 0 {
		c.CaptureTimeout = def.CaptureTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = def.DefaultLimit
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = def.MaxLimit
	}
	return c
}

// Option configures optional behaviour for the Service.
type Option func(*Service)

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.log = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithIDGenerator overrides activity id generation.
func WithIDGenerator(next func() string) Option {
	return func(s *Service) {
		s.newID = next
	}
}

// Service orchestrates territory capture and compensation.
type Service struct {
	store Store
	paths PathProcessor
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
	newID func() string
}

// NewService constructs a Service.
func NewService(store Store, paths PathProcessor, cfg Config, opts ...Option) *Service {
	s := &Service{
		store: store,
		paths: paths,
		cfg:   cfg.normalized(),
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// RecordActivityInput is the capture request from the API layer.
type RecordActivityInput struct {
	UserID        string
	Kind          Kind
	Coordinates   []geo.Point
	Duration      time.Duration
	ElevationGain float64
}

// RecordResult describes a committed capture.
type RecordResult struct {
	Activity Activity
	Classification
	MilestoneReached bool
	Stats            UserStats
}

// CellsCaptured is the number of unique cells the activity claimed.
func (r RecordResult) CellsCaptured() int {
	return len(r.Activity.Cells)
}

// DeleteResult describes a committed compensation.
type DeleteResult struct {
	ActivityID       string
	ReleasedCells    []string
	DistanceReverted float64
}

// Validate rejects malformed capture input before anything is written.
func (in RecordActivityInput) Validate() error {
	if !in.Kind.Valid() {
		return invalid(CodeInvalidActivityType, `activity type must be "walk" or "run"`)
	}
	if len(in.Coordinates) == 0 {
		return invalid(CodeInvalidCoordinates, "coordinates must be a non-empty array")
	}
	if in.Duration <= 0 {
		return invalid(CodeInvalidDuration, "duration must be a positive number of seconds")
	}
	return nil
}

// RecordActivity claims the activity's cells, updates the author's counters and stores the
// activity, all in one unit of work. Either everything commits or nothing does.
func (s *Service) RecordActivity(ctx context.Context, in RecordActivityInput) (*RecordResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	path, err := s.paths.Process(in.Coordinates)
	if err != nil {
		var bad *geo.InvalidCoordinateError
		if errors.As(err, &bad) {
			return nil, &ValidationError{Code: CodeInvalidCoordinate, Message: bad.Error(), Index: bad.Index}
		}
		return nil, err
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CaptureTimeout)
	defer cancel()

	now := s.now()
	activity := Activity{
		ID:            s.newID(),
		UserID:        in.UserID,
		Kind:          in.Kind,
		Coordinates:   in.Coordinates,
		DistanceMiles: path.DistanceMiles,
		Duration:      in.Duration,
		ElevationGain: in.ElevationGain,
		Cells:         path.Cells,
		CreatedAt:     now,
	}

	var result RecordResult
	err = s.inTx(ctx, "record", func(ctx context.Context, tx Tx) error {
		reqs := make([]ClaimRequest, len(activity.Cells))
		for i, cellID := range activity.Cells {
			reqs[i] = ClaimRequest{CellID: cellID, ClaimantID: activity.UserID, ActivityID: activity.ID, At: now}
		}
		claims, err := tx.ClaimBatch(ctx, reqs)
		if err != nil {
			return fmt.Errorf("claim cells: %w", err)
		}
		if len(claims) != len(reqs) {
			return fmt.Errorf("claim cells: got %d results for %d cells", len(claims), len(reqs))
		}
		class := Classify(activity.UserID, claims)

		change, err := tx.ApplyCapture(ctx, activity.UserID, CaptureDelta(activity.Kind, activity.DistanceMiles, len(activity.Cells)))
		if err != nil {
			return fmt.Errorf("apply stats: %w", err)
		}
		milestone := change.Crossed(s.cfg.MilestoneThreshold)

		if err := tx.Enqueue(ctx, s.captureEvents(activity, class, change, milestone)...); err != nil {
			return fmt.Errorf("enqueue events: %w", err)
		}
		if err := tx.InsertActivity(ctx, activity); err != nil {
			return fmt.Errorf("insert activity: %w", err)
		}

		result = RecordResult{
			Activity:         activity,
			Classification:   class,
			MilestoneReached: milestone,
			Stats:            change.After,
		}
		return nil
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		s.log.Error("record activity failed", "user_id", in.UserID, "cells", len(activity.Cells), "error", err)
		return nil, err
	}

	observability.RecordCapture(string(activity.Kind), result.NewlyCaptured, result.Stolen, result.Revisited, time.Since(start))
	observability.RecordActivityPersisted(activity.CreatedAt)
	if result.MilestoneReached {
		observability.RecordMilestone()
	}
	s.log.Info("activity recorded",
		"activity_id", activity.ID,
		"user_id", activity.UserID,
		"kind", activity.Kind,
		"cells", len(activity.Cells),
		"newly_captured", result.NewlyCaptured,
		"stolen", result.Stolen,
		"milestone", result.MilestoneReached,
	)
	return &result, nil
}

func (s *Service) captureEvents(a Activity, class Classification, change StatsChange, milestone bool) []events.Envelope {
	out := []events.Envelope{{
		Type:         events.TypeActivityRecorded,
		AggregateID:  a.ID,
		PartitionKey: a.UserID,
		Payload: events.ActivityRecorded{
			ActivityID:      a.ID,
			UserID:          a.UserID,
			Kind:            string(a.Kind),
			DistanceMiles:   a.DistanceMiles,
			DurationSeconds: a.Duration.Seconds(),
			CellsCaptured:   len(a.Cells),
			NewlyCaptured:   class.NewlyCaptured,
			Stolen:          class.Stolen,
			RecordedAt:      a.CreatedAt,
		},
	}}
	for victim, cells := range class.StealsByVictim() {
		out = append(out, events.Envelope{
			Type:         events.TypeTerritoryStolen,
			AggregateID:  a.ID,
			PartitionKey: victim,
			Payload: events.TerritoryStolen{
				ActivityID: a.ID,
				ThiefID:    a.UserID,
				VictimID:   victim,
				CellIDs:    cells,
				StolenAt:   a.CreatedAt,
			},
		})
	}
	if milestone {
		out = append(out, events.Envelope{
			Type:         events.TypeMilestoneReached,
			AggregateID:  a.ID,
			PartitionKey: a.UserID,
			Payload: events.MilestoneReached{
				UserID:     a.UserID,
				Milestone:  events.MilestoneUsernameChange,
				Threshold:  s.cfg.MilestoneThreshold,
				Total:      change.After.TotalCellsCaptured,
				ActivityID: a.ID,
				ReachedAt:  a.CreatedAt,
			},
		})
	}
	return out
}

// DeleteActivity compensates an activity's territory and stats effects and deletes it, in one
// unit of work. Only cells the author still owns are released, and the author's captured-cell
// counter drops by exactly that many.
func (s *Service) DeleteActivity(ctx context.Context, activityID, requesterID string) (*DeleteResult, error) {
	var result DeleteResult
	err := s.inTx(ctx, "delete", func(ctx context.Context, tx Tx) error {
		activity, err := tx.LockActivity(ctx, activityID)
		if err != nil {
			return fmt.Errorf("load activity: %w", err)
		}
		if activity == nil {
			return ErrNotFound
		}
		if activity.UserID != requesterID {
			return ErrForbidden
		}

		released, err := tx.ReleaseOwned(ctx, activity.ID, activity.UserID)
		if err != nil {
			return fmt.Errorf("release cells: %w", err)
		}
		if _, err := tx.ApplyCapture(ctx, activity.UserID, CompensationDelta(*activity, len(released))); err != nil {
			return fmt.Errorf("revert stats: %w", err)
		}
		if err := tx.DeleteActivity(ctx, activity.ID); err != nil {
			return fmt.Errorf("delete activity: %w", err)
		}

		deletedAt := s.now()
		if err := tx.Enqueue(ctx, events.Envelope{
			Type:         events.TypeActivityDeleted,
			AggregateID:  activity.ID,
			PartitionKey: activity.UserID,
			Payload: events.ActivityDeleted{
				ActivityID:       activity.ID,
				UserID:           activity.UserID,
				Kind:             string(activity.Kind),
				ReleasedCells:    released,
				DistanceReverted: activity.DistanceMiles,
				DeletedAt:        deletedAt,
			},
		}); err != nil {
			return fmt.Errorf("enqueue events: %w", err)
		}

		result = DeleteResult{
			ActivityID:       activity.ID,
			ReleasedCells:    released,
			DistanceReverted: activity.DistanceMiles,
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrForbidden) {
			s.log.Error("delete activity failed", "activity_id", activityID, "user_id", requesterID, "error", err)
		}
		return nil, err
	}

	observability.RecordCompensation(len(result.ReleasedCells))
	s.log.Info("activity deleted",
		"activity_id", result.ActivityID,
		"user_id", requesterID,
		"released_cells", len(result.ReleasedCells),
	)
	return &result, nil
}

// ListActivities returns a page of the user's activities, newest first.
func (s *Service) ListActivities(ctx context.Context, query ListQuery) (ActivityList, error) {
	if query.Page.Number < 1 {
		query.Page.Number = 1
	}
	if query.Page.Limit <= 0 {
		query.Page.Limit = s.cfg.DefaultLimit
	}
	if query.Page.Limit > s.cfg.MaxLimit {
		query.Page.Limit = s.cfg.MaxLimit
	}
	if !query.Kind.Valid() {
		query.Kind = ""
	}
	list, err := s.store.ListActivities(ctx, query)
	if err != nil {
		return ActivityList{}, err
	}
	list.Page = query.Page
	return list, nil
}

// UserStats returns the user's aggregate counters.
func (s *Service) UserStats(ctx context.Context, userID string) (UserStats, error) {
	return s.store.UserStats(ctx, userID)
}

// CanChangeUsername reports whether stats have reached the milestone threshold.
func (s *Service) CanChangeUsername(stats UserStats) bool {
	return stats.TotalCellsCaptured >= s.cfg.MilestoneThreshold
}

// inTx runs fn in a unit of work and reruns the whole unit when the store reports a conflict.
func (s *Service) inTx(ctx context.Context, op string, fn func(context.Context, Tx) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.RetryBaseDelay
	policy.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := s.store.WithinTx(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConflict) {
			observability.RecordTxConflict(op)
			s.log.Warn("unit of work conflicted", "op", op, "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.cfg.MaxAttempts-1)), ctx))
}
