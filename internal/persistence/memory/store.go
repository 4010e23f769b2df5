// Package memory implements the territory store in process memory. Units of work are serialised
// behind one mutex and rolled back from an undo journal.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/TravisMcGray/territory-app/internal/domain"
	"github.com/TravisMcGray/territory-app/internal/events"
	"github.com/TravisMcGray/territory-app/internal/geo"
	"github.com/TravisMcGray/territory-app/internal/outbox"
)

// Store is a domain.Store backed by maps.
type Store struct {
	mu         sync.Mutex
	activities map[string]domain.Activity
	cells      map[string]domain.Cell
	users      map[string]domain.UserStats
	outbox     []outbox.Record
}

var _ domain.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		activities: make(map[string]domain.Activity),
		cells:      make(map[string]domain.Cell),
		users:      make(map[string]domain.UserStats),
	}
}

// WithinTx runs fn with exclusive access to the store. Writes are undone when fn fails, panics or
// outlives ctx.
func (s *Store) WithinTx(ctx context.Context, fn func(context.Context, domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &unitOfWork{store: s}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	committed = true
	return nil
}

// ListActivities returns one page of a user's activities, newest first.
func (s *Store) ListActivities(ctx context.Context, query domain.ListQuery) (domain.ActivityList, error) {
	if err := ctx.Err(); err != nil {
		return domain.ActivityList{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]domain.Activity, 0)
	for _, a := range s.activities {
		if a.UserID != query.UserID {
			continue
		}
		if query.Kind != "" && a.Kind != query.Kind {
			continue
		}
		matched = append(matched, cloneActivity(a))
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	list := domain.ActivityList{Total: len(matched), Page: query.Page, Items: []domain.Activity{}}
	start := query.Page.Offset()
	if start >= len(matched) || query.Page.Limit <= 0 {
		return list, nil
	}
	end := start + query.Page.Limit
	if end > len(matched) {
		end = len(matched)
	}
	list.Items = matched[start:end]
	return list, nil
}

// UserStats returns the counters of userID, zero when unknown.
func (s *Store) UserStats(ctx context.Context, userID string) (domain.UserStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.UserStats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[userID], nil
}

// Cell returns a copy of the ownership record of cellID, or nil.
func (s *Store) Cell(cellID string) *domain.Cell {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cells[cellID]
	if !ok {
		return nil
	}
	return &c
}

// Activity returns a copy of a stored activity, or nil.
func (s *Store) Activity(activityID string) *domain.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.activities[activityID]
	if !ok {
		return nil
	}
	a = cloneActivity(a)
	return &a
}

// Outbox returns the committed outbox records in enqueue order.
func (s *Store) Outbox() []outbox.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outbox.Record, len(s.outbox))
	copy(out, s.outbox)
	return out
}

// DrainOutbox returns and forgets the committed outbox records.
func (s *Store) DrainOutbox() []outbox.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outbox
	s.outbox = nil
	return out
}

// unitOfWork mutates the store directly and journals the inverse of every write.
type unitOfWork struct {
	store *Store
	undo  []func()
}

func (u *unitOfWork) rollback() {
	for i := len(u.undo) - 1; i >= 0; i-- {
		u.undo[i]()
	}
	u.undo = nil
}

func (u *unitOfWork) Claim(ctx context.Context, req domain.ClaimRequest) (domain.ClaimResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ClaimResult{}, err
	}
	cells := u.store.cells
	prior, existed := cells[req.CellID]
	u.undo = append(u.undo, func() {
		if existed {
			cells[req.CellID] = prior
		} else {
			delete(cells, req.CellID)
		}
	})

	next := domain.Cell{
		ID:                   req.CellID,
		OwnerID:              req.ClaimantID,
		CapturedByActivityID: req.ActivityID,
		CapturedAt:           req.At,
		TimesVisited:         1,
	}
	if existed {
		next.PreviousOwnerID = prior.OwnerID
		next.TimesVisited = prior.TimesVisited + 1
	}
	cells[req.CellID] = next

	return domain.ClaimResult{
		CellID:          req.CellID,
		PreviousOwnerID: next.PreviousOwnerID,
		VisitsAfter:     next.TimesVisited,
	}, nil
}

func (u *unitOfWork) ClaimBatch(ctx context.Context, reqs []domain.ClaimRequest) ([]domain.ClaimResult, error) {
	results := make([]domain.ClaimResult, 0, len(reqs))
	for _, req := range reqs {
		res, err := u.Claim(ctx, req)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (u *unitOfWork) ReleaseOwned(ctx context.Context, activityID, ownerID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cells := u.store.cells
	released := make([]string, 0)
	for id, c := range cells {
		if c.CapturedByActivityID == activityID && c.OwnerID == ownerID {
			released = append(released, id)
		}
	}
	sort.Strings(released)
	for _, id := range released {
		prior := cells[id]
		delete(cells, id)
		u.undo = append(u.undo, func() { cells[prior.ID] = prior })
	}
	return released, nil
}

func (u *unitOfWork) ApplyCapture(ctx context.Context, userID string, delta domain.StatsDelta) (domain.StatsChange, error) {
	if err := ctx.Err(); err != nil {
		return domain.StatsChange{}, err
	}
	users := u.store.users
	before, existed := users[userID]
	u.undo = append(u.undo, func() {
		if existed {
			users[userID] = before
		} else {
			delete(users, userID)
		}
	})
	after := before.Apply(delta)
	users[userID] = after
	return domain.StatsChange{Before: before, After: after}, nil
}

func (u *unitOfWork) InsertActivity(ctx context.Context, a domain.Activity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	activities := u.store.activities
	activities[a.ID] = cloneActivity(a)
	u.undo = append(u.undo, func() { delete(activities, a.ID) })
	return nil
}

func (u *unitOfWork) LockActivity(ctx context.Context, activityID string) (*domain.Activity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, ok := u.store.activities[activityID]
	if !ok {
		return nil, nil
	}
	a = cloneActivity(a)
	return &a, nil
}

func (u *unitOfWork) DeleteActivity(ctx context.Context, activityID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	activities := u.store.activities
	prior, ok := activities[activityID]
	if !ok {
		return domain.ErrNotFound
	}
	delete(activities, activityID)
	u.undo = append(u.undo, func() { activities[activityID] = prior })
	return nil
}

func (u *unitOfWork) Enqueue(ctx context.Context, envelopes ...events.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	records := make([]outbox.Record, 0, len(envelopes))
	for _, env := range envelopes {
		rec, err := outbox.Encode(env)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	s := u.store
	n := len(s.outbox)
	s.outbox = append(s.outbox, records...)
	u.undo = append(u.undo, func() { s.outbox = s.outbox[:n] })
	return nil
}

func cloneActivity(a domain.Activity) domain.Activity {
	a.Coordinates = append([]geo.Point(nil), a.Coordinates...)
	a.Cells = append([]string(nil), a.Cells...)
	return a
}
