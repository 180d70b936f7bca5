package social

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mk12/mira/canvas"
	"github.com/mk12/mira/config"
	"github.com/mk12/mira/lock"
	"github.com/mk12/mira/model"
	"github.com/mk12/mira/plugin/hook"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Directory resolves identities. Lookups of unknown identities return an
// error matching ErrNotFound.
type Directory interface {
	Get(ctx context.Context, id int64) (*model.Account, error)
	GetByName(ctx context.Context, username string) (*model.Account, error)
	GetMany(ctx context.Context, ids []int64) (map[int64]*model.Account, error)
	// HoldTx fails with ErrNotFound unless every id exists, and keeps them
	// from being deleted until tx ends.
	HoldTx(tx *gorm.DB, ids ...int64) error
}

// DefaultMaxFriends applies when config leaves max_friends unset.
const DefaultMaxFriends = 6

// Service implements the friendship lifecycle on top of a Store.
type Service struct {
	db         *gorm.DB
	store      Store
	canvases   *canvas.Service
	locks      *lock.Keyed
	dir        Directory
	hooks      *hook.HookCenter
	maxFriends int
	logger     *zap.Logger
}

// NewService creates a social Service.
func NewService(db *gorm.DB, store Store, canvases *canvas.Service, locks *lock.Keyed,
	dir Directory, hooks *hook.HookCenter, cfg config.SocialConfig, logger *zap.Logger) *Service {
	limit := cfg.MaxFriends
	if limit <= 0 {
		limit = DefaultMaxFriends
	}
	return &Service{
		db:         db,
		store:      store,
		canvases:   canvases,
		locks:      locks,
		dir:        dir,
		hooks:      hooks,
		maxFriends: limit,
		logger:     logger,
	}
}

func (s *Service) edges(ctx context.Context, st Store, actor, target int64) (fwd, rev *model.Friendship, err error) {
	if fwd, err = st.GetEdge(ctx, actor, target); err != nil {
		return nil, nil, err
	}
	if rev, err = st.GetEdge(ctx, target, actor); err != nil {
		return nil, nil, err
	}
	return fwd, rev, nil
}

// State returns actor's view of target.
func (s *Service) State(ctx context.Context, actor, target int64) (State, error) {
	if actor == target {
		return StateSelf, nil
	}
	fwd, rev, err := s.edges(ctx, s.store, actor, target)
	if err != nil {
		return "", err
	}
	return ResolveState(fwd, rev, false), nil
}

// AddFriend sends, re-sends or accepts a friend request from actor to target.
func (s *Service) AddFriend(ctx context.Context, actor, target int64) (Outcome, error) {
	return s.mutate(ctx, actor, target, addTransitions)
}

// RemoveFriend unfriends, revokes or ignores, depending on the pair's edges.
// Edges left behind by a deleted target are purged.
func (s *Service) RemoveFriend(ctx context.Context, actor, target int64) (Outcome, error) {
	out, err := s.mutate(ctx, actor, target, removeTransitions)
	if errors.Is(err, ErrNotFound) && actor != target {
		return s.forgetDeleted(ctx, actor, target, err)
	}
	return out, err
}

// forgetDeleted purges target's remaining edges if target no longer exists
// but actor still has edges with it. Otherwise notFound is returned.
func (s *Service) forgetDeleted(ctx context.Context, actor, target int64, notFound error) (Outcome, error) {
	if _, err := s.dir.Get(ctx, target); !errors.Is(err, ErrNotFound) {
		return "", notFound
	}
	fwd, rev, err := s.edges(ctx, s.store, actor, target)
	if err != nil {
		return "", err
	}
	if fwd == nil && rev == nil {
		return "", notFound
	}
	if err := s.PurgeIdentity(ctx, target); err != nil {
		return "", err
	}
	tr := removeTransitions[classify(fwd, rev)]
	s.logger.Info("edges to deleted identity removed",
		zap.Int64("actor", actor), zap.Int64("target", target), zap.String("outcome", string(tr.outcome)))
	return tr.outcome, nil
}

func (s *Service) mutate(ctx context.Context, actor, target int64, table map[edgeCase]transition) (Outcome, error) {
	if actor == target {
		return "", ErrSelfReference
	}
	if _, err := s.dir.Get(ctx, target); err != nil {
		return "", err
	}

	release, err := s.locks.Acquire(ctx, lock.PairKey(actor, target))
	if err != nil {
		return "", err
	}
	defer release()

	// Edges of this pair only change under the pair lock, so what is read
	// here still holds inside the transaction below.
	fwd, rev, err := s.edges(ctx, s.store, actor, target)
	if err != nil {
		return "", err
	}
	tr, ok := table[classify(fwd, rev)]
	if !ok {
		return "", fmt.Errorf("%w: unexpected edge shape %+v", ErrConstraintViolation, classify(fwd, rev))
	}
	if tr.actions == 0 {
		return tr.outcome, nil
	}

	if tr.actions.has(actCheckLimit) {
		// Serialises concurrent adds by actor towards different targets.
		releaseOut, err := s.locks.Acquire(ctx, lock.OutgoingKey(actor))
		if err != nil {
			return "", err
		}
		defer releaseOut()
	}

	var dropped []int64
	if tr.actions.has(actDropCanvas) {
		dropped = sharedCanvases(fwd, rev)
		for _, id := range dropped {
			releaseCanvas, err := s.canvases.Hold(ctx, id)
			if err != nil {
				return "", err
			}
			defer releaseCanvas()
		}
	}

	var canvasID *int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		canvasID, err = s.apply(ctx, tx, actor, target, fwd, rev, tr.actions, dropped)
		return err
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("relation changed",
		zap.Int64("actor", actor), zap.Int64("target", target), zap.String("outcome", string(tr.outcome)))
	s.emit(ctx, hook.AfterRelationChange, Event{
		Kind: EventRelation, Actor: actor, Target: target, Outcome: tr.outcome, CanvasID: canvasID, At: time.Now().UTC(),
	})
	return tr.outcome, nil
}

// apply performs acts against copies of fwd and rev inside tx and returns the
// pair's shared canvas afterwards, if any.
func (s *Service) apply(ctx context.Context, tx *gorm.DB, actor, target int64,
	fwd, rev *model.Friendship, acts action, dropped []int64) (*int64, error) {
	st := s.store.WithTx(tx)
	if acts.has(actCreateFwd | actUnignoreRev | actShareCanvas) {
		if err := s.dir.HoldTx(tx, actor, target); err != nil {
			return nil, err
		}
	}
	if fwd != nil {
		f := *fwd
		fwd = &f
	}
	if rev != nil {
		r := *rev
		rev = &r
	}

	if acts.has(actCheckLimit) {
		n, err := st.CountOutgoing(ctx, actor)
		if err != nil {
			return nil, err
		}
		if n >= int64(s.maxFriends) {
			return nil, fmt.Errorf("%w: %d of %d", ErrLimitExceeded, n, s.maxFriends)
		}
	}
	if acts.has(actCreateFwd) {
		fwd = &model.Friendship{FromID: actor, ToID: target}
	}
	if acts.has(actIgnoreRev) {
		rev.Ignored = true
	}
	if acts.has(actUnignoreRev) {
		rev.Ignored = false
	}

	var shared *int64
	if acts.has(actShareCanvas) {
		id, err := s.shareCanvas(tx, fwd, rev)
		if err != nil {
			return nil, err
		}
		fwd.CanvasID, rev.CanvasID = &id, &id
		shared = &id
	}
	if acts.has(actDropCanvas) {
		rev.CanvasID = nil
		for _, id := range dropped {
			if err := s.canvases.DeleteTx(tx, id); err != nil {
				return nil, err
			}
		}
	}

	if acts.has(actDeleteFwd) {
		if err := st.DeleteEdge(ctx, actor, target); err != nil {
			return nil, err
		}
	} else if fwd != nil {
		if err := st.PutEdge(ctx, fwd); err != nil {
			return nil, err
		}
	}
	if rev != nil && acts.has(actIgnoreRev|actUnignoreRev|actShareCanvas|actDropCanvas) {
		if err := st.PutEdge(ctx, rev); err != nil {
			return nil, err
		}
	}
	return shared, nil
}

// shareCanvas returns the canvas a newly mutual pair should use: one that
// either edge already references, or a fresh one.
func (s *Service) shareCanvas(tx *gorm.DB, fwd, rev *model.Friendship) (int64, error) {
	for _, e := range []*model.Friendship{fwd, rev} {
		if e != nil && e.CanvasID != nil {
			return *e.CanvasID, nil
		}
	}
	c, err := s.canvases.CreateTx(tx)
	if err != nil {
		return 0, err
	}
	return c.ID, nil
}

func sharedCanvases(fwd, rev *model.Friendship) []int64 {
	var ids []int64
	for _, e := range []*model.Friendship{fwd, rev} {
		if e != nil && e.CanvasID != nil && !slices.Contains(ids, *e.CanvasID) {
			ids = append(ids, *e.CanvasID)
		}
	}
	slices.Sort(ids)
	return ids
}

func (s *Service) emit(ctx context.Context, event string, ev Event) {
	if s.hooks == nil {
		return
	}
	if _, err := s.hooks.Trigger(ctx, event, ev); err != nil {
		s.logger.Warn("hook failed", zap.String("event", event), zap.Error(err))
	}
}

// View is how one identity appears to another.
type View struct {
	ID       int64  `json:"-"`
	Username string `json:"username"`
	State    State  `json:"state"`
	// Time is when the edge that determines State last changed.
	Time      *time.Time `json:"time,omitempty"`
	Thumbnail []byte     `json:"thumbnail,omitempty"`
}

// Friend returns self's view of other.
func (s *Service) Friend(ctx context.Context, self, other int64) (*View, error) {
	acc, err := s.dir.Get(ctx, other)
	if err != nil {
		return nil, err
	}
	v := &View{ID: other, Username: acc.Username, State: StateSelf}
	if self == other {
		return v, nil
	}
	fwd, rev, err := s.edges(ctx, s.store, self, other)
	if err != nil {
		return nil, err
	}
	v.State = ResolveState(fwd, rev, false)
	switch v.State {
	case StateFriend:
		v.Time = &fwd.UpdatedAt
		if fwd.CanvasID != nil {
			c, err := s.canvases.Get(ctx, *fwd.CanvasID)
			if err != nil && !errors.Is(err, canvas.ErrNotFound) {
				return nil, err
			}
			if c != nil {
				v.Thumbnail = c.Thumbnail
			}
		}
	case StateOutgoing:
		v.Time = &fwd.UpdatedAt
	case StateIncoming:
		v.Time = &rev.UpdatedAt
	}
	return v, nil
}

// Friends lists everyone self has a visible relationship with: friends,
// then outgoing requests, then incoming requests, each by username.
// Incoming requests self has ignored are left out.
func (s *Service) Friends(ctx context.Context, self int64) ([]View, error) {
	out, err := s.store.Outgoing(ctx, self)
	if err != nil {
		return nil, err
	}
	in, err := s.store.Incoming(ctx, self)
	if err != nil {
		return nil, err
	}

	fwdBy := make(map[int64]*model.Friendship, len(out))
	for i := range out {
		fwdBy[out[i].ToID] = &out[i]
	}
	revBy := make(map[int64]*model.Friendship, len(in))
	for i := range in {
		revBy[in[i].FromID] = &in[i]
	}

	var views []View
	var canvasIDs []int64
	add := func(other int64) {
		fwd, rev := fwdBy[other], revBy[other]
		v := View{ID: other, State: ResolveState(fwd, rev, false)}
		switch v.State {
		case StateFriend:
			v.Time = &fwd.UpdatedAt
			if fwd.CanvasID != nil {
				canvasIDs = append(canvasIDs, *fwd.CanvasID)
			}
		case StateOutgoing:
			v.Time = &fwd.UpdatedAt
		case StateIncoming:
			v.Time = &rev.UpdatedAt
		default:
			return
		}
		views = append(views, v)
	}
	for id := range fwdBy {
		add(id)
	}
	for id := range revBy {
		if _, seen := fwdBy[id]; !seen {
			add(id)
		}
	}
	if len(views) == 0 {
		return []View{}, nil
	}

	ids := make([]int64, len(views))
	for i, v := range views {
		ids[i] = v.ID
	}
	accounts, err := s.dir.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	thumbs, err := s.canvases.Thumbnails(ctx, canvasIDs)
	if err != nil {
		return nil, err
	}
	// Identities deleted since the edges were read are left out.
	views = slices.DeleteFunc(views, func(v View) bool {
		_, ok := accounts[v.ID]
		return !ok
	})
	for i := range views {
		views[i].Username = accounts[views[i].ID].Username
		if views[i].State == StateFriend {
			if cid := fwdBy[views[i].ID].CanvasID; cid != nil {
				views[i].Thumbnail = thumbs[*cid]
			}
		}
	}

	rank := map[State]int{StateFriend: 0, StateOutgoing: 1, StateIncoming: 2}
	slices.SortFunc(views, func(a, b View) int {
		return cmp.Or(cmp.Compare(rank[a.State], rank[b.State]), cmp.Compare(a.Username, b.Username))
	})
	return views, nil
}

// sharedCanvasID returns the pair's canvas if actor sees target as a friend.
func (s *Service) sharedCanvasID(ctx context.Context, actor, target int64) (int64, error) {
	if actor == target {
		return 0, ErrSelfReference
	}
	fwd, rev, err := s.edges(ctx, s.store, actor, target)
	if err != nil {
		return 0, err
	}
	if ResolveState(fwd, rev, false) != StateFriend || fwd.CanvasID == nil ||
		rev.CanvasID == nil || *fwd.CanvasID != *rev.CanvasID {
		return 0, ErrNotFriends
	}
	return *fwd.CanvasID, nil
}

// Canvas returns the canvas actor shares with target.
func (s *Service) Canvas(ctx context.Context, actor, target int64) (*model.Canvas, error) {
	id, err := s.sharedCanvasID(ctx, actor, target)
	if err != nil {
		return nil, err
	}
	return s.canvases.Get(ctx, id)
}

// Paint mixes layer into the canvas actor shares with target.
func (s *Service) Paint(ctx context.Context, actor, target int64, layer []byte) (*model.Canvas, error) {
	release, err := s.locks.Acquire(ctx, lock.PairKey(actor, target))
	if err != nil {
		return nil, err
	}
	defer release()

	id, err := s.sharedCanvasID(ctx, actor, target)
	if err != nil {
		return nil, err
	}
	c, err := s.canvases.Mix(ctx, id, layer)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, hook.AfterCanvasMix, Event{
		Kind: EventCanvas, Actor: actor, Target: target, CanvasID: &id, At: time.Now().UTC(),
	})
	return c, nil
}

// PurgeIdentity removes every edge touching id and deletes canvases that
// are no longer referenced. It is run before an account is deleted.
func (s *Service) PurgeIdentity(ctx context.Context, id int64) error {
	out, err := s.store.Outgoing(ctx, id)
	if err != nil {
		return err
	}
	in, err := s.store.Incoming(ctx, id)
	if err != nil {
		return err
	}
	var keys []string
	for _, e := range out {
		keys = append(keys, lock.PairKey(id, e.ToID))
	}
	for _, e := range in {
		keys = append(keys, lock.PairKey(id, e.FromID))
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)
	for _, k := range keys {
		release, err := s.locks.Acquire(ctx, k)
		if err != nil {
			return err
		}
		defer release()
	}

	var canvasIDs []int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		canvasIDs, err = s.store.WithTx(tx).CascadeDeleteIdentity(ctx, id)
		return err
	})
	if err != nil {
		return err
	}
	for _, cid := range canvasIDs {
		if _, err := s.canvases.DeleteIfOrphan(ctx, cid); err != nil {
			s.logger.Warn("canvas cleanup deferred to sweep", zap.Int64("canvas_id", cid), zap.Error(err))
		}
	}
	s.logger.Info("identity purged", zap.Int64("id", id), zap.Int("pairs", len(keys)), zap.Int("canvases", len(canvasIDs)))
	return nil
}
