package social

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mk12/mira/canvas"
	"github.com/mk12/mira/config"
	"github.com/mk12/mira/lock"
	"github.com/mk12/mira/model"
	"github.com/mk12/mira/plugin/hook"
	"github.com/mk12/mira/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeDir map[int64]*model.Account

func (d fakeDir) Get(_ context.Context, id int64) (*model.Account, error) {
	if a, ok := d[id]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
}

func (d fakeDir) GetByName(_ context.Context, name string) (*model.Account, error) {
	for _, a := range d {
		if a.Username == name {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
}

func (d fakeDir) GetMany(_ context.Context, ids []int64) (map[int64]*model.Account, error) {
	out := make(map[int64]*model.Account, len(ids))
	for _, id := range ids {
		if a, ok := d[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

func (d fakeDir) HoldTx(_ *gorm.DB, ids ...int64) error {
	for _, id := range ids {
		if _, ok := d[id]; !ok {
			return fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
	}
	return nil
}

type fixture struct {
	db       *gorm.DB
	store    *GormStore
	canvases *canvas.Service
	hooks    *hook.HookCenter
	locks    *lock.Keyed
	clock    *canvas.FixedClock
	svc      *Service
	dir      fakeDir
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// newFixture builds a Service over a fresh database with identities 1..9
// named u1..u9.
func newFixture(t *testing.T, maxFriends int) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	logger := zap.NewNop()
	locks := lock.NewKeyed(c, time.Minute, logger)
	clock := &canvas.FixedClock{T: t0}
	canvases := canvas.NewService(db, canvas.NewEngine(config.CanvasConfig{}, canvas.PNGCodec{}), locks, clock, logger)
	dir := fakeDir{}
	for i := int64(1); i <= 9; i++ {
		dir[i] = &model.Account{ID: i, Username: fmt.Sprintf("u%d", i)}
	}
	store := NewGormStore(db)
	hooks := hook.NewHookCenter()
	svc := NewService(db, store, canvases, locks, dir, hooks, config.SocialConfig{MaxFriends: maxFriends}, logger)
	return &fixture{db: db, store: store, canvases: canvases, hooks: hooks, locks: locks, clock: clock, svc: svc, dir: dir}
}

func (f *fixture) put(t *testing.T, from, to int64, ignored bool, canvasID *int64) {
	t.Helper()
	require.NoError(t, f.store.PutEdge(context.Background(), &model.Friendship{
		FromID: from, ToID: to, Ignored: ignored, CanvasID: canvasID,
	}))
}

func (f *fixture) edge(t *testing.T, from, to int64) *model.Friendship {
	t.Helper()
	e, err := f.store.GetEdge(context.Background(), from, to)
	require.NoError(t, err)
	return e
}

func (f *fixture) newCanvas(t *testing.T) *int64 {
	t.Helper()
	c, err := f.canvases.CreateTx(f.db)
	require.NoError(t, err)
	return &c.ID
}

func (f *fixture) canvasCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&model.Canvas{}).Count(&n).Error)
	return n
}
