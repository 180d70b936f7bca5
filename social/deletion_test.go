package social

import (
	"context"
	"fmt"
	"image/color"
	"slices"
	"sync"
	"testing"

	"github.com/mk12/mira/config"
	"github.com/mk12/mira/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// staleDir still resolves deleted, as a lookup that ran just before the
// account row was removed would.
type staleDir struct {
	fakeDir
	deleted int64
}

func (d staleDir) HoldTx(tx *gorm.DB, ids ...int64) error {
	if slices.Contains(ids, d.deleted) {
		return fmt.Errorf("%w: id %d", ErrNotFound, d.deleted)
	}
	return d.fakeDir.HoldTx(tx, ids...)
}

func (f *fixture) serviceWith(dir Directory) *Service {
	return NewService(f.db, f.store, f.canvases, f.locks, dir, f.hooks, config.SocialConfig{MaxFriends: 6}, zap.NewNop())
}

func TestAddFriend_TargetDeletedAfterLookup(t *testing.T) {
	f := newFixture(t, 6)
	svc := f.serviceWith(staleDir{fakeDir: f.dir, deleted: bob})
	ctx := context.Background()

	_, err := svc.AddFriend(ctx, alice, bob)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, f.edge(t, alice, bob))

	// Accepting a request from an identity being deleted fails the same way.
	f.put(t, bob, alice, false, nil)
	_, err = svc.AddFriend(ctx, alice, bob)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, f.edge(t, alice, bob))
	assert.Zero(t, f.canvasCount(t))
}

func TestRemoveFriend_DeletedTarget(t *testing.T) {
	tests := []struct {
		name string
		fwd  edgeSpec
		rev  edgeSpec
		want Outcome
	}{
		{"pending request", edgeSpec{exists: true}, edgeSpec{}, OutcomeRequestRevoked},
		{"mutual", edgeSpec{exists: true}, edgeSpec{exists: true}, OutcomeUnfriended},
		{"incoming", edgeSpec{}, edgeSpec{exists: true}, OutcomeRequestIgnored},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1)
			ctx := context.Background()
			f.seed(t, tt.fwd, tt.rev)
			delete(f.dir, bob)

			got, err := f.svc.RemoveFriend(ctx, alice, bob)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Nil(t, f.edge(t, alice, bob))
			assert.Nil(t, f.edge(t, bob, alice))
			assert.Zero(t, f.canvasCount(t))

			// The freed slot is usable again.
			_, err = f.svc.AddFriend(ctx, alice, 3)
			assert.NoError(t, err)
		})
	}
}

func TestRemoveFriend_UnknownTargetWithoutEdges(t *testing.T) {
	f := newFixture(t, 6)
	_, err := f.svc.RemoveFriend(context.Background(), alice, 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFriends_SkipsDeletedIdentities(t *testing.T) {
	f := newFixture(t, 6)
	ctx := context.Background()
	_, _ = f.svc.AddFriend(ctx, alice, bob)
	_, _ = f.svc.AddFriend(ctx, alice, 3)
	delete(f.dir, bob)

	views, err := f.svc.Friends(ctx, alice)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "u3", views[0].Username)
}

func TestConcurrentPaintAndUnfriend(t *testing.T) {
	layer := pngLayer(t, color.NRGBA{B: 255, A: 255})
	for round := range 10 {
		f := newFixture(t, 6)
		ctx := context.Background()
		_, _ = f.svc.AddFriend(ctx, alice, bob)
		_, _ = f.svc.AddFriend(ctx, bob, alice)
		require.Equal(t, int64(1), f.canvasCount(t))

		var (
			wg       sync.WaitGroup
			paintErr error
			painted  *model.Canvas
			outcome  Outcome
			rmErr    error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			painted, paintErr = f.svc.Paint(ctx, alice, bob, layer)
		}()
		go func() {
			defer wg.Done()
			outcome, rmErr = f.svc.RemoveFriend(ctx, bob, alice)
		}()
		wg.Wait()

		require.NoError(t, rmErr, "round %d", round)
		assert.Equal(t, OutcomeUnfriended, outcome, "round %d", round)
		if paintErr != nil {
			assert.ErrorIs(t, paintErr, ErrNotFriends, "round %d", round)
		} else {
			assert.Equal(t, layer, painted.Image, "round %d", round)
		}
		assert.Zero(t, f.canvasCount(t), "round %d: canvas outlived the friendship", round)
		var referenced int64
		require.NoError(t, f.db.Model(&model.Friendship{}).Where("canvas_id IS NOT NULL").Count(&referenced).Error)
		assert.Zero(t, referenced, "round %d", round)
	}
}
