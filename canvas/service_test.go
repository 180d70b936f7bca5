package canvas

import (
	"context"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/mk12/mira/config"
	"github.com/mk12/mira/lock"
	"github.com/mk12/mira/model"
	"github.com/mk12/mira/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newService(t *testing.T) (*Service, *gorm.DB, *FixedClock) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	clock := &FixedClock{T: t0}
	svc := NewService(db, NewEngine(config.CanvasConfig{}, PNGCodec{}),
		lock.NewKeyed(c, time.Minute, zap.NewNop()), clock, zap.NewNop())
	return svc, db, clock
}

func TestService_MixPersists(t *testing.T) {
	svc, db, clock := newService(t)
	ctx := context.Background()

	c, err := svc.CreateTx(db)
	require.NoError(t, err)
	assert.True(t, c.Empty())

	layer := solid(t, 4, 4, red)
	got, err := svc.Mix(ctx, c.ID, layer)
	require.NoError(t, err)
	assert.Equal(t, layer, got.Image)

	clock.Advance(2 * time.Hour)
	_, err = svc.Mix(ctx, c.ID, solid(t, 4, 4, transparent))
	require.NoError(t, err)

	stored, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 255, A: 230}, pixel(t, stored.Image, 0, 0))
	require.NotNil(t, stored.LastFadeAt)
	assert.True(t, stored.LastFadeAt.Equal(t0.Add(2*time.Hour)), "got %v", stored.LastFadeAt)
	assert.NotEmpty(t, stored.Thumbnail)
}

func TestService_MixMissing(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Mix(context.Background(), 999, solid(t, 1, 1, red))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Get(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_FailedMixLeavesRowUntouched(t *testing.T) {
	svc, db, _ := newService(t)
	ctx := context.Background()
	c, err := svc.CreateTx(db)
	require.NoError(t, err)
	_, err = svc.Mix(ctx, c.ID, solid(t, 4, 4, red))
	require.NoError(t, err)

	_, err = svc.Mix(ctx, c.ID, solid(t, 3, 3, red))
	require.ErrorIs(t, err, ErrDimensionMismatch)

	stored, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, solid(t, 4, 4, red), stored.Image)
}

func TestService_ConcurrentMixesSerialise(t *testing.T) {
	svc, db, _ := newService(t)
	ctx := context.Background()
	c, err := svc.CreateTx(db)
	require.NoError(t, err)
	_, err = svc.Mix(ctx, c.ID, solid(t, 2, 2, red))
	require.NoError(t, err)

	blue := solid(t, 2, 2, color.NRGBA{B: 255, A: 255})
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Mix(ctx, c.ID, blue)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{B: 255, A: 255}, pixel(t, stored.Image, 1, 1))
}

func TestService_SweepOrphans(t *testing.T) {
	svc, db, _ := newService(t)
	ctx := context.Background()

	shared, err := svc.CreateTx(db)
	require.NoError(t, err)
	orphan, err := svc.CreateTx(db)
	require.NoError(t, err)
	require.NoError(t, db.Create(&model.Friendship{FromID: 1, ToID: 2, CanvasID: &shared.ID}).Error)

	n, err := svc.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = svc.Get(ctx, orphan.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Get(ctx, shared.ID)
	assert.NoError(t, err)

	n, err = svc.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestService_DeleteIfOrphan(t *testing.T) {
	svc, db, _ := newService(t)
	ctx := context.Background()

	c, err := svc.CreateTx(db)
	require.NoError(t, err)
	require.NoError(t, db.Create(&model.Friendship{FromID: 1, ToID: 2, CanvasID: &c.ID}).Error)

	ok, err := svc.DeleteIfOrphan(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, ok, "referenced canvas must survive")

	require.NoError(t, db.Where("from_id = 1").Delete(&model.Friendship{}).Error)
	ok, err = svc.DeleteIfOrphan(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestService_DeleteTx(t *testing.T) {
	svc, db, _ := newService(t)
	ctx := context.Background()
	c, err := svc.CreateTx(db)
	require.NoError(t, err)

	release, err := svc.Hold(ctx, c.ID)
	require.NoError(t, err)
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return svc.DeleteTx(tx, c.ID)
	}))
	release()

	_, err = svc.Get(ctx, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	// Deleting again is harmless.
	assert.NoError(t, svc.DeleteTx(db, c.ID))
}
