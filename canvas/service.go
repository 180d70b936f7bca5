package canvas

import (
	"context"
	"errors"
	"fmt"

	"github.com/mk12/mira/lock"
	"github.com/mk12/mira/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service persists canvases and serialises every write to one canvas id.
type Service struct {
	db     *gorm.DB
	engine *Engine
	locks  *lock.Keyed
	clock  Clock
	logger *zap.Logger
}

// NewService creates a canvas Service.
func NewService(db *gorm.DB, engine *Engine, locks *lock.Keyed, clock Clock, logger *zap.Logger) *Service {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Service{db: db, engine: engine, locks: locks, clock: clock, logger: logger}
}

// Hold acquires the lock for canvas id. The caller must call the returned
// release function.
func (s *Service) Hold(ctx context.Context, id int64) (func(), error) {
	return s.locks.Acquire(ctx, lock.CanvasKey(id))
}

// Get loads a canvas by id.
func (s *Service) Get(ctx context.Context, id int64) (*model.Canvas, error) {
	return s.get(s.db.WithContext(ctx), id)
}

func (s *Service) get(tx *gorm.DB, id int64) (*model.Canvas, error) {
	var c model.Canvas
	if err := tx.First(&c, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		return nil, err
	}
	return &c, nil
}

// Thumbnails returns the thumbnail of each listed canvas that has one.
func (s *Service) Thumbnails(ctx context.Context, ids []int64) (map[int64][]byte, error) {
	out := make(map[int64][]byte, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []model.Canvas
	if err := s.db.WithContext(ctx).Select("id", "thumbnail").Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("canvas: thumbnails: %w", err)
	}
	for _, r := range rows {
		if len(r.Thumbnail) > 0 {
			out[r.ID] = r.Thumbnail
		}
	}
	return out, nil
}

// CreateTx inserts an empty canvas inside tx.
func (s *Service) CreateTx(tx *gorm.DB) (*model.Canvas, error) {
	c := &model.Canvas{}
	if err := tx.Create(c).Error; err != nil {
		return nil, fmt.Errorf("canvas: create: %w", err)
	}
	return c, nil
}

// DeleteTx removes canvas id inside tx. The caller must hold the canvas lock.
// Deleting a missing canvas is not an error.
func (s *Service) DeleteTx(tx *gorm.DB, id int64) error {
	if err := tx.Delete(&model.Canvas{}, id).Error; err != nil {
		return fmt.Errorf("canvas: delete %d: %w", id, err)
	}
	return nil
}

// Mix composites layer onto canvas id at the clock's current time and
// returns the updated record.
func (s *Service) Mix(ctx context.Context, id int64, layer []byte) (*model.Canvas, error) {
	release, err := s.Hold(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	var out *model.Canvas
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := s.get(tx, id)
		if err != nil {
			return err
		}
		st := State{Image: c.Image, Thumbnail: c.Thumbnail, LastFadeAt: c.LastFadeAt}
		if _, err := s.engine.Mix(&st, layer, s.clock.Now()); err != nil {
			return err
		}
		c.Image, c.Thumbnail, c.LastFadeAt = st.Image, st.Thumbnail, st.LastFadeAt
		if err := tx.Model(c).Select("image", "thumbnail", "last_fade_at", "updated_at").Updates(c).Error; err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("canvas mixed", zap.Int64("canvas_id", id), zap.Int("bytes", len(out.Image)))
	return out, nil
}

// orphanQuery selects canvases no friendship edge references.
const orphanQuery = "NOT EXISTS (SELECT 1 FROM friendships f WHERE f.canvas_id = canvases.id)"

// DeleteIfOrphan deletes canvas id if no edge references it.
func (s *Service) DeleteIfOrphan(ctx context.Context, id int64) (bool, error) {
	var deleted bool
	err := s.locks.With(ctx, lock.CanvasKey(id), func() error {
		res := s.db.WithContext(ctx).Where("id = ?", id).Where(orphanQuery).Delete(&model.Canvas{})
		if res.Error != nil {
			return fmt.Errorf("canvas: delete orphan %d: %w", id, res.Error)
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	return deleted, err
}

// SweepOrphans deletes every canvas that no edge references and reports how
// many were removed.
func (s *Service) SweepOrphans(ctx context.Context) (int, error) {
	var ids []int64
	if err := s.db.WithContext(ctx).Model(&model.Canvas{}).Where(orphanQuery).Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("canvas: list orphans: %w", err)
	}
	n := 0
	for _, id := range ids {
		ok, err := s.DeleteIfOrphan(ctx, id)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		s.logger.Info("canvas orphans swept", zap.Int("count", n))
	}
	return n, nil
}
