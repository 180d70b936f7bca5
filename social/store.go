package social

import (
	"context"
	"errors"
	"fmt"

	"github.com/mk12/mira/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists directed friendship edges. It enforces edge invariants but
// holds no relationship logic.
type Store interface {
	// GetEdge returns the edge from→to, or nil if there is none.
	GetEdge(ctx context.Context, from, to int64) (*model.Friendship, error)
	// PutEdge inserts edge or replaces the stored edge with the same key.
	PutEdge(ctx context.Context, edge *model.Friendship) error
	// DeleteEdge removes from→to. A missing edge is not an error.
	DeleteEdge(ctx context.Context, from, to int64) error
	// CascadeDeleteIdentity removes every edge touching id and returns the
	// canvas ids those edges referenced.
	CascadeDeleteIdentity(ctx context.Context, id int64) ([]int64, error)

	CountOutgoing(ctx context.Context, from int64) (int64, error)
	Outgoing(ctx context.Context, from int64) ([]model.Friendship, error)
	Incoming(ctx context.Context, to int64) ([]model.Friendship, error)

	// WithTx returns a Store whose calls run inside tx.
	WithTx(tx *gorm.DB) Store
}

// GormStore is a Store backed by the friendships table.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GormStore.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) WithTx(tx *gorm.DB) Store {
	return &GormStore{db: tx}
}

func (s *GormStore) GetEdge(ctx context.Context, from, to int64) (*model.Friendship, error) {
	var e model.Friendship
	err := s.db.WithContext(ctx).Where("from_id = ? AND to_id = ?", from, to).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("social: get edge %d→%d: %w", from, to, err)
	}
	return &e, nil
}

func (s *GormStore) PutEdge(ctx context.Context, edge *model.Friendship) error {
	if edge.FromID == edge.ToID {
		return fmt.Errorf("%w: self edge for %d", ErrConstraintViolation, edge.FromID)
	}
	edge.UpdatedAt = s.db.NowFunc()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "from_id"}, {Name: "to_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"ignored", "canvas_id", "updated_at"}),
	}).Create(edge).Error
	if err != nil {
		return fmt.Errorf("social: put edge %d→%d: %w", edge.FromID, edge.ToID, err)
	}
	return nil
}

func (s *GormStore) DeleteEdge(ctx context.Context, from, to int64) error {
	err := s.db.WithContext(ctx).Where("from_id = ? AND to_id = ?", from, to).Delete(&model.Friendship{}).Error
	if err != nil {
		return fmt.Errorf("social: delete edge %d→%d: %w", from, to, err)
	}
	return nil
}

func (s *GormStore) CascadeDeleteIdentity(ctx context.Context, id int64) ([]int64, error) {
	db := s.db.WithContext(ctx)
	touching := "from_id = ? OR to_id = ?"

	var canvasIDs []int64
	if err := db.Model(&model.Friendship{}).
		Where(touching, id, id).
		Where("canvas_id IS NOT NULL").
		Distinct().Pluck("canvas_id", &canvasIDs).Error; err != nil {
		return nil, fmt.Errorf("social: cascade %d: %w", id, err)
	}
	if err := db.Where(touching, id, id).Delete(&model.Friendship{}).Error; err != nil {
		return nil, fmt.Errorf("social: cascade %d: %w", id, err)
	}
	return canvasIDs, nil
}

func (s *GormStore) CountOutgoing(ctx context.Context, from int64) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Friendship{}).Where("from_id = ?", from).Count(&n).Error
	return n, err
}

func (s *GormStore) Outgoing(ctx context.Context, from int64) ([]model.Friendship, error) {
	var edges []model.Friendship
	err := s.db.WithContext(ctx).Where("from_id = ?", from).Find(&edges).Error
	return edges, err
}

func (s *GormStore) Incoming(ctx context.Context, to int64) ([]model.Friendship, error) {
	var edges []model.Friendship
	err := s.db.WithContext(ctx).Where("to_id = ?", to).Find(&edges).Error
	return edges, err
}
