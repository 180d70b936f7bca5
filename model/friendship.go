package model

import "time"

// Friendship is one directed edge FromID→ToID. A mutual friendship is two
// edges, one per direction, that reference the same canvas.
//
// Ignored marks that ToID dismissed this request. The edge is kept so FromID
// still sees its request as outgoing.
type Friendship struct {
	FromID    int64     `gorm:"primaryKey;autoIncrement:false" json:"from_id"`
	ToID      int64     `gorm:"primaryKey;autoIncrement:false;index:idx_friendship_to" json:"to_id"`
	Ignored   bool      `gorm:"not null;default:false" json:"ignored"`
	CanvasID  *int64    `gorm:"index:idx_friendship_canvas" json:"canvas_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Friendship) TableName() string { return "friendships" }
