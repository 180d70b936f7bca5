package model

import "time"

// Canvas is the bitmap shared by a mutual pair. Image and Thumbnail are PNG
// bytes; both are nil until the first mix.
type Canvas struct {
	ID         int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Image      []byte     `json:"-"`
	Thumbnail  []byte     `json:"-"`
	LastFadeAt *time.Time `json:"last_fade_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Empty reports whether the canvas has never been mixed.
func (c *Canvas) Empty() bool {
	return len(c.Image) == 0
}

func (Canvas) TableName() string { return "canvases" }
