package model

import "time"

const (
	AccountStatusBanned = 0
	AccountStatusNormal = 1
)

// Account is an identity: an opaque numeric handle plus a unique username.
type Account struct {
	ID           int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string `gorm:"uniqueIndex;size:32;not null" json:"username"`
	PasswordHash string `gorm:"size:72;not null" json:"-"`
	// LoginID is embedded in issued tokens; rotating it logs out every session.
	LoginID     string     `gorm:"uniqueIndex;size:36;not null" json:"-"`
	Status      int        `gorm:"default:1" json:"status"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	LastLoginAt *time.Time `json:"last_login_at"`
	LastLoginIP string     `gorm:"size:45" json:"last_login_ip"`
}
