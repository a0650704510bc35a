package models

import (
	"time"
)

// User maps a proxy-side identity to its ejudge master session.
// MasterSID and SessionCookie are always written together: the backend
// rejects either one without the other. A stale master session is replaced
// by the next successful login, never cleared.
type User struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	MasterSID     string `gorm:"column:master_sid;size:64;uniqueIndex;not null" json:"-"`
	SessionCookie string `gorm:"column:session_cookie;size:64;not null" json:"-"`

	Timestamps
}

// Participation holds one per-contest ejudge session for one user.
// At most one live row exists per (UserID, ContestID); a row found stale is
// deleted and replaced, never renewed in place.
type Participation struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	UserID       uint   `gorm:"index;not null" json:"user_id"`
	User         User   `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	ContestID    int    `gorm:"index;not null" json:"contest_id"`
	SessionToken string `gorm:"column:session_token;size:64;index;not null" json:"-"`

	Timestamps
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
