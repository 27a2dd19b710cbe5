package directory

import (
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("directory: user not found")
	ErrDuplicate = errors.New("directory: username or credential already exists")
	// ErrAttributionMiss marks a usage key that matched no user. It is
	// counted by ApplyUsage, never returned.
	ErrAttributionMiss = errors.New("directory: usage key matches no user")
	ErrWriteFailed     = errors.New("directory: usage write failed")
)

// Status values reported by User.Status.
const (
	StatusActive    = "active"
	StatusDisabled  = "disabled"
	StatusExpired   = "expired"
	StatusOverLimit = "over_limit"
)

// User is one directory record. UUID is the identity credential used by
// vless and vmess listeners, Password the shared secret used by hysteria2
// and trojan listeners.
type User struct {
	ID           int64
	Username     string
	UUID         string
	Password     string
	Enabled      bool
	TrafficLimit int64 // bytes, 0 = unlimited
	TrafficUsed  int64
	ExpireAt     *time.Time
	Note         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Active reports whether the user may be present in the daemon config at now.
func (u *User) Active(now time.Time) bool {
	return u.Status(now) == StatusActive
}

func (u *User) Status(now time.Time) string {
	switch {
	case !u.Enabled:
		return StatusDisabled
	case u.ExpireAt != nil && !u.ExpireAt.After(now):
		return StatusExpired
	case u.TrafficLimit > 0 && u.TrafficUsed >= u.TrafficLimit:
		return StatusOverLimit
	default:
		return StatusActive
	}
}

// NewUser describes a user to create. ExpireDays <= 0 means no expiry.
type NewUser struct {
	Username     string
	Note         string
	TrafficLimit int64
	ExpireDays   int
}

// UserUpdate carries optional field changes; nil fields are left alone.
// A negative ExpireDays clears the expiry.
type UserUpdate struct {
	Username     *string
	Note         *string
	Enabled      *bool
	TrafficLimit *int64
	ExpireDays   *int
}

// UsageResult summarises one ApplyUsage batch.
type UsageResult struct {
	Applied int
	Missed  int
	Bytes   int64
}

type AuditEntry struct {
	ID        int64
	Action    string
	Detail    string
	CreatedAt time.Time
}
