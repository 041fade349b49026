package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist or does not satisfy
// the liveness conditions of the query (revoked, expired).
var ErrNotFound = errors.New("record not found")

// PrincipalType distinguishes human users from service accounts.
type PrincipalType string

const (
	PrincipalUser    PrincipalType = "user"
	PrincipalService PrincipalType = "service"
)

// Principal is a user or service account. The UUID is generated at first
// login and stable for the lifetime of the record.
type Principal struct {
	ID         int64         `json:"-"`
	UUID       string        `json:"uuid"`
	Type       PrincipalType `json:"type"`
	Identities []Identity    `json:"identities"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Identity binds one external provider account to a Principal. A principal
// usually has exactly one identity, but may accumulate more if the same
// account authenticates through multiple providers.
type Identity struct {
	ID          int64      `json:"-"`
	ExternalID  string     `json:"id"`
	Provider    string     `json:"provider"`
	PrincipalID int64      `json:"-"`
	LatestLogin *time.Time `json:"latest_login"`
}

// Session is a refreshable login. The UUID is embedded in refresh tokens.
// ExpirationTime is fixed at creation; refreshing issues new tokens but
// never extends the session itself.
type Session struct {
	ID                int64      `json:"-"`
	UUID              string     `json:"uuid"`
	PrincipalID       int64      `json:"-"`
	ExpirationTime    time.Time  `json:"expiration_time"`
	TimeLastRefreshed *time.Time `json:"time_last_refreshed"`
	RefreshCount      int64      `json:"refresh_count"`
	Revoked           bool       `json:"revoked"`
}

// APIKey is a long-lived credential independent of login sessions. Only the
// SHA-256 hash of the secret is stored; FirstEight (the first eight hex
// characters of the secret) narrows lookups before the hash comparison.
type APIKey struct {
	ID             int64      `json:"-"`
	PrincipalID    int64      `json:"-"`
	FirstEight     string     `json:"first_eight"`
	HashedSecret   []byte     `json:"-"`
	Scopes         []string   `json:"scopes"`
	ExpirationTime *time.Time `json:"expiration_time"`
	Note           *string    `json:"note"`
	LatestActivity *time.Time `json:"latest_activity"`
	CreatedAt      time.Time  `json:"created_at"`
}
