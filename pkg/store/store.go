// Package store persists the credential records backing the authentication
// core: principals, identities, sessions and API keys. It is a thin
// repository over database/sql and works against the embedded sqlite
// database or Postgres; callers never assume either.
package store

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store is the credential repository.
type Store struct {
	db     *sql.DB
	driver string
}

// New wraps an open database handle.
func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// isUniqueViolation detects a unique-constraint error from either backend.
// Both drivers put the constraint name in the message; matching on the
// message keeps this free of driver-specific error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}

// FindIdentity looks up an identity by provider and external id.
func (s *Store) FindIdentity(ctx context.Context, provider, externalID string) (*Identity, error) {
	query := `
		SELECT id, external_id, provider, principal_id, latest_login
		FROM identities
		WHERE external_id = $1 AND provider = $2
	`
	var ident Identity
	var latestLogin sql.NullTime
	err := s.db.QueryRowContext(ctx, query, externalID, provider).Scan(
		&ident.ID, &ident.ExternalID, &ident.Provider, &ident.PrincipalID, &latestLogin,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if latestLogin.Valid {
		t := latestLogin.Time
		ident.LatestLogin = &t
	}
	return &ident, nil
}

// FindOrCreatePrincipal resolves the principal owning the (provider,
// external id) identity, creating principal and identity atomically on first
// login. Two concurrent first logins for the same identity race on the
// unique constraint; the loser retries the lookup instead of creating a
// duplicate principal. The identity's latest_login is touched either way.
func (s *Store) FindOrCreatePrincipal(ctx context.Context, provider, externalID string, now time.Time) (*Principal, error) {
	for attempt := 0; attempt < 2; attempt++ {
		ident, err := s.FindIdentity(ctx, provider, externalID)
		if err == nil {
			if err := s.touchIdentityLogin(ctx, ident.ID, now); err != nil {
				return nil, err
			}
			return s.GetPrincipalByID(ctx, ident.PrincipalID)
		}
		if err != ErrNotFound {
			return nil, err
		}

		principal, err := s.createPrincipalWithIdentity(ctx, provider, externalID, now)
		if err == nil {
			return principal, nil
		}
		if !isUniqueViolation(err) {
			return nil, err
		}
		// Lost the race; loop back and pick up the winner's row.
	}
	return nil, fmt.Errorf("failed to find or create principal for %s/%s", provider, externalID)
}

func (s *Store) createPrincipalWithIdentity(ctx context.Context, provider, externalID string, now time.Time) (*Principal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	principalUUID := uuid.NewString()
	var principalID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO principals (uuid, type, created_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`, principalUUID, string(PrincipalUser), now).Scan(&principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to create principal: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO identities (external_id, provider, principal_id, latest_login)
		VALUES ($1, $2, $3, $4)
	`, externalID, provider, principalID, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit principal creation: %w", err)
	}

	return &Principal{
		ID:        principalID,
		UUID:      principalUUID,
		Type:      PrincipalUser,
		CreatedAt: now,
		Identities: []Identity{{
			ExternalID:  externalID,
			Provider:    provider,
			PrincipalID: principalID,
			LatestLogin: &now,
		}},
	}, nil
}

func (s *Store) touchIdentityLogin(ctx context.Context, identityID int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE identities SET latest_login = $1 WHERE id = $2
	`, now, identityID)
	if err != nil {
		return fmt.Errorf("failed to update identity login time: %w", err)
	}
	return nil
}

// GetPrincipalByID loads a principal and its identities.
func (s *Store) GetPrincipalByID(ctx context.Context, id int64) (*Principal, error) {
	query := `
		SELECT id, uuid, type, created_at
		FROM principals
		WHERE id = $1
	`
	return s.getPrincipal(ctx, query, id)
}

// GetPrincipalByUUID loads a principal and its identities by UUID.
func (s *Store) GetPrincipalByUUID(ctx context.Context, principalUUID string) (*Principal, error) {
	query := `
		SELECT id, uuid, type, created_at
		FROM principals
		WHERE uuid = $1
	`
	return s.getPrincipal(ctx, query, principalUUID)
}

func (s *Store) getPrincipal(ctx context.Context, query string, arg interface{}) (*Principal, error) {
	var p Principal
	var ptype string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&p.ID, &p.UUID, &ptype, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get principal: %w", err)
	}
	p.Type = PrincipalType(ptype)

	identities, err := s.identitiesFor(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	p.Identities = identities
	return &p, nil
}

func (s *Store) identitiesFor(ctx context.Context, principalID int64) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, external_id, provider, principal_id, latest_login
		FROM identities
		WHERE principal_id = $1
		ORDER BY id ASC
	`, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()

	var identities []Identity
	for rows.Next() {
		var ident Identity
		var latestLogin sql.NullTime
		if err := rows.Scan(&ident.ID, &ident.ExternalID, &ident.Provider, &ident.PrincipalID, &latestLogin); err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		if latestLogin.Valid {
			t := latestLogin.Time
			ident.LatestLogin = &t
		}
		identities = append(identities, ident)
	}
	return identities, rows.Err()
}

// ListPrincipals returns all principals with their identities.
func (s *Store) ListPrincipals(ctx context.Context) ([]Principal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, uuid, type, created_at
		FROM principals
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list principals: %w", err)
	}
	defer rows.Close()

	var principals []Principal
	for rows.Next() {
		var p Principal
		var ptype string
		if err := rows.Scan(&p.ID, &p.UUID, &ptype, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan principal: %w", err)
		}
		p.Type = PrincipalType(ptype)
		principals = append(principals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range principals {
		identities, err := s.identitiesFor(ctx, principals[i].ID)
		if err != nil {
			return nil, err
		}
		principals[i].Identities = identities
	}
	return principals, nil
}

// CreateSession creates a new session with a fresh UUID. The expiration
// time is fixed here for the lifetime of the session.
func (s *Store) CreateSession(ctx context.Context, principalID int64, expiration time.Time) (*Session, error) {
	sessionUUID := uuid.NewString()
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (uuid, principal_id, expiration_time)
		VALUES ($1, $2, $3)
		RETURNING id
	`, sessionUUID, principalID, expiration).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &Session{
		ID:             id,
		UUID:           sessionUUID,
		PrincipalID:    principalID,
		ExpirationTime: expiration,
	}, nil
}

// GetSession looks up a session by UUID regardless of its state; callers
// decide how to treat revoked or expired rows.
func (s *Store) GetSession(ctx context.Context, sessionUUID string) (*Session, error) {
	var sess Session
	var lastRefreshed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, uuid, principal_id, expiration_time, time_last_refreshed, refresh_count, revoked
		FROM sessions
		WHERE uuid = $1
	`, sessionUUID).Scan(
		&sess.ID, &sess.UUID, &sess.PrincipalID, &sess.ExpirationTime,
		&lastRefreshed, &sess.RefreshCount, &sess.Revoked,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if lastRefreshed.Valid {
		t := lastRefreshed.Time
		sess.TimeLastRefreshed = &t
	}
	return &sess, nil
}

// RefreshSession increments refresh_count and stamps time_last_refreshed in
// a single conditional UPDATE: the liveness check and the increment are one
// atomic statement, so a revoke racing a refresh can never grant one more
// token, and concurrent refreshes never lose an increment. Returns
// ErrNotFound when the session is absent, revoked or past its expiration —
// callers must not distinguish the three.
func (s *Store) RefreshSession(ctx context.Context, sessionUUID string, now time.Time) (*Session, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET refresh_count = refresh_count + 1, time_last_refreshed = $1
		WHERE uuid = $2 AND revoked = FALSE AND expiration_time > $3
	`, now, sessionUUID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh session: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}
	return s.GetSession(ctx, sessionUUID)
}

// RevokeSession marks a session revoked. Revocation is terminal; there is
// no operation that clears the flag.
func (s *Store) RevokeSession(ctx context.Context, sessionUUID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET revoked = TRUE WHERE uuid = $1
	`, sessionUUID)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// HashSecret computes the stored hash of an API key secret.
func HashSecret(secret []byte) []byte {
	h := sha256.Sum256(secret)
	return h[:]
}

// CreateAPIKey inserts a new API key row. The caller supplies the hash and
// first-eight index; the raw secret never reaches the store.
func (s *Store) CreateAPIKey(ctx context.Context, key *APIKey) error {
	scopesJSON, err := json.Marshal(key.Scopes)
	if err != nil {
		return fmt.Errorf("failed to marshal scopes: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (principal_id, first_eight, hashed_secret, scopes, expiration_time, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, key.PrincipalID, key.FirstEight, key.HashedSecret, string(scopesJSON),
		key.ExpirationTime, key.Note, key.CreatedAt).Scan(&key.ID)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// GetValidAPIKeyBySecret resolves a raw secret to a live key row. The
// first-eight prefix narrows the candidate set; the final match compares
// full hashes in constant time so lookup duration leaks nothing about how
// close a guess came.
func (s *Store) GetValidAPIKeyBySecret(ctx context.Context, secret []byte, now time.Time) (*APIKey, error) {
	firstEight := fmt.Sprintf("%x", secret)
	if len(firstEight) < 8 {
		return nil, ErrNotFound
	}
	firstEight = firstEight[:8]
	hashed := HashSecret(secret)

	candidates, err := s.apiKeysWhere(ctx, `
		WHERE first_eight = $1 AND (expiration_time IS NULL OR expiration_time > $2)
	`, firstEight, now)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		if subtle.ConstantTimeCompare(candidates[i].HashedSecret, hashed) == 1 {
			return &candidates[i], nil
		}
	}
	return nil, ErrNotFound
}

// GetAPIKeyByFirstEight looks up a key row by its first-eight index.
func (s *Store) GetAPIKeyByFirstEight(ctx context.Context, firstEight string) (*APIKey, error) {
	keys, err := s.apiKeysWhere(ctx, `WHERE first_eight = $1`, firstEight)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrNotFound
	}
	return &keys[0], nil
}

// ListAPIKeys returns all keys owned by a principal.
func (s *Store) ListAPIKeys(ctx context.Context, principalID int64) ([]APIKey, error) {
	return s.apiKeysWhere(ctx, `WHERE principal_id = $1 ORDER BY id ASC`, principalID)
}

func (s *Store) apiKeysWhere(ctx context.Context, where string, args ...interface{}) ([]APIKey, error) {
	query := `
		SELECT id, principal_id, first_eight, hashed_secret, scopes, expiration_time, note, latest_activity, created_at
		FROM api_keys
	` + where
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query api keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		var scopesJSON string
		var expiration, latestActivity sql.NullTime
		var note sql.NullString
		err := rows.Scan(
			&k.ID, &k.PrincipalID, &k.FirstEight, &k.HashedSecret, &scopesJSON,
			&expiration, &note, &latestActivity, &k.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		if err := json.Unmarshal([]byte(scopesJSON), &k.Scopes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal api key scopes: %w", err)
		}
		if expiration.Valid {
			t := expiration.Time
			k.ExpirationTime = &t
		}
		if note.Valid {
			n := note.String
			k.Note = &n
		}
		if latestActivity.Valid {
			t := latestActivity.Time
			k.LatestActivity = &t
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// TouchAPIKey stamps latest_activity. A single statement, so an abandoned
// request either fully committed the touch or left the row untouched.
func (s *Store) TouchAPIKey(ctx context.Context, keyID int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET latest_activity = $1 WHERE id = $2
	`, now, keyID)
	if err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	return nil
}

// DeleteAPIKey removes a key row.
func (s *Store) DeleteAPIKey(ctx context.Context, keyID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpired purges sessions and API keys whose expiration time has
// passed. Run periodically by the sweeper.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (sessions, keys int64, err error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expiration_time < $1`, now)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to purge expired sessions: %w", err)
	}
	sessions, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		DELETE FROM api_keys WHERE expiration_time IS NOT NULL AND expiration_time < $1
	`, now)
	if err != nil {
		return sessions, 0, fmt.Errorf("failed to purge expired api keys: %w", err)
	}
	keys, _ = res.RowsAffected()
	return sessions, keys, nil
}

// LatestActivity reports the most recent identity login, session refresh or
// API key use for a principal, or nil if there has been none.
func (s *Store) LatestActivity(ctx context.Context, principalID int64) (*time.Time, error) {
	var latest *time.Time
	queries := []string{
		`SELECT MAX(latest_login) FROM identities WHERE principal_id = $1`,
		`SELECT MAX(time_last_refreshed) FROM sessions WHERE principal_id = $1`,
		`SELECT MAX(latest_activity) FROM api_keys WHERE principal_id = $1`,
	}
	for _, q := range queries {
		var t sql.NullTime
		if err := s.db.QueryRowContext(ctx, q, principalID).Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to query latest activity: %w", err)
		}
		if t.Valid && (latest == nil || t.Time.After(*latest)) {
			tt := t.Time
			latest = &tt
		}
	}
	return latest, nil
}
