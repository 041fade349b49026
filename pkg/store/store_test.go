package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return New(db, DriverPostgres), mock, func() { db.Close() }
}

func TestResolveDriver(t *testing.T) {
	tests := []struct {
		uri    string
		driver string
		dsn    string
	}{
		{"postgres://localhost/gate?sslmode=disable", DriverPostgres, "postgres://localhost/gate?sslmode=disable"},
		{"postgresql://localhost/gate", DriverPostgres, "postgresql://localhost/gate"},
		{"sqlite:///var/lib/queuegate/gate.db", DriverSQLite, "/var/lib/queuegate/gate.db"},
		{"gate.db", DriverSQLite, "gate.db"},
	}
	for _, tt := range tests {
		driver, dsn := resolveDriver(tt.uri)
		assert.Equal(t, tt.driver, driver, tt.uri)
		assert.Equal(t, tt.dsn, dsn, tt.uri)
	}
}

func TestFindIdentity(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "external_id", "provider", "principal_id", "latest_login"}).
		AddRow(int64(7), "alice", "toy", int64(3), now)
	mock.ExpectQuery("SELECT (.+) FROM identities").
		WithArgs("alice", "toy").
		WillReturnRows(rows)

	ident, err := store.FindIdentity(context.Background(), "toy", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(7), ident.ID)
	assert.Equal(t, "alice", ident.ExternalID)
	assert.Equal(t, "toy", ident.Provider)
	assert.Equal(t, int64(3), ident.PrincipalID)
	require.NotNil(t, ident.LatestLogin)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindIdentityNotFound(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery("SELECT (.+) FROM identities").
		WithArgs("ghost", "toy").
		WillReturnRows(sqlmock.NewRows([]string{"id", "external_id", "provider", "principal_id", "latest_login"}))

	_, err := store.FindIdentity(context.Background(), "toy", "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOrCreatePrincipalExisting(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM identities").
		WithArgs("alice", "toy").
		WillReturnRows(sqlmock.NewRows([]string{"id", "external_id", "provider", "principal_id", "latest_login"}).
			AddRow(int64(7), "alice", "toy", int64(3), now.Add(-time.Hour)))
	mock.ExpectExec("UPDATE identities SET latest_login").
		WithArgs(now, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM principals").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "uuid", "type", "created_at"}).
			AddRow(int64(3), "11111111-2222-3333-4444-555555555555", "user", now.Add(-48*time.Hour)))
	mock.ExpectQuery("SELECT (.+) FROM identities").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "external_id", "provider", "principal_id", "latest_login"}).
			AddRow(int64(7), "alice", "toy", int64(3), now))

	principal, err := store.FindOrCreatePrincipal(context.Background(), "toy", "alice", now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), principal.ID)
	assert.Equal(t, PrincipalUser, principal.Type)
	require.Len(t, principal.Identities, 1)
	assert.Equal(t, "alice", principal.Identities[0].ExternalID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOrCreatePrincipalNew(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM identities").
		WithArgs("alice", "toy").
		WillReturnRows(sqlmock.NewRows([]string{"id", "external_id", "provider", "principal_id", "latest_login"}))
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO principals").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
	mock.ExpectExec("INSERT INTO identities").
		WithArgs("alice", "toy", int64(9), now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	principal, err := store.FindOrCreatePrincipal(context.Background(), "toy", "alice", now)
	require.NoError(t, err)
	assert.Equal(t, int64(9), principal.ID)
	assert.NotEmpty(t, principal.UUID)
	require.Len(t, principal.Identities, 1)
	assert.Equal(t, "toy", principal.Identities[0].Provider)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOrCreatePrincipalLosesRace(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()

	// First lookup misses, insert hits the unique constraint, the retry
	// lookup picks up the row created by the concurrent winner.
	mock.ExpectQuery("SELECT (.+) FROM identities").
		WithArgs("alice", "toy").
		WillReturnRows(sqlmock.NewRows([]string{"id", "external_id", "provider", "principal_id", "latest_login"}))
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO principals").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
	mock.ExpectExec("INSERT INTO identities").
		WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "identities_external_id_provider_key"`))
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT (.+) FROM identities").
		WithArgs("alice", "toy").
		WillReturnRows(sqlmock.NewRows([]string{"id", "external_id", "provider", "principal_id", "latest_login"}).
			AddRow(int64(7), "alice", "toy", int64(3), now))
	mock.ExpectExec("UPDATE identities SET latest_login").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM principals").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "uuid", "type", "created_at"}).
			AddRow(int64(3), "11111111-2222-3333-4444-555555555555", "user", now))
	mock.ExpectQuery("SELECT (.+) FROM identities").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "external_id", "provider", "principal_id", "latest_login"}).
			AddRow(int64(7), "alice", "toy", int64(3), now))

	principal, err := store.FindOrCreatePrincipal(context.Background(), "toy", "alice", now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), principal.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPrincipalByUUIDNotFound(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery("SELECT (.+) FROM principals").
		WithArgs("missing-uuid").
		WillReturnRows(sqlmock.NewRows([]string{"id", "uuid", "type", "created_at"}))

	_, err := store.GetPrincipalByUUID(context.Background(), "missing-uuid")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSession(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	expiration := time.Now().UTC().Add(365 * 24 * time.Hour)
	mock.ExpectQuery("INSERT INTO sessions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	sess, err := store.CreateSession(context.Background(), 3, expiration)
	require.NoError(t, err)
	assert.Equal(t, int64(42), sess.ID)
	assert.NotEmpty(t, sess.UUID)
	assert.Equal(t, expiration, sess.ExpirationTime)
	assert.Equal(t, int64(0), sess.RefreshCount)
	assert.False(t, sess.Revoked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshSession(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()
	sessionUUID := "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"

	mock.ExpectExec("UPDATE sessions").
		WithArgs(now, sessionUUID, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM sessions").
		WithArgs(sessionUUID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "uuid", "principal_id", "expiration_time", "time_last_refreshed", "refresh_count", "revoked",
		}).AddRow(int64(42), sessionUUID, int64(3), now.Add(time.Hour), now, int64(5), false))

	sess, err := store.RefreshSession(context.Background(), sessionUUID, now)
	require.NoError(t, err)
	assert.Equal(t, int64(5), sess.RefreshCount)
	require.NotNil(t, sess.TimeLastRefreshed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshSessionDeadRow(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	// Revoked, expired and absent sessions all surface as the same
	// ErrNotFound from the conditional update.
	mock.ExpectExec("UPDATE sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.RefreshSession(context.Background(), "dead-session", time.Now().UTC())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeSession(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec("UPDATE sessions SET revoked").
		WithArgs("some-session").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.RevokeSession(context.Background(), "some-session"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeSessionNotFound(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec("UPDATE sessions SET revoked").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.RevokeSession(context.Background(), "missing-session")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAPIKey(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()
	key := &APIKey{
		PrincipalID:  3,
		FirstEight:   "deadbeef",
		HashedSecret: []byte{1, 2, 3},
		Scopes:       []string{"read:status"},
		CreatedAt:    now,
	}
	mock.ExpectQuery("INSERT INTO api_keys").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

	require.NoError(t, store.CreateAPIKey(context.Background(), key))
	assert.Equal(t, int64(11), key.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetValidAPIKeyBySecret(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()
	secret := make([]byte, 36)
	for i := range secret {
		secret[i] = byte(i)
	}
	firstEight := hex.EncodeToString(secret)[:8]
	hashed := sha256.Sum256(secret)

	// A colliding prefix from another key must not match.
	otherHash := sha256.Sum256([]byte("another secret"))

	mock.ExpectQuery("SELECT (.+) FROM api_keys").
		WithArgs(firstEight, now).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "principal_id", "first_eight", "hashed_secret", "scopes",
			"expiration_time", "note", "latest_activity", "created_at",
		}).
			AddRow(int64(10), int64(5), firstEight, otherHash[:], `["inherit"]`, nil, nil, nil, now).
			AddRow(int64(11), int64(3), firstEight, hashed[:], `["read:status","read:queue"]`, nil, nil, nil, now))

	key, err := store.GetValidAPIKeyBySecret(context.Background(), secret, now)
	require.NoError(t, err)
	assert.Equal(t, int64(11), key.ID)
	assert.Equal(t, int64(3), key.PrincipalID)
	assert.Equal(t, []string{"read:status", "read:queue"}, key.Scopes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetValidAPIKeyBySecretNoMatch(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()
	secret := make([]byte, 36)
	firstEight := hex.EncodeToString(secret)[:8]

	mock.ExpectQuery("SELECT (.+) FROM api_keys").
		WithArgs(firstEight, now).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "principal_id", "first_eight", "hashed_secret", "scopes",
			"expiration_time", "note", "latest_activity", "created_at",
		}))

	_, err := store.GetValidAPIKeyBySecret(context.Background(), secret, now)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchAPIKey(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()
	mock.ExpectExec("UPDATE api_keys SET latest_activity").
		WithArgs(now, int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.TouchAPIKey(context.Background(), 11, now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteAPIKeyNotFound(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec("DELETE FROM api_keys").
		WithArgs(int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.DeleteAPIKey(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExpired(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()
	mock.ExpectExec("DELETE FROM sessions").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM api_keys").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 2))

	sessions, keys, err := store.DeleteExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), sessions)
	assert.Equal(t, int64(2), keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestActivity(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT MAX\\(latest_login\\) FROM identities").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(now.Add(-2 * time.Hour)))
	mock.ExpectQuery("SELECT MAX\\(time_last_refreshed\\) FROM sessions").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(now))
	mock.ExpectQuery("SELECT MAX\\(latest_activity\\) FROM api_keys").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	latest, err := store.LatestActivity(context.Background(), 3)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, now, *latest)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(errors.New("UNIQUE constraint failed: identities.external_id")))
	assert.True(t, isUniqueViolation(errors.New(`pq: duplicate key value violates unique constraint "x"`)))
	assert.False(t, isUniqueViolation(errors.New("connection refused")))
	assert.False(t, isUniqueViolation(nil))
}
