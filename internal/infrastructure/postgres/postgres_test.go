package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-identity-api/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var created = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

var identityCols = []string{
	"id", "username", "email", "phone", "password_hash", "full_name", "status",
	"registration_channel", "email_verified", "email_verified_at", "phone_verified",
	"phone_verified_at", "registration_ip", "created_at", "updated_at", "last_login_at",
}

func identityRow(id string, status domain.IdentityStatus) []driver.Value {
	return []driver.Value{
		id, "alice", "alice@example.com", nil, "hash", "", string(status),
		"EMAIL", status == domain.StatusActive, nil, false,
		nil, "10.0.0.1", created, created, nil,
	}
}

// --- IdentityRepository ---

func TestIdentitySave_Upsert(t *testing.T) {
	db, mock := newMock(t)
	repo := NewIdentityRepository(db)

	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+identities\s*\(.*\)\s*VALUES\s*\(\$1,.*\$16\)\s*ON\s+CONFLICT\s+\(id\)\s+DO\s+UPDATE`).
		WithArgs("id-1", "alice", "alice@example.com", nil, "hash", "", "PENDING", "EMAIL",
			false, nil, false, nil, "10.0.0.1", created, created, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Save(context.Background(), &domain.Identity{
		ID: "id-1", Username: "alice", Email: "alice@example.com", PasswordHash: "hash",
		Status: domain.StatusPending, RegistrationChannel: domain.ChannelEmail,
		RegistrationIP: "10.0.0.1", CreatedAt: created, UpdatedAt: created,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentitySave_DBError(t *testing.T) {
	db, mock := newMock(t)
	repo := NewIdentityRepository(db)
	mock.ExpectExec(`INSERT INTO identities`).WillReturnError(errors.New("db down"))

	err := repo.Save(context.Background(), &domain.Identity{ID: "id-1"})
	assert.ErrorContains(t, err, "db error: db down")
}

func TestIdentityFindByEmail_PrefersActive(t *testing.T) {
	db, mock := newMock(t)
	repo := NewIdentityRepository(db)

	mock.ExpectQuery(`(?s)FROM\s+identities\s+WHERE\s+email\s*=\s*\$1\s+ORDER\s+BY\s+status\s*=\s*'ACTIVE'\s+DESC,\s*created_at\s+LIMIT\s+1`).
		WithArgs("alice@example.com").
		WillReturnRows(sqlmock.NewRows(identityCols).AddRow(identityRow("id-1", domain.StatusActive)...))

	got, err := repo.FindByEmail(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "id-1", got.ID)
	assert.True(t, got.IsActive())
	assert.Empty(t, got.Phone)
	assert.Nil(t, got.LastLoginAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityFindByID_NotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewIdentityRepository(db)
	mock.ExpectQuery(`FROM identities WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(identityCols))

	_, err := repo.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIdentityFindByPhone_EmptyValueSkipsQuery(t *testing.T) {
	db, mock := newMock(t)
	repo := NewIdentityRepository(db)

	_, err := repo.FindByPhone(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityFindPendingOlderThan(t *testing.T) {
	db, mock := newMock(t)
	repo := NewIdentityRepository(db)
	cutoff := created.Add(time.Hour)

	mock.ExpectQuery(`(?s)WHERE\s+status\s*=\s*\$1\s+AND\s+created_at\s*<\s*\$2\s+ORDER\s+BY\s+created_at`).
		WithArgs("PENDING", cutoff).
		WillReturnRows(sqlmock.NewRows(identityCols).
			AddRow(identityRow("id-1", domain.StatusPending)...).
			AddRow(identityRow("id-2", domain.StatusPending)...))

	got, err := repo.FindPendingOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "id-2", got[1].ID)
}

func TestIdentityActivate_PhoneChannel(t *testing.T) {
	db, mock := newMock(t)
	repo := NewIdentityRepository(db)
	i := &domain.Identity{ID: "id-1", Status: domain.StatusPending, RegistrationChannel: domain.ChannelPhone}
	at := created.Add(time.Minute)
	i.Activate(at)

	mock.ExpectExec(`(?s)UPDATE\s+identities\s+SET\s+status\s*=\s*\$2,\s*phone_verified\s*=\s*\$3,\s*phone_verified_at\s*=\s*\$4,\s*updated_at\s*=\s*\$5\s+WHERE\s+id\s*=\s*\$1\s+AND\s+status\s*=\s*'PENDING'`).
		WithArgs("id-1", "ACTIVE", true, at, at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Activate(context.Background(), i))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityActivate_NotPending(t *testing.T) {
	db, mock := newMock(t)
	repo := NewIdentityRepository(db)
	i := &domain.Identity{ID: "id-1", Status: domain.StatusPending, RegistrationChannel: domain.ChannelEmail}
	i.Activate(created)
	mock.ExpectExec(`UPDATE\s+identities\s+SET\s+status`).WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, repo.Activate(context.Background(), i), domain.ErrStaleWrite)
}

func TestIdentityActivate_UniqueViolationIsConflict(t *testing.T) {
	db, mock := newMock(t)
	repo := NewIdentityRepository(db)
	i := &domain.Identity{ID: "id-1", Status: domain.StatusPending, RegistrationChannel: domain.ChannelEmail}
	i.Activate(created)
	mock.ExpectExec(`UPDATE\s+identities\s+SET\s+status`).WillReturnError(&pgconn.PgError{Code: "23505"})

	assert.ErrorIs(t, repo.Activate(context.Background(), i), domain.ErrConflict)
}

func TestIdentityDeleteByID(t *testing.T) {
	db, mock := newMock(t)
	repo := NewIdentityRepository(db)
	mock.ExpectExec(`DELETE FROM identities WHERE id = \$1`).
		WithArgs("id-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.DeleteByID(context.Background(), "id-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// --- CodeRepository ---

var codeCols = []string{
	"id", "identity_id", "code", "purpose", "created_at", "expires_at",
	"attempt_count", "max_attempts", "used", "used_at",
}

func TestCodeFindUnused(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCodeRepository(db)

	mock.ExpectQuery(`(?s)FROM\s+verification_codes\s+WHERE\s+identity_id\s*=\s*\$1\s+AND\s+purpose\s*=\s*\$2\s+AND\s+NOT\s+used`).
		WithArgs("id-1", "EMAIL_VERIFICATION").
		WillReturnRows(sqlmock.NewRows(codeCols).
			AddRow("code-1", "id-1", "123456", "EMAIL_VERIFICATION", created, created.Add(10*time.Minute), 1, 5, false, nil))

	c, err := repo.FindUnused(context.Background(), "id-1", domain.PurposeEmailVerification)
	require.NoError(t, err)
	assert.Equal(t, "123456", c.Code)
	assert.Equal(t, 1, c.AttemptCount)
	assert.Equal(t, domain.PurposeEmailVerification, c.Purpose)
}

func TestCodeFindUnused_NotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCodeRepository(db)
	mock.ExpectQuery(`FROM\s+verification_codes`).WillReturnRows(sqlmock.NewRows(codeCols))

	_, err := repo.FindUnused(context.Background(), "id-1", domain.PurposeEmailVerification)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCodeFindByIdentityID(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCodeRepository(db)
	usedAt := created.Add(2 * time.Minute)

	mock.ExpectQuery(`(?s)FROM\s+verification_codes\s+WHERE\s+identity_id\s*=\s*\$1\s+ORDER\s+BY\s+created_at`).
		WithArgs("id-1").
		WillReturnRows(sqlmock.NewRows(codeCols).
			AddRow("code-1", "id-1", "111111", "EMAIL_VERIFICATION", created, created.Add(10*time.Minute), 1, 5, true, usedAt).
			AddRow("code-2", "id-1", "222222", "PHONE_VERIFICATION", created.Add(time.Minute), created.Add(11*time.Minute), 0, 5, false, nil))

	codes, err := repo.FindByIdentityID(context.Background(), "id-1")
	require.NoError(t, err)
	require.Len(t, codes, 2)
	assert.True(t, codes[0].Used)
	require.NotNil(t, codes[0].UsedAt)
	assert.True(t, usedAt.Equal(*codes[0].UsedAt))
	assert.Equal(t, domain.PurposePhoneVerification, codes[1].Purpose)
	assert.Nil(t, codes[1].UsedAt)
}

func TestCodeIncrementAttempts(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCodeRepository(db)
	c := &domain.VerificationCode{ID: "code-1", AttemptCount: 2}

	mock.ExpectExec(`(?s)UPDATE\s+verification_codes\s+SET\s+attempt_count\s*=\s*attempt_count\s*\+\s*1\s+WHERE\s+id\s*=\s*\$1\s+AND\s+attempt_count\s*=\s*\$2\s+AND\s+NOT\s+used`).
		WithArgs("code-1", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.IncrementAttempts(context.Background(), c))
	assert.Equal(t, 3, c.AttemptCount)
}

func TestCodeIncrementAttempts_LostRace(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCodeRepository(db)
	c := &domain.VerificationCode{ID: "code-1", AttemptCount: 2}
	mock.ExpectExec(`UPDATE\s+verification_codes`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.IncrementAttempts(context.Background(), c)
	assert.ErrorIs(t, err, domain.ErrStaleWrite)
	assert.Equal(t, 2, c.AttemptCount)
}

func TestCodeMarkUsed_Once(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCodeRepository(db)
	c := &domain.VerificationCode{ID: "code-1"}
	at := created.Add(time.Minute)

	mock.ExpectExec(`SET\s+used\s*=\s*TRUE`).WithArgs("code-1", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SET\s+used\s*=\s*TRUE`).WithArgs("code-1", at).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.MarkUsed(context.Background(), c, at))
	assert.True(t, c.Used)
	assert.ErrorIs(t, repo.MarkUsed(context.Background(), c, at), domain.ErrStaleWrite)
}

func TestCodeDeleteExpiredBefore(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCodeRepository(db)
	mock.ExpectExec(`DELETE FROM verification_codes WHERE expires_at < \$1`).
		WithArgs(created).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.DeleteExpiredBefore(context.Background(), created)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCodeDeleteByIdentityID_DBError(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCodeRepository(db)
	mock.ExpectExec(`DELETE FROM verification_codes WHERE identity_id = \$1`).
		WithArgs("id-1").
		WillReturnError(errors.New("db down"))

	err := repo.DeleteByIdentityID(context.Background(), "id-1")
	assert.ErrorContains(t, err, "db error: db down")
}
