package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-identity-api/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

const identityColumns = `id, username, email, phone, password_hash, full_name, status,
	registration_channel, email_verified, email_verified_at, phone_verified,
	phone_verified_at, registration_ip, created_at, updated_at, last_login_at`

type IdentityRepository struct {
	db DBTX
}

func NewIdentityRepository(db DBTX) *IdentityRepository {
	return &IdentityRepository{db: db}
}

// Save inserts i or overwrites the row with the same id.
func (r *IdentityRepository) Save(ctx context.Context, i *domain.Identity) error {
	query :=
		`INSERT INTO identities (` + identityColumns + `)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			password_hash = EXCLUDED.password_hash,
			full_name = EXCLUDED.full_name,
			status = EXCLUDED.status,
			registration_channel = EXCLUDED.registration_channel,
			email_verified = EXCLUDED.email_verified,
			email_verified_at = EXCLUDED.email_verified_at,
			phone_verified = EXCLUDED.phone_verified,
			phone_verified_at = EXCLUDED.phone_verified_at,
			registration_ip = EXCLUDED.registration_ip,
			updated_at = EXCLUDED.updated_at,
			last_login_at = EXCLUDED.last_login_at`

	_, err := r.db.ExecContext(ctx, query,
		i.ID, i.Username, nullString(i.Email), nullString(i.Phone), i.PasswordHash, i.FullName,
		string(i.Status), string(i.RegistrationChannel), i.EmailVerified, nullTime(i.EmailVerifiedAt),
		i.PhoneVerified, nullTime(i.PhoneVerifiedAt), i.RegistrationIP, i.CreatedAt, i.UpdatedAt,
		nullTime(i.LastLoginAt))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Activate flips a PENDING row to ACTIVE along with the verified columns of
// its channel. No matching PENDING row yields domain.ErrStaleWrite; losing the
// partial unique index on ACTIVE identifiers to another identity is a conflict.
func (r *IdentityRepository) Activate(ctx context.Context, i *domain.Identity) error {
	query :=
		`UPDATE identities SET status = $2, email_verified = $3, email_verified_at = $4, updated_at = $5
		 WHERE id = $1 AND status = 'PENDING'`
	verified, at := i.EmailVerified, i.EmailVerifiedAt
	if i.RegistrationChannel == domain.ChannelPhone {
		query =
			`UPDATE identities SET status = $2, phone_verified = $3, phone_verified_at = $4, updated_at = $5
			 WHERE id = $1 AND status = 'PENDING'`
		verified, at = i.PhoneVerified, i.PhoneVerifiedAt
	}

	res, err := r.db.ExecContext(ctx, query, i.ID, string(i.Status), verified, nullTime(at), i.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.Conflict("identifier already registered")
		}
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return domain.ErrStaleWrite
	}
	return nil
}

func (r *IdentityRepository) FindByID(ctx context.Context, identityID string) (*domain.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE id = $1`
	return r.queryOne(ctx, query, identityID)
}

func (r *IdentityRepository) FindByUsername(ctx context.Context, username string) (*domain.Identity, error) {
	return r.findBy(ctx, "username", username)
}

func (r *IdentityRepository) FindByEmail(ctx context.Context, email string) (*domain.Identity, error) {
	return r.findBy(ctx, "email", email)
}

func (r *IdentityRepository) FindByPhone(ctx context.Context, phone string) (*domain.Identity, error) {
	return r.findBy(ctx, "phone", phone)
}

// findBy returns the ACTIVE holder of column=value if any, otherwise the oldest.
// column is always one of the fixed identifier names above.
func (r *IdentityRepository) findBy(ctx context.Context, column, value string) (*domain.Identity, error) {
	if value == "" {
		return nil, domain.ErrNotFound
	}
	query :=
		`SELECT ` + identityColumns + ` FROM identities
		 WHERE ` + column + ` = $1
		 ORDER BY status = 'ACTIVE' DESC, created_at
		 LIMIT 1`
	return r.queryOne(ctx, query, value)
}

func (r *IdentityRepository) queryOne(ctx context.Context, query string, arg any) (*domain.Identity, error) {
	i, err := scanIdentity(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return i, nil
}

func (r *IdentityRepository) DeleteByID(ctx context.Context, identityID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM identities WHERE id = $1`, identityID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *IdentityRepository) FindPendingOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Identity, error) {
	query :=
		`SELECT ` + identityColumns + ` FROM identities
		 WHERE status = $1 AND created_at < $2
		 ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, string(domain.StatusPending), cutoff)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []domain.Identity
	for rows.Next() {
		i, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, *i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIdentity(s scanner) (*domain.Identity, error) {
	var (
		i                domain.Identity
		email, phone     sql.NullString
		status, channel  string
		emailAt, phoneAt sql.NullTime
		lastLoginAt      sql.NullTime
	)
	err := s.Scan(&i.ID, &i.Username, &email, &phone, &i.PasswordHash, &i.FullName, &status,
		&channel, &i.EmailVerified, &emailAt, &i.PhoneVerified,
		&phoneAt, &i.RegistrationIP, &i.CreatedAt, &i.UpdatedAt, &lastLoginAt)
	if err != nil {
		return nil, err
	}
	i.Email, i.Phone = email.String, phone.String
	i.Status = domain.IdentityStatus(status)
	i.RegistrationChannel = domain.Channel(channel)
	i.EmailVerifiedAt = timePtr(emailAt)
	i.PhoneVerifiedAt = timePtr(phoneAt)
	i.LastLoginAt = timePtr(lastLoginAt)
	i.CreatedAt, i.UpdatedAt = i.CreatedAt.UTC(), i.UpdatedAt.UTC()
	return &i, nil
}
