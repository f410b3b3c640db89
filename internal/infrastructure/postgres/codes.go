package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-identity-api/internal/domain"
)

const codeColumns = `id, identity_id, code, purpose, created_at, expires_at,
	attempt_count, max_attempts, used, used_at`

type CodeRepository struct {
	db DBTX
}

func NewCodeRepository(db DBTX) *CodeRepository {
	return &CodeRepository{db: db}
}

func (r *CodeRepository) Save(ctx context.Context, c *domain.VerificationCode) error {
	query :=
		`INSERT INTO verification_codes (` + codeColumns + `)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			attempt_count = EXCLUDED.attempt_count,
			used = EXCLUDED.used,
			used_at = EXCLUDED.used_at`

	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.IdentityID, c.Code, string(c.Purpose), c.CreatedAt, c.ExpiresAt,
		c.AttemptCount, c.MaxAttempts, c.Used, nullTime(c.UsedAt))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// FindUnused returns the newest unused code for identityID and purpose.
func (r *CodeRepository) FindUnused(ctx context.Context, identityID string, purpose domain.Purpose) (*domain.VerificationCode, error) {
	query :=
		`SELECT ` + codeColumns + ` FROM verification_codes
		 WHERE identity_id = $1 AND purpose = $2 AND NOT used
		 ORDER BY created_at DESC
		 LIMIT 1`

	c, err := scanCode(r.db.QueryRowContext(ctx, query, identityID, string(purpose)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return c, nil
}

// FindByIdentityID lists every stored code of identityID, used or not, oldest first.
func (r *CodeRepository) FindByIdentityID(ctx context.Context, identityID string) ([]domain.VerificationCode, error) {
	query :=
		`SELECT ` + codeColumns + ` FROM verification_codes
		 WHERE identity_id = $1
		 ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, identityID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var codes []domain.VerificationCode
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		codes = append(codes, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return codes, nil
}

func scanCode(row interface{ Scan(dest ...any) error }) (*domain.VerificationCode, error) {
	var (
		c      domain.VerificationCode
		purp   string
		usedAt sql.NullTime
	)
	err := row.Scan(
		&c.ID, &c.IdentityID, &c.Code, &purp, &c.CreatedAt, &c.ExpiresAt,
		&c.AttemptCount, &c.MaxAttempts, &c.Used, &usedAt)
	if err != nil {
		return nil, err
	}
	c.Purpose = domain.Purpose(purp)
	c.UsedAt = timePtr(usedAt)
	c.CreatedAt, c.ExpiresAt = c.CreatedAt.UTC(), c.ExpiresAt.UTC()
	return &c, nil
}

// IncrementAttempts bumps attempt_count only if it still holds the value c was
// read with. A lost race returns domain.ErrStaleWrite.
func (r *CodeRepository) IncrementAttempts(ctx context.Context, c *domain.VerificationCode) error {
	query :=
		`UPDATE verification_codes SET attempt_count = attempt_count + 1
		 WHERE id = $1 AND attempt_count = $2 AND NOT used`

	if err := r.execConditional(ctx, query, c.ID, c.AttemptCount); err != nil {
		return err
	}
	c.AttemptCount++
	return nil
}

func (r *CodeRepository) MarkUsed(ctx context.Context, c *domain.VerificationCode, at time.Time) error {
	query :=
		`UPDATE verification_codes SET used = TRUE, used_at = $2
		 WHERE id = $1 AND NOT used`

	if err := r.execConditional(ctx, query, c.ID, at); err != nil {
		return err
	}
	c.Used, c.UsedAt = true, &at
	return nil
}

func (r *CodeRepository) execConditional(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
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

func (r *CodeRepository) Delete(ctx context.Context, c *domain.VerificationCode) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM verification_codes WHERE id = $1`, c.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *CodeRepository) DeleteByIdentityID(ctx context.Context, identityID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM verification_codes WHERE identity_id = $1`, identityID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *CodeRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM verification_codes WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return int(n), nil
}
