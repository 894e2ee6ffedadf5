// Package postgres implements the credential store on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/jrsteele09/go-session-authority/accounts"
)

const (
	uniqueViolation          = "23505"
	externalIDConstraintName = "accounts_external_id_key"
)

// DB is the subset of *pgxpool.Pool the repository needs. pgxmock pools satisfy it too.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ accounts.Repo = (*AccountRepository)(nil)

// AccountRepository implements accounts.Repo. Account rows and their claims are always
// written in one transaction.
type AccountRepository struct {
	db DB
}

// NewAccountRepository creates a new PostgreSQL-backed account repository.
func NewAccountRepository(db DB) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `id, email, password_hash, display_name, provider, external_id, active, profile, preferences, created_at, updated_at, last_login, version`

// Create inserts the account and its claims.
func (r *AccountRepository) Create(ctx context.Context, a *accounts.Account) error {
	profile, prefs, err := encodeDocuments(a)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "[AccountRepository.Create] begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO accounts (id, email, password_hash, display_name, provider, external_id, active, verification_status, profile, preferences, created_at, updated_at, last_login, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)`

	_, err = tx.Exec(ctx, query,
		a.ID,
		a.Email,
		a.PasswordHash,
		a.DisplayName,
		string(a.Provider),
		nullString(a.ExternalID),
		a.Active,
		string(a.VerificationStatus()),
		profile,
		prefs,
		a.CreatedAt,
		a.UpdatedAt,
		nullTime(a.LastLogin),
	)
	if err != nil {
		return mapWriteError("[AccountRepository.Create] insert account", err)
	}

	if err := insertClaims(ctx, tx, a); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "[AccountRepository.Create] commit")
	}
	a.Version = 1
	return nil
}

// Update rewrites the account row and replaces its claim set when the stored version
// still matches a.Version.
func (r *AccountRepository) Update(ctx context.Context, a *accounts.Account) error {
	profile, prefs, err := encodeDocuments(a)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "[AccountRepository.Update] begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		UPDATE accounts
		SET email = $1, password_hash = $2, display_name = $3, provider = $4, external_id = $5,
		    active = $6, verification_status = $7, profile = $8, preferences = $9, updated_at = $10,
		    version = version + 1
		WHERE id = $11 AND version = $12`

	ct, err := tx.Exec(ctx, query,
		a.Email,
		a.PasswordHash,
		a.DisplayName,
		string(a.Provider),
		nullString(a.ExternalID),
		a.Active,
		string(a.VerificationStatus()),
		profile,
		prefs,
		a.UpdatedAt,
		a.ID,
		a.Version,
	)
	if err != nil {
		return mapWriteError("[AccountRepository.Update] update account", err)
	}
	if ct.RowsAffected() == 0 {
		return missingOrStale(ctx, tx, a.ID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM credential_claims WHERE account_id = $1`, a.ID); err != nil {
		return errors.Wrap(err, "[AccountRepository.Update] delete claims")
	}
	if err := insertClaims(ctx, tx, a); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "[AccountRepository.Update] commit")
	}
	a.Version++
	return nil
}

// missingOrStale explains an update that matched no row.
func missingOrStale(ctx context.Context, tx pgx.Tx, id string) error {
	var version int64
	err := tx.QueryRow(ctx, `SELECT version FROM accounts WHERE id = $1`, id).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return accounts.ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "[AccountRepository.Update] read version")
	}
	return accounts.ErrVersionConflict
}

// GetByID retrieves an account by its ID.
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*accounts.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return r.scanAccount(ctx, query, id)
}

// GetByEmail retrieves the active account for email, or the newest inactive one.
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*accounts.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1 ORDER BY active DESC, created_at DESC LIMIT 1`
	return r.scanAccount(ctx, query, accounts.NormalizeEmail(email))
}

// GetByExternalID retrieves the account linked to an external identity.
func (r *AccountRepository) GetByExternalID(ctx context.Context, externalID string) (*accounts.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE external_id = $1`
	return r.scanAccount(ctx, query, externalID)
}

// SetLastLogin records a successful authentication.
func (r *AccountRepository) SetLastLogin(ctx context.Context, id string, at time.Time) error {
	ct, err := r.db.Exec(ctx, `UPDATE accounts SET last_login = $1, version = version + 1 WHERE id = $2`, at, id)
	if err != nil {
		return errors.Wrap(err, "[AccountRepository.SetLastLogin] update")
	}
	if ct.RowsAffected() == 0 {
		return accounts.ErrNotFound
	}
	return nil
}

// SetPasswordHash replaces the stored hash without touching claims.
func (r *AccountRepository) SetPasswordHash(ctx context.Context, id, hash string, at time.Time) error {
	ct, err := r.db.Exec(ctx, `UPDATE accounts SET password_hash = $1, updated_at = $2, version = version + 1 WHERE id = $3`, hash, at, id)
	if err != nil {
		return errors.Wrap(err, "[AccountRepository.SetPasswordHash] update")
	}
	if ct.RowsAffected() == 0 {
		return accounts.ErrNotFound
	}
	return nil
}

func (r *AccountRepository) scanAccount(ctx context.Context, query string, args ...any) (*accounts.Account, error) {
	var (
		a          accounts.Account
		provider   string
		externalID *string
		profile    []byte
		prefs      []byte
		lastLogin  *time.Time
	)

	err := r.db.QueryRow(ctx, query, args...).Scan(
		&a.ID,
		&a.Email,
		&a.PasswordHash,
		&a.DisplayName,
		&provider,
		&externalID,
		&a.Active,
		&profile,
		&prefs,
		&a.CreatedAt,
		&a.UpdatedAt,
		&lastLogin,
		&a.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, accounts.ErrNotFound
		}
		return nil, errors.Wrap(err, "[AccountRepository.scanAccount] scan")
	}

	a.Provider = accounts.ProviderType(provider)
	if externalID != nil {
		a.ExternalID = *externalID
	}
	if lastLogin != nil {
		a.LastLogin = *lastLogin
	}
	if len(profile) > 0 {
		if err := json.Unmarshal(profile, &a.Profile); err != nil {
			return nil, errors.Wrap(err, "[AccountRepository.scanAccount] decode profile")
		}
	}
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &a.Preferences); err != nil {
			return nil, errors.Wrap(err, "[AccountRepository.scanAccount] decode preferences")
		}
	}

	claims, err := r.listClaims(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	a.Claims = claims
	return &a, nil
}

func (r *AccountRepository) listClaims(ctx context.Context, accountID string) ([]accounts.Claim, error) {
	query := `
		SELECT id, type, institution, issued_at, document_ref, status, review_notes, reviewed_at
		FROM credential_claims
		WHERE account_id = $1
		ORDER BY position`

	rows, err := r.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, errors.Wrap(err, "[AccountRepository.listClaims] query")
	}
	defer rows.Close()

	claims := make([]accounts.Claim, 0)
	for rows.Next() {
		var (
			c      accounts.Claim
			status string
		)
		if err := rows.Scan(&c.ID, &c.Type, &c.Institution, &c.IssuedAt, &c.DocumentRef, &status, &c.ReviewNotes, &c.ReviewedAt); err != nil {
			return nil, errors.Wrap(err, "[AccountRepository.listClaims] scan")
		}
		c.Status = accounts.VerificationStatus(status)
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "[AccountRepository.listClaims] iterate")
	}
	return claims, nil
}

func insertClaims(ctx context.Context, tx pgx.Tx, a *accounts.Account) error {
	query := `
		INSERT INTO credential_claims (id, account_id, position, type, institution, issued_at, document_ref, status, review_notes, reviewed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	for i, c := range a.Claims {
		if _, err := tx.Exec(ctx, query,
			c.ID,
			a.ID,
			i,
			c.Type,
			c.Institution,
			c.IssuedAt,
			c.DocumentRef,
			string(c.Status),
			c.ReviewNotes,
			c.ReviewedAt,
		); err != nil {
			return errors.Wrap(err, "[postgres.insertClaims] insert claim")
		}
	}
	return nil
}

func encodeDocuments(a *accounts.Account) ([]byte, []byte, error) {
	profile := a.Profile
	if profile == nil {
		profile = map[string]string{}
	}
	p, err := json.Marshal(profile)
	if err != nil {
		return nil, nil, errors.Wrap(err, "[postgres.encodeDocuments] encode profile")
	}
	prefs, err := json.Marshal(a.Preferences)
	if err != nil {
		return nil, nil, errors.Wrap(err, "[postgres.encodeDocuments] encode preferences")
	}
	return p, prefs, nil
}

func mapWriteError(step string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if pgErr.ConstraintName == externalIDConstraintName {
			return accounts.ErrExternalIDTaken
		}
		return accounts.ErrEmailTaken
	}
	return errors.Wrap(err, step)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
