package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-session-authority/accounts"
)

func newAccountTestFixture(t *testing.T) (*AccountRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return NewAccountRepository(mock), mock
}

func sampleAccount() *accounts.Account {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &accounts.Account{
		ID:           "acct-1",
		Email:        "alice@x.com",
		PasswordHash: "hash-abc",
		DisplayName:  "Alice",
		Provider:     accounts.ProviderLocal,
		Active:       true,
		Preferences:  accounts.DefaultPreferences(),
		Claims: []accounts.Claim{{
			ID:          "claim-1",
			Type:        "license",
			Institution: "Board of Nursing",
			IssuedAt:    now.AddDate(-2, 0, 0),
			DocumentRef: "doc-1",
			Status:      accounts.StatusPending,
		}},
		CreatedAt: now,
		UpdatedAt: now,
		Version:   3,
	}
}

func accountColumnNames() []string {
	return []string{
		"id", "email", "password_hash", "display_name", "provider", "external_id",
		"active", "profile", "preferences", "created_at", "updated_at", "last_login", "version",
	}
}

func claimColumnNames() []string {
	return []string{"id", "type", "institution", "issued_at", "document_ref", "status", "review_notes", "reviewed_at"}
}

func accountRow(t *testing.T, a *accounts.Account) *pgxmock.Rows {
	t.Helper()
	prefs, err := json.Marshal(a.Preferences)
	require.NoError(t, err)
	return pgxmock.NewRows(accountColumnNames()).AddRow(
		a.ID, a.Email, a.PasswordHash, a.DisplayName, string(a.Provider), nullString(a.ExternalID),
		a.Active, []byte(`{"city":"Leeds"}`), prefs, a.CreatedAt, a.UpdatedAt, (*time.Time)(nil), a.Version,
	)
}

func claimRows(a *accounts.Account) *pgxmock.Rows {
	rows := pgxmock.NewRows(claimColumnNames())
	for _, c := range a.Claims {
		rows.AddRow(c.ID, c.Type, c.Institution, c.IssuedAt, c.DocumentRef, string(c.Status), c.ReviewNotes, c.ReviewedAt)
	}
	return rows
}

func TestAccountRepository_Create_Success(t *testing.T) {
	repo, mock := newAccountTestFixture(t)
	defer mock.Close()

	a := sampleAccount()
	c := a.Claims[0]

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO accounts").
		WithArgs(
			a.ID, a.Email, a.PasswordHash, a.DisplayName, "local", pgxmock.AnyArg(),
			true, "pending", pgxmock.AnyArg(), pgxmock.AnyArg(), a.CreatedAt, a.UpdatedAt, pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO credential_claims").
		WithArgs(c.ID, a.ID, 0, c.Type, c.Institution, c.IssuedAt, c.DocumentRef, "pending", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Create(context.Background(), a))
	assert.Equal(t, int64(1), a.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_Create_DuplicateEmail(t *testing.T) {
	repo, mock := newAccountTestFixture(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO accounts").
		WillReturnError(&pgconn.PgError{Code: uniqueViolation, ConstraintName: "accounts_active_email_key"})
	mock.ExpectRollback()

	err := repo.Create(context.Background(), sampleAccount())
	require.ErrorIs(t, err, accounts.ErrEmailTaken)
}

func TestAccountRepository_Update_ExternalIDTaken(t *testing.T) {
	repo, mock := newAccountTestFixture(t)
	defer mock.Close()

	a := sampleAccount()
	a.ExternalID = "ext-1"

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE accounts").
		WillReturnError(&pgconn.PgError{Code: uniqueViolation, ConstraintName: externalIDConstraintName})
	mock.ExpectRollback()

	err := repo.Update(context.Background(), a)
	require.ErrorIs(t, err, accounts.ErrExternalIDTaken)
}

func TestAccountRepository_Update_NotFound(t *testing.T) {
	repo, mock := newAccountTestFixture(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE accounts").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT version FROM accounts").
		WithArgs("acct-1").
		WillReturnRows(pgxmock.NewRows([]string{"version"}))
	mock.ExpectRollback()

	err := repo.Update(context.Background(), sampleAccount())
	require.ErrorIs(t, err, accounts.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_Update_StaleVersion(t *testing.T) {
	repo, mock := newAccountTestFixture(t)
	defer mock.Close()

	a := sampleAccount()
	a.Active = false

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE accounts").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT version FROM accounts").
		WithArgs(a.ID).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(int64(4)))
	mock.ExpectRollback()

	err := repo.Update(context.Background(), a)
	require.ErrorIs(t, err, accounts.ErrVersionConflict)
	assert.Equal(t, int64(3), a.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_Update_ReplacesClaims(t *testing.T) {
	repo, mock := newAccountTestFixture(t)
	defer mock.Close()

	a := sampleAccount()
	a.Claims[0].Status = accounts.StatusVerified

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE accounts").
		WithArgs(
			a.Email, a.PasswordHash, a.DisplayName, "local", pgxmock.AnyArg(), true, "verified",
			pgxmock.AnyArg(), pgxmock.AnyArg(), a.UpdatedAt, a.ID, int64(3),
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("DELETE FROM credential_claims").WithArgs(a.ID).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("INSERT INTO credential_claims").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Update(context.Background(), a))
	assert.Equal(t, int64(4), a.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_GetByID_Success(t *testing.T) {
	repo, mock := newAccountTestFixture(t)
	defer mock.Close()

	a := sampleAccount()
	mock.ExpectQuery("SELECT .+ FROM accounts WHERE id").WithArgs(a.ID).WillReturnRows(accountRow(t, a))
	mock.ExpectQuery("FROM credential_claims").WithArgs(a.ID).WillReturnRows(claimRows(a))

	got, err := repo.GetByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Email, got.Email)
	assert.Equal(t, accounts.ProviderLocal, got.Provider)
	assert.Empty(t, got.ExternalID)
	assert.True(t, got.LastLogin.IsZero())
	assert.Equal(t, "Leeds", got.Profile["city"])
	assert.Equal(t, a.Preferences, got.Preferences)
	assert.Equal(t, a.Version, got.Version)
	require.Len(t, got.Claims, 1)
	assert.Equal(t, accounts.StatusPending, got.Claims[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_GetByEmail_NormalizesAndNotFound(t *testing.T) {
	repo, mock := newAccountTestFixture(t)
	defer mock.Close()

	mock.ExpectQuery("FROM accounts WHERE email").
		WithArgs("alice@x.com").
		WillReturnRows(pgxmock.NewRows(accountColumnNames()))

	_, err := repo.GetByEmail(context.Background(), " Alice@X.com")
	require.ErrorIs(t, err, accounts.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepository_SetLastLogin(t *testing.T) {
	repo, mock := newAccountTestFixture(t)
	defer mock.Close()

	at := time.Now().UTC()
	mock.ExpectExec("UPDATE accounts SET last_login").WithArgs(at, "acct-1").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE accounts SET last_login").WithArgs(at, "missing").WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, repo.SetLastLogin(context.Background(), "acct-1", at))
	require.ErrorIs(t, repo.SetLastLogin(context.Background(), "missing", at), accounts.ErrNotFound)
}

func TestAccountRepository_SetPasswordHash(t *testing.T) {
	repo, mock := newAccountTestFixture(t)
	defer mock.Close()

	at := time.Now().UTC()
	mock.ExpectExec("UPDATE accounts SET password_hash").WithArgs("new-hash", at, "acct-1").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE accounts SET password_hash").WithArgs("new-hash", at, "missing").WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, repo.SetPasswordHash(context.Background(), "acct-1", "new-hash", at))
	require.ErrorIs(t, repo.SetPasswordHash(context.Background(), "missing", "new-hash", at), accounts.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_UsesEmbeddedMigrations(t *testing.T) {
	orig := gooseUpContext
	defer func() { gooseUpContext = orig }()

	var gotDir string
	gooseUpContext = func(_ context.Context, _ *sql.DB, dir string, _ ...goose.OptionsFunc) error {
		gotDir = dir
		return nil
	}
	require.NoError(t, Migrate(context.Background(), nil))
	require.Equal(t, "migrations", gotDir)

	entries, err := migrations.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	gooseUpContext = func(context.Context, *sql.DB, string, ...goose.OptionsFunc) error {
		return errors.New("boom")
	}
	require.Error(t, Migrate(context.Background(), nil))
}
