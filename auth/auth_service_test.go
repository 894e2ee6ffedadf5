package auth_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jrsteele09/go-session-authority/accounts"
	fakeaccountrepo "github.com/jrsteele09/go-session-authority/accounts/repofake"
	"github.com/jrsteele09/go-session-authority/auth"
	"github.com/jrsteele09/go-session-authority/autherr"
	"github.com/jrsteele09/go-session-authority/internal/metrics"
	"github.com/jrsteele09/go-session-authority/linking"
	"github.com/jrsteele09/go-session-authority/password"
	"github.com/jrsteele09/go-session-authority/token"
	refreshrepofake "github.com/jrsteele09/go-session-authority/token/refresh/repofake"
	"github.com/jrsteele09/go-session-authority/verification"
)

const (
	secretStr    = "0123456789abcdef0123456789abcdef"
	testEmail    = "alice@x.com"
	testPassword = "Abcd123!"
)

var testNow = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

// countingHasher records how often the work factor is paid.
type countingHasher struct {
	password.Hasher
	mu              sync.Mutex
	hashes, verifys int
}

func (h *countingHasher) Hash(pw string) (string, error) {
	h.mu.Lock()
	h.hashes++
	h.mu.Unlock()
	return h.Hasher.Hash(pw)
}

func (h *countingHasher) Verify(pw, hash string) (bool, error) {
	h.mu.Lock()
	h.verifys++
	h.mu.Unlock()
	return h.Hasher.Verify(pw, hash)
}

func (h *countingHasher) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hashes, h.verifys
}

type testFixture struct {
	accounts *fakeaccountrepo.FakeAccountRepo
	hasher   *countingHasher
	metrics  *metrics.Metrics
	manager  *token.Manager
	service  *auth.Service
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	f := &testFixture{
		accounts: fakeaccountrepo.NewFakeAccountRepo(),
		hasher:   &countingHasher{Hasher: password.NewBcrypt(4)},
		metrics:  metrics.New("test"),
	}
	now := func() time.Time { return testNow }
	f.manager = token.New(
		token.NewHMACSigner(secretStr, token.WithSignerNowFunc(now)),
		refreshrepofake.NewFakeRefreshTokenRepo(),
		f.accounts,
		token.WithNowFunc(now),
	)

	var err error
	f.service, err = auth.New(f.accounts, f.hasher, f.manager,
		auth.WithNowFunc(now),
		auth.WithMetrics(f.metrics),
	)
	require.NoError(t, err)
	return f
}

func validInput() auth.RegisterInput {
	return auth.RegisterInput{
		Email:       testEmail,
		Password:    testPassword,
		DisplayName: "Alice Example",
		Claims: []auth.ClaimInput{{
			Type:        "license",
			Institution: "State Board",
			IssuedAt:    testNow.AddDate(-2, 0, 0),
		}},
		Profile: map[string]string{"specialty": "cardiology"},
	}
}

func (f *testFixture) register(t *testing.T) (*accounts.Account, *token.Pair) {
	t.Helper()
	pair, err := f.service.Register(context.Background(), validInput())
	require.NoError(t, err)
	account, err := f.accounts.GetByEmail(context.Background(), testEmail)
	require.NoError(t, err)
	return account, pair
}

func TestNew_RequiresCollaborators(t *testing.T) {
	f := setupTestFixture(t)

	_, err := auth.New(nil, f.hasher, f.manager)
	require.Error(t, err)
	_, err = auth.New(f.accounts, nil, f.manager)
	require.Error(t, err)
	_, err = auth.New(f.accounts, f.hasher, nil)
	require.Error(t, err)
}

func TestRegister_CreatesPendingAccount(t *testing.T) {
	f := setupTestFixture(t)
	account, pair := f.register(t)

	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	assert.Equal(t, testEmail, account.Email)
	assert.Equal(t, "Alice Example", account.DisplayName)
	assert.Equal(t, accounts.ProviderLocal, account.Provider)
	assert.True(t, account.Active)
	assert.True(t, account.HasPassword())
	assert.NotEqual(t, testPassword, account.PasswordHash)
	assert.Equal(t, accounts.DefaultPreferences(), account.Preferences)
	assert.Equal(t, "cardiology", account.Profile["specialty"])
	assert.True(t, testNow.Equal(account.CreatedAt))
	require.Len(t, account.Claims, 1)
	assert.NotEmpty(t, account.Claims[0].ID)
	assert.Equal(t, accounts.StatusPending, account.Claims[0].Status)
	assert.Equal(t, accounts.StatusPending, account.VerificationStatus())

	claims, err := f.manager.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, account.ID, claims.AccountID())
	assert.Equal(t, accounts.StatusPending, claims.VerificationStatus)
}

func TestRegister_Validation(t *testing.T) {
	tests := map[string]struct {
		mutate func(*auth.RegisterInput)
		kind   autherr.Kind
	}{
		"malformed email":       {func(in *auth.RegisterInput) { in.Email = "not-an-email" }, autherr.InvalidEmail},
		"empty email":           {func(in *auth.RegisterInput) { in.Email = "" }, autherr.InvalidEmail},
		"short password":        {func(in *auth.RegisterInput) { in.Password = "Ab1!" }, autherr.WeakPassword},
		"password no symbol":    {func(in *auth.RegisterInput) { in.Password = "Abcd1234" }, autherr.WeakPassword},
		"password no upper":     {func(in *auth.RegisterInput) { in.Password = "abcd123!" }, autherr.WeakPassword},
		"blank display name":    {func(in *auth.RegisterInput) { in.DisplayName = "   " }, autherr.InvalidDisplayName},
		"one letter name":       {func(in *auth.RegisterInput) { in.DisplayName = "A" }, autherr.InvalidDisplayName},
		"punctuation name":      {func(in *auth.RegisterInput) { in.DisplayName = "..." }, autherr.InvalidDisplayName},
		"no claims":             {func(in *auth.RegisterInput) { in.Claims = nil }, autherr.InvalidClaim},
		"claim without type":    {func(in *auth.RegisterInput) { in.Claims[0].Type = " " }, autherr.InvalidClaim},
		"claim without issuer":  {func(in *auth.RegisterInput) { in.Claims[0].Institution = "" }, autherr.InvalidClaim},
		"claim without date":    {func(in *auth.RegisterInput) { in.Claims[0].IssuedAt = time.Time{} }, autherr.InvalidClaim},
		"claim from the future": {func(in *auth.RegisterInput) { in.Claims[0].IssuedAt = testNow.Add(time.Hour) }, autherr.InvalidClaim},
		"oversized profile key": {func(in *auth.RegisterInput) { in.Profile = map[string]string{strings.Repeat("k", 65): "v"} }, autherr.InvalidInput},
		"email checked first": {func(in *auth.RegisterInput) {
			in.Email = "bad"
			in.Password = "weak"
			in.Claims = nil
		}, autherr.InvalidEmail},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := setupTestFixture(t)
			in := validInput()
			tc.mutate(&in)

			_, err := f.service.Register(context.Background(), in)
			require.Error(t, err)
			require.Equal(t, tc.kind, autherr.KindOf(err), err.Error())

			_, err = f.accounts.GetByEmail(context.Background(), testEmail)
			require.ErrorIs(t, err, accounts.ErrNotFound)
			hashes, _ := f.hasher.counts()
			require.Zero(t, hashes)
		})
	}
}

func TestRegister_DuplicateEmailIgnoresCase(t *testing.T) {
	f := setupTestFixture(t)
	f.register(t)
	hashesBefore, _ := f.hasher.counts()

	in := validInput()
	in.Email = "  ALICE@X.com "
	_, err := f.service.Register(context.Background(), in)
	require.ErrorIs(t, err, autherr.ErrDuplicateAccount)

	hashesAfter, _ := f.hasher.counts()
	require.Equal(t, hashesBefore, hashesAfter, "duplicate check must run before hashing")
}

func TestRegister_ConcurrentSameEmail(t *testing.T) {
	f := setupTestFixture(t)

	const n = 6
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.Register(context.Background(), validInput())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	successes := 0
	for err := range errs {
		if err == nil {
			successes++
			continue
		}
		require.ErrorIs(t, err, autherr.ErrDuplicateAccount)
	}
	require.Equal(t, 1, successes)
}

func TestRegister_AfterDeactivationFreesEmail(t *testing.T) {
	f := setupTestFixture(t)
	account, _ := f.register(t)
	require.NoError(t, f.service.Deactivate(context.Background(), account.ID))

	_, err := f.service.Register(context.Background(), validInput())
	require.NoError(t, err)
}

func TestLogin(t *testing.T) {
	f := setupTestFixture(t)
	account, _ := f.register(t)
	ctx := context.Background()

	pair, err := f.service.Login(ctx, "Alice@X.com", testPassword)
	require.NoError(t, err)
	require.NotEmpty(t, pair.RefreshToken)

	stored, err := f.accounts.GetByID(ctx, account.ID)
	require.NoError(t, err)
	require.True(t, testNow.Equal(stored.LastLogin))

	_, wrongErr := f.service.Login(ctx, testEmail, "Wrong123!")
	require.ErrorIs(t, wrongErr, autherr.ErrInvalidCredentials)

	_, unknownErr := f.service.Login(ctx, "nobody@x.com", testPassword)
	require.ErrorIs(t, unknownErr, autherr.ErrInvalidCredentials)

	require.Equal(t, wrongErr.Error(), unknownErr.Error(), "unknown email and wrong password must look identical")

	expected := `
# HELP test_logins_total Total number of login attempts by result
# TYPE test_logins_total counter
test_logins_total{result="rejected"} 2
test_logins_total{result="success"} 1
`
	require.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "test_logins_total"))
}

func TestLogin_UnknownEmailStillVerifies(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.service.Login(context.Background(), "nobody@x.com", testPassword)
	require.ErrorIs(t, err, autherr.ErrInvalidCredentials)

	_, verifys := f.hasher.counts()
	require.Equal(t, 1, verifys)
}

func TestLogin_ExternalOnlyAccount(t *testing.T) {
	f := setupTestFixture(t)
	require.NoError(t, f.accounts.Create(context.Background(), &accounts.Account{
		ID: "ext-account", Email: testEmail, Provider: accounts.ProviderExternal, ExternalID: "sub-1", Active: true,
	}))

	_, err := f.service.Login(context.Background(), testEmail, testPassword)
	require.ErrorIs(t, err, autherr.ErrInvalidCredentials)
}

func TestLogin_Deactivated(t *testing.T) {
	f := setupTestFixture(t)
	account, _ := f.register(t)
	ctx := context.Background()
	require.NoError(t, f.service.Deactivate(ctx, account.ID))

	_, err := f.service.Login(ctx, testEmail, testPassword)
	require.ErrorIs(t, err, autherr.ErrAccountDeactivated)

	_, err = f.service.Login(ctx, testEmail, "Wrong123!")
	require.ErrorIs(t, err, autherr.ErrInvalidCredentials)
}

// TestSessionLifecycle follows an account from registration through verification and rotation.
func TestSessionLifecycle(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	account, _ := f.register(t)
	require.Equal(t, accounts.StatusPending, account.VerificationStatus())

	engine := verification.New(f.accounts)
	status, err := engine.SetClaimStatus(ctx, account.ID, account.Claims[0].ID, accounts.StatusVerified, "")
	require.NoError(t, err)
	require.Equal(t, accounts.StatusVerified, status)

	pair, err := f.service.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)
	claims, err := f.manager.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, accounts.StatusVerified, claims.VerificationStatus)

	rotated, err := f.manager.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	_, err = f.manager.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, autherr.ErrInvalidRefreshToken)
}

func TestChangePassword_RevokesAllRefreshTokens(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	account, first := f.register(t)
	second, err := f.service.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)

	require.NoError(t, f.service.ChangePassword(ctx, account.ID, testPassword, "Efgh456?"))

	for _, pair := range []*token.Pair{first, second} {
		_, err := f.manager.Refresh(ctx, pair.RefreshToken)
		require.ErrorIs(t, err, autherr.ErrInvalidRefreshToken)
	}

	_, err = f.service.Login(ctx, testEmail, testPassword)
	require.ErrorIs(t, err, autherr.ErrInvalidCredentials)
	_, err = f.service.Login(ctx, testEmail, "Efgh456?")
	require.NoError(t, err)
}

func TestChangePassword_Errors(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	account, pair := f.register(t)

	err := f.service.ChangePassword(ctx, account.ID, "Wrong123!", "Efgh456?")
	require.ErrorIs(t, err, autherr.ErrIncorrectCurrentPassword)

	err = f.service.ChangePassword(ctx, account.ID, testPassword, "weak")
	require.ErrorIs(t, err, autherr.ErrWeakPassword)

	err = f.service.ChangePassword(ctx, "missing", testPassword, "Efgh456?")
	require.ErrorIs(t, err, autherr.ErrAccountNotFound)

	// Failed changes leave existing sessions alone.
	_, err = f.manager.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
}

func TestChangePassword_KeepsReviewedClaims(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	account, _ := f.register(t)

	engine := verification.New(f.accounts)
	_, err := engine.SetClaimStatus(ctx, account.ID, account.Claims[0].ID, accounts.StatusVerified, "ok")
	require.NoError(t, err)

	require.NoError(t, f.service.ChangePassword(ctx, account.ID, testPassword, "Efgh456?"))

	stored, err := f.accounts.GetByID(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, accounts.StatusVerified, stored.VerificationStatus())
}

func TestSetPassword(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	require.NoError(t, f.accounts.Create(ctx, &accounts.Account{
		ID: "ext-account", Email: testEmail, Provider: accounts.ProviderExternal, ExternalID: "sub-1", Active: true,
	}))

	require.ErrorIs(t, f.service.SetPassword(ctx, "ext-account", "weak"), autherr.ErrWeakPassword)
	require.NoError(t, f.service.SetPassword(ctx, "ext-account", testPassword))
	require.ErrorIs(t, f.service.SetPassword(ctx, "ext-account", testPassword), autherr.ErrPasswordAlreadySet)
	require.ErrorIs(t, f.service.SetPassword(ctx, "missing", testPassword), autherr.ErrAccountNotFound)

	_, err := f.service.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)

	links := linking.New(f.accounts, f.manager)
	require.NoError(t, links.Unlink(ctx, "ext-account"))
}

func TestDeactivate_RevokesSessions(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	account, pair := f.register(t)

	require.NoError(t, f.service.Deactivate(ctx, account.ID))
	require.NoError(t, f.service.Deactivate(ctx, account.ID))
	require.ErrorIs(t, f.service.Deactivate(ctx, "missing"), autherr.ErrAccountNotFound)

	_, err := f.manager.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, autherr.ErrInvalidRefreshToken)
}

func TestRegisterExternal(t *testing.T) {
	ctx := context.Background()
	identity := linking.ExternalIdentity{Subject: "sub-1", Email: "Alice@x.com", EmailVerified: true, Name: "Alice Example"}
	in := auth.ExternalRegisterInput{
		Claims: []auth.ClaimInput{{Type: "degree", Institution: "Uni", IssuedAt: testNow.AddDate(-5, 0, 0)}},
	}

	t.Run("creates a linked external account", func(t *testing.T) {
		f := setupTestFixture(t)
		links := linking.New(f.accounts, f.manager)

		_, err := links.AuthenticateViaExternal(ctx, identity)
		require.ErrorIs(t, err, autherr.ErrRegistrationRequired)

		pair, err := f.service.RegisterExternal(ctx, identity, in)
		require.NoError(t, err)
		require.NotEmpty(t, pair.AccessToken)

		account, err := f.accounts.GetByExternalID(ctx, "sub-1")
		require.NoError(t, err)
		assert.Equal(t, testEmail, account.Email)
		assert.Equal(t, "Alice Example", account.DisplayName)
		assert.Equal(t, accounts.ProviderExternal, account.Provider)
		assert.False(t, account.HasPassword())

		_, err = links.AuthenticateViaExternal(ctx, identity)
		require.NoError(t, err)

		require.ErrorIs(t, links.Unlink(ctx, account.ID), autherr.ErrNoPasswordSet)
	})

	t.Run("rejects unverified email", func(t *testing.T) {
		f := setupTestFixture(t)
		id := identity
		id.EmailVerified = false
		_, err := f.service.RegisterExternal(ctx, id, in)
		require.ErrorIs(t, err, autherr.ErrUnverifiedExternalEmail)
	})

	t.Run("rejects existing email", func(t *testing.T) {
		f := setupTestFixture(t)
		f.register(t)
		_, err := f.service.RegisterExternal(ctx, identity, in)
		require.ErrorIs(t, err, autherr.ErrDuplicateAccount)
	})

	t.Run("rejects a subject already in use", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.accounts.Create(ctx, &accounts.Account{
			ID: "other", Email: "bob@x.com", Provider: accounts.ProviderExternal, ExternalID: "sub-1", Active: true,
		}))
		_, err := f.service.RegisterExternal(ctx, identity, in)
		require.ErrorIs(t, err, autherr.ErrAlreadyLinkedElsewhere)
	})

	t.Run("still requires a claim", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.service.RegisterExternal(ctx, identity, auth.ExternalRegisterInput{})
		require.ErrorIs(t, err, autherr.ErrInvalidClaim)
	})
}

func TestService_RecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})

	f := setupTestFixture(t)
	f.register(t)
	_, err := f.service.Login(context.Background(), testEmail, "Wrong123!")
	require.Error(t, err)

	var login *tracetest.SpanStub
	spans := exporter.GetSpans()
	for i := range spans {
		if spans[i].Name == "auth.Login" {
			login = &spans[i]
		}
	}
	require.NotNil(t, login)
	require.Equal(t, codes.Error, login.Status.Code)
	require.Equal(t, string(autherr.InvalidCredentials), login.Status.Description)
}

type failingSessions struct{}

func (failingSessions) Mint(context.Context, *accounts.Account) (*token.Pair, error) {
	return nil, autherr.E(autherr.Internal, "token.Mint", errors.New("store down"))
}

func (failingSessions) RevokeAll(context.Context, string) (int, error) {
	return 0, errors.New("store down")
}

func TestChangePassword_RevokeFailureIsInternal(t *testing.T) {
	f := setupTestFixture(t)
	svc, err := auth.New(f.accounts, f.hasher, failingSessions{}, auth.WithNowFunc(func() time.Time { return testNow }))
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), validInput())
	require.ErrorIs(t, err, autherr.ErrInternal)

	account, err := f.accounts.GetByEmail(context.Background(), testEmail)
	require.NoError(t, err)
	err = svc.ChangePassword(context.Background(), account.ID, testPassword, "Efgh456?")
	require.ErrorIs(t, err, autherr.ErrInternal)
}
