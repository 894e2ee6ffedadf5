// Package auth is the registration and login orchestrator. It validates requests, consults the
// credential store and password hasher, and delegates session minting to the token engine.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jrsteele09/go-session-authority/accounts"
	"github.com/jrsteele09/go-session-authority/autherr"
	"github.com/jrsteele09/go-session-authority/internal/metrics"
	"github.com/jrsteele09/go-session-authority/linking"
	"github.com/jrsteele09/go-session-authority/password"
	"github.com/jrsteele09/go-session-authority/token"
)

const (
	tracerName = "github.com/jrsteele09/go-session-authority/auth"

	// dummyPassword is hashed once so unknown-email logins cost one Verify like real ones.
	dummyPassword = "timing-equalization-Aa1!"
)

// Sessions is the part of the token engine the orchestrator drives.
type Sessions interface {
	Mint(ctx context.Context, account *accounts.Account) (*token.Pair, error)
	RevokeAll(ctx context.Context, accountID string) (int, error)
}

type Service struct {
	accounts accounts.Repo
	hasher   password.Hasher
	sessions Sessions
	nowFunc  func() time.Time
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	dummyOnce sync.Once
	dummyHash string
}

type Option func(*Service)

func WithNowFunc(now func() time.Time) Option {
	return func(s *Service) {
		s.nowFunc = now
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = mt
	}
}

// New initializes the orchestrator. All three collaborators are required.
func New(repo accounts.Repo, hasher password.Hasher, sessions Sessions, options ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("[auth.New] accounts repo is required")
	}
	if hasher == nil {
		return nil, errors.New("[auth.New] password hasher is required")
	}
	if sessions == nil {
		return nil, errors.New("[auth.New] sessions is required")
	}

	s := &Service{
		accounts: repo,
		hasher:   hasher,
		sessions: sessions,
		nowFunc:  time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

func (s *Service) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, op)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, string(autherr.KindOf(err)))
	}
	span.End()
}

// Register creates a local account with every claim pending and mints its first session.
func (s *Service) Register(ctx context.Context, in RegisterInput) (pair *token.Pair, err error) {
	const op = "auth.Register"
	ctx, span := s.startSpan(ctx, op)
	defer func() { endSpan(span, err) }()

	now := s.nowFunc().UTC()
	in.normalize()
	if err := in.check(op, now, true); err != nil {
		return nil, err
	}
	// Duplicate check runs before hashing so rejected requests cost no work factor.
	if err := s.ensureEmailFree(ctx, op, in.Email); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, autherr.E(autherr.Internal, op, errors.Wrap(err, "[Service.Register] Hash"))
	}

	account := newAccount(&in, now)
	account.PasswordHash = hash
	account.Provider = accounts.ProviderLocal
	if err := s.create(ctx, op, account); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("account_id", account.ID).
		Int("claims", len(account.Claims)).
		Msg("account registered")
	return s.sessions.Mint(ctx, account)
}

// RegisterExternal creates an account for a provider-verified identity that has no account
// yet. The account has no password and is linked to identity.Subject.
func (s *Service) RegisterExternal(ctx context.Context, identity linking.ExternalIdentity, in ExternalRegisterInput) (pair *token.Pair, err error) {
	const op = "auth.RegisterExternal"
	ctx, span := s.startSpan(ctx, op)
	defer func() { endSpan(span, err) }()

	if !identity.EmailVerified {
		return nil, autherr.E(autherr.UnverifiedExternalEmail, op, nil)
	}
	if identity.Subject == "" {
		return nil, autherr.Ef(autherr.InvalidInput, op, "external subject is required")
	}

	now := s.nowFunc().UTC()
	reg := RegisterInput{
		Email:       identity.Email,
		DisplayName: in.DisplayName,
		Claims:      in.Claims,
		Profile:     in.Profile,
	}
	if reg.DisplayName == "" {
		reg.DisplayName = identity.Name
	}
	reg.normalize()
	if err := reg.check(op, now, false); err != nil {
		return nil, err
	}
	if err := s.ensureEmailFree(ctx, op, reg.Email); err != nil {
		return nil, err
	}
	if _, err := s.accounts.GetByExternalID(ctx, identity.Subject); err == nil {
		return nil, autherr.E(autherr.AlreadyLinkedElsewhere, op, nil)
	} else if !errors.Is(err, accounts.ErrNotFound) {
		return nil, autherr.E(autherr.Internal, op, errors.Wrap(err, "[Service.RegisterExternal] GetByExternalID"))
	}

	account := newAccount(&reg, now)
	account.Provider = accounts.ProviderExternal
	account.ExternalID = identity.Subject
	account.LastLogin = now
	if err := s.create(ctx, op, account); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("account_id", account.ID).
		Str("provider", string(account.Provider)).
		Msg("account registered")
	return s.sessions.Mint(ctx, account)
}

func newAccount(in *RegisterInput, now time.Time) *accounts.Account {
	claims := make([]accounts.Claim, len(in.Claims))
	for i, c := range in.Claims {
		claims[i] = accounts.Claim{
			ID:          uuid.NewString(),
			Type:        c.Type,
			Institution: c.Institution,
			IssuedAt:    c.IssuedAt.UTC(),
			DocumentRef: c.DocumentRef,
			Status:      accounts.StatusPending,
		}
	}
	var profile map[string]string
	if len(in.Profile) > 0 {
		profile = make(map[string]string, len(in.Profile))
		for k, v := range in.Profile {
			profile[k] = v
		}
	}
	return &accounts.Account{
		ID:          uuid.NewString(),
		Email:       in.Email,
		DisplayName: in.DisplayName,
		Claims:      claims,
		Active:      true,
		Profile:     profile,
		Preferences: accounts.DefaultPreferences(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *Service) ensureEmailFree(ctx context.Context, op, email string) error {
	existing, err := s.accounts.GetByEmail(ctx, email)
	switch {
	case errors.Is(err, accounts.ErrNotFound):
		return nil
	case err != nil:
		return autherr.E(autherr.Internal, op, errors.Wrap(err, "[Service] GetByEmail"))
	case existing.Active:
		return autherr.E(autherr.DuplicateAccount, op, nil)
	}
	return nil
}

func (s *Service) create(ctx context.Context, op string, account *accounts.Account) error {
	err := s.accounts.Create(ctx, account)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, accounts.ErrEmailTaken):
		// Lost a race with a concurrent registration of the same email.
		return autherr.E(autherr.DuplicateAccount, op, err)
	case errors.Is(err, accounts.ErrExternalIDTaken):
		return autherr.E(autherr.AlreadyLinkedElsewhere, op, err)
	}
	return autherr.E(autherr.Internal, op, errors.Wrap(err, "[Service] Create"))
}

// Login authenticates email and password and mints a session. Unknown email, missing
// password and wrong password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, pw string) (pair *token.Pair, err error) {
	const op = "auth.Login"
	ctx, span := s.startSpan(ctx, op)
	defer func() {
		endSpan(span, err)
		switch {
		case err == nil:
			s.metrics.Login(metrics.ResultSuccess)
		case autherr.IsKind(err, autherr.Internal):
			s.metrics.Login(metrics.ResultError)
		default:
			s.metrics.Login(metrics.ResultRejected)
		}
	}()

	account, err := s.accounts.GetByEmail(ctx, accounts.NormalizeEmail(email))
	if errors.Is(err, accounts.ErrNotFound) {
		s.equalizeTiming(pw)
		return nil, autherr.E(autherr.InvalidCredentials, op, err)
	}
	if err != nil {
		return nil, autherr.E(autherr.Internal, op, errors.Wrap(err, "[Service.Login] GetByEmail"))
	}
	if !account.HasPassword() {
		s.equalizeTiming(pw)
		return nil, autherr.E(autherr.InvalidCredentials, op, errors.New("no password set"))
	}

	ok, err := s.hasher.Verify(pw, account.PasswordHash)
	if err != nil {
		return nil, autherr.E(autherr.Internal, op, errors.Wrap(err, "[Service.Login] Verify"))
	}
	if !ok {
		return nil, autherr.E(autherr.InvalidCredentials, op, errors.New("password mismatch"))
	}
	if !account.Active {
		return nil, autherr.E(autherr.AccountDeactivated, op, nil)
	}

	now := s.nowFunc().UTC()
	if err := s.accounts.SetLastLogin(ctx, account.ID, now); err != nil {
		return nil, autherr.E(autherr.Internal, op, errors.Wrap(err, "[Service.Login] SetLastLogin"))
	}
	account.LastLogin = now

	return s.sessions.Mint(ctx, account)
}

func (s *Service) equalizeTiming(pw string) {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.Hash(dummyPassword)
		if err != nil {
			s.logger.Warn().Err(err).Msg("could not prepare timing equalization hash")
			return
		}
		s.dummyHash = hash
	})
	if s.dummyHash != "" {
		_, _ = s.hasher.Verify(pw, s.dummyHash)
	}
}

// ChangePassword replaces the password after checking the current one, then revokes every
// refresh token the account holds.
func (s *Service) ChangePassword(ctx context.Context, accountID, current, next string) (err error) {
	const op = "auth.ChangePassword"
	ctx, span := s.startSpan(ctx, op)
	defer func() { endSpan(span, err) }()

	if err := checkNewPassword(op, next); err != nil {
		return err
	}

	account, err := s.getAccount(ctx, op, accountID)
	if err != nil {
		return err
	}
	if !account.HasPassword() {
		return autherr.E(autherr.IncorrectCurrentPassword, op, errors.New("no password set"))
	}
	ok, err := s.hasher.Verify(current, account.PasswordHash)
	if err != nil {
		return autherr.E(autherr.Internal, op, errors.Wrap(err, "[Service.ChangePassword] Verify"))
	}
	if !ok {
		return autherr.E(autherr.IncorrectCurrentPassword, op, nil)
	}

	if err := s.storePassword(ctx, op, account.ID, next); err != nil {
		return err
	}
	return s.revokeAll(ctx, op, account.ID, "password changed")
}

// SetPassword gives an external-only account its first password, making Unlink possible.
func (s *Service) SetPassword(ctx context.Context, accountID, next string) (err error) {
	const op = "auth.SetPassword"
	ctx, span := s.startSpan(ctx, op)
	defer func() { endSpan(span, err) }()

	if err := checkNewPassword(op, next); err != nil {
		return err
	}
	account, err := s.getAccount(ctx, op, accountID)
	if err != nil {
		return err
	}
	if account.HasPassword() {
		return autherr.E(autherr.PasswordAlreadySet, op, nil)
	}
	return s.storePassword(ctx, op, account.ID, next)
}

// storePassword hashes first and then writes only the hash column.
func (s *Service) storePassword(ctx context.Context, op, accountID, pw string) error {
	hash, err := s.hasher.Hash(pw)
	if err != nil {
		return autherr.E(autherr.Internal, op, errors.Wrap(err, "[Service] Hash"))
	}
	err = s.accounts.SetPasswordHash(ctx, accountID, hash, s.nowFunc().UTC())
	if errors.Is(err, accounts.ErrNotFound) {
		return autherr.E(autherr.AccountNotFound, op, err)
	}
	if err != nil {
		return autherr.E(autherr.Internal, op, errors.Wrap(err, "[Service] SetPasswordHash"))
	}
	return nil
}

// Deactivate clears the active flag and revokes every outstanding refresh token. The email
// becomes free for a new registration.
func (s *Service) Deactivate(ctx context.Context, accountID string) (err error) {
	const op = "auth.Deactivate"
	ctx, span := s.startSpan(ctx, op)
	defer func() { endSpan(span, err) }()

	changed := false
	account, err := accounts.Mutate(ctx, s.accounts, accountID, func(a *accounts.Account) error {
		if !a.Active {
			return accounts.ErrNoChange
		}
		a.Active = false
		a.UpdatedAt = s.nowFunc().UTC()
		changed = true
		return nil
	})
	if errors.Is(err, accounts.ErrNotFound) {
		return autherr.E(autherr.AccountNotFound, op, err)
	}
	if err != nil {
		return autherr.E(autherr.Internal, op, errors.Wrap(err, "[Service.Deactivate] Mutate"))
	}
	if changed {
		s.logger.Info().Str("account_id", account.ID).Msg("account deactivated")
	}
	return s.revokeAll(ctx, op, account.ID, "account deactivated")
}

func (s *Service) revokeAll(ctx context.Context, op, accountID, reason string) error {
	n, err := s.sessions.RevokeAll(ctx, accountID)
	if err != nil {
		return autherr.E(autherr.Internal, op, errors.Wrap(err, "[Service] RevokeAll"))
	}
	s.logger.Info().
		Str("account_id", accountID).
		Int("revoked", n).
		Str("reason", reason).
		Msg("refresh tokens revoked")
	return nil
}

func (s *Service) getAccount(ctx context.Context, op, accountID string) (*accounts.Account, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if errors.Is(err, accounts.ErrNotFound) {
		return nil, autherr.E(autherr.AccountNotFound, op, err)
	}
	if err != nil {
		return nil, autherr.E(autherr.Internal, op, errors.Wrap(err, "[Service] GetByID"))
	}
	return account, nil
}
