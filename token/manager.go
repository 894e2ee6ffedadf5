package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/jrsteele09/go-session-authority/accounts"
	"github.com/jrsteele09/go-session-authority/autherr"
	"github.com/jrsteele09/go-session-authority/internal/metrics"
	"github.com/jrsteele09/go-session-authority/token/refresh"
)

const tracerName = "github.com/jrsteele09/go-session-authority/token"

// AccountLookup is the slice of the credential store Refresh needs.
type AccountLookup interface {
	GetByID(ctx context.Context, id string) (*accounts.Account, error)
}

// Pair is a freshly minted session.
type Pair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int       `json:"expires_in"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Manager issues token pairs and rotates refresh tokens against a refresh.Repo.
type Manager struct {
	signer       Signer
	records      refresh.Repo
	accounts     AccountLookup
	accessTTL    time.Duration
	refreshTTL   time.Duration
	issuer       string
	audience     string
	allowLegacy  bool
	nowFunc      func() time.Time
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	tokenIDBytes int
}

type ManagerOption func(*Manager)

// WithTTLs overrides the access and refresh lifetimes. Non-positive values keep the defaults.
func WithTTLs(access, refreshTTL time.Duration) ManagerOption {
	return func(m *Manager) {
		if access > 0 {
			m.accessTTL = access
		}
		if refreshTTL > 0 {
			m.refreshTTL = refreshTTL
		}
	}
}

func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

func WithIssuer(issuer string) ManagerOption {
	return func(m *Manager) {
		m.issuer = issuer
	}
}

func WithAudience(audience string) ManagerOption {
	return func(m *Manager) {
		m.audience = audience
	}
}

func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithLegacyRefreshTokens accepts signed refresh tokens that carry neither a token id nor
// a type. Such tokens have no record to consume, so they cannot be rotated or revoked.
func WithLegacyRefreshTokens(allow bool) ManagerOption {
	return func(m *Manager) {
		m.allowLegacy = allow
	}
}

func New(signer Signer, records refresh.Repo, accountLookup AccountLookup, options ...ManagerOption) *Manager {
	m := &Manager{
		signer:       signer,
		records:      records,
		accounts:     accountLookup,
		accessTTL:    DefaultAccessTTL,
		refreshTTL:   DefaultRefreshTTL,
		nowFunc:      time.Now,
		logger:       zerolog.Nop(),
		tokenIDBytes: 32,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

func (m *Manager) AccessTTL() time.Duration  { return m.accessTTL }
func (m *Manager) RefreshTTL() time.Duration { return m.refreshTTL }

// Mint writes a new refresh record and returns the pair for account.
func (m *Manager) Mint(ctx context.Context, account *accounts.Account) (*Pair, error) {
	const op = "token.Mint"

	pair, record, err := m.issue(account)
	if err != nil {
		return nil, autherr.E(autherr.Internal, op, err)
	}
	if err := m.records.Create(ctx, record); err != nil {
		return nil, autherr.E(autherr.Internal, op, errors.Wrap(err, "[Manager.Mint] Create"))
	}

	m.metrics.SessionMinted()
	return pair, nil
}

// issue signs a pair for account and returns the refresh record to store for it.
func (m *Manager) issue(account *accounts.Account) (*Pair, *refresh.Record, error) {
	tokenID, err := m.newTokenID()
	if err != nil {
		return nil, nil, err
	}

	now := m.nowFunc().UTC()
	status := account.VerificationStatus()
	access := m.claims(account, status, now, TypeAccess, "")
	refreshClaims := m.claims(account, status, now, TypeRefresh, tokenID)

	accessToken, err := m.signer.Sign(access, m.accessTTL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "[Manager.issue] sign access")
	}
	refreshToken, err := m.signer.Sign(refreshClaims, m.refreshTTL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "[Manager.issue] sign refresh")
	}

	// The stored expiry is authoritative, so it must not outlive the signed one.
	expiresAt := refreshClaims.IssuedAt.Add(m.refreshTTL)
	record := &refresh.Record{
		TokenID:   tokenID,
		AccountID: account.ID,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}
	return &Pair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		TokenType:        "bearer",
		ExpiresIn:        int(m.accessTTL.Seconds()),
		RefreshExpiresAt: expiresAt,
	}, record, nil
}

func (m *Manager) claims(account *accounts.Account, status accounts.VerificationStatus, now time.Time, typ Type, tokenID string) *Claims {
	c := &Claims{
		Email:              account.Email,
		VerificationStatus: status,
		TokenID:            tokenID,
		Type:               typ,
	}
	c.Subject = account.ID
	c.Issuer = m.issuer
	if m.audience != "" {
		c.Audience = []string{m.audience}
	}
	c.IssuedAt = jwt.NewNumericDate(now)
	return c
}

func (m *Manager) newTokenID() (string, error) {
	b := make([]byte, m.tokenIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "[Manager.newTokenID] rand.Read")
	}
	return hex.EncodeToString(b), nil
}

// Refresh swaps the record behind raw for a new one and returns the replacement pair.
// The swap is a single refresh.Repo.Rotate, so a token rotates at most once, a replay
// fails with InvalidRefreshToken and a concurrent RevokeAll can never miss the new
// record. When signing or the store fails, nothing was swapped and raw stays usable.
func (m *Manager) Refresh(ctx context.Context, raw string) (pair *Pair, err error) {
	const op = "token.Refresh"

	ctx, span := otel.Tracer(tracerName).Start(ctx, op)
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, string(autherr.KindOf(err)))
		}
		span.End()
	}()

	claims, err := m.verify(raw)
	if err != nil {
		m.metrics.RefreshAttempt(metrics.ResultRejected)
		return nil, autherr.E(autherr.InvalidRefreshToken, op, err)
	}

	var rotatable bool
	switch {
	case claims.Type == TypeRefresh && claims.TokenID != "":
		rotatable = true
	case claims.Type == "" && claims.TokenID == "" && m.allowLegacy:
		m.logger.Debug().Str("account_id", claims.AccountID()).Msg("accepting legacy refresh token")
	default:
		m.metrics.RefreshAttempt(metrics.ResultRejected)
		return nil, autherr.E(autherr.InvalidRefreshToken, op, errors.New("not a rotatable refresh token"))
	}

	account, err := m.accounts.GetByID(ctx, claims.AccountID())
	switch {
	case errors.Is(err, accounts.ErrNotFound), err == nil && !account.Active:
		if err == nil {
			err = errors.New("account deactivated")
		}
		if rotatable {
			m.burn(ctx, claims.TokenID)
		}
		m.metrics.RefreshAttempt(metrics.ResultRejected)
		return nil, autherr.E(autherr.InvalidRefreshToken, op, err)
	case err != nil:
		m.metrics.RefreshAttempt(metrics.ResultError)
		return nil, autherr.E(autherr.Internal, op, errors.Wrap(err, "[Manager.Refresh] GetByID"))
	}

	pair, next, err := m.issue(account)
	if err != nil {
		m.metrics.RefreshAttempt(metrics.ResultError)
		return nil, autherr.E(autherr.Internal, op, err)
	}

	if rotatable {
		err = m.rotate(ctx, claims, next)
	} else if err = m.records.Create(ctx, next); err != nil {
		m.metrics.RefreshAttempt(metrics.ResultError)
		err = autherr.E(autherr.Internal, op, errors.Wrap(err, "[Manager.Refresh] Create"))
	}
	if err != nil {
		return nil, err
	}

	m.metrics.SessionMinted()
	m.metrics.RefreshAttempt(metrics.ResultSuccess)
	return pair, nil
}

func (m *Manager) rotate(ctx context.Context, claims *Claims, next *refresh.Record) error {
	const op = "token.Refresh"

	_, err := m.records.Rotate(ctx, claims.TokenID, next, m.nowFunc())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, refresh.ErrNotFound), errors.Is(err, refresh.ErrRevoked), errors.Is(err, refresh.ErrExpired):
		m.metrics.RefreshAttempt(metrics.ResultRejected)
		return autherr.E(autherr.InvalidRefreshToken, op, err)
	case errors.Is(err, refresh.ErrOwnerMismatch):
		m.logger.Warn().
			Str("token_id", claims.TokenID).
			Str("claim_account_id", claims.AccountID()).
			Msg("refresh record owner does not match token subject")
		m.metrics.RefreshAttempt(metrics.ResultRejected)
		return autherr.E(autherr.InvalidRefreshToken, op, err)
	default:
		m.logger.Error().Err(err).
			Str("account_id", next.AccountID).
			Str("token_id", claims.TokenID).
			Msg("refresh rotation failed")
		m.metrics.RefreshAttempt(metrics.ResultError)
		return autherr.E(autherr.Internal, op, errors.Wrap(err, "[Manager.Refresh] Rotate"))
	}
}

// burn retires a token presented for an account that can no longer use it.
func (m *Manager) burn(ctx context.Context, tokenID string) {
	_, err := m.records.Consume(ctx, tokenID, m.nowFunc())
	switch {
	case err == nil, errors.Is(err, refresh.ErrNotFound), errors.Is(err, refresh.ErrRevoked), errors.Is(err, refresh.ErrExpired):
	default:
		m.logger.Warn().Err(err).Str("token_id", tokenID).Msg("could not retire refresh token")
	}
}

// VerifyAccess checks an access token without touching any store.
func (m *Manager) VerifyAccess(raw string) (*Claims, error) {
	const op = "token.VerifyAccess"

	claims, err := m.verify(raw)
	if err != nil {
		return nil, autherr.E(autherr.InvalidAccessToken, op, err)
	}
	if claims.Type != TypeAccess {
		return nil, autherr.E(autherr.InvalidAccessToken, op, errors.Errorf("token type %q", claims.Type))
	}
	return claims, nil
}

func (m *Manager) verify(raw string) (*Claims, error) {
	claims, err := m.signer.Verify(raw)
	if err != nil {
		return nil, err
	}
	if m.issuer != "" && claims.Issuer != m.issuer {
		return nil, errors.Errorf("unexpected issuer %q", claims.Issuer)
	}
	if m.audience != "" {
		found := false
		for _, aud := range claims.Audience {
			if aud == m.audience {
				found = true
				break
			}
		}
		if !found {
			return nil, errors.New("audience mismatch")
		}
	}
	if claims.AccountID() == "" {
		return nil, errors.New("missing subject")
	}
	return claims, nil
}

// Revoke marks one record revoked. Unknown and already revoked ids are not an error.
func (m *Manager) Revoke(ctx context.Context, tokenID string) error {
	if err := m.records.Revoke(ctx, tokenID); err != nil {
		return autherr.E(autherr.Internal, "token.Revoke", errors.Wrap(err, "[Manager.Revoke] Revoke"))
	}
	return nil
}

// RevokeRefreshToken revokes the record behind a signed refresh token (logout).
func (m *Manager) RevokeRefreshToken(ctx context.Context, raw string) error {
	const op = "token.RevokeRefreshToken"

	claims, err := m.verify(raw)
	if err != nil {
		return autherr.E(autherr.InvalidRefreshToken, op, err)
	}
	if claims.Type != TypeRefresh || claims.TokenID == "" {
		return autherr.E(autherr.InvalidRefreshToken, op, errors.New("not a revocable refresh token"))
	}
	return m.Revoke(ctx, claims.TokenID)
}

// RevokeAll revokes every live record for the account and reports how many changed.
func (m *Manager) RevokeAll(ctx context.Context, accountID string) (int, error) {
	n, err := m.records.RevokeAll(ctx, accountID)
	if err != nil {
		return 0, autherr.E(autherr.Internal, "token.RevokeAll", errors.Wrap(err, "[Manager.RevokeAll] RevokeAll"))
	}
	return n, nil
}

// Sweep deletes records expired as of the moment it is called.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	cutoff := m.nowFunc()
	n, err := m.records.Sweep(ctx, cutoff)
	if err != nil {
		return 0, autherr.E(autherr.Internal, "token.Sweep", errors.Wrap(err, "[Manager.Sweep] Sweep"))
	}
	m.metrics.RecordsSwept(n)
	return n, nil
}
