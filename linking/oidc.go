package linking

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// OIDCVerifier turns provider ID tokens into ExternalIdentity values.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
	oauth    *oauth2.Config
}

type OIDCOption func(*oidcSettings)

type oidcSettings struct {
	clientSecret string
	redirectURL  string
	scopes       []string
	endpoint     *oauth2.Endpoint
	nowFunc      func() time.Time
}

// WithOAuth2Client enables Exchange for the authorization-code flow. The openid scope is
// always requested, whether or not it is listed; with no scopes email and profile are added.
func WithOAuth2Client(clientSecret, redirectURL string, scopes ...string) OIDCOption {
	return func(s *oidcSettings) {
		s.clientSecret = clientSecret
		s.redirectURL = redirectURL
		s.scopes = scopes
	}
}

func WithEndpoint(endpoint oauth2.Endpoint) OIDCOption {
	return func(s *oidcSettings) {
		s.endpoint = &endpoint
	}
}

func WithOIDCNowFunc(now func() time.Time) OIDCOption {
	return func(s *oidcSettings) {
		s.nowFunc = now
	}
}

// NewOIDCVerifier discovers issuer's configuration and signing keys.
func NewOIDCVerifier(ctx context.Context, issuer, clientID string, options ...OIDCOption) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, errors.Wrap(err, "[linking.NewOIDCVerifier] NewProvider")
	}
	options = append([]OIDCOption{WithEndpoint(provider.Endpoint())}, options...)
	return newOIDCVerifier(provider.Verifier, clientID, options), nil
}

// NewStaticOIDCVerifier verifies against a fixed key set without discovery.
func NewStaticOIDCVerifier(issuer, clientID string, keySet oidc.KeySet, options ...OIDCOption) *OIDCVerifier {
	return newOIDCVerifier(func(cfg *oidc.Config) *oidc.IDTokenVerifier {
		return oidc.NewVerifier(issuer, keySet, cfg)
	}, clientID, options)
}

func newOIDCVerifier(build func(*oidc.Config) *oidc.IDTokenVerifier, clientID string, options []OIDCOption) *OIDCVerifier {
	var s oidcSettings
	for _, opt := range options {
		opt(&s)
	}

	v := &OIDCVerifier{
		verifier: build(&oidc.Config{ClientID: clientID, Now: s.nowFunc}),
	}
	if s.endpoint != nil && s.redirectURL != "" {
		v.oauth = &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: s.clientSecret,
			RedirectURL:  s.redirectURL,
			Endpoint:     *s.endpoint,
			Scopes:       requestedScopes(s.scopes),
		}
	}
	return v
}

// requestedScopes puts openid first; without it the provider returns no ID token.
func requestedScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return []string{oidc.ScopeOpenID, "email", "profile"}
	}
	out := []string{oidc.ScopeOpenID}
	for _, scope := range scopes {
		if scope != oidc.ScopeOpenID {
			out = append(out, scope)
		}
	}
	return out
}

// flexBool accepts both JSON booleans and the "true"/"false" strings some providers send.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v bool
	if err := json.Unmarshal(data, &v); err == nil {
		*b = flexBool(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	*b = flexBool(v)
	return nil
}

// Verify checks rawIDToken's signature, issuer, audience and expiry.
func (v *OIDCVerifier) Verify(ctx context.Context, rawIDToken string) (*ExternalIdentity, error) {
	idToken, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, errors.Wrap(err, "[OIDCVerifier.Verify] Verify")
	}

	var claims struct {
		Email         string   `json:"email"`
		EmailVerified flexBool `json:"email_verified"`
		Name          string   `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, errors.Wrap(err, "[OIDCVerifier.Verify] Claims")
	}

	return &ExternalIdentity{
		Subject:       idToken.Subject,
		Email:         claims.Email,
		EmailVerified: bool(claims.EmailVerified),
		Name:          claims.Name,
	}, nil
}

// AuthCodeURL starts the authorization-code flow with PKCE.
func (v *OIDCVerifier) AuthCodeURL(state, codeVerifier string) (string, error) {
	if v.oauth == nil {
		return "", errors.New("[OIDCVerifier.AuthCodeURL] oauth2 client not configured")
	}
	return v.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(codeVerifier)), nil
}

// Exchange redeems an authorization code and verifies the returned ID token.
func (v *OIDCVerifier) Exchange(ctx context.Context, code, codeVerifier string) (*ExternalIdentity, error) {
	if v.oauth == nil {
		return nil, errors.New("[OIDCVerifier.Exchange] oauth2 client not configured")
	}

	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}
	tok, err := v.oauth.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "[OIDCVerifier.Exchange] Exchange")
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("[OIDCVerifier.Exchange] no id_token in token response")
	}
	return v.Verify(ctx, rawIDToken)
}
