package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Signer issues and verifies tamper-evident, time-bound tokens.
type Signer interface {
	// Sign stamps claims with IssuedAt (now, unless already set) and ExpiresAt = IssuedAt + ttl.
	Sign(claims *Claims, ttl time.Duration) (string, error)
	// Verify checks signature, algorithm and expiry and returns the payload.
	Verify(raw string) (*Claims, error)
}

type SignerOption func(*jwtSigner)

// WithSignerNowFunc sets the clock used to stamp and validate tokens.
func WithSignerNowFunc(now func() time.Time) SignerOption {
	return func(s *jwtSigner) {
		s.nowFunc = now
	}
}

type jwtSigner struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	keyID     string
	nowFunc   func() time.Time
}

func newJWTSigner(method jwt.SigningMethod, signKey, verifyKey any, keyID string, options []SignerOption) jwtSigner {
	s := jwtSigner{
		method:    method,
		signKey:   signKey,
		verifyKey: verifyKey,
		keyID:     keyID,
		nowFunc:   time.Now,
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

func (s *jwtSigner) Sign(claims *Claims, ttl time.Duration) (string, error) {
	if claims == nil {
		return "", errors.New("[Signer.Sign] nil claims")
	}
	c := *claims
	if c.IssuedAt == nil {
		c.IssuedAt = jwt.NewNumericDate(s.nowFunc())
	}
	c.ExpiresAt = jwt.NewNumericDate(c.IssuedAt.Add(ttl))

	t := jwt.NewWithClaims(s.method, &c)
	if s.keyID != "" {
		t.Header["kid"] = s.keyID
	}
	signed, err := t.SignedString(s.signKey)
	if err != nil {
		return "", errors.Wrap(err, "[Signer.Sign] SignedString")
	}
	return signed, nil
}

func (s *jwtSigner) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.verifyKey, nil
	},
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithTimeFunc(s.nowFunc),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[Signer.Verify] ParseWithClaims")
	}
	return claims, nil
}

// HMACSigner signs with HS256 and a shared secret.
type HMACSigner struct {
	jwtSigner
}

func NewHMACSigner(secret string, options ...SignerOption) *HMACSigner {
	key := []byte(secret)
	return &HMACSigner{jwtSigner: newJWTSigner(jwt.SigningMethodHS256, key, key, "", options)}
}

// KeyPairSigner signs with an RSA or ECDSA private key and publishes the public half as a JWKS.
type KeyPairSigner struct {
	jwtSigner
	keyPair *KeyPair
}

func NewKeyPairSigner(keyPair *KeyPair, options ...SignerOption) *KeyPairSigner {
	return &KeyPairSigner{
		jwtSigner: newJWTSigner(keyPair.SigningMethod(), keyPair.PrivateKey, keyPair.PublicKey, keyPair.KeyID, options),
		keyPair:   keyPair,
	}
}

func (a *KeyPairSigner) JWKS() (*JWKS, error) {
	jwk, err := a.keyPair.ToJWK()
	if err != nil {
		return nil, errors.Wrap(err, "[KeyPairSigner.JWKS] ToJWK")
	}
	return &JWKS{Keys: []JWK{*jwk}}, nil
}
