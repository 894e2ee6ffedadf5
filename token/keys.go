package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"math/big"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// KeyPair is an asymmetric signing key with its published identifier.
type KeyPair struct {
	KeyID      string
	PrivateKey crypto.Signer
	PublicKey  crypto.PublicKey
	Algorithm  string // RS256 or ES256/ES384/ES512
}

// JWKS is a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`

	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

func GenerateRSAKeyPair(keyID string, bits int) (*KeyPair, error) {
	if bits < 2048 {
		bits = 2048
	}
	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, errors.Wrap(err, "[token.GenerateRSAKeyPair] rsa.GenerateKey")
	}
	return &KeyPair{
		KeyID:      keyID,
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
		Algorithm:  "RS256",
	}, nil
}

func GenerateECDSAKeyPair(keyID string) (*KeyPair, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "[token.GenerateECDSAKeyPair] ecdsa.GenerateKey")
	}
	return &KeyPair{
		KeyID:      keyID,
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
		Algorithm:  "ES256",
	}, nil
}

// LoadKeyPairFromPEM accepts PKCS#1 RSA, SEC1 EC, or PKCS#8 private keys. The algorithm is
// chosen from the key type and, for EC keys, the curve.
func LoadKeyPairFromPEM(keyID string, pemData []byte) (*KeyPair, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("[token.LoadKeyPairFromPEM] no PEM block found")
	}

	var key any
	var err error
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, errors.Errorf("[token.LoadKeyPairFromPEM] unsupported PEM block %q", block.Type)
	}
	if err != nil {
		return nil, errors.Wrap(err, "[token.LoadKeyPairFromPEM] parse")
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		return &KeyPair{KeyID: keyID, PrivateKey: k, PublicKey: &k.PublicKey, Algorithm: "RS256"}, nil
	case *ecdsa.PrivateKey:
		alg, err := ecdsaAlgorithm(k.Curve)
		if err != nil {
			return nil, err
		}
		return &KeyPair{KeyID: keyID, PrivateKey: k, PublicKey: &k.PublicKey, Algorithm: alg}, nil
	default:
		return nil, errors.Errorf("[token.LoadKeyPairFromPEM] unsupported key type %T", key)
	}
}

func ecdsaAlgorithm(curve elliptic.Curve) (string, error) {
	switch curve {
	case elliptic.P256():
		return "ES256", nil
	case elliptic.P384():
		return "ES384", nil
	case elliptic.P521():
		return "ES512", nil
	}
	return "", errors.Errorf("[token] unsupported curve %s", curve.Params().Name)
}

func (kp *KeyPair) SigningMethod() jwt.SigningMethod {
	switch kp.Algorithm {
	case "ES256":
		return jwt.SigningMethodES256
	case "ES384":
		return jwt.SigningMethodES384
	case "ES512":
		return jwt.SigningMethodES512
	default:
		return jwt.SigningMethodRS256
	}
}

// PrivateKeyPEM encodes the private key as PKCS#8.
func (kp *KeyPair) PrivateKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(kp.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "[KeyPair.PrivateKeyPEM] MarshalPKCS8PrivateKey")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ToJWK converts the public half to JWK form.
func (kp *KeyPair) ToJWK() (*JWK, error) {
	jwk := &JWK{
		Kid: kp.KeyID,
		Use: "sig",
		Alg: kp.Algorithm,
	}

	switch pub := kp.PublicKey.(type) {
	case *rsa.PublicKey:
		jwk.Kty = "RSA"
		jwk.N = base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
		jwk.E = base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes())
	case *ecdsa.PublicKey:
		size := (pub.Curve.Params().BitSize + 7) / 8
		jwk.Kty = "EC"
		jwk.Crv = pub.Curve.Params().Name
		jwk.X = base64.RawURLEncoding.EncodeToString(pub.X.FillBytes(make([]byte, size)))
		jwk.Y = base64.RawURLEncoding.EncodeToString(pub.Y.FillBytes(make([]byte, size)))
	default:
		return nil, errors.Errorf("[KeyPair.ToJWK] unsupported public key type %T", kp.PublicKey)
	}
	return jwk, nil
}
