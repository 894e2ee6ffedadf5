package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

const argon2Algorithm = "argon2id"

// Argon2Config sets the argon2id work factor.
type Argon2Config struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Config follows the RFC 9106 second recommended option.
func DefaultArgon2Config() Argon2Config {
	return Argon2Config{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Argon2id implements Hasher producing PHC-formatted strings:
// $argon2id$v=19$m=65536,t=3,p=2$<salt>$<hash>
type Argon2id struct {
	config Argon2Config
}

var _ Hasher = (*Argon2id)(nil)

// NewArgon2id validates cfg and returns a hasher.
func NewArgon2id(cfg Argon2Config) (*Argon2id, error) {
	switch {
	case cfg.Memory < 8*1024:
		return nil, errors.New("argon2id memory must be at least 8192 KiB")
	case cfg.Time < 1:
		return nil, errors.New("argon2id time must be at least 1")
	case cfg.Parallelism < 1:
		return nil, errors.New("argon2id parallelism must be at least 1")
	case cfg.SaltLength < 16:
		return nil, errors.New("argon2id salt length must be at least 16")
	case cfg.KeyLength < 16:
		return nil, errors.New("argon2id key length must be at least 16")
	}
	return &Argon2id{config: cfg}, nil
}

func (a *Argon2id) Hash(password string) (string, error) {
	salt := make([]byte, a.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", errors.Wrap(err, "[Argon2id.Hash] read salt")
	}

	key := argon2.IDKey([]byte(password), salt, a.config.Time, a.config.Memory, a.config.Parallelism, a.config.KeyLength)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Algorithm,
		argon2.Version,
		a.config.Memory,
		a.config.Time,
		a.config.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (a *Argon2id) Verify(password, encodedHash string) (bool, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != argon2Algorithm {
		return false, errors.New("[Argon2id.Verify] malformed hash")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, errors.New("[Argon2id.Verify] unsupported version")
	}

	var (
		memory, time uint32
		parallelism  uint8
	)
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &parallelism); err != nil {
		return false, errors.Wrap(err, "[Argon2id.Verify] parse parameters")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, errors.Wrap(err, "[Argon2id.Verify] decode salt")
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, errors.Wrap(err, "[Argon2id.Verify] decode hash")
	}

	got := argon2.IDKey([]byte(password), salt, time, memory, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
