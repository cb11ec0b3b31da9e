// Package licensekey generates and validates license key strings.
//
// A key looks like KF-7Q2M-X9AB-04ZC-3F1E: a prefix, then 16 uppercase base36
// characters in four blocks of four. The first 12 characters are random; the
// last 4 are the leading hex digits of SHA-256(random || salt), uppercased.
// The checksum lets a client reject typos and tampered keys without a lookup.
package licensekey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	DefaultPrefix = "KF"
	DefaultSalt   = "keyfulfill-license-v1"

	alphabet    = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	entropyLen  = 12
	checksumLen = 4
	blockLen    = 4
	blocks      = (entropyLen + checksumLen) / blockLen
	bodyLen     = entropyLen + checksumLen + blocks - 1

	// Largest multiple of 36 that fits in a byte; bytes at or above it are
	// rejected so every character is equally likely.
	maxUnbiased = 252
)

type Reason string

const (
	ReasonFormatInvalid   Reason = "format_invalid"
	ReasonChecksumInvalid Reason = "checksum_invalid"
)

// Result is the outcome of Validate. Reason is empty when Valid is true.
type Result struct {
	Valid  bool
	Reason Reason
}

// Codec generates and validates keys for one prefix and salt.
type Codec struct {
	prefix string
	salt   string
	random io.Reader
}

type Option func(*Codec)

// WithRandom replaces the entropy source. Used by tests.
func WithRandom(r io.Reader) Option {
	return func(c *Codec) {
		c.random = r
	}
}

// New returns a codec. Empty prefix or salt fall back to the defaults.
// The prefix must be uppercase letters and digits.
func New(prefix, salt string, opts ...Option) (*Codec, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if salt == "" {
		salt = DefaultSalt
	}
	for i := 0; i < len(prefix); i++ {
		if !isBase36(prefix[i]) {
			return nil, fmt.Errorf("invalid key prefix %q", prefix)
		}
	}
	c := &Codec{
		prefix: prefix,
		salt:   salt,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Prefix returns the key prefix without the trailing dash.
func (c *Codec) Prefix() string {
	return c.prefix
}

// Generate draws fresh entropy and returns a checksum-valid key.
func (c *Codec) Generate() (string, error) {
	entropy, err := c.draw(entropyLen)
	if err != nil {
		return "", err
	}
	return c.Compose(entropy)
}

// GenerateBatch returns n distinct keys. Keys are unique within the batch
// only; global uniqueness is up to the caller's storage.
func (c *Codec) GenerateBatch(n int) ([]string, error) {
	if n < 0 {
		return nil, errors.New("negative batch size")
	}
	seen := make(map[string]struct{}, n)
	keys := make([]string, 0, n)
	for len(keys) < n {
		key, err := c.Generate()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys, nil
}

// Compose builds a key from 12 base36 characters of entropy.
func (c *Codec) Compose(entropy string) (string, error) {
	if len(entropy) != entropyLen {
		return "", fmt.Errorf("entropy must be %d characters, got %d", entropyLen, len(entropy))
	}
	for i := 0; i < len(entropy); i++ {
		if !isBase36(entropy[i]) {
			return "", fmt.Errorf("entropy contains non-base36 character %q", entropy[i])
		}
	}

	raw := entropy + Checksum(entropy, c.salt)
	var b strings.Builder
	b.Grow(len(c.prefix) + 1 + bodyLen)
	b.WriteString(c.prefix)
	for i := 0; i < len(raw); i += blockLen {
		b.WriteByte('-')
		b.WriteString(raw[i : i+blockLen])
	}
	return b.String(), nil
}

// Validate checks structure first and the checksum second, so callers can
// tell garbage input (format_invalid) from a tampered key (checksum_invalid).
func (c *Codec) Validate(key string) Result {
	raw, ok := c.parse(key)
	if !ok {
		return Result{Reason: ReasonFormatInvalid}
	}
	entropy, sum := raw[:entropyLen], raw[entropyLen:]
	if Checksum(entropy, c.salt) != sum {
		return Result{Reason: ReasonChecksumInvalid}
	}
	return Result{Valid: true}
}

// parse strips prefix and dashes, returning the 16 key characters.
func (c *Codec) parse(key string) (string, bool) {
	if len(key) != len(c.prefix)+1+bodyLen {
		return "", false
	}
	if !strings.HasPrefix(key, c.prefix+"-") {
		return "", false
	}
	body := key[len(c.prefix)+1:]
	raw := make([]byte, 0, entropyLen+checksumLen)
	for i := 0; i < len(body); i++ {
		ch := body[i]
		if (i+1)%(blockLen+1) == 0 {
			if ch != '-' {
				return "", false
			}
			continue
		}
		if !isBase36(ch) {
			return "", false
		}
		raw = append(raw, ch)
	}
	return string(raw), true
}

// Checksum returns the first four hex digits of SHA-256(entropy || salt), uppercased.
func Checksum(entropy, salt string) string {
	sum := sha256.Sum256([]byte(entropy + salt))
	return strings.ToUpper(hex.EncodeToString(sum[:])[:checksumLen])
}

// Normalize trims whitespace and uppercases user-typed keys.
func Normalize(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

func (c *Codec) draw(n int) (string, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := io.ReadFull(c.random, buf); err != nil {
			return "", fmt.Errorf("read entropy: %w", err)
		}
		for _, b := range buf {
			if b >= maxUnbiased {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

func isBase36(ch byte) bool {
	return (ch >= '0' && ch <= '9') || (ch >= 'A' && ch <= 'Z')
}
