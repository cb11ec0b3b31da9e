package licensekey

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T, opts ...Option) *Codec {
	t.Helper()
	c, err := New("", "", opts...)
	require.NoError(t, err)
	return c
}

func TestGenerateFormat(t *testing.T) {
	c := newTestCodec(t)

	key, err := c.Generate()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, "KF-"), "key %q missing prefix", key)
	// KF-XXXX-XXXX-XXXX-XXXX
	assert.Len(t, key, 22)
	parts := strings.Split(key, "-")
	require.Len(t, parts, 5)
	for _, p := range parts[1:] {
		assert.Len(t, p, 4)
		for _, ch := range p {
			assert.Contains(t, alphabet, string(ch))
		}
	}
}

func TestGeneratedKeysValidate(t *testing.T) {
	c := newTestCodec(t)

	for i := 0; i < 500; i++ {
		key, err := c.Generate()
		require.NoError(t, err)
		res := c.Validate(key)
		require.True(t, res.Valid, "generated key %q failed validation: %s", key, res.Reason)
		require.Empty(t, res.Reason)
	}
}

func TestComposeDeterministic(t *testing.T) {
	c := newTestCodec(t)

	a, err := c.Compose("ABCDEFGHJK12")
	require.NoError(t, err)
	b, err := c.Compose("ABCDEFGHJK12")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "KF-ABCD-EFGH-JK12-"))
	assert.Equal(t, Checksum("ABCDEFGHJK12", DefaultSalt), strings.ReplaceAll(a, "-", "")[len("KF")+12:])
}

func TestComposeRejectsBadEntropy(t *testing.T) {
	c := newTestCodec(t)

	_, err := c.Compose("SHORT")
	assert.Error(t, err)
	_, err = c.Compose("abcdefghijkl")
	assert.Error(t, err)
}

func TestSaltChangesChecksum(t *testing.T) {
	a := newTestCodec(t)
	b, err := New("KF", "another-salt")
	require.NoError(t, err)

	key, err := a.Generate()
	require.NoError(t, err)

	// Same structure, different salt: checksum no longer matches (barring a
	// 1 in 65536 collision, which a fixed entropy string rules out below).
	fixed, err := a.Compose("000000000000")
	require.NoError(t, err)
	if Checksum("000000000000", DefaultSalt) != Checksum("000000000000", "another-salt") {
		assert.Equal(t, ReasonChecksumInvalid, b.Validate(fixed).Reason)
	}
	assert.NotEqual(t, ReasonFormatInvalid, b.Validate(key).Reason)
}

func TestValidateFormatInvalid(t *testing.T) {
	c := newTestCodec(t)
	valid, err := c.Compose("7Q2MX9AB04ZC")
	require.NoError(t, err)

	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"garbage", "hello world"},
		{"wrong prefix", "GW" + valid[2:]},
		{"missing prefix", valid[3:]},
		{"lowercase", strings.ToLower(valid)},
		{"dash moved", valid[:7] + valid[8:9] + "-" + valid[9:]},
		{"symbol", valid[:len(valid)-1] + "!"},
		{"too long", valid + "A"},
		{"too short", valid[:len(valid)-1]},
		{"no dashes", "KF-" + strings.ReplaceAll(valid[3:], "-", "") + "XXX"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Validate(tt.key)
			assert.False(t, res.Valid)
			assert.Equal(t, ReasonFormatInvalid, res.Reason)
		})
	}
}

func TestSingleCharacterMutationIsChecksumInvalid(t *testing.T) {
	c := newTestCodec(t)

	var mutations, falseAccepts int
	for i := 0; i < 200; i++ {
		key, err := c.Generate()
		require.NoError(t, err)

		for pos := len(c.Prefix()) + 1; pos < len(key); pos++ {
			if key[pos] == '-' {
				continue
			}
			replacement := alphabet[(strings.IndexByte(alphabet, key[pos])+1+i%35)%len(alphabet)]
			mutated := key[:pos] + string(replacement) + key[pos+1:]
			require.NotEqual(t, key, mutated)

			res := c.Validate(mutated)
			require.NotEqual(t, ReasonFormatInvalid, res.Reason, "mutation %q of %q reported as format_invalid", mutated, key)
			mutations++
			if res.Valid {
				falseAccepts++
			}
		}
	}

	// Expected false accepts is mutations/65536, well under one.
	assert.Equal(t, 3200, mutations)
	assert.LessOrEqual(t, falseAccepts, 3)
}

func TestGenerateRejectsBiasedBytes(t *testing.T) {
	// 24 bytes are read per draw; the first draw is all out of range and must
	// be discarded entirely, the second yields all '0'.
	src := append(bytes.Repeat([]byte{255}, 24), bytes.Repeat([]byte{0}, 24)...)
	c := newTestCodec(t, WithRandom(bytes.NewReader(src)))

	key, err := c.Generate()
	require.NoError(t, err)

	want, err := c.Compose("000000000000")
	require.NoError(t, err)
	assert.Equal(t, want, key)
}

func TestGenerateEntropyExhausted(t *testing.T) {
	c := newTestCodec(t, WithRandom(bytes.NewReader(nil)))

	_, err := c.Generate()
	assert.Error(t, err)
}

func TestGenerateBatchUnique(t *testing.T) {
	c := newTestCodec(t)

	keys, err := c.GenerateBatch(1000)
	require.NoError(t, err)
	require.Len(t, keys, 1000)

	seen := make(map[string]bool)
	for _, k := range keys {
		assert.False(t, seen[k], "duplicate key %q in batch", k)
		seen[k] = true
		assert.True(t, c.Validate(k).Valid)
	}
}

func TestGenerateBatchRegeneratesCollisions(t *testing.T) {
	// Two identical draws followed by a distinct one: the batch must skip the
	// repeat rather than return it twice.
	zeros := bytes.Repeat([]byte{0}, 24)
	ones := bytes.Repeat([]byte{1}, 24)
	src := append(append(append([]byte{}, zeros...), zeros...), ones...)
	c := newTestCodec(t, WithRandom(bytes.NewReader(src)))

	keys, err := c.GenerateBatch(2)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.NotEqual(t, keys[0], keys[1])
}

func TestNewRejectsBadPrefix(t *testing.T) {
	_, err := New("kf", "")
	assert.Error(t, err)
	_, err = New("K-F", "")
	assert.Error(t, err)

	c, err := New("ACME", "")
	require.NoError(t, err)
	key, err := c.Generate()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "ACME-"))
	assert.True(t, c.Validate(key).Valid)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "KF-ABCD-EFGH-JK12-0000", Normalize("  kf-abcd-efgh-jk12-0000\n"))
}
