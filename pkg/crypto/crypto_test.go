package crypto

import (
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Small primes keep key generation fast; the arithmetic is identical.
const testPrimeBits = 256

var (
	testKeyOnce sync.Once
	testKey     *Keypair
)

func sharedKeypair(t testing.TB) *Keypair {
	testKeyOnce.Do(func() {
		var err error
		testKey, err = GenerateKeypair(testPrimeBits)
		if err != nil {
			t.Fatalf("GenerateKeypair() error = %v", err)
		}
	})
	return testKey
}

func TestGenerateKeypair(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	k, err := GenerateKeypair(testPrimeBits)
	require.NoError(err)

	pub := k.Public()
	assert.Equal(int64(PublicExponent), pub.E.Int64())
	assert.Equal(2*testPrimeBits, pub.N.BitLen())
	assert.Equal(2*testPrimeBits/8-PaddingOverhead, pub.ChunkSize())

	// m^(e*d) == m mod n for an arbitrary m.
	m := big.NewInt(0xC0FFEE)
	c := new(big.Int).Exp(m, pub.E, pub.N)
	buf, err := k.d.Load().Open()
	require.NoError(err)
	d := new(big.Int).SetBytes(buf.Bytes())
	buf.Destroy()
	assert.Equal(0, m.Cmp(new(big.Int).Exp(c, d, pub.N)))

	k2, err := GenerateKeypair(testPrimeBits)
	require.NoError(err)
	assert.NotEqual(pub.N.String(), k2.Public().N.String(), "two keypairs should differ")
}

func TestGenerateKeypair_TooSmall(t *testing.T) {
	_, err := GenerateKeypair(MinPrimeBits - 1)
	require.ErrorIs(t, err, ErrKeyGeneration)
}

func TestPublicKeyCodec(t *testing.T) {
	require := require.New(t)
	k := sharedKeypair(t)

	encoded := EncodePublicKey(k)
	require.True(strings.HasPrefix(encoded, "65537:"))

	decoded, err := DecodePublicKey(encoded)
	require.NoError(err)
	require.Equal(0, decoded.E.Cmp(k.Public().E))
	require.Equal(0, decoded.N.Cmp(k.Public().N))
	require.Equal(encoded, decoded.String())
}

func TestDecodePublicKey_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "", ErrMalformedKey},
		{"one field", "65537", ErrMalformedKey},
		{"three fields", "1:2:3", ErrMalformedKey},
		{"hex modulus", "65537:ff", ErrMalformedKey},
		{"negative", "65537:-12345", ErrMalformedKey},
		{"signed exponent", "+3:12345", ErrMalformedKey},
		{"zero modulus", "65537:0", ErrMalformedKey},
		{"empty exponent", ":12345", ErrMalformedKey},
		{"tiny modulus", "65537:3233", ErrKeyTooSmall},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePublicKey(tt.input)
			require.ErrorIs(t, err, tt.want)
			assert.True(t, IsCryptoError(err))
		})
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	k := sharedKeypair(t)
	chunk := k.Public().ChunkSize()

	tests := []struct {
		name string
		msg  string
	}{
		{"single byte", "x"},
		{"short", "Hello, secure world!"},
		{"exact chunk", strings.Repeat("a", chunk)},
		{"chunk plus one", strings.Repeat("b", chunk+1)},
		{"three chunks and change", strings.Repeat("c", 3*chunk+7)},
		{"multibyte", strings.Repeat("héllo wörld ✓ ", 20)},
		{"colon", "alice:password1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, err := Encrypt(k.Public(), []byte(tt.msg))
			require.NoError(t, err)
			assert.True(t, strings.HasSuffix(ct, ChunkSeparator), "trailing separator")

			pt, err := k.Decrypt(ct)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, pt)
		})
	}
}

func TestEncrypt_ChunkBoundary(t *testing.T) {
	k := sharedKeypair(t)
	chunk := k.Public().ChunkSize()

	ct, err := Encrypt(k.Public(), []byte(strings.Repeat("z", chunk)))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(ct, ChunkSeparator))

	ct, err = Encrypt(k.Public(), []byte(strings.Repeat("z", chunk+1)))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(ct, ChunkSeparator))
}

func TestDecrypt_ToleratesMissingTrailingSeparator(t *testing.T) {
	k := sharedKeypair(t)

	ct, err := Encrypt(k.Public(), []byte("no trailing"))
	require.NoError(t, err)

	pt, err := k.Decrypt(strings.TrimSuffix(ct, ChunkSeparator))
	require.NoError(t, err)
	assert.Equal(t, "no trailing", pt)

	pt, err = k.Decrypt(ct + ChunkSeparator)
	require.NoError(t, err)
	assert.Equal(t, "no trailing", pt)
}

func TestEncrypt_Errors(t *testing.T) {
	k := sharedKeypair(t)

	_, err := Encrypt(k.Public(), nil)
	require.ErrorIs(t, err, ErrEmptyMessage)

	_, err = Encrypt(k.Public(), []byte{})
	require.ErrorIs(t, err, ErrEmptyMessage)

	tiny := &PublicKey{E: big.NewInt(PublicExponent), N: big.NewInt(3233)}
	_, err = Encrypt(tiny, []byte("hi"))
	require.ErrorIs(t, err, ErrKeyTooSmall)
}

func TestDecrypt_Errors(t *testing.T) {
	k := sharedKeypair(t)

	invalid, err := Encrypt(k.Public(), []byte{0xff, 0xfe, 0xfd})
	require.NoError(t, err)

	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "", ErrEmptyCiphertext},
		{"only separators", ":::", ErrEmptyCiphertext},
		{"not hex", "xyz:", ErrMalformedChunk},
		{"negative", "-ff:", ErrMalformedChunk},
		{"invalid utf8", invalid, ErrInvalidUTF8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := k.Decrypt(tt.input)
			require.ErrorIs(t, err, tt.want)
			assert.True(t, IsCryptoError(err))
		})
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	k := sharedKeypair(t)
	other, err := GenerateKeypair(testPrimeBits)
	require.NoError(t, err)

	ct, err := Encrypt(other.Public(), []byte("for someone else"))
	require.NoError(t, err)

	pt, err := k.Decrypt(ct)
	if err == nil {
		assert.NotEqual(t, "for someone else", pt)
	}
}

func TestKeypairDestroy(t *testing.T) {
	k, err := GenerateKeypair(testPrimeBits)
	require.NoError(t, err)

	ct, err := Encrypt(k.Public(), []byte("bye"))
	require.NoError(t, err)

	k.Destroy()
	_, err = k.Decrypt(ct)
	require.ErrorIs(t, err, ErrDestroyed)
}

func BenchmarkEncryptDecrypt(b *testing.B) {
	k := sharedKeypair(b)
	msg := []byte("Benchmark message for encryption testing")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ct, _ := Encrypt(k.Public(), msg)
		k.Decrypt(ct)
	}
}
