// Package crypto provides the asymmetric primitives used by rsachat sessions.
// Includes keypair generation, the public key text codec and chunked
// encryption/decryption of arbitrary length messages.
package crypto

import (
	cryptorand "crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/awnumar/memguard"
)

const (
	// PublicExponent is the fixed public exponent of every keypair
	PublicExponent = 65537

	// DefaultPrimeBits is the bit length of each prime factor of the modulus
	DefaultPrimeBits = 2048

	// MinPrimeBits is the smallest accepted prime size
	MinPrimeBits = 128

	// PaddingOverhead is the number of bytes reserved per chunk
	PaddingOverhead = 11

	// KeySeparator separates exponent and modulus in an encoded public key
	KeySeparator = ":"

	// ChunkSeparator terminates every encrypted chunk
	ChunkSeparator = ":"

	maxKeygenAttempts = 8
)

var (
	ErrMalformedKey    = errors.New("crypto: malformed public key")
	ErrKeyTooSmall     = errors.New("crypto: modulus too small to carry a chunk")
	ErrEmptyMessage    = errors.New("crypto: message cannot be empty")
	ErrChunkTooLarge   = errors.New("crypto: chunk not below modulus")
	ErrEmptyCiphertext = errors.New("crypto: encrypted message cannot be empty")
	ErrMalformedChunk  = errors.New("crypto: malformed ciphertext chunk")
	ErrInvalidUTF8     = errors.New("crypto: decrypted message is not valid UTF-8")
	ErrKeyGeneration   = errors.New("crypto: key generation failed")
	ErrDestroyed       = errors.New("crypto: keypair destroyed")
)

var cryptoErrors = []error{
	ErrMalformedKey, ErrKeyTooSmall, ErrEmptyMessage, ErrChunkTooLarge,
	ErrEmptyCiphertext, ErrMalformedChunk, ErrInvalidUTF8, ErrKeyGeneration, ErrDestroyed,
}

var bigE = big.NewInt(PublicExponent)

// IsCryptoError reports whether err originates from this package.
func IsCryptoError(err error) bool {
	for _, e := range cryptoErrors {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// PublicKey is the public half of a keypair, or a peer's key learned
// during the handshake.
type PublicKey struct {
	E *big.Int
	N *big.Int
}

// ChunkSize returns the number of plaintext bytes carried by one chunk
// encrypted under this key.
func (p *PublicKey) ChunkSize() int {
	return p.N.BitLen()/8 - PaddingOverhead
}

// String encodes the key as "<exponent>:<modulus>" in decimal.
func (p *PublicKey) String() string {
	return p.E.String() + KeySeparator + p.N.String()
}

// Keypair is a per-connection keypair. The private exponent is kept
// sealed and only opened while decrypting.
type Keypair struct {
	pub PublicKey
	d   atomic.Pointer[memguard.Enclave]
}

// GenerateKeypair generates a fresh keypair whose modulus is the product
// of two primeBits sized primes.
func GenerateKeypair(primeBits int) (*Keypair, error) {
	if primeBits < MinPrimeBits {
		return nil, fmt.Errorf("%w: prime size %d below minimum %d", ErrKeyGeneration, primeBits, MinPrimeBits)
	}

	for attempt := 0; attempt < maxKeygenAttempts; attempt++ {
		p, err := cryptorand.Prime(cryptorand.Reader, primeBits)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
		}
		q, err := cryptorand.Prime(cryptorand.Reader, primeBits)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
		}
		if p.Cmp(q) == 0 {
			continue
		}

		n := new(big.Int).Mul(p, q)
		one := big.NewInt(1)
		phi := new(big.Int).Mul(new(big.Int).Sub(p, one), new(big.Int).Sub(q, one))

		d := new(big.Int).ModInverse(bigE, phi)
		if d == nil {
			// e shares a factor with phi, pick new primes.
			continue
		}

		k := &Keypair{pub: PublicKey{E: new(big.Int).Set(bigE), N: n}}
		k.d.Store(memguard.NewEnclave(d.Bytes()))
		return k, nil
	}

	return nil, fmt.Errorf("%w: exhausted %d attempts", ErrKeyGeneration, maxKeygenAttempts)
}

// Public returns the public half of the keypair.
func (k *Keypair) Public() *PublicKey {
	return &k.pub
}

// Destroy drops the sealed private exponent. Subsequent decryptions fail.
func (k *Keypair) Destroy() {
	k.d.Store(nil)
}

// EncodePublicKey serializes the public half of k for the handshake line.
func EncodePublicKey(k *Keypair) string {
	return k.pub.String()
}

// DecodePublicKey parses a peer's "<exponent>:<modulus>" handshake line.
func DecodePublicKey(s string) (*PublicKey, error) {
	parts := strings.Split(s, KeySeparator)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: want 2 fields, got %d", ErrMalformedKey, len(parts))
	}

	e, err := parsePositiveDecimal(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: exponent: %v", ErrMalformedKey, err)
	}
	n, err := parsePositiveDecimal(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: modulus: %v", ErrMalformedKey, err)
	}

	pub := &PublicKey{E: e, N: n}
	if pub.ChunkSize() <= 0 {
		return nil, fmt.Errorf("%w: %d bit modulus", ErrKeyTooSmall, n.BitLen())
	}
	return pub, nil
}

func parsePositiveDecimal(s string) (*big.Int, error) {
	if s == "" {
		return nil, errors.New("empty field")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("invalid digit %q", r)
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("invalid value %q", s)
	}
	return v, nil
}

// Encrypt encrypts plaintext under the peer's public key.
// Format: hex(c1) ":" hex(c2) ":" ... with a trailing separator.
func Encrypt(peer *PublicKey, plaintext []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", ErrEmptyMessage
	}

	chunkSize := peer.ChunkSize()
	if chunkSize <= 0 {
		return "", ErrKeyTooSmall
	}

	var sb strings.Builder
	m := new(big.Int)
	for i := 0; i < len(plaintext); i += chunkSize {
		end := min(i+chunkSize, len(plaintext))

		m.SetBytes(plaintext[i:end])
		if m.Cmp(peer.N) >= 0 {
			return "", ErrChunkTooLarge
		}

		c := new(big.Int).Exp(m, peer.E, peer.N)
		sb.WriteString(c.Text(16))
		sb.WriteString(ChunkSeparator)
	}

	return sb.String(), nil
}

// Decrypt decrypts a message produced by Encrypt under k's public key.
func (k *Keypair) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", ErrEmptyCiphertext
	}
	enclave := k.d.Load()
	if enclave == nil {
		return "", ErrDestroyed
	}

	buf, err := enclave.Open()
	if err != nil {
		return "", fmt.Errorf("crypto: failed to open private key: %w", err)
	}
	defer buf.Destroy()
	d := new(big.Int).SetBytes(buf.Bytes())

	var out []byte
	chunks := 0
	for _, seg := range strings.Split(ciphertext, ChunkSeparator) {
		if seg == "" {
			continue
		}

		c, ok := new(big.Int).SetString(seg, 16)
		if !ok || c.Sign() < 0 {
			return "", fmt.Errorf("%w: %.16q", ErrMalformedChunk, seg)
		}

		// Bytes is minimal big-endian, there is no sign byte to strip.
		out = append(out, new(big.Int).Exp(c, d, k.pub.N).Bytes()...)
		chunks++
	}

	if chunks == 0 {
		return "", ErrEmptyCiphertext
	}
	if !utf8.Valid(out) {
		return "", ErrInvalidUTF8
	}

	return string(out), nil
}
