// Package aead wraps the three AEAD ciphers the Shadowsocks framer can use
// behind a pair of small interfaces, each owning its own 96-bit
// little-endian nonce counter. The counter only advances after a
// successful seal or open, so a failed operation never burns a nonce.
package aead

import (
	"crypto/aes"
	"crypto/cipher"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/postalsys/nerite/internal/proxyerr"
)

// Kind identifies one of the three supported AEAD ciphers.
type Kind uint8

const (
	AES128GCM Kind = iota
	AES256GCM
	ChaCha20Poly1305
)

// NonceSize is the nonce length used by every cipher this package supports.
const NonceSize = 12

// TagSize is the authentication tag length every cipher here appends.
const TagSize = 16

// KeySize returns the key (and salt) length for this cipher kind.
func (k Kind) KeySize() int {
	switch k {
	case AES128GCM:
		return 16
	case AES256GCM, ChaCha20Poly1305:
		return 32
	default:
		return 0
	}
}

// SaltSize equals KeySize for every cipher this package supports.
func (k Kind) SaltSize() int { return k.KeySize() }

func (k Kind) String() string {
	switch k {
	case AES128GCM:
		return "aes-128-gcm"
	case AES256GCM:
		return "aes-256-gcm"
	case ChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

func newAEAD(kind Kind, key []byte) (cipher.AEAD, error) {
	switch kind {
	case AES128GCM, AES256GCM:
		if len(key) != kind.KeySize() {
			return nil, proxyerr.New(proxyerr.Crypto, "aead: bad key length", nil)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, proxyerr.New(proxyerr.Crypto, "aead: new aes cipher", err)
		}
		return cipher.NewGCM(block)
	case ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, proxyerr.New(proxyerr.Crypto, "aead: unsupported kind", nil)
	}
}

// Sealer encrypts successive records, consuming one nonce per call.
type Sealer interface {
	// Seal appends the sealed ciphertext+tag of plaintext to dst and
	// returns the extended slice, then advances the nonce counter.
	Seal(dst, plaintext []byte) []byte
	Overhead() int
}

// Opener decrypts successive records, consuming one nonce per call.
type Opener interface {
	// Open authenticates and decrypts ciphertext (which must include its
	// trailing tag), appending the plaintext to dst. The nonce counter
	// only advances on success.
	Open(dst, ciphertext []byte) ([]byte, error)
	Overhead() int
}

type sealer struct {
	aead  cipher.AEAD
	nonce []byte
}

// NewSealer constructs a Sealer with a fresh, zeroed nonce counter.
func NewSealer(kind Kind, key []byte) (Sealer, error) {
	a, err := newAEAD(kind, key)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: a, nonce: make([]byte, NonceSize)}, nil
}

func (s *sealer) Overhead() int { return s.aead.Overhead() }

func (s *sealer) Seal(dst, plaintext []byte) []byte {
	out := s.aead.Seal(dst, s.nonce, plaintext, nil)
	increment(s.nonce)
	return out
}

type opener struct {
	aead  cipher.AEAD
	nonce []byte
}

// NewOpener constructs an Opener with a fresh, zeroed nonce counter.
func NewOpener(kind Kind, key []byte) (Opener, error) {
	a, err := newAEAD(kind, key)
	if err != nil {
		return nil, err
	}
	return &opener{aead: a, nonce: make([]byte, NonceSize)}, nil
}

func (o *opener) Overhead() int { return o.aead.Overhead() }

func (o *opener) Open(dst, ciphertext []byte) ([]byte, error) {
	out, err := o.aead.Open(dst, o.nonce, ciphertext, nil)
	if err != nil {
		return nil, proxyerr.New(proxyerr.Crypto, "aead: open", err)
	}
	increment(o.nonce)
	return out, nil
}

// increment treats b as a little-endian counter and adds one, carrying
// across byte boundaries.
func increment(b []byte) {
	for i := range b {
		b[i]++
		if b[i] != 0 {
			return
		}
	}
}
