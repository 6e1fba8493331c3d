// Package sskey derives Shadowsocks AEAD keys from a user-supplied password:
// a per-profile master key via the classic EVP_BytesToKey MD5 loop, then a
// per-connection session subkey via HKDF-SHA1 over a random salt.
package sskey

import (
	"crypto/md5"
	"crypto/sha1"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/postalsys/nerite/internal/proxyerr"
)

// subkeyInfo is the fixed HKDF info string used by every Shadowsocks
// implementation that derives per-session AEAD keys this way.
const subkeyInfo = "ss-subkey"

// MasterKey derives a keyLen-byte key from password using the repeated
// MD5(prev || password) construction (OpenSSL's EVP_BytesToKey with no
// salt), the same derivation every Shadowsocks AEAD implementation uses to
// turn a human password into key material.
func MasterKey(password string, keyLen int) []byte {
	var sum, remaining []byte
	h := md5.New()
	for len(sum) < keyLen {
		h.Write(remaining)
		h.Write([]byte(password))
		sum = h.Sum(sum)
		remaining = sum[len(sum)-h.Size():]
		h.Reset()
	}
	return sum[:keyLen]
}

// SessionSubkey expands master and salt into a keyLen-byte per-connection
// AEAD key via HKDF-SHA1 with the fixed "ss-subkey" info string.
func SessionSubkey(master, salt []byte, keyLen int) ([]byte, error) {
	key := make([]byte, keyLen)
	r := hkdf.New(sha1.New, master, salt, []byte(subkeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, proxyerr.New(proxyerr.Crypto, "sskey: hkdf expand", err)
	}
	return key, nil
}
