package aead

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		kind Kind
	}{
		{"aes-128-gcm", AES128GCM},
		{"aes-256-gcm", AES256GCM},
		{"chacha20-poly1305", ChaCha20Poly1305},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key := make([]byte, tc.kind.KeySize())
			for i := range key {
				key[i] = byte(i)
			}
			sealer, err := NewSealer(tc.kind, key)
			if err != nil {
				t.Fatalf("NewSealer: %v", err)
			}
			opener, err := NewOpener(tc.kind, key)
			if err != nil {
				t.Fatalf("NewOpener: %v", err)
			}
			for i := 0; i < 4; i++ {
				plaintext := []byte("hello shadowsocks world")
				sealed := sealer.Seal(nil, plaintext)
				opened, err := opener.Open(nil, sealed)
				if err != nil {
					t.Fatalf("round %d: Open: %v", i, err)
				}
				if string(opened) != string(plaintext) {
					t.Fatalf("round %d: got %q, want %q", i, opened, plaintext)
				}
			}
		})
	}
}

func TestOpenFailureDoesNotAdvanceNonce(t *testing.T) {
	key := make([]byte, AES256GCM.KeySize())
	sealer, _ := NewSealer(AES256GCM, key)
	opener, _ := NewOpener(AES256GCM, key)

	good := sealer.Seal(nil, []byte("first record"))
	tampered := append([]byte(nil), good...)
	tampered[len(tampered)-1] ^= 0xFF

	if _, err := opener.Open(nil, tampered); err == nil {
		t.Fatalf("expected tampered record to fail authentication")
	}
	// The nonce must still be at its initial value, so the *next* good
	// record (which was sealed with nonce 0) still opens correctly.
	if _, err := opener.Open(nil, good); err != nil {
		t.Fatalf("Open after failed Open: %v", err)
	}
}

func TestSealAdvancesNonceEachCall(t *testing.T) {
	key := make([]byte, ChaCha20Poly1305.KeySize())
	sealer, _ := NewSealer(ChaCha20Poly1305, key)
	first := sealer.Seal(nil, []byte("a"))
	second := sealer.Seal(nil, []byte("a"))
	if string(first) == string(second) {
		t.Fatalf("two seals of identical plaintext produced identical ciphertext: nonce not advancing")
	}
}
