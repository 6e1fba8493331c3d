package ssframe

import (
	"bytes"
	"io"
	"testing"

	"github.com/postalsys/nerite/internal/aead"
	"github.com/postalsys/nerite/internal/proxyerr"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	var wire bytes.Buffer
	enc := NewEncryptFramer(&wire, aead.ChaCha20Poly1305, "correct horse battery staple")

	trailer := []byte{0x03, 5, 'h', 'e', 'l', 'l', 'o', 0, 80}
	if err := enc.FirstWrite(trailer); err != nil {
		t.Fatalf("FirstWrite: %v", err)
	}
	payloads := [][]byte{
		[]byte("GET / HTTP/1.1\r\n"),
		[]byte("small"),
		bytes.Repeat([]byte{0x42}, 5000),
	}
	for _, p := range payloads {
		if _, err := enc.Write(p); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	dec := NewDecryptFramer(bytes.NewReader(wire.Bytes()), aead.ChaCha20Poly1305, "correct horse battery staple")
	got, err := dec.ReadChunk()
	if err != nil {
		t.Fatalf("ReadChunk trailer: %v", err)
	}
	if !bytes.Equal(got, trailer) {
		t.Fatalf("trailer chunk = %v, want %v", got, trailer)
	}
	for i, want := range payloads {
		got, err := dec.ReadChunk()
		if err != nil {
			t.Fatalf("ReadChunk payload %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("payload %d mismatch: got %d bytes, want %d bytes", i, len(got), len(want))
		}
	}
}

func TestEncryptSplitsOversizeWritesIntoChunks(t *testing.T) {
	var wire bytes.Buffer
	enc := NewEncryptFramer(&wire, aead.AES256GCM, "p")
	big := bytes.Repeat([]byte{0x7a}, maxChunkPayload*2+100)
	if _, err := enc.Write(big); err != nil {
		t.Fatalf("Write: %v", err)
	}

	dec := NewDecryptFramer(bytes.NewReader(wire.Bytes()), aead.AES256GCM, "p")
	var reassembled []byte
	for len(reassembled) < len(big) {
		chunk, err := dec.ReadChunk()
		if err != nil {
			t.Fatalf("ReadChunk: %v", err)
		}
		if len(chunk) > maxChunkPayload {
			t.Fatalf("chunk of %d bytes exceeds maxChunkPayload %d", len(chunk), maxChunkPayload)
		}
		reassembled = append(reassembled, chunk...)
	}
	if !bytes.Equal(reassembled, big) {
		t.Fatalf("reassembled payload does not match original")
	}
}

func TestDecryptFramerGrowsBufferForLargeChunk(t *testing.T) {
	var wire bytes.Buffer
	enc := NewEncryptFramer(&wire, aead.AES128GCM, "p")
	payload := bytes.Repeat([]byte{0x11}, maxChunkPayload)
	if _, err := enc.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	dec := NewDecryptFramer(bytes.NewReader(wire.Bytes()), aead.AES128GCM, "p")
	// Force a too-small initial buffer to exercise the grow path.
	dec.buf = make([]byte, 16)

	got, err := dec.ReadChunk()
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("grown-buffer chunk mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestTamperedSecondChunkFailsAfterFirstDecodes(t *testing.T) {
	var wire bytes.Buffer
	enc := NewEncryptFramer(&wire, aead.AES256GCM, "p")
	if _, err := enc.Write([]byte("first chunk")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	mark := wire.Len()
	if _, err := enc.Write([]byte("second chunk")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	tampered := append([]byte(nil), wire.Bytes()...)
	// Flip a byte inside the second chunk's payload ciphertext (past its
	// 2+16 byte length record).
	tampered[mark+2+16] ^= 0xFF

	dec := NewDecryptFramer(bytes.NewReader(tampered), aead.AES256GCM, "p")
	if got, err := dec.ReadChunk(); err != nil || string(got) != "first chunk" {
		t.Fatalf("first chunk: got %q, err %v", got, err)
	}
	_, err := dec.ReadChunk()
	if err == nil {
		t.Fatal("expected the tampered second chunk to fail authentication")
	}
	if !proxyerr.Is(err, proxyerr.Crypto) {
		t.Fatalf("expected a Crypto error, got %v", err)
	}
}

func TestZeroLengthChunkRejected(t *testing.T) {
	var wire bytes.Buffer
	enc := NewEncryptFramer(&wire, aead.AES128GCM, "p")
	// Initialize the framer (salt + one real chunk), then hand-build a
	// zero-length chunk record, which a cooperating peer never sends.
	if _, err := enc.Write([]byte("ok")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := enc.writeChunk(nil); err != nil {
		t.Fatalf("writeChunk: %v", err)
	}

	dec := NewDecryptFramer(bytes.NewReader(wire.Bytes()), aead.AES128GCM, "p")
	if _, err := dec.ReadChunk(); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	if _, err := dec.ReadChunk(); err == nil {
		t.Fatal("expected a zero-length chunk to be rejected")
	}
}

func TestWrongPasswordFailsToDecrypt(t *testing.T) {
	var wire bytes.Buffer
	enc := NewEncryptFramer(&wire, aead.AES256GCM, "right-password")
	if _, err := enc.Write([]byte("secret")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	dec := NewDecryptFramer(bytes.NewReader(wire.Bytes()), aead.AES256GCM, "wrong-password")
	if _, err := dec.ReadChunk(); err == nil {
		t.Fatalf("expected decryption with the wrong password to fail")
	}
}

func TestNewReaderReassemblesChunksAcrossSmallReads(t *testing.T) {
	var wire bytes.Buffer
	enc := NewEncryptFramer(&wire, aead.ChaCha20Poly1305, "p")
	want := []byte("reassemble me across tiny reads please")
	if _, err := enc.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	dec := NewDecryptFramer(bytes.NewReader(wire.Bytes()), aead.ChaCha20Poly1305, "p")
	r := NewReader(dec)
	var got []byte
	buf := make([]byte, 3)
	for len(got) < len(want) {
		n, err := r.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil && err != io.EOF {
			t.Fatalf("Read: %v", err)
		}
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}
