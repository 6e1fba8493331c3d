// Package ssframe implements the Shadowsocks AEAD wire framing: an
// unframed random salt followed by a stream of chunks, each chunk being two
// AEAD records (a 2-byte encrypted length, then the encrypted payload)
// sharing one monotonic nonce counter. The FirstWrite method lets the
// destination-address trailer ride inside the first encrypted chunk
// instead of needing a separate unencrypted preamble.
package ssframe

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/postalsys/nerite/internal/aead"
	"github.com/postalsys/nerite/internal/proxyerr"
	"github.com/postalsys/nerite/internal/sskey"
)

// maxChunkPayload is the largest plaintext payload one chunk may carry
// (16384-1, the protocol's length-field ceiling).
const maxChunkPayload = 0x3FFF

// initialRecvBufSize is the decrypt side's starting scratch buffer; it
// grows on demand if a peer ever sends a chunk whose payload+tag exceeds
// it (which a cooperating encoder never does, since it never produces a
// chunk above maxChunkPayload+tag).
const initialRecvBufSize = 32 * 1024

// EncryptFramer turns a plaintext byte stream into Shadowsocks AEAD chunks
// written to an underlying io.Writer. The salt and subkey are generated
// lazily, on the first Write or FirstWrite call.
type EncryptFramer struct {
	w        io.Writer
	kind     aead.Kind
	password string
	sealer   aead.Sealer
	buf      []byte
}

// NewEncryptFramer returns a framer that will encrypt with the given AEAD
// kind under a key derived from password, writing framed output to w.
func NewEncryptFramer(w io.Writer, kind aead.Kind, password string) *EncryptFramer {
	return &EncryptFramer{w: w, kind: kind, password: password}
}

func (f *EncryptFramer) ensureInit() error {
	if f.sealer != nil {
		return nil
	}
	salt := make([]byte, f.kind.SaltSize())
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return proxyerr.New(proxyerr.Crypto, "ssframe: generate salt", err)
	}
	master := sskey.MasterKey(f.password, f.kind.KeySize())
	subkey, err := sskey.SessionSubkey(master, salt, f.kind.KeySize())
	if err != nil {
		return err
	}
	sealer, err := aead.NewSealer(f.kind, subkey)
	if err != nil {
		return proxyerr.New(proxyerr.Crypto, "ssframe: new sealer", err)
	}
	if _, err := f.w.Write(salt); err != nil {
		return proxyerr.New(proxyerr.Transport, "ssframe: write salt", err)
	}
	f.sealer = sealer
	return nil
}

// FirstWrite initializes the framer if needed and writes payload (normally
// the encoded destination trailer) as the very first chunk.
func (f *EncryptFramer) FirstWrite(payload []byte) error {
	if err := f.ensureInit(); err != nil {
		return err
	}
	return f.writeChunks(payload)
}

// Write splits p into chunks of at most maxChunkPayload bytes and encrypts
// each one, satisfying io.Writer.
func (f *EncryptFramer) Write(p []byte) (int, error) {
	if err := f.ensureInit(); err != nil {
		return 0, err
	}
	if err := f.writeChunks(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *EncryptFramer) writeChunks(p []byte) error {
	for len(p) > 0 {
		n := len(p)
		if n > maxChunkPayload {
			n = maxChunkPayload
		}
		if err := f.writeChunk(p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (f *EncryptFramer) writeChunk(payload []byte) error {
	ov := f.sealer.Overhead()
	need := (2 + ov) + (len(payload) + ov)
	if cap(f.buf) < need {
		f.buf = make([]byte, 0, need)
	} else {
		f.buf = f.buf[:0]
	}
	var lenPlain [2]byte
	binary.BigEndian.PutUint16(lenPlain[:], uint16(len(payload)))
	f.buf = f.sealer.Seal(f.buf, lenPlain[:])
	f.buf = f.sealer.Seal(f.buf, payload)
	if _, err := f.w.Write(f.buf); err != nil {
		return proxyerr.New(proxyerr.Transport, "ssframe: write chunk", err)
	}
	return nil
}

// DecryptFramer reads Shadowsocks AEAD chunks from an underlying
// io.Reader and yields each chunk's decrypted payload. The salt and
// subkey are derived lazily, from the first bytes read.
type DecryptFramer struct {
	r        io.Reader
	kind     aead.Kind
	password string
	opener   aead.Opener
	lenRec   []byte
	buf      []byte
}

// NewDecryptFramer returns a framer that will decrypt with the given AEAD
// kind under a key derived from password, reading framed input from r.
func NewDecryptFramer(r io.Reader, kind aead.Kind, password string) *DecryptFramer {
	return &DecryptFramer{r: r, kind: kind, password: password, buf: make([]byte, initialRecvBufSize)}
}

func (f *DecryptFramer) ensureInit() error {
	if f.opener != nil {
		return nil
	}
	salt := make([]byte, f.kind.SaltSize())
	if _, err := io.ReadFull(f.r, salt); err != nil {
		return proxyerr.New(proxyerr.Transport, "ssframe: read salt", err)
	}
	master := sskey.MasterKey(f.password, f.kind.KeySize())
	subkey, err := sskey.SessionSubkey(master, salt, f.kind.KeySize())
	if err != nil {
		return err
	}
	opener, err := aead.NewOpener(f.kind, subkey)
	if err != nil {
		return proxyerr.New(proxyerr.Crypto, "ssframe: new opener", err)
	}
	f.opener = opener
	f.lenRec = make([]byte, 2+opener.Overhead())
	return nil
}

// ReadChunk blocks until one full chunk has arrived, then returns its
// decrypted payload. The returned slice is only valid until the next call.
func (f *DecryptFramer) ReadChunk() ([]byte, error) {
	if err := f.ensureInit(); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(f.r, f.lenRec); err != nil {
		return nil, proxyerr.New(proxyerr.Transport, "ssframe: read length record", err)
	}
	lenPlain, err := f.opener.Open(f.lenRec[:0], f.lenRec)
	if err != nil {
		return nil, proxyerr.New(proxyerr.Crypto, "ssframe: decrypt length", err)
	}
	n := int(binary.BigEndian.Uint16(lenPlain))
	if n == 0 {
		return nil, proxyerr.New(proxyerr.Transport, "ssframe: zero-length chunk", nil)
	}
	ov := f.opener.Overhead()
	need := n + ov
	if cap(f.buf) < need {
		f.buf = make([]byte, need)
	}
	payloadRec := f.buf[:need]
	if _, err := io.ReadFull(f.r, payloadRec); err != nil {
		return nil, proxyerr.New(proxyerr.Transport, "ssframe: read payload record", err)
	}
	plain, err := f.opener.Open(payloadRec[:0], payloadRec)
	if err != nil {
		return nil, proxyerr.New(proxyerr.Crypto, "ssframe: decrypt payload", err)
	}
	return plain, nil
}

// Read satisfies io.Reader/proxyio.Reader by copying from an internal
// chunk buffer, reading a new chunk via ReadChunk whenever the previous
// one has been fully drained.
type bufferedChunkReader struct {
	f        *DecryptFramer
	leftover []byte
}

// NewReader wraps f as a plain io.Reader, reassembling the chunk stream
// into a byte stream the way net.Conn.Read is normally consumed.
func NewReader(f *DecryptFramer) io.Reader {
	return &bufferedChunkReader{f: f}
}

func (r *bufferedChunkReader) Read(p []byte) (int, error) {
	if len(r.leftover) == 0 {
		chunk, err := r.f.ReadChunk()
		if err != nil {
			return 0, err
		}
		r.leftover = chunk
	}
	n := copy(p, r.leftover)
	r.leftover = r.leftover[n:]
	return n, nil
}
