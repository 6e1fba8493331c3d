// Package pipeline runs the full-duplex relay between a proxy's input and
// output sides: two pumps, one per direction, started together and torn
// down as soon as either one finishes. The losing pump is shut down and
// its result discarded rather than awaited, since a half-open connection
// with its peer already gone has nothing left worth copying.
package pipeline

import (
	"errors"
	"io"
	"log/slog"

	"github.com/postalsys/nerite/internal/logging"
	"github.com/postalsys/nerite/internal/proxyio"
)

// bufSize is the per-direction copy buffer size.
const bufSize = 32 * 1024

// Side bundles one end of the relay: where bytes are read from, where
// they're written to, and (optionally) how to force that end to unblock
// once the relay is done with it.
type Side struct {
	Reader proxyio.Reader
	Writer proxyio.Writer
	Closer proxyio.Closer // may be nil
}

// Run copies bytes between in and out in both directions concurrently. If
// firstWrite is non-empty it is written to out.Writer before either pump
// starts (the SOCKS5/Shadowsocks handshake's already-buffered first
// request bytes, forwarded before the bulk relay begins). Run returns the
// error that ended the first pump to finish; the other pump is signaled to
// stop via Shutdown and its result is not waited for.
func Run(in, out Side, firstWrite []byte, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if len(firstWrite) > 0 {
		if _, err := out.Writer.Write(firstWrite); err != nil {
			return err
		}
	}

	errCh := make(chan error, 2)
	go func() { errCh <- pump(in.Reader, out.Writer) }()
	go func() { errCh <- pump(out.Reader, in.Writer) }()

	err := <-errCh

	if in.Closer != nil {
		if cerr := in.Closer.Shutdown(); cerr != nil {
			logger.Debug("pipeline: shutdown input side", logging.KeyError, cerr)
		}
	}
	if out.Closer != nil {
		if cerr := out.Closer.Shutdown(); cerr != nil {
			logger.Debug("pipeline: shutdown output side", logging.KeyError, cerr)
		}
	}

	return err
}

// pump copies from r to w until r returns an error (io.EOF is reported as
// nil: a clean stream end is not a relay failure).
func pump(r proxyio.Reader, w proxyio.Writer) error {
	buf := make([]byte, bufSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}
}
