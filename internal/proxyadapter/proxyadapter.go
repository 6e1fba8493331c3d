// Package proxyadapter defines the two small interfaces every protocol
// plugs into: an InputAdapter accepts clients and decodes their intended
// destination, an OutputConnector turns a decoded destination into a live
// connection to forward bytes to.
package proxyadapter

import (
	"context"

	"github.com/postalsys/nerite/internal/proxyio"
	"github.com/postalsys/nerite/internal/socksaddr"
)

// OutputConnector opens a connection to dest and returns the Reader/Writer
// pair the pipeline relays bytes through. The concrete value(s) returned
// may also implement proxyio.Closer; the input adapters look it up with
// AsCloser and hand it to the pipeline as the output side's Closer.
type OutputConnector interface {
	Open(ctx context.Context, dest socksaddr.Destination) (proxyio.Reader, proxyio.Writer, error)
}

// InputAdapter accepts client connections on some transport, decodes each
// one's destination, and relays it through connector. Start returns a bind
// error if it cannot listen; otherwise it returns nil as soon as the
// listener is bound, and connections are served in the background until
// ctx is canceled.
type InputAdapter interface {
	Start(ctx context.Context, connector OutputConnector) error
}

// AsCloser type-asserts v for proxyio.Closer, returning nil if it doesn't
// implement one. Shared by every adapter that needs to shut a connection
// down after the pipeline is done with it.
func AsCloser(v any) proxyio.Closer {
	if c, ok := v.(proxyio.Closer); ok {
		return c
	}
	return nil
}
