// Package transport provides the connections relay workers speak frames on.
// Routing code only sees the Conn interface; TCP is the one implementation.
package transport

import (
	"context"
	"io"
	"net"
)

// Conn is a bidirectional byte stream owned by a single worker.
type Conn interface {
	io.ReadWriteCloser

	// RemoteAddr returns the peer address, used for logging.
	RemoteAddr() net.Addr
}

// Dialer opens outbound connections to relay endpoints.
type Dialer interface {
	DialContext(ctx context.Context, address string) (Conn, error)
}

// Listener accepts inbound connections for a relay endpoint.
type Listener interface {
	// Serve accepts connections and hands each one to handler on its own
	// goroutine. It blocks until ctx is cancelled or Close is called and
	// every handler has returned, and returns nil on clean shutdown.
	Serve(ctx context.Context, handler func(Conn)) error

	// Address returns the bound address in "host:port" form.
	Address() string

	Close() error
}
