package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	_ Dialer   = (*TCPDialer)(nil)
	_ Listener = (*TCPListener)(nil)
)

// ErrBindAddressRequired is returned when listening without an address.
var ErrBindAddressRequired = errors.New("bind address required")

// TCPDialer opens TCP connections.
type TCPDialer struct {
	// Timeout bounds connection establishment. Zero leaves only the context
	// deadline.
	Timeout time.Duration
}

// DialContext opens a TCP connection to address (host:port).
func (d *TCPDialer) DialContext(ctx context.Context, address string) (Conn, error) {
	conn, err := (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// TCPListener accepts TCP connections for one endpoint.
type TCPListener struct {
	Logger *zap.Logger

	listener net.Listener
	mu       sync.Mutex
	closed   bool
}

// NewTCPListener binds address. Use ":0" for a random port.
func NewTCPListener(address string) (*TCPListener, error) {
	if address == "" {
		return nil, ErrBindAddressRequired
	}
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{
		Logger:   zap.NewNop(),
		listener: ln,
	}, nil
}

// WithLogger sets the logger for the listener.
func (l *TCPListener) WithLogger(log *zap.Logger) {
	l.Logger = log.With(zap.String("listener", l.Address()))
}

// Address returns the bound address.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// Serve runs the accept loop. It returns only after every handler it
// started has returned.
func (l *TCPListener) Serve(ctx context.Context, handler func(Conn)) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-stop:
		}
	}()

	l.Logger.Info("Listening for connections")
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.isClosed() || ctx.Err() != nil {
				l.Logger.Info("Listener closed")
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				l.Logger.Info("Temporary error accepting connection", zap.Error(err))
				continue
			}
			return err
		}

		l.Logger.Debug("Accepted connection", zap.Stringer("remote_addr", conn.RemoteAddr()))
		wg.Add(1)
		go func() {
			defer wg.Done()
			handler(conn)
		}()
	}
}

// Close stops accepting connections.
func (l *TCPListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.listener.Close()
}

func (l *TCPListener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
