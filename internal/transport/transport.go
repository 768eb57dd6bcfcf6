// Package transport carries ObserverRequest datagrams between the processes
// of a topic over unix domain sockets.
//
// Every subscriber binds one socket named after its registry entry; a
// publisher may additionally listen on the topic's control socket to learn
// about lifecycle changes as they happen.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gosuda.org/ipcpp/internal/protocol"
)

// MaxPathLength is the longest socket path the kernel accepts
const MaxPathLength = 107

// DefaultWriteTimeout bounds how long Send waits on a receiver whose buffer is full
var DefaultWriteTimeout = 5 * time.Millisecond

var (
	debug = strings.Contains(os.Getenv("DEBUG_IPCPP"), "transport")

	log logrus.FieldLogger
)

// SetLogger sets global logger.
func SetLogger(logger logrus.FieldLogger) {
	log = logger
}

func init() {
	logger := logrus.New()
	if debug {
		logger.Level = logrus.DebugLevel
		logger.Debug("ipcpp: debug level enabled for transport")
	}
	log = logger.WithField("logger", "ipcpp/transport")
}

// ErrorKind classifies transport failures
type ErrorKind uint8

const (
	CreationError ErrorKind = iota
	ConnectionError
	BindError
	ListenError
)

func (k ErrorKind) String() string {
	switch k {
	case CreationError:
		return "CREATION_ERROR"
	case ConnectionError:
		return "CONNECTION_ERROR"
	case BindError:
		return "BIND_ERROR"
	case ListenError:
		return "LISTEN_ERROR"
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// Error is a failed socket operation
type Error struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Kind, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrPathTooLong = errors.New("socket path too long")
	ErrInUse       = errors.New("socket already served by a live process")
)

// SocketPath returns the socket of registry entry n of a topic
func SocketPath(dir, topic string, n uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%d.sock", topic, n))
}

// ControlPath returns the control socket of a topic
func ControlPath(dir, topic string) string {
	return filepath.Join(dir, topic+".ctl.sock")
}

func resolve(path string) (*net.UnixAddr, error) {
	if len(path) > MaxPathLength {
		return nil, &Error{Kind: CreationError, Path: path, Err: fmt.Errorf("%w: %d > %d bytes", ErrPathTooLong, len(path), MaxPathLength)}
	}
	addr, err := net.ResolveUnixAddr("unixgram", path)
	if err != nil {
		return nil, &Error{Kind: CreationError, Path: path, Err: err}
	}
	return addr, nil
}

// Endpoint is a bound datagram socket receiving ObserverRequests
type Endpoint struct {
	conn *net.UnixConn
	path string
	buf  [protocol.RequestSize * 2]byte
}

// Bind binds the socket of an entry the caller owns exclusively; a stale
// file left by a previous owner is replaced
func Bind(path string) (*Endpoint, error) {
	addr, err := resolve(path)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &Error{Kind: BindError, Path: path, Err: err}
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, &Error{Kind: BindError, Path: path, Err: err}
	}
	return &Endpoint{conn: conn, path: path}, nil
}

// Listen serves the control socket at path. It fails with ErrInUse when a
// live process already serves it.
func Listen(path string) (*Endpoint, error) {
	addr, err := resolve(path)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err == nil {
		return &Endpoint{conn: conn, path: path}, nil
	}

	// The file may be left over from a crashed listener
	if probe, derr := net.DialUnix("unixgram", nil, addr); derr == nil {
		probe.Close()
		return nil, &Error{Kind: ListenError, Path: path, Err: ErrInUse}
	}
	if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		return nil, &Error{Kind: ListenError, Path: path, Err: rerr}
	}
	conn, err = net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, &Error{Kind: ListenError, Path: path, Err: err}
	}
	if debug {
		log.Debugf("replaced stale control socket %s", path)
	}
	return &Endpoint{conn: conn, path: path}, nil
}

// Path returns the socket path
func (e *Endpoint) Path() string {
	return e.path
}

// Receive waits for the next request until ctx is done or the endpoint is
// closed. Malformed datagrams are skipped.
func (e *Endpoint) Receive(ctx context.Context) (protocol.ObserverRequest, error) {
	e.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		e.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		n, err := e.conn.Read(e.buf[:])
		if err != nil {
			if ctx.Err() != nil {
				return protocol.ObserverRequest{}, ctx.Err()
			}
			return protocol.ObserverRequest{}, err
		}
		var r protocol.ObserverRequest
		if err := r.UnmarshalBinary(e.buf[:n]); err != nil {
			log.WithField("socket", e.path).Warnf("dropping malformed request: %v", err)
			continue
		}
		return r, nil
	}
}

// Close closes the socket and removes its file
func (e *Endpoint) Close() error {
	err := e.conn.Close()
	if rerr := os.Remove(e.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
		err = rerr
	}
	return err
}

// IsClosed reports whether err means the endpoint was closed
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// Sender writes requests to peer sockets, caching one connection per path
type Sender struct {
	mu      sync.Mutex
	conns   map[string]*net.UnixConn
	timeout time.Duration
}

// NewSender returns a Sender whose writes wait at most timeout on a full
// receiver (DefaultWriteTimeout when timeout <= 0)
func NewSender(timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &Sender{conns: make(map[string]*net.UnixConn), timeout: timeout}
}

func (s *Sender) conn(path string) (*net.UnixConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.conns[path]; ok {
		return c, nil
	}
	addr, err := resolve(path)
	if err != nil {
		return nil, err
	}
	c, err := net.DialUnix("unixgram", nil, addr)
	if err != nil {
		return nil, &Error{Kind: ConnectionError, Path: path, Err: err}
	}
	s.conns[path] = c
	return c, nil
}

// Connect dials path ahead of the first Send
func (s *Sender) Connect(path string) error {
	_, err := s.conn(path)
	return err
}

// Send writes r to the socket at path. A receiver whose buffer stays full
// for the write timeout already has requests pending, so the request is
// dropped without error.
func (s *Sender) Send(path string, r protocol.ObserverRequest) error {
	var buf [protocol.RequestSize]byte
	b, err := r.AppendBinary(buf[:0])
	if err != nil {
		return err
	}

	c, err := s.conn(path)
	if err != nil {
		return err
	}
	c.SetWriteDeadline(time.Now().Add(s.timeout))
	if _, err := c.Write(b); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			if debug {
				log.Debugf("receiver %s is saturated, dropped %s", path, r)
			}
			return nil
		}
		s.Forget(path)
		return &Error{Kind: ConnectionError, Path: path, Err: err}
	}
	return nil
}

// Forget closes the cached connection to path
func (s *Sender) Forget(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[path]; ok {
		c.Close()
		delete(s.conns, path)
	}
}

// Close closes every cached connection
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, c := range s.conns {
		c.Close()
		delete(s.conns, p)
	}
	return nil
}
