// Package server exposes a protocol registry over a stream listener.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (one goroutine per connection)
//	  → protocol.Reader reassembles frames → mux.Registry.Handle
//	  → reply frame (if any) written back on the same connection
//
// Frames on one connection are handled in arrival order. Replies carry the
// request's command id and nothing else, so reordering them would break
// correlation on the peer.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"blekit/discovery"
	"blekit/logging"
	"blekit/mux"
	"blekit/protocol"
)

// Server serves one protocol id of a registry.
type Server struct {
	mux        *mux.Registry
	protocolID mux.ID
	logger     *logrus.Entry

	listener net.Listener
	wg       sync.WaitGroup // tracks open connections for graceful shutdown
	shutdown atomic.Bool

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	registry      discovery.Registry
	advertiseAddr string
	advertised    []string // protocol names registered with discovery
	ttl           int64
}

// Option configures a Server.
type Option func(*Server)

// WithProtocol selects the protocol id frames are routed to. The registry's
// default protocol is used otherwise.
func WithProtocol(id mux.ID) Option {
	return func(s *Server) { s.protocolID = id }
}

// WithDiscovery advertises the served protocol under advertiseAddr for ttl
// seconds (renewed while the server runs). advertiseAddr must be routable
// from clients, unlike a listen address such as ":7000".
func WithDiscovery(reg discovery.Registry, advertiseAddr string, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.advertiseAddr = advertiseAddr
		s.ttl = ttl
	}
}

// WithLogger sets the server's log entry.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a server for r.
func NewServer(r *mux.Registry, opts ...Option) *Server {
	s := &Server{
		mux:        r,
		protocolID: mux.Default,
		conns:      make(map[net.Conn]struct{}),
		ttl:        10,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.For("server")
	}
	return s
}

// ListenAndServe listens on network/address and serves until Shutdown.
func (s *Server) ListenAndServe(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. It returns nil after Shutdown and the
// accept error otherwise.
func (s *Server) Serve(ln net.Listener) error {
	p, err := s.mux.Resolve(s.protocolID)
	if err != nil {
		ln.Close()
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"addr": ln.Addr().String(), "protocol": p.String()}).Info("serving frames")

	if s.registry != nil {
		id := s.protocolID
		if id == mux.Default {
			id, _ = s.mux.DefaultID()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.registry.Register(ctx, p.Name(), discovery.Endpoint{
			Addr:       s.advertiseAddr,
			ProtocolID: int(id),
			Version:    p.Version(),
		}, s.ttl)
		cancel()
		if err != nil {
			ln.Close()
			return fmt.Errorf("advertise %s: %w", p.Name(), err)
		}
		s.mu.Lock()
		s.advertised = append(s.advertised, p.Name())
		s.mu.Unlock()
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is expected.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.track(conn, true)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Addr returns the listener address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConn reads frames until the peer disconnects or the server shuts
// down. A single reader is required: frame boundaries are only known while
// reading the stream sequentially.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.track(conn, false)
	defer conn.Close()

	p, err := s.mux.Resolve(s.protocolID)
	if err != nil {
		s.logger.WithError(err).Error("no protocol for connection")
		return
	}

	log := s.logger.WithField("remote", conn.RemoteAddr().String())
	log.Debug("connection opened")

	reader := protocol.NewReader(conn, p.Codec())
	ctx := context.Background()
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			if !s.shutdown.Load() && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				log.WithError(err).Debug("connection closed")
			}
			return
		}

		reply := s.mux.DispatchContext(ctx, s.protocolID, frame)
		if reply == nil {
			continue
		}
		if err := protocol.WriteFrame(conn, reply); err != nil {
			log.WithError(err).Warn("failed to write reply")
			return
		}
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister from discovery so clients stop picking this server
//  2. Set the shutdown flag, then close the listener
//  3. Expire read deadlines so each connection finishes the frame it is
//     handling and exits, waiting up to timeout before force-closing
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	advertised := append([]string(nil), s.advertised...)
	s.mu.Unlock()

	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		for _, name := range advertised {
			if err := s.registry.Deregister(ctx, name, s.advertiseAddr); err != nil {
				s.logger.WithError(err).Warn("deregister failed")
			}
		}
		cancel()
	}

	// The flag must be set before Close so Serve sees an intentional stop.
	s.shutdown.Store(true)
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
	}

	s.mu.Lock()
	n := len(s.conns)
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	<-done
	return fmt.Errorf("server: timeout waiting for %d connection(s) to finish", n)
}
