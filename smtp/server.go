// Package smtp implements the embeddable SMTP/LMTP connection state
// machine and server supervisor: it drives accepted sockets through
// RFC 5321 plus the ESMTP extensions and surfaces each phase to an
// embedding application through the Handlers callback contracts.
package smtp

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gopistolet/smtpd/smtp/dnsresolve"
)

// Events is the supervisor's event-emitter surface (spec.md §4.5):
// listening, close, error, connect. Every field is optional.
type Events struct {
	OnListening func(addr net.Addr)
	OnClose     func()
	OnError     func(err error)
	OnConnect   func(remoteAddr net.Addr)
}

// Server is the supervisor: it owns the listener, the set of live
// connection contexts, and the rotatable TLS material (spec.md §4.5).
type Server struct {
	cfg    Config
	events Events

	secure   secureMaterial
	resolver *dnsresolve.Resolver

	listener net.Listener

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closing bool

	closeDone chan struct{}
	log       *logrus.Entry
}

// NewServer constructs a Server with cfg's defaults applied. tlsConf is
// used for STARTTLS upgrades only and may be nil if STARTTLS is not
// offered; a connection that arrives already as a *tls.Conn is
// handshaken with its own configuration, not this one.
func NewServer(cfg Config, events Events, tlsConf *tls.Config) *Server {
	cfg = cfg.WithDefaults()
	srv := &Server{
		cfg:       cfg,
		events:    events,
		conns:     map[*conn]struct{}{},
		closeDone: make(chan struct{}),
	}
	srv.secure.set(tlsConf)
	if cfg.ReverseDNS {
		srv.resolver = dnsresolve.New()
	}
	srv.log = loggerOrNop(cfg.Logger).WithFields(logrus.Fields{"component": "smtp.Server"})
	return srv
}

// UpdateTLSConfig hot-rotates the TLS key/cert material (spec.md §4.5's
// updateSecureContext): new STARTTLS upgrades pick up the new value;
// in-flight handshakes are unaffected. Connections accepted already
// wrapped in TLS do not use this value.
func (s *Server) UpdateTLSConfig(conf *tls.Config) {
	s.secure.set(conf)
}

func (s *Server) tlsConfig() *tls.Config {
	return s.secure.get()
}

// ListenAndServe opens addr (host:port; host defaults to "0.0.0.0" if
// empty per spec.md §6) and serves until Close is called or the listener
// errors.
func (s *Server) ListenAndServe(addr string) error {
	if addr == "" {
		addr = "0.0.0.0:25"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve runs the accept loop over an already-open listener.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	if s.events.OnListening != nil {
		s.events.OnListening(ln.Addr())
	}
	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			if s.events.OnError != nil {
				s.events.OnError(err)
			}
			return err
		}
		if s.events.OnConnect != nil {
			s.events.OnConnect(nc.RemoteAddr())
		}
		go s.accept(nc)
	}
}

func (s *Server) accept(nc net.Conn) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		nc.Write([]byte("421 Server shutting down\r\n"))
		nc.Close()
		return
	}
	if s.cfg.MaxConnections > 0 && len(s.conns) >= s.cfg.MaxConnections {
		s.mu.Unlock()
		nc.Write([]byte("421 Too many connected clients\r\n"))
		nc.Close()
		return
	}
	c := newConn(newConnID(), nc, s)
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	c.serve()
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	empty := len(s.conns) == 0
	closing := s.closing
	s.mu.Unlock()
	if closing && empty {
		s.finishClose()
	}
}

// Close performs the graceful shutdown procedure of spec.md §4.5: stop
// accepting, mark every running handler to reply 421, wait up to
// closeTimeout for the live set to drain, then force-close whatever
// remains.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		<-s.closeDone
		return nil
	}
	s.closing = true
	if s.listener != nil {
		s.listener.Close()
	}
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		c.closing.Store(true)
		conns = append(conns, c)
	}
	empty := len(conns) == 0
	s.mu.Unlock()

	if empty {
		s.finishClose()
		return nil
	}

	timer := time.AfterFunc(s.cfg.CloseTimeout, func() {
		s.mu.Lock()
		remaining := make([]*conn, 0, len(s.conns))
		for c := range s.conns {
			remaining = append(remaining, c)
		}
		s.mu.Unlock()
		for _, c := range remaining {
			c.writeLine(c.cfg.buildReply(421, "", "", "Server shutting down"))
			c.forceClose()
		}
	})
	defer timer.Stop()

	<-s.closeDone
	return nil
}

func (s *Server) finishClose() {
	select {
	case <-s.closeDone:
		return // already closed
	default:
	}
	close(s.closeDone)
	if s.events.OnClose != nil {
		s.events.OnClose()
	}
}

// ConnectionCount reports the number of live connection contexts.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
