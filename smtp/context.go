package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gopistolet/smtpd/wire"
)

// earlyTalkerDelay is the pause before the greeting so genuinely
// SMTP-speaking clients have time to finish their TCP handshake before
// the server starts trusting anything they send (spec.md §4.4).
const earlyTalkerDelay = 100 * time.Millisecond

// conn is one connection's state machine: spec.md §3's "connection
// context". It is driven by two goroutines — a reader that pumps raw
// socket bytes into the wire parser (bypassing command dispatch while in
// data mode, per the spec's data-mode invariant) and a processor that
// consumes produced command lines one at a time. This realizes "single
// in-flight line per connection" without a cooperative-scheduling boolean:
// the processor goroutine's possession of the lines channel is the
// serialization.
type conn struct {
	id     string
	server *Server
	cfg    Config

	netConn   net.Conn
	netConnMu sync.Mutex // guards netConn during STARTTLS's socket swap and teardown

	// pauseRequested and the two channels below hand the raw socket off
	// from readLoop to upgradeTLS for the duration of a STARTTLS
	// handshake: only one goroutine may ever call Read on netConn at a
	// time. Only touched by the processor goroutine (pauseRequested.Store
	// and channel creation) and readLoop (pauseRequested.Load and the
	// channel operations), never concurrently written by both.
	pauseRequested atomic.Bool
	readerPaused   chan struct{}
	resumeReader   chan struct{}

	log *logrus.Entry

	parser *wire.Parser

	lines chan string
	done  chan struct{}
	quit  chan struct{}

	closeOnce sync.Once

	ready     bool
	secure    bool
	upgrading bool
	closing   atomic.Bool // set from Server.Close() as well as the conn's own goroutines
	closed    bool

	remoteIP   string
	remotePort int
	localIP    string
	localPort  int

	clientHostname string

	openingCommand string
	helloHostname  string

	nextHandler func(line []byte)

	unauthCount  int
	unknownCount int

	xheaders map[string]interface{}

	authenticatedMethod string

	session  *Session
	envelope *Envelope

	lastActivity time.Time
	activityMu   sync.Mutex
	timer        *time.Timer

	body *bodyStream
}

func newConn(id string, nc net.Conn, srv *Server) *conn {
	host, portStr, _ := net.SplitHostPort(nc.RemoteAddr().String())
	port, _ := strconv.Atoi(portStr)
	lhost, lportStr, _ := net.SplitHostPort(nc.LocalAddr().String())
	lport, _ := strconv.Atoi(lportStr)

	c := &conn{
		id:       id,
		server:   srv,
		cfg:      srv.cfg,
		netConn:  nc,
		parser:   wire.New(),
		lines:    make(chan string, 64),
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
		remoteIP: host, remotePort: port,
		localIP: lhost, localPort: lport,
		xheaders: map[string]interface{}{},
		envelope: newEnvelope(),
	}
	c.log = loggerOrNop(srv.cfg.Logger).WithFields(logrus.Fields{"conn_id": id, "remote_addr": host})
	c.clientHostname = fmt.Sprintf("[%s]", host)
	c.session = &Session{
		ID:         id,
		RemoteAddr: host,
		RemotePort: port,
		LocalAddr:  lhost,
		LocalPort:  lport,
		Envelope:   c.envelope,
	}
	return c
}

// serve runs the connection to completion; called from the server's
// accept loop in its own goroutine.
func (c *conn) serve() {
	defer c.teardown()

	c.touchActivity()
	c.armTimer()

	go c.processLoop()

	if tlsConn, ok := c.netConn.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			c.log.WithFields(logrus.Fields{"error": err}).Warn("implicit TLS handshake failed")
			return
		}
		c.secure = true
		c.session.Secure = true
		c.session.TLS = tlsInfoFrom(tlsConn.ConnectionState())
	}

	time.Sleep(earlyTalkerDelay)

	if c.cfg.ReverseDNS && c.server.resolver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		c.clientHostname = c.server.resolver.Reverse(ctx, c.remoteIP)
		cancel()
		c.session.ClientHostname = c.clientHostname
	} else {
		c.session.ClientHostname = c.clientHostname
	}

	if c.cfg.Handlers.OnConnect != nil {
		if err := c.cfg.Handlers.OnConnect(c.session); err != nil {
			ce := asCallbackError(err)
			code := ce.Code
			if code == 0 {
				code = 554
			}
			c.writeLine(fmt.Sprintf("%d %s\r\n", code, ce.Message))
			return
		}
	}

	if c.secure && c.cfg.Handlers.OnSecure != nil {
		if err := c.cfg.Handlers.OnSecure(c.session.TLS, c.session); err != nil {
			ce := asCallbackError(err)
			code := ce.Code
			if code == 0 {
				code = 554
			}
			c.writeLine(fmt.Sprintf("%d %s\r\n", code, ce.Message))
			return
		}
	}

	c.ready = true
	c.sendGreeting()

	c.readLoop()
	<-c.done
}

func (c *conn) sendGreeting() {
	dialect := "SMTP"
	if c.cfg.LMTP {
		dialect = "LMTP"
	}
	banner := ""
	if c.cfg.Banner != "" {
		banner = " " + c.cfg.Banner
	}
	c.writeLine(fmt.Sprintf("220 %s E%s%s\r\n", c.cfg.ServerName, dialect, banner))
}

// readLoop pumps raw socket bytes into the wire parser. While in data
// mode it feeds FeedDataMode directly, bypassing the lines channel
// entirely — this is the bypass spec.md §3 requires so onData can
// suspend (on the processor goroutine) without starving on its own input.
//
// It is the only goroutine that ever calls Read on netConn. A STARTTLS
// upgrade needs exclusive access to the socket for its handshake, so
// pauseReaderForUpgrade interrupts the blocked Read with a deadline in
// the past; once readLoop observes that, it parks on resumeReader until
// upgradeTLS has swapped netConn and calls resumeReaderAfterUpgrade.
func (c *conn) readLoop() {
	buf := make([]byte, 4096)
	for {
		nc := c.currentConn()
		n, err := nc.Read(buf)
		if n > 0 {
			c.touchActivity()
			chunk := append([]byte(nil), buf[:n]...)
			if c.parser.DataMode() {
				c.parser.FeedDataMode(chunk)
			} else {
				for _, line := range c.parser.FeedCommandMode(chunk) {
					select {
					case c.lines <- line:
					case <-c.quit:
						return
					}
				}
			}
		}
		if err != nil {
			if c.pauseRequested.Load() {
				close(c.readerPaused)
				<-c.resumeReader
				continue
			}
			for _, line := range c.parser.Flush() {
				select {
				case c.lines <- line:
				case <-c.quit:
					close(c.lines)
					return
				}
			}
			if c.body != nil {
				c.body.abort(errStreamClosed)
			}
			close(c.lines)
			return
		}
	}
}

// currentConn returns the live socket, synchronized against upgradeTLS's
// swap.
func (c *conn) currentConn() net.Conn {
	c.netConnMu.Lock()
	defer c.netConnMu.Unlock()
	return c.netConn
}

// pauseReaderForUpgrade interrupts readLoop's blocked Read and waits
// until it has stopped touching netConn, then clears the deadline it set
// so the handshake itself can block normally. Runs on the processor
// goroutine, called from handleSTARTTLS.
func (c *conn) pauseReaderForUpgrade() {
	c.readerPaused = make(chan struct{})
	c.resumeReader = make(chan struct{})
	c.pauseRequested.Store(true)
	nc := c.currentConn()
	nc.SetReadDeadline(time.Now())
	<-c.readerPaused
	nc.SetReadDeadline(time.Time{})
}

// resumeReaderAfterUpgrade releases readLoop, which resumes against
// whatever netConn now holds (the upgraded *tls.Conn on success, the same
// raw conn — about to be torn down — on failure).
func (c *conn) resumeReaderAfterUpgrade() {
	c.pauseRequested.Store(false)
	close(c.resumeReader)
}

// processLoop consumes produced command lines one at a time; this
// goroutine's exclusive possession of c.lines is what gives "only one
// line in flight" (spec.md §3) without an explicit processing flag.
func (c *conn) processLoop() {
	defer close(c.done)
	for line := range c.lines {
		c.processLine(line)
		if c.closed {
			break
		}
	}
}

func (c *conn) touchActivity() {
	c.activityMu.Lock()
	c.lastActivity = time.Now()
	c.activityMu.Unlock()
}

func (c *conn) writeLine(s string) {
	c.netConnMu.Lock()
	defer c.netConnMu.Unlock()
	if c.closed {
		return
	}
	_, err := c.netConn.Write([]byte(s))
	if err != nil {
		c.log.WithFields(logrus.Fields{"error": err}).Debug("write failed")
	}
}

// scheduleClose closes the connection once the current reply has had a
// chance to flush, per spec.md: "A reply with code 421 schedules an
// asynchronous socket close after it drains."
func (c *conn) scheduleClose() {
	c.closing.Store(true)
	go func() {
		time.Sleep(50 * time.Millisecond)
		c.forceClose()
	}()
}

func (c *conn) forceClose() {
	c.closeOnce.Do(func() { close(c.quit) })
	c.netConnMu.Lock()
	c.closed = true
	nc := c.netConn
	c.netConnMu.Unlock()
	if nc != nil {
		nc.Close()
	}
}

func (c *conn) teardown() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.parser.Close()
	c.forceClose()
	if c.cfg.Handlers.OnClose != nil {
		c.cfg.Handlers.OnClose(c.session)
	}
	c.server.removeConn(c)
}

// transmissionType computes spec.md's "(E)(L?)SMTP(S?)(A?)" glossary
// string from the opening command, LMTP flag, TLS state, and auth state.
func (c *conn) transmissionType() string {
	var b strings.Builder
	if c.openingCommand == "EHLO" || c.openingCommand == "LHLO" {
		b.WriteByte('E')
	}
	if c.cfg.LMTP {
		b.WriteByte('L')
	}
	b.WriteString("SMTP")
	if c.secure {
		b.WriteByte('S')
	}
	if c.session.User != nil {
		b.WriteByte('A')
	}
	return b.String()
}

func (c *conn) refreshSession() {
	c.session.Secure = c.secure
	c.session.HelloHostname = c.helloHostname
	c.session.ClientHostname = c.clientHostname
	c.session.TransmissionType = c.transmissionType()
	c.session.AuthMethod = c.authenticatedMethod
}
