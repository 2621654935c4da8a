package smtp

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/gopistolet/smtpd/address"
	"github.com/gopistolet/smtpd/auth"
	"github.com/gopistolet/smtpd/wire"
)

func b64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// handleEHLO serves EHLO, HELO, and (after LHLO→EHLO normalization in
// dispatch) LHLO. verb distinguishes EHLO (multi-line, capabilities) from
// HELO (single-line, none) per spec.md §4.4.
func (c *conn) handleEHLO(verb, rest string) {
	hostname := strings.TrimSpace(rest)
	if hostname == "" {
		c.writeLine(c.cfg.buildReply(501, verb, "", "Syntax: "+verb+" hostname"))
		return
	}
	c.openingCommand = verb
	c.helloHostname = strings.ToLower(hostname)
	c.envelope = newEnvelope()
	c.session.Envelope = c.envelope
	c.refreshSession()

	greeting := fmt.Sprintf(c.cfg.HeloResponse, c.cfg.ServerName, c.clientHostname)

	if verb == "HELO" {
		c.writeLine(c.cfg.buildReply(250, verb, "", greeting))
		return
	}

	lines := []string{greeting}
	lines = append(lines, c.capabilities()...)
	c.writeLine(c.cfg.buildReply(250, verb, "", lines...))
}

func (c *conn) capabilities() []string {
	var caps []string
	if !c.cfg.Hide.PIPELINING {
		caps = append(caps, "PIPELINING")
	}
	if !c.cfg.Hide.EightBitMIME {
		caps = append(caps, "8BITMIME")
	}
	if !c.cfg.Hide.SMTPUTF8 {
		caps = append(caps, "SMTPUTF8")
	}
	if !c.cfg.Hide.ENHANCEDSTATUSCODES {
		caps = append(caps, "ENHANCEDSTATUSCODES")
	}
	if !c.cfg.Hide.DSN {
		caps = append(caps, "DSN")
	}
	if len(c.cfg.Auth.Methods) > 0 && c.session.User == nil {
		caps = append(caps, "AUTH "+strings.Join(c.cfg.Auth.Methods, " "))
	}
	if !c.cfg.Hide.STARTTLS && !c.secure {
		caps = append(caps, "STARTTLS")
	}
	if !c.cfg.Hide.REQUIRETLS && c.secure {
		caps = append(caps, "REQUIRETLS")
	}
	if !c.cfg.Hide.SIZE {
		if c.cfg.SizeLimit > 0 {
			caps = append(caps, fmt.Sprintf("SIZE %d", c.cfg.SizeLimit))
		} else {
			caps = append(caps, "SIZE")
		}
	}
	if c.cfg.TrustXClient {
		caps = append(caps, "XCLIENT NAME ADDR PORT PROTO HELO LOGIN")
	}
	if c.cfg.TrustXForward {
		caps = append(caps, "XFORWARD NAME ADDR PORT PROTO HELO IDENT SOURCE")
	}
	return caps
}

func (c *conn) handleSTARTTLS(verb, rest string) {
	if c.cfg.Hide.STARTTLS {
		c.writeLine(c.cfg.buildReply(500, verb, "", "command not recognized"))
		return
	}
	if c.secure {
		c.writeLine(c.cfg.buildReply(503, verb, "", "Already running in TLS"))
		return
	}
	tlsConf := c.server.tlsConfig()
	if tlsConf == nil {
		c.writeLine(c.cfg.buildReply(454, verb, "", "TLS not available due to local problem"))
		return
	}

	c.writeLine(c.cfg.buildReply(220, verb, "", "Ready to start TLS"))
	c.upgrading = true
	c.upgradeTLS(tlsConf)
	c.upgrading = false
}

// upgradeTLS performs the in-place TLS handshake described in spec.md
// §4.4/§9. It runs on the processor goroutine and blocks until the
// handshake finishes: readLoop is paused first so the handshake is the
// only goroutine ever touching netConn, then resumed — against the
// upgraded *tls.Conn on success, or the same (about to be closed) raw
// conn on failure — once the swap is decided.
func (c *conn) upgradeTLS(tlsConf *tls.Config) {
	c.pauseReaderForUpgrade()
	defer c.resumeReaderAfterUpgrade()

	// Discard anything a client pipelined right after STARTTLS: honoring
	// a command that arrived before the handshake completed would let it
	// take effect under the cover of TLS, a known STARTTLS plaintext
	// command injection.
drain:
	for {
		select {
		case <-c.lines:
			continue
		default:
			break drain
		}
	}

	nc := c.currentConn()
	tlsConn := tls.Server(nc, tlsConf)
	if err := tlsConn.Handshake(); err != nil {
		c.log.WithError(err).Warn("STARTTLS handshake failed")
		c.forceClose()
		return
	}

	c.netConnMu.Lock()
	c.netConn = tlsConn
	c.netConnMu.Unlock()
	c.parser = wire.New() // RFC 3207: discard any buffered plaintext-side partial line

	c.secure = true

	// RFC 3207: discard prior protocol state entirely.
	c.openingCommand = ""
	c.helloHostname = ""
	c.nextHandler = nil
	c.session.User = nil
	c.authenticatedMethod = ""
	c.envelope = newEnvelope()
	c.session.Envelope = c.envelope
	c.session.TLS = tlsInfoFrom(tlsConn.ConnectionState())
	c.refreshSession()

	if c.cfg.Handlers.OnSecure != nil {
		if err := c.cfg.Handlers.OnSecure(c.session.TLS, c.session); err != nil {
			c.forceClose()
			return
		}
	}
}

func (c *conn) handleAUTH(verb, rest string) {
	if c.session.User != nil {
		c.writeLine(c.cfg.buildReply(503, verb, "", "already authenticated"))
		return
	}
	if !c.secure && !c.cfg.Auth.AllowInsecure {
		c.writeLine(c.cfg.buildReply(538, verb, "", "Encryption required for requested authentication mechanism"))
		return
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		c.writeLine(c.cfg.buildReply(501, verb, "", "Syntax: AUTH mechanism"))
		return
	}
	method := strings.ToUpper(fields[0])
	allowed := false
	for _, m := range c.cfg.Auth.Methods {
		if strings.EqualFold(m, method) {
			allowed = true
			break
		}
	}
	mech := auth.ByName(method, c.cfg.ServerName)
	if !allowed || mech == nil {
		c.writeLine(c.cfg.buildReply(504, verb, "", "Unrecognized authentication type"))
		return
	}

	var arg []byte
	present := len(fields) > 1
	if present {
		arg = []byte(fields[1])
	}
	c.runAuthStep(mech.Start(arg, present))
}

// runAuthStep drives one leg of the SASL exchange (spec.md §4.3): either
// it completes (success/failure reply), aborts, errors, or installs the
// continuation consumed by the next raw line via c.nextHandler.
func (c *conn) runAuthStep(step auth.Step) {
	switch {
	case step.Aborted:
		c.writeLine(c.cfg.buildReply(501, "AUTH", "", "Authentication cancelled"))
		return
	case step.Err != nil:
		if ae, ok := step.Err.(*auth.Error); ok {
			c.writeLine(c.cfg.buildReply(ae.Code, "AUTH", "", ae.Message))
		} else {
			c.writeLine(c.cfg.buildReply(501, "AUTH", "", step.Err.Error()))
		}
		return
	case !step.Done:
		c.writeLine(fmt.Sprintf("334 %s\r\n", b64Encode(step.Challenge)))
		c.nextHandler = func(line []byte) {
			c.runAuthStep(step.Next(line))
		}
		return
	}
	c.finishAuth(step.Creds)
}

func (c *conn) finishAuth(creds *auth.Credentials) {
	req := &AuthRequest{Method: creds.Method}
	switch creds.Method {
	case "PLAIN", "LOGIN":
		req.Plain = creds
	case "CRAM-MD5":
		req.CramMD5 = creds.CramMD5
	case "XOAUTH2":
		req.OAuth2 = creds.OAuth2
	}

	if c.cfg.Handlers.OnAuth == nil {
		c.writeLine(c.cfg.buildReply(535, "AUTH", "", "Error: Authentication credentials invalid"))
		return
	}
	result, err := c.cfg.Handlers.OnAuth(req, c.session)
	if err != nil {
		ce := asCallbackError(err)
		if creds.Method == "XOAUTH2" && len(ce.XOAuth2Challenge) > 0 {
			c.writeLine(fmt.Sprintf("334 %s\r\n", b64Encode(ce.XOAuth2Challenge)))
			c.nextHandler = func(line []byte) {
				c.writeLine(c.cfg.buildReply(535, "AUTH", "", "Error: Authentication credentials invalid"))
			}
			return
		}
		code := ce.Code
		if code == 0 {
			code = 535
		}
		msg := ce.Message
		if msg == "" {
			msg = "Error: Authentication credentials invalid"
		}
		c.writeLine(c.cfg.buildReply(code, "AUTH", "", msg))
		return
	}
	c.session.User = result.User
	c.authenticatedMethod = creds.Method
	c.unauthCount = 0
	c.refreshSession()
	msg := result.Message
	if msg == "" {
		msg = "Authentication successful"
	}
	c.writeLine(c.cfg.buildReply(235, "AUTH", "", msg))
}

// handleMAIL parses and applies MAIL FROM. onConnect already ran at
// accept time (serve()), so spec.md's "emit connect event if still
// pending" never applies here — there is no deferred connect event to
// fire this late.
func (c *conn) handleMAIL(verb, rest string) {
	line := verb + " " + rest
	parsed, ok := address.Parse("MAIL FROM", line)
	if !ok {
		c.writeLine(c.cfg.buildReply(501, verb, "", "Bad sender address syntax"))
		return
	}
	if c.envelope.SenderSet {
		c.writeLine(c.cfg.buildReply(503, verb, "", "nested MAIL command"))
		return
	}

	if sizeStr, ok := parsed.Params.Get("SIZE"); ok {
		if n, err := strconv.ParseInt(sizeStr, 10, 64); err == nil && c.cfg.SizeLimit > 0 && n > c.cfg.SizeLimit {
			c.writeLine(c.cfg.buildReply(552, verb, "", "Message exceeds maximum size"))
			return
		}
	}

	bodyType := "7BIT"
	if bv, ok := parsed.Params.Get("BODY"); ok {
		bv = strings.ToUpper(bv)
		if bv != "7BIT" && bv != "8BITMIME" {
			c.writeLine(c.cfg.buildReply(501, verb, "", "Invalid BODY parameter"))
			return
		}
		bodyType = bv
	}

	requireTLS := false
	if parsed.Params.Has("REQUIRETLS") {
		if v, ok := parsed.Params.Get("REQUIRETLS"); ok && v != "" {
			c.writeLine(c.cfg.buildReply(501, verb, "", "REQUIRETLS takes no value"))
			return
		}
		requireTLS = true
	}

	var dsn DSN
	if !c.cfg.Hide.DSN {
		if ret, ok := parsed.Params.Get("RET"); ok {
			ret = strings.ToUpper(ret)
			if ret != "FULL" && ret != "HDRS" {
				c.writeLine(c.cfg.buildReply(501, verb, "", "Invalid RET parameter"))
				return
			}
			dsn.Ret = ret
		}
		if envid, ok := parsed.Params.Get("ENVID"); ok {
			dsn.Envid = envid
		}
	}

	c.envelope.BodyType = bodyType
	c.envelope.SMTPUTF8 = parsed.Params.Has("SMTPUTF8")
	c.envelope.RequireTLS = requireTLS
	c.envelope.DSN = dsn

	if c.cfg.Handlers.OnMailFrom != nil {
		req := &MailFromRequest{Address: parsed.Address, Params: parsed.Params}
		if err := c.cfg.Handlers.OnMailFrom(req, c.session); err != nil {
			ce := asCallbackError(err)
			code := ce.Code
			if code == 0 {
				code = 550
			}
			c.writeLine(c.cfg.buildReply(code, verb, "", ce.Message))
			return
		}
	}

	c.envelope.Sender = parsed.Address
	c.envelope.SenderSet = true
	c.writeLine(c.cfg.buildReply(250, verb, "MAIL_FROM_OK", "Accepted"))
}

var validNotify = map[string]bool{"NEVER": true, "SUCCESS": true, "FAILURE": true, "DELAY": true}

func (c *conn) handleRCPT(verb, rest string) {
	line := verb + " " + rest
	parsed, ok := address.Parse("RCPT TO", line)
	if !ok || parsed.Address == "" {
		c.writeLine(c.cfg.buildReply(501, verb, "", "Bad recipient address syntax"))
		return
	}
	if !c.envelope.SenderSet {
		c.writeLine(c.cfg.buildReply(503, verb, "", "Error: need MAIL command"))
		return
	}

	if notify, ok := parsed.Params.Get("NOTIFY"); ok {
		values := strings.Split(notify, ",")
		hasNever := false
		for _, v := range values {
			v = strings.ToUpper(strings.TrimSpace(v))
			if !validNotify[v] {
				c.writeLine(c.cfg.buildReply(501, verb, "", "Invalid NOTIFY parameter"))
				return
			}
			if v == "NEVER" {
				hasNever = true
			}
		}
		if hasNever && len(values) > 1 {
			c.writeLine(c.cfg.buildReply(501, verb, "", "NOTIFY=NEVER excludes other values"))
			return
		}
	}

	if c.cfg.Handlers.OnRcptTo != nil {
		req := &RcptToRequest{Address: parsed.Address, Params: parsed.Params}
		if err := c.cfg.Handlers.OnRcptTo(req, c.session); err != nil {
			ce := asCallbackError(err)
			code := ce.Code
			if code == 0 {
				code = 550
			}
			c.writeLine(c.cfg.buildReply(code, verb, "", ce.Message))
			return
		}
	}

	replaced := false
	for i, r := range c.envelope.Recipients {
		if strings.EqualFold(r, parsed.Address) {
			c.envelope.Recipients[i] = parsed.Address
			replaced = true
			break
		}
	}
	if !replaced {
		c.envelope.Recipients = append(c.envelope.Recipients, parsed.Address)
	}
	c.writeLine(c.cfg.buildReply(250, verb, "RCPT_TO_OK", "Accepted"))
}

func (c *conn) handleDATA(verb, rest string) {
	if len(c.envelope.Recipients) == 0 {
		c.writeLine(c.cfg.buildReply(503, verb, "", "Error: need RCPT command"))
		return
	}
	stream := newBodyStream()
	c.body = stream

	c.parser.StartDataMode(c.cfg.SizeLimit,
		func(chunk []byte) { stream.push(chunk) },
		func(byteCount int64, sizeExceeded bool) {
			stream.finish(byteCount, sizeExceeded)
		},
		func(remainder []byte) {
			c.body = nil
			if len(remainder) == 0 {
				return
			}
			for _, line := range c.parser.FeedCommandMode(remainder) {
				select {
				case c.lines <- line:
				case <-c.quit:
					return
				}
			}
		},
	)

	// Sent only once the parser is in data mode, so body bytes the client
	// writes after reading 354 are never split into command lines.
	c.writeLine(c.cfg.buildReply(354, verb, "", "End data with <CR><LF>.<CR><LF>"))

	if c.cfg.Handlers.OnData == nil {
		c.writeLine(c.cfg.buildReply(554, verb, "", "No message handler configured"))
		c.resetTransaction()
		return
	}

	result, lmtpResults, err := c.cfg.Handlers.OnData(stream, c.session)
	if err != nil {
		ce := asCallbackError(err)
		code := ce.Code
		if code == 0 {
			code = 450
		}
		c.writeLine(c.cfg.buildReply(code, verb, "", ce.Message))
		c.resetTransaction()
		return
	}

	if c.cfg.LMTP && lmtpResults != nil {
		if len(lmtpResults) != len(c.envelope.Recipients) {
			c.writeLine(c.cfg.buildReply(451, verb, "", "Error: LMTP response count mismatch"))
			c.resetTransaction()
			return
		}
		for _, r := range lmtpResults {
			if r.Err != nil {
				code := r.ResponseCode
				if code == 0 {
					code = 450
				}
				c.writeLine(c.cfg.buildReply(code, verb, "", r.Err.Error()))
				continue
			}
			msg := r.Message
			if msg == "" {
				msg = "OK: message queued"
			}
			c.writeLine(c.cfg.buildReply(250, verb, "DATA_OK", msg))
		}
		c.resetTransaction()
		return
	}

	msg := "OK: message queued"
	if result != nil && result.Message != "" {
		msg = result.Message
	}
	c.writeLine(c.cfg.buildReply(250, verb, "DATA_OK", msg))
	c.resetTransaction()
}

// resetTransaction is run after every completed DATA transaction (spec.md
// §4.4 DATA: "Increment transaction counter; reset envelope; reset
// unknown-command count").
func (c *conn) resetTransaction() {
	c.session.Transaction++
	c.envelope = newEnvelope()
	c.session.Envelope = c.envelope
	c.unknownCount = 0
}

func (c *conn) handleRSET(verb, rest string) {
	c.envelope = newEnvelope()
	c.session.Envelope = c.envelope
	c.writeLine(c.cfg.buildReply(250, verb, "", "Flushed"))
}

func (c *conn) handleNOOP(verb, rest string) {
	c.writeLine(c.cfg.buildReply(250, verb, "", "OK"))
}

func (c *conn) handleQUIT(verb, rest string) {
	c.writeLine(c.cfg.buildReply(221, verb, "", "Bye"))
	c.scheduleClose()
}

func (c *conn) handleVRFY(verb, rest string) {
	c.writeLine(c.cfg.buildReply(252, verb, "", "Try to send something. No promises though"))
}

func (c *conn) handleHELP(verb, rest string) {
	c.writeLine(c.cfg.buildReply(214, verb, "", "See RFC 5321"))
}

func (c *conn) handleSendmailStub(verb, rest string) {
	switch verb {
	case "WIZ":
		c.writeLine(c.cfg.buildReply(500, verb, "", "Please pass, oh mighty wizard"))
	case "SHELL":
		c.writeLine(c.cfg.buildReply(500, verb, "", "You are in a maze of twisty SMTP extensions, all alike"))
	case "KILL":
		c.writeLine(c.cfg.buildReply(500, verb, "", "Can't kill mother"))
	}
}

func (c *conn) handleXCLIENT(verb, rest string) {
	c.handleProxyExtension(verb, rest, []string{"NAME", "ADDR", "PORT", "PROTO", "HELO", "LOGIN"}, c.cfg.TrustXClient)
}

func (c *conn) handleXFORWARD(verb, rest string) {
	c.handleProxyExtension(verb, rest, []string{"NAME", "ADDR", "PORT", "PROTO", "HELO", "IDENT", "SOURCE"}, c.cfg.TrustXForward)
}

// handleProxyExtension implements the shared XCLIENT/XFORWARD parsing and
// application described in spec.md §4.4: only honored when trusted and
// before envelope data starts; ADDR/NAME rewrite the context, LOGIN
// triggers an onAuth call, and the two commands differ only in their
// recognized keys and final reply.
func (c *conn) handleProxyExtension(verb, rest string, recognized []string, trusted bool) {
	if !trusted {
		c.writeLine(c.cfg.buildReply(500, verb, "", "command not recognized"))
		return
	}
	if c.envelope.SenderSet || len(c.envelope.Recipients) > 0 {
		c.writeLine(c.cfg.buildReply(503, verb, "", "MAIL transaction in progress"))
		return
	}

	allowed := map[string]bool{}
	for _, k := range recognized {
		allowed[k] = true
	}

	for _, tok := range strings.Fields(rest) {
		eq := strings.IndexByte(tok, '=')
		if eq == -1 {
			continue
		}
		key := strings.ToUpper(tok[:eq])
		value := address.XtextDecode(tok[eq+1:])
		if !allowed[key] {
			continue
		}
		c.applyXHeader(verb, key, value)
	}

	if verb == "XCLIENT" {
		c.sendGreeting()
		return
	}
	c.writeLine(c.cfg.buildReply(250, verb, "", "Ok"))
}

func (c *conn) applyXHeader(verb, key, value string) {
	if value == "[UNAVAILABLE]" || value == "[TEMPUNAVAIL]" {
		c.xheaders[key] = false
		return
	}
	c.xheaders[key] = value

	switch key {
	case "ADDR":
		if !address.LooksLikeIP(value) {
			delete(c.xheaders, key)
			return
		}
		c.xheaders["ADDR:DEFAULT"] = c.remoteIP
		c.remoteIP = value
		c.session.RemoteAddr = value
	case "NAME":
		c.xheaders["NAME:DEFAULT"] = c.clientHostname
		c.clientHostname = value
		c.session.ClientHostname = value
	case "LOGIN":
		if c.cfg.Handlers.OnAuth != nil {
			req := &AuthRequest{Method: "XCLIENT", Plain: &auth.Credentials{Method: "XCLIENT", Username: value}}
			if result, err := c.cfg.Handlers.OnAuth(req, c.session); err == nil {
				c.session.User = result.User
				c.authenticatedMethod = "XCLIENT"
				c.refreshSession()
			}
		}
	}
}
