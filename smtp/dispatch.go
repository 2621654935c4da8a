package smtp

import (
	"regexp"
	"strings"
)

// httpRequestLine matches a line that looks like an HTTP request, the
// cross-protocol-attack guard spec.md §4.4 rule 2 calls for.
var httpRequestLine = regexp.MustCompile(`(?i)^(GET|POST|PUT|DELETE|HEAD|OPTIONS|CONNECT|PATCH|TRACE)\s+\S+\s+HTTP/\d\.\d`)

const maxUnknownCommands = 10

type handlerFunc func(c *conn, verb, rest string)

var handlers = map[string]handlerFunc{
	"EHLO":     (*conn).handleEHLO,
	"HELO":     (*conn).handleEHLO,
	"LHLO":     (*conn).handleEHLO,
	"STARTTLS": (*conn).handleSTARTTLS,
	"AUTH":     (*conn).handleAUTH,
	"MAIL":     (*conn).handleMAIL,
	"RCPT":     (*conn).handleRCPT,
	"DATA":     (*conn).handleDATA,
	"RSET":     (*conn).handleRSET,
	"NOOP":     (*conn).handleNOOP,
	"QUIT":     (*conn).handleQUIT,
	"VRFY":     (*conn).handleVRFY,
	"HELP":     (*conn).handleHELP,
	"XCLIENT":  (*conn).handleXCLIENT,
	"XFORWARD": (*conn).handleXFORWARD,
	"WIZ":      (*conn).handleSendmailStub,
	"SHELL":    (*conn).handleSendmailStub,
	"KILL":     (*conn).handleSendmailStub,
}

// needsHello is the set of commands that require a prior HELO/EHLO/LHLO
// (spec.md §4.4 rule 9).
var needsHello = map[string]bool{"MAIL": true, "RCPT": true, "DATA": true, "AUTH": true}

// requiresAuth is the set of commands auth-required policy gates (rule 10).
var requiresAuth = map[string]bool{"MAIL": true, "RCPT": true, "DATA": true}

// processLine applies spec.md §4.4's ordered rules to a single decoded
// command line. It runs entirely on the processor goroutine: only one
// line is ever in flight for a connection.
func (c *conn) processLine(line string) {
	if !c.ready {
		c.writeLine(c.cfg.buildReply(421, "", "", "You talk too soon"))
		return
	}

	if httpRequestLine.MatchString(line) {
		c.writeLine(c.cfg.buildReply(421, "", "", "HTTP requests not allowed"))
		c.scheduleClose()
		return
	}

	if c.upgrading {
		return
	}

	if c.nextHandler != nil {
		next := c.nextHandler
		c.nextHandler = nil
		next([]byte(line))
		return
	}

	verb, rest := splitVerb(line)
	verb = strings.ToUpper(verb)

	if c.closing.Load() {
		c.writeLine(c.cfg.buildReply(421, verb, "", "Server shutting down"))
		return
	}

	if c.cfg.LMTP && (verb == "HELO" || verb == "EHLO") {
		c.writeLine(c.cfg.buildReply(500, verb, "", "Error: use LHLO"))
		return
	}
	if verb == "LHLO" {
		verb = "EHLO"
	}

	handler, known := handlers[verb]
	if !known || c.cfg.isDisabled(verb) {
		c.unknownCount++
		if c.unknownCount >= maxUnknownCommands {
			c.writeLine(c.cfg.buildReply(421, "", "", "too many unrecognized commands"))
			c.scheduleClose()
			return
		}
		c.writeLine(c.cfg.buildReply(500, "", "", "command not recognized"))
		return
	}

	if c.session.User == nil && len(c.cfg.Auth.Methods) > 0 && !c.cfg.Auth.Optional && verb != "AUTH" {
		if c.cfg.MaxUnauthenticatedCommands > 0 {
			c.unauthCount++
			if c.unauthCount >= c.cfg.MaxUnauthenticatedCommands {
				c.writeLine(c.cfg.buildReply(421, "", "", "too many unauthenticated commands"))
				c.scheduleClose()
				return
			}
		}
	}

	if c.openingCommand == "" && needsHello[verb] {
		if c.cfg.LMTP {
			c.writeLine(c.cfg.buildReply(503, verb, "", "Error: send LHLO first"))
		} else {
			c.writeLine(c.cfg.buildReply(503, verb, "", "Error: send HELO/EHLO first"))
		}
		return
	}

	if requiresAuth[verb] && !c.cfg.Auth.Optional && len(c.cfg.Auth.Methods) > 0 && c.session.User == nil {
		c.writeLine(c.cfg.buildReply(530, verb, "AUTH_REQUIRED", c.cfg.Auth.RequiredMessage))
		return
	}

	handler(c, verb, rest)
}

func splitVerb(line string) (verb, rest string) {
	line = strings.TrimLeft(line, " \t")
	i := strings.IndexAny(line, " \t")
	if i == -1 {
		return line, ""
	}
	return line[:i], strings.TrimLeft(line[i+1:], " \t")
}
