// Package wire implements the low-level byte-to-line and byte-to-body
// transformation for the SMTP/LMTP wire protocol. It knows nothing about
// SMTP commands or replies; it only knows how to find "\n"-terminated
// lines and how to dot-unstuff a DATA body delimited by "\r\n.\r\n".
package wire

import "bytes"

// Unlimited is the sentinel passed to StartDataMode for "no size limit",
// matching the "0 = unlimited" convention used by the server's own size
// configuration.
const Unlimited int64 = 0

// Parser turns a stream of inbound bytes into either command lines or an
// unstuffed DATA body. A Parser is owned by exactly one connection and is
// not safe for concurrent use; the connection's drain loop is the only
// caller, by construction (see the concurrency model in SPEC_FULL.md §6).
type Parser struct {
	cmdTail []byte

	inData   bool
	started  bool // false until the first byte of the current DATA body has been examined
	dataTail []byte // up to 4 bytes carried across FeedDataMode calls
	byteCount int64
	maxBytes  int64

	onChunk     func([]byte)
	onEnd       func(byteCount int64, sizeExceeded bool)
	onRemainder func([]byte)

	closed bool
}

// New returns a Parser ready to feed command-mode lines.
func New() *Parser {
	return &Parser{}
}

// DataMode reports whether the parser is currently unstuffing a DATA body.
func (p *Parser) DataMode() bool {
	return p.inData
}

// FeedCommandMode appends chunk to the buffered tail and returns every
// complete line found. A trailing "\r" on a line is stripped; an
// incomplete trailing fragment is retained for the next call. Does
// nothing while in data mode or once the parser is closed.
func (p *Parser) FeedCommandMode(chunk []byte) []string {
	if p.inData || p.closed {
		return nil
	}
	p.cmdTail = append(p.cmdTail, chunk...)
	return p.drainLines(false)
}

// Flush returns any unterminated remainder as a final line, allowing a
// last command with no trailing CRLF to be recognized on socket close.
// Subsequent feeds are no-ops once the parser is closed.
func (p *Parser) Flush() []string {
	if p.closed {
		return nil
	}
	lines := p.drainLines(true)
	p.closed = true
	return lines
}

// drainLines splits p.cmdTail on "\n". When final is true, any remaining
// tail is emitted as a last line even without a terminator.
func (p *Parser) drainLines(final bool) []string {
	var lines []string
	for {
		i := bytes.IndexByte(p.cmdTail, '\n')
		if i == -1 {
			break
		}
		line := p.cmdTail[:i]
		line = bytes.TrimSuffix(line, []byte("\r"))
		lines = append(lines, string(line))
		p.cmdTail = p.cmdTail[i+1:]
	}
	if final && len(p.cmdTail) > 0 {
		lines = append(lines, string(p.cmdTail))
		p.cmdTail = nil
	}
	return lines
}

// StartDataMode switches the parser into DATA mode. Any command-mode tail
// that was buffered but not yet terminated by "\n" is re-injected as the
// first data bytes — this covers "DATA\r\n" immediately followed, in the
// same packet, by body bytes with no "\n" among them. Complete lines that
// FeedCommandMode already returned are not re-injected.
func (p *Parser) StartDataMode(maxBytes int64, onChunk func([]byte), onEnd func(int64, bool), onRemainder func([]byte)) {
	p.inData = true
	p.started = false
	p.dataTail = nil
	p.byteCount = 0
	p.maxBytes = maxBytes
	p.onChunk = onChunk
	p.onEnd = onEnd
	p.onRemainder = onRemainder

	leftover := p.cmdTail
	p.cmdTail = nil
	if len(leftover) > 0 {
		p.FeedDataMode(leftover)
	}
}

// FeedDataMode runs the dot-unstuffing scan over chunk (prefixed with any
// bytes carried from the previous call) and emits body bytes, a
// terminator signal, or nothing yet if more input is needed to decide.
//
// RFC 5321 §4.5.2 dot-unstuffing: the client doubles a leading "." on any
// body line; the server undoes that, and a line containing a lone "."
// ends the body.
func (p *Parser) FeedDataMode(chunk []byte) {
	if !p.inData || p.closed {
		return
	}
	data := chunk
	if len(p.dataTail) > 0 {
		data = append(append([]byte{}, p.dataTail...), chunk...)
		p.dataTail = nil
	}
	if len(data) == 0 {
		return
	}

	start := 0

	if !p.started {
		if data[0] == '.' && len(data) < 3 {
			// Too few bytes to tell ".\r\n" from "..": wait for more.
			p.dataTail = append([]byte{}, data...)
			return
		}
		p.started = true
		switch {
		case len(data) >= 3 && data[0] == '.' && data[1] == '\r' && data[2] == '\n':
			// Empty body: the very first bytes are the terminator.
			p.finish(data[:0], false, data[3:])
			return
		case len(data) >= 2 && data[0] == '.' && data[1] == '.':
			// Leading escape dot on an otherwise-empty first line.
			start = 1
		}
	}

	i := start + 2
	for i <= len(data)-2 {
		if data[i] == '.' && data[i-1] == '\n' {
			if i+3 <= len(data) && bytes.Equal(data[i-2:i+3], []byte("\r\n.\r\n")) {
				p.emit(data[start:i])
				p.finish(nil, false, data[i+3:])
				return
			}
			if data[i+1] == '.' {
				p.emit(data[start:i])
				start = i + 1
				i = start + 2
				continue
			}
		}
		i++
	}

	pending := data[start:]
	if len(pending) > 4 {
		p.emit(pending[:len(pending)-4])
		p.dataTail = append([]byte{}, pending[len(pending)-4:]...)
	} else {
		p.dataTail = append([]byte{}, pending...)
	}
}

func (p *Parser) emit(b []byte) {
	if len(b) == 0 {
		return
	}
	p.byteCount += int64(len(b))
	if p.onChunk != nil {
		p.onChunk(b)
	}
}

// finish ends the current DATA body. extra is emitted via emit() before
// signaling end when non-nil; emit() skips empty slices, so the
// zero-length slice passed for the "empty body" edge case produces no
// chunk callback.
func (p *Parser) finish(extra []byte, _ bool, remainder []byte) {
	if extra != nil {
		p.emit(extra)
	}
	p.inData = false
	sizeExceeded := p.maxBytes != Unlimited && p.byteCount > p.maxBytes
	onEnd := p.onEnd
	onRemainder := p.onRemainder
	byteCount := p.byteCount
	p.onChunk, p.onEnd, p.onRemainder = nil, nil, nil
	if onEnd != nil {
		onEnd(byteCount, sizeExceeded)
	}
	if onRemainder != nil {
		onRemainder(remainder)
	}
}

// Close marks the parser closed; subsequent feeds become no-ops. Socket
// close calls this after draining Flush().
func (p *Parser) Close() {
	p.closed = true
	p.inData = false
}
