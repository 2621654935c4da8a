// Package address parses the envelope commands "MAIL FROM:<...>" and
// "RCPT TO:<...>", including their ESMTP parameters, and validates the
// extracted reverse/forward path per RFC 5321 §4.1.2.
package address

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Params holds the ESMTP parameters that followed the address: a bare
// "KEY" token stores true, a "KEY=VALUE" token stores the xtext-decoded
// value. Keys are upper-cased; unknown keys are preserved as-is.
type Params map[string]interface{}

// Get returns the string value of key, or "" with ok=false if it is
// absent or was a bare boolean token.
func (p Params) Get(key string) (string, bool) {
	v, present := p[key]
	if !present {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Has reports whether key was present at all (boolean or valued).
func (p Params) Has(key string) bool {
	_, present := p[key]
	return present
}

// Address is the result of successfully parsing a MAIL FROM/RCPT TO line.
type Address struct {
	Address string
	Params  Params
}

// Parse parses line as "<prefix>:<address> [params...]", case-insensitive
// on prefix ("MAIL FROM" or "RCPT TO"). It reports ok=false for any
// malformed line or address that fails validation; callers have no
// recourse but to reject the command.
func Parse(prefix, line string) (Address, bool) {
	colon := strings.IndexByte(line, ':')
	if colon == -1 {
		return Address{}, false
	}
	head := strings.TrimSpace(line[:colon])
	if !strings.EqualFold(head, prefix) {
		return Address{}, false
	}

	tokens := strings.Fields(line[colon+1:])
	if len(tokens) == 0 {
		return Address{}, false
	}

	addrToken := tokens[0]
	if len(addrToken) < 2 || addrToken[0] != '<' || addrToken[len(addrToken)-1] != '>' {
		return Address{}, false
	}
	body := addrToken[1 : len(addrToken)-1]
	if strings.ContainsAny(body, "<>") {
		return Address{}, false
	}

	params := Params{}
	for _, tok := range tokens[1:] {
		eq := strings.IndexByte(tok, '=')
		var key, value string
		hasValue := eq != -1
		if hasValue {
			key, value = tok[:eq], tok[eq+1:]
		} else {
			key = tok
		}
		key = strings.ToUpper(key)
		if key == "" {
			continue
		}
		if hasValue {
			params[key] = xtextDecode(value)
		} else {
			params[key] = true
		}
	}

	if body == "" {
		// The null reverse-path, "<>" — always accepted, no further checks.
		return Address{Address: body, Params: params}, true
	}
	if !validMailbox(body) {
		return Address{}, false
	}
	return Address{Address: body, Params: params}, true
}

// validMailbox implements the local-part/domain rules of spec.md §4.2.
func validMailbox(addr string) bool {
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 {
		return false
	}
	local, domain := addr[:at], addr[at+1:]

	if len(local) > 64 {
		return false
	}
	if len(local)+1+len(domain) > 254 {
		return false
	}
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(local, "..") {
		return false
	}

	if strings.HasPrefix(domain, "[") && strings.HasSuffix(domain, "]") {
		return validAddressLiteral(domain[1 : len(domain)-1])
	}
	return validDomain(domain)
}

func validAddressLiteral(lit string) bool {
	if strings.HasPrefix(strings.ToUpper(lit), "IPV6:") {
		rest := lit[len("IPV6:"):]
		if !strings.Contains(rest, ":") {
			return false
		}
		for _, c := range rest {
			if !isHexDigit(byte(c)) && c != ':' {
				return false
			}
		}
		return true
	}
	return isIPv4Literal(lit)
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isIPv4Literal(lit string) bool {
	parts := strings.Split(lit, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 || (len(p) > 1 && p[0] == '0') {
			return false
		}
	}
	return true
}

func validDomain(domain string) bool {
	if domain == "" {
		return false
	}
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") || strings.Contains(domain, "..") {
		return false
	}
	if strings.Contains(domain, ".-") || strings.Contains(domain, "-.") {
		return false
	}
	for _, r := range domain {
		if r >= 0x80 {
			// Unicode domain (SMTPUTF8): defer to idna for a real
			// validity check instead of hand-rolling one.
			if _, err := idna.Lookup.ToASCII(domain); err != nil {
				return false
			}
			return true
		}
		if !(r == '.' || r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// xtextDecode decodes RFC 3461 xtext "+HH" hex escapes in an ESMTP
// parameter value. Malformed escapes are passed through unmodified.
func xtextDecode(s string) string {
	if !strings.ContainsRune(s, '+') {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '+' && i+2 < len(s) && isHexDigit(s[i+1]) && isHexDigit(s[i+2]) {
			n, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
			if err == nil {
				b.WriteByte(byte(n))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// XtextDecode decodes RFC 3461 xtext "+HH" escapes in s. Exported for
// callers outside MAIL/RCPT parameter parsing that still need to decode
// xtext-encoded values, e.g. XCLIENT/XFORWARD parameters.
func XtextDecode(s string) string { return xtextDecode(s) }

// XtextEncode encodes b per RFC 3461 xtext: '+', '=', and any byte
// outside the printable-ASCII range (33-126) become "+HH". Exported so
// callers composing ESMTP parameters (DSN ENVID, etc.) can round-trip
// values that Parse will later decode.
func XtextEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '+' || c == '=' || c < 33 || c > 126 {
			fmt.Fprintf(&b, "+%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// LooksLikeIP reports whether s parses as an IP address literal. XCLIENT's
// ADDR parameter is only honored when it does, matching Postfix's own
// validation of the proxy-supplied address.
func LooksLikeIP(s string) bool {
	return net.ParseIP(s) != nil
}
