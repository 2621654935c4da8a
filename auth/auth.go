// Package auth implements the SASL challenge/response sub-protocol for
// PLAIN, LOGIN, CRAM-MD5, and XOAUTH2 (RFC 4954). Each Mechanism drives
// its own multi-step exchange through a Step/StepFunc continuation
// instead of blocking on a read, so it can be consumed one line at a
// time by an event-driven connection.
//
// This package intentionally hand-rolls the mechanism logic rather than
// wrapping a ready-made SASL library: the byte-level exchange is the one
// piece this whole project exists to demonstrate (see SPEC_FULL.md §2).
package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error carries the SMTP response code a SASL-level failure should be
// reported with, mirroring how the rest of the core surfaces protocol
// errors (spec.md §7).
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string { return e.Message }

// ErrAborted is returned from a StepFunc when the client sent the "*"
// abort token (RFC 4954 §4).
var ErrAborted = &Error{Code: 501, Message: "Authentication cancelled"}

// Credentials is what a Mechanism produces once the exchange completes.
// Only the fields relevant to Method are populated.
type Credentials struct {
	Method   string
	Username string
	Password string // PLAIN, LOGIN

	CramMD5 *CramMD5Credentials
	OAuth2  *OAuth2Credentials
}

// CramMD5Credentials defers password verification to the caller: the
// core never has the plaintext secret, so it hands back the challenge
// and the client's response and lets the embedding's credential store
// validate a candidate password.
type CramMD5Credentials struct {
	Username  string
	Challenge string
	Response  string // lowercase hex
}

// Validate reports whether password would have produced Response for
// Challenge: HMAC-MD5(key=password, message=Challenge), lowercase hex.
func (c *CramMD5Credentials) Validate(password string) bool {
	mac := hmac.New(md5.New, []byte(password))
	mac.Write([]byte(c.Challenge))
	sum := hex.EncodeToString(mac.Sum(nil))
	return sum == c.Response
}

// OAuth2Credentials is the parsed XOAUTH2 initial response.
type OAuth2Credentials struct {
	Username string
	Token    string
}

// Step is what a Mechanism returns after Start or a StepFunc runs.
type Step struct {
	// Challenge, when Done is false and Err is nil, must be base64-sent
	// to the client as "334 <base64>" and Next installed to consume the
	// next raw line.
	Challenge []byte
	Next      StepFunc

	Done  bool
	Creds *Credentials

	Aborted bool
	Err     error
}

// StepFunc consumes one raw (not yet base64-decoded) inbound line.
type StepFunc func(line []byte) Step

// Mechanism is one SASL method.
type Mechanism interface {
	Name() string
	// Start begins the exchange. present reports whether the client
	// supplied an initial-response token on the AUTH command line itself
	// (e.g. "AUTH PLAIN <token>"); arg is that token, undecoded.
	Start(arg []byte, present bool) Step
}

func decodeBase64(line []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(line)
	return base64.StdEncoding.DecodeString(string(trimmed))
}

func isAbort(line []byte) bool {
	return bytes.Equal(bytes.TrimSpace(line), []byte("*"))
}

// ---- PLAIN (RFC 4616) ----

type Plain struct{}

func (Plain) Name() string { return "PLAIN" }

func (p Plain) Start(arg []byte, present bool) Step {
	if !present {
		return Step{Challenge: []byte{}, Next: p.step}
	}
	return p.step(arg)
}

func (Plain) step(line []byte) Step {
	if isAbort(line) {
		return Step{Aborted: true, Err: ErrAborted}
	}
	decoded, err := decodeBase64(line)
	if err != nil {
		return Step{Err: &Error{Code: 500, Message: "Invalid base64 data"}}
	}
	parts := bytes.SplitN(decoded, []byte{0}, 3)
	if len(parts) != 3 {
		return Step{Err: &Error{Code: 501, Message: "Invalid PLAIN response"}}
	}
	authzid, authcid, password := string(parts[0]), string(parts[1]), string(parts[2])
	username := authcid
	if username == "" {
		username = authzid
	}
	return Step{Done: true, Creds: &Credentials{Method: "PLAIN", Username: username, Password: password}}
}

// ---- LOGIN ----

type Login struct{}

func (Login) Name() string { return "LOGIN" }

func (l Login) Start(arg []byte, present bool) Step {
	return Step{Challenge: []byte("Username:"), Next: l.usernameStep}
}

func (l Login) usernameStep(line []byte) Step {
	if isAbort(line) {
		return Step{Aborted: true, Err: ErrAborted}
	}
	decoded, err := decodeBase64(line)
	if err != nil {
		return Step{Err: &Error{Code: 500, Message: "Invalid base64 data"}}
	}
	username := string(decoded)
	return Step{
		Challenge: []byte("Password:"),
		Next: func(line []byte) Step {
			return l.passwordStep(username, line)
		},
	}
}

func (Login) passwordStep(username string, line []byte) Step {
	if isAbort(line) {
		return Step{Aborted: true, Err: ErrAborted}
	}
	decoded, err := decodeBase64(line)
	if err != nil {
		return Step{Err: &Error{Code: 500, Message: "Invalid base64 data"}}
	}
	return Step{Done: true, Creds: &Credentials{Method: "LOGIN", Username: username, Password: string(decoded)}}
}

// ---- CRAM-MD5 (RFC 2195) ----

type CramMD5 struct {
	// ServerName appears in the generated challenge's domain part.
	ServerName string
	// Now is overridable for tests; defaults to time.Now when nil.
	Now func() time.Time
	// RandDigits produces the 8-digit random mantissa; overridable for
	// tests. Defaults to a crypto/rand-backed generator.
	RandDigits func() string
}

func (CramMD5) Name() string { return "CRAM-MD5" }

func (c CramMD5) Start(arg []byte, present bool) Step {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	digits := randomDigits8
	if c.RandDigits != nil {
		digits = c.RandDigits
	}
	challenge := fmt.Sprintf("<%s%d@%s>", digits(), now().Unix(), c.ServerName)
	return Step{
		Challenge: []byte(challenge),
		Next: func(line []byte) Step {
			return c.step(challenge, line)
		},
	}
}

func (CramMD5) step(challenge string, line []byte) Step {
	if isAbort(line) {
		return Step{Aborted: true, Err: ErrAborted}
	}
	decoded, err := decodeBase64(line)
	if err != nil {
		return Step{Err: &Error{Code: 500, Message: "Invalid base64 data"}}
	}
	i := bytes.LastIndexByte(decoded, ' ')
	if i == -1 {
		return Step{Err: &Error{Code: 501, Message: "Invalid CRAM-MD5 response"}}
	}
	username := string(decoded[:i])
	response := strings.ToLower(string(decoded[i+1:]))
	return Step{Done: true, Creds: &Credentials{
		Method:   "CRAM-MD5",
		Username: username,
		CramMD5:  &CramMD5Credentials{Username: username, Challenge: challenge, Response: response},
	}}
}

// ---- XOAUTH2 (Google's extension, never formally RFC'd) ----

type XOAuth2 struct{}

func (XOAuth2) Name() string { return "XOAUTH2" }

func (x XOAuth2) Start(arg []byte, present bool) Step {
	if !present {
		return Step{Challenge: []byte{}, Next: x.step}
	}
	return x.step(arg)
}

var errMalformedXOAuth2 = errors.New("malformed XOAUTH2 response")

func (XOAuth2) step(line []byte) Step {
	if isAbort(line) {
		return Step{Aborted: true, Err: ErrAborted}
	}
	decoded, err := decodeBase64(line)
	if err != nil {
		return Step{Err: &Error{Code: 500, Message: "Invalid base64 data"}}
	}
	fields := bytes.Split(decoded, []byte{1})
	var username, token string
	for _, f := range fields {
		switch {
		case bytes.HasPrefix(f, []byte("user=")):
			username = string(f[len("user="):])
		case bytes.HasPrefix(f, []byte("auth=Bearer ")):
			token = string(f[len("auth=Bearer "):])
		}
	}
	if username == "" || token == "" {
		return Step{Err: errMalformedXOAuth2}
	}
	return Step{Done: true, Creds: &Credentials{
		Method:   "XOAUTH2",
		Username: username,
		OAuth2:   &OAuth2Credentials{Username: username, Token: token},
	}}
}

// ByName returns the Mechanism for an upper-cased SASL method name, or
// nil if unsupported.
func ByName(name, serverName string) Mechanism {
	switch strings.ToUpper(name) {
	case "PLAIN":
		return Plain{}
	case "LOGIN":
		return Login{}
	case "CRAM-MD5":
		return CramMD5{ServerName: serverName}
	case "XOAUTH2":
		return XOAuth2{}
	default:
		return nil
	}
}
