package smtp

import (
	"crypto/tls"
	"io"

	"github.com/gopistolet/smtpd/auth"
)

// CallbackError is how the embedding application rejects a phase: the
// code is the SMTP response code to send (falling back to the phase's
// documented default when zero), and Message is the text. Mirrors the
// teacher's own typed protocol errors (InvalidCmd/UnknownCmd in
// protocol.go) extended with a response code, since spec.md §6 requires
// rejections to carry one.
type CallbackError struct {
	Code    int
	Message string

	// XOAuth2Challenge, when set on an OnAuth rejection for the XOAUTH2
	// method, is base64-encoded as given (the embedder supplies the JSON
	// bytes) and sent as a 334 continuation
	// instead of an immediate failure reply (RFC 4954's "server can
	// return an error message as an initial response"); the client's
	// following line is then refused unconditionally with 535 (spec.md
	// §4.3).
	XOAuth2Challenge []byte
}

func (e *CallbackError) Error() string { return e.Message }

// Reject builds a *CallbackError, the return embedders use to refuse a
// phase from inside any of the Handlers callbacks.
func Reject(code int, message string) *CallbackError {
	return &CallbackError{Code: code, Message: message}
}

// DSN is the optional delivery-status-notification envelope (RFC 3461)
// negotiated on MAIL FROM.
type DSN struct {
	Ret   string // "FULL", "HDRS", or "" if not requested
	Envid string
}

// Envelope is the in-progress transaction state, reset after DATA
// completes or on RSET, and discarded entirely after STARTTLS.
type Envelope struct {
	Sender     string
	SenderSet  bool
	Recipients []string

	BodyType   string // "7BIT" or "8BITMIME"
	SMTPUTF8   bool
	RequireTLS bool
	DSN        DSN
}

func newEnvelope() *Envelope {
	return &Envelope{}
}

// TLSInfo summarizes the negotiated TLS session, surfaced to onSecure and
// held on Session for the lifetime of a secure connection.
type TLSInfo struct {
	Version     uint16
	CipherSuite uint16
	ServerName  string
}

// Session is the read-mostly view of a connection handed to every
// callback. It is the connection's live session object, updated as the
// connection progresses; Envelope points at the connection's current
// envelope, and the connection itself reads User.
type Session struct {
	ID         string
	RemoteAddr string
	RemotePort int
	LocalAddr  string
	LocalPort  int

	ClientHostname string // reverse-resolved, or "[ip]" fallback
	HelloHostname  string // client-asserted via HELO/EHLO/LHLO, lowercased

	Secure  bool
	TLS     *TLSInfo
	User    interface{} // opaque, set by onAuth on success
	AuthMethod string

	// TransmissionType is "(E)(L?)SMTP(S?)(A?)" per spec.md's glossary.
	TransmissionType string

	Transaction int
	Envelope    *Envelope
}

// AuthRequest is passed to onAuth; exactly one of Plain/CramMD5/OAuth2 is
// populated according to Method (Plain for PLAIN, LOGIN and XCLIENT).
type AuthRequest struct {
	Method  string
	Plain   *auth.Credentials
	CramMD5 *auth.CramMD5Credentials
	OAuth2  *auth.OAuth2Credentials
}

// AuthResult is what onAuth returns on success.
type AuthResult struct {
	User    interface{}
	Message string // defaults to "Authentication successful"
}

// MailFromRequest is passed to onMailFrom.
type MailFromRequest struct {
	Address string
	Params  map[string]interface{}
}

// RcptToRequest is passed to onRcptTo.
type RcptToRequest struct {
	Address string
	Params  map[string]interface{}
}

// DataResult is what onData returns on success in plain SMTP mode.
type DataResult struct {
	Message string // defaults to "OK: message queued"
}

// RecipientResult is one entry of an LMTP onData response array.
type RecipientResult struct {
	Err          error
	ResponseCode int // defaults to 450 if Err != nil and ResponseCode == 0
	Message      string
}

// BodyStream is handed to onData; it must be fully read before the
// callback returns. After the underlying DATA terminator arrives,
// ByteLength and SizeExceeded become valid (read only after io.EOF).
type BodyStream interface {
	io.Reader
	ByteLength() int64
	SizeExceeded() bool
}

// Handlers are the embedding application's callback contracts (spec.md
// §6). Every field is optional; a nil callback accepts unconditionally
// except OnAuth, whose absence makes every AUTH fail with 535, and
// OnData, whose absence makes every DATA fail with 554 (there would be
// nowhere to send the message).
type Handlers struct {
	OnConnect func(s *Session) error
	OnSecure  func(info *TLSInfo, s *Session) error
	OnAuth    func(req *AuthRequest, s *Session) (*AuthResult, error)
	OnMailFrom func(req *MailFromRequest, s *Session) error
	OnRcptTo   func(req *RcptToRequest, s *Session) error

	// OnData is called right after the 354 reply, while the body is still
	// arriving on the stream; it returns either a single DataResult
	// (SMTP) or, when cfg.LMTP is true, may alternatively return a
	// []RecipientResult with one entry per recipient (checked by the
	// caller: len must equal len(envelope.Recipients) or a single 451
	// reply is sent for the whole transaction).
	OnData func(body BodyStream, s *Session) (*DataResult, []RecipientResult, error)

	OnClose func(s *Session)
}

func asCallbackError(err error) *CallbackError {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*CallbackError); ok {
		return ce
	}
	return &CallbackError{Message: err.Error()}
}

// tlsInfoFrom summarizes a completed handshake for onSecure/Session.
func tlsInfoFrom(state tls.ConnectionState) *TLSInfo {
	return &TLSInfo{Version: state.Version, CipherSuite: state.CipherSuite, ServerName: state.ServerName}
}
