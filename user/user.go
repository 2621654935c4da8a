// Package user is a minimal in-memory credential store and local-mailbox
// policy for the demo embedder in cmd/gopistoletd. It is not part of the
// core: it is one possible implementation of the onAuth/onRcptTo
// callback contracts smtp.Handlers exposes, playing the same role the
// teacher's user/user_db package played for the teacher's own MSA.
package user

import "github.com/gopistolet/smtpd/auth"

// User is one local account: a login name, password, and the mailbox
// address it is allowed to receive at.
type User struct {
	Name     string
	Address  string
	Password string
}

// CheckPassword reports whether password matches the stored plaintext
// password (used by PLAIN/LOGIN AUTH).
func (u *User) CheckPassword(password string) bool {
	return password == u.Password
}

// CheckCramMD5 reports whether creds proves knowledge of the stored
// password under the CRAM-MD5 challenge/response scheme.
func (u *User) CheckCramMD5(creds *auth.CramMD5Credentials) bool {
	return creds.Validate(u.Password)
}
