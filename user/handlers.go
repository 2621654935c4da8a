package user

import "github.com/gopistolet/smtpd/smtp"

// OnAuth implements smtp.Handlers.OnAuth against the user database: PLAIN
// and LOGIN check the plaintext password, CRAM-MD5 checks the
// challenge/response digest. XOAUTH2 and XCLIENT are always rejected —
// this demo store has no OAuth token issuer to validate against.
func (db *UserDB) OnAuth(req *smtp.AuthRequest, _ *smtp.Session) (*smtp.AuthResult, error) {
	switch req.Method {
	case "PLAIN", "LOGIN":
		u, err := db.Get(req.Plain.Username)
		if err != nil || !u.CheckPassword(req.Plain.Password) {
			return nil, smtp.Reject(535, "Error: authentication failed")
		}
		return &smtp.AuthResult{User: u.Name}, nil
	case "CRAM-MD5":
		u, err := db.Get(req.CramMD5.Username)
		if err != nil || !u.CheckCramMD5(req.CramMD5) {
			return nil, smtp.Reject(535, "Error: authentication failed")
		}
		return &smtp.AuthResult{User: u.Name}, nil
	default:
		return nil, smtp.Reject(504, "Unrecognized authentication type")
	}
}

// OnRcptTo implements smtp.Handlers.OnRcptTo: accept only addresses that
// resolve to a known local mailbox.
func (db *UserDB) OnRcptTo(req *smtp.RcptToRequest, _ *smtp.Session) error {
	if _, found := db.ByAddress(req.Address); !found {
		return smtp.Reject(550, "No such user here")
	}
	return nil
}
