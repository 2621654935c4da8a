// Command gopistoletd is the demo embedding application: it wires
// smtp.Server to a JSON-configured user.UserDB, the same role the
// teacher's one-function main.go played for its MSA, extended to the
// configuration fields config.File loads.
package main

import (
	"crypto/tls"
	"flag"
	"net"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/gopistolet/smtpd/config"
	"github.com/gopistolet/smtpd/smtp"
	"github.com/gopistolet/smtpd/user"
)

func main() {
	configPath := flag.String("config", "gopistoletd.json", "path to JSON configuration file")
	flag.Parse()

	log := logrus.New()

	file, err := config.Load(*configPath)
	if err != nil {
		log.WithFields(logrus.Fields{"error": err}).Fatal("could not load configuration")
	}

	var users *user.UserDB
	if file.UsersFile != "" {
		users, err = user.LoadDB(file.UsersFile)
		if err != nil {
			log.WithFields(logrus.Fields{"error": err}).Fatal("could not load user database")
		}
	} else {
		users = &user.UserDB{}
	}

	cfg := smtp.Config{
		ServerName: file.ServerName,
		Banner:     file.Banner,
		LMTP:       file.LMTP,
		Auth: smtp.AuthPolicy{
			Methods:       file.AuthMethods,
			Optional:      file.AuthOptional,
			AllowInsecure: file.AllowInsecureAuth,
		},
		SizeLimit:      file.SizeLimitBytes,
		MaxConnections: file.MaxConnections,
		ReverseDNS:     file.ReverseDNS,
		TrustXClient:   file.TrustXClient,
		TrustXForward:  file.TrustXForward,
		Handlers: smtp.Handlers{
			OnAuth:   users.OnAuth,
			OnRcptTo: users.OnRcptTo,
			OnData:   deliver(log),
		},
		Logger: log,
	}

	var tlsConf *tls.Config
	if file.TLSCert != "" && file.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(file.TLSCert, file.TLSKey)
		if err != nil {
			log.WithFields(logrus.Fields{"error": err}).Fatal("could not load TLS certificate")
		}
		tlsConf = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	srv := smtp.NewServer(cfg, smtp.Events{
		OnListening: func(addr net.Addr) {
			log.WithFields(logrus.Fields{"addr": addr.String()}).Info("listening")
		},
		OnError: func(err error) {
			log.WithFields(logrus.Fields{"error": err}).Error("accept error")
		},
	}, tlsConf)

	if err := srv.ListenAndServe(file.ListenAddr); err != nil {
		log.WithFields(logrus.Fields{"error": err}).Fatal("server exited")
	}
	os.Exit(0)
}

// deliver is the demo's onData: it discards the body after measuring it,
// logging the byte count rather than writing a mailbox (message storage
// is explicitly the embedder's own concern, not the core's — see
// SPEC_FULL.md §4, dropped go-maildir dependency).
func deliver(log *logrus.Logger) func(body smtp.BodyStream, s *smtp.Session) (*smtp.DataResult, []smtp.RecipientResult, error) {
	return func(body smtp.BodyStream, s *smtp.Session) (*smtp.DataResult, []smtp.RecipientResult, error) {
		buf := make([]byte, 4096)
		for {
			_, err := body.Read(buf)
			if err != nil {
				break
			}
		}
		log.WithFields(logrus.Fields{
			"conn_id":     s.ID,
			"byte_length": body.ByteLength(),
			"recipients":  len(s.Envelope.Recipients),
		}).Info("message accepted")
		return &smtp.DataResult{Message: "OK: message queued"}, nil, nil
	}
}
