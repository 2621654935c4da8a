package smtp

import (
	"bufio"
	"encoding/base64"
	"net"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

// newTestServer builds a Server wired to recording handlers suitable for
// driving the end-to-end scenarios spec.md §8 describes.
func newTestServer(t *testing.T, cfg Config) *Server {
	cfg.ServerName = "mail.example.test"
	cfg.SocketTimeout = 0 // no inactivity timer firing mid-test
	if cfg.Handlers.OnData == nil {
		cfg.Handlers.OnData = func(body BodyStream, s *Session) (*DataResult, []RecipientResult, error) {
			buf := make([]byte, 4096)
			var collected []byte
			for {
				n, err := body.Read(buf)
				collected = append(collected, buf[:n]...)
				if err != nil {
					break
				}
			}
			lastBody = collected
			return &DataResult{}, nil, nil
		}
	}
	return NewServer(cfg, Events{}, nil)
}

// lastBody captures the most recently accepted message body so tests can
// assert on exactly what onData received. Package-level because goconvey
// Convey blocks in this file run sequentially, never in parallel.
var lastBody []byte

func dial(t *testing.T, srv *Server) (net.Conn, *bufio.Reader) {
	client, server := net.Pipe()
	go srv.accept(server)
	return client, bufio.NewReader(client)
}

func readReply(t *testing.T, r *bufio.Reader) string {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading reply: %v", err)
		}
		lines = append(lines, line)
		if len(line) >= 4 && line[3] == ' ' {
			break
		}
	}
	return strings.Join(lines, "")
}

func TestScenarioA_PlainTransaction(t *testing.T) {
	Convey("EHLO, MAIL, RCPT, DATA happy path", t, func() {
		srv := newTestServer(t, Config{})
		client, r := dial(t, srv)
		defer client.Close()

		readReply(t, r) // greeting

		client.Write([]byte("EHLO client.example\r\n"))
		So(readReply(t, r), ShouldContainSubstring, "250")

		client.Write([]byte("MAIL FROM:<a@b.com>\r\n"))
		So(readReply(t, r), ShouldContainSubstring, "250")

		client.Write([]byte("RCPT TO:<c@d.com>\r\n"))
		So(readReply(t, r), ShouldContainSubstring, "250")

		client.Write([]byte("DATA\r\n"))
		So(readReply(t, r), ShouldContainSubstring, "354")

		client.Write([]byte("Subject: hi\r\n\r\nHello\r\n.\r\n"))
		So(readReply(t, r), ShouldContainSubstring, "250")

		time.Sleep(10 * time.Millisecond)
		So(string(lastBody), ShouldEqual, "Subject: hi\r\n\r\nHello\r\n")
	})
}

func TestScenarioB_DotStuffing(t *testing.T) {
	Convey("leading escape dot is collapsed", t, func() {
		srv := newTestServer(t, Config{})
		client, r := dial(t, srv)
		defer client.Close()

		readReply(t, r)
		client.Write([]byte("EHLO client.example\r\n"))
		readReply(t, r)
		client.Write([]byte("MAIL FROM:<a@b.com>\r\n"))
		readReply(t, r)
		client.Write([]byte("RCPT TO:<c@d.com>\r\n"))
		readReply(t, r)
		client.Write([]byte("DATA\r\n"))
		readReply(t, r)
		client.Write([]byte("Line 1\r\n..dotline\r\n.\r\n"))
		So(readReply(t, r), ShouldContainSubstring, "250")

		time.Sleep(10 * time.Millisecond)
		So(string(lastBody), ShouldEqual, "Line 1\r\n.dotline\r\n")
	})
}

func TestScenarioC_Pipelined(t *testing.T) {
	Convey("pipelined MAIL/RCPT/DATA produce replies in order", t, func() {
		srv := newTestServer(t, Config{})
		client, r := dial(t, srv)
		defer client.Close()

		readReply(t, r)
		client.Write([]byte("EHLO client.example\r\n"))
		readReply(t, r)

		client.Write([]byte("MAIL FROM:<a@b.com>\r\nRCPT TO:<c@d.com>\r\nDATA\r\n"))
		So(readReply(t, r), ShouldContainSubstring, "250")
		So(readReply(t, r), ShouldContainSubstring, "250")
		So(readReply(t, r), ShouldContainSubstring, "354")
	})
}

func TestScenarioD_RsetClearsEnvelope(t *testing.T) {
	Convey("RSET allows a fresh MAIL FROM", t, func() {
		srv := newTestServer(t, Config{})
		client, r := dial(t, srv)
		defer client.Close()

		readReply(t, r)
		client.Write([]byte("EHLO client.example\r\n"))
		readReply(t, r)

		client.Write([]byte("MAIL FROM:<a@b.com>\r\n"))
		readReply(t, r)
		client.Write([]byte("RSET\r\n"))
		So(readReply(t, r), ShouldContainSubstring, "250")

		client.Write([]byte("MAIL FROM:<c@d.com>\r\n"))
		So(readReply(t, r), ShouldContainSubstring, "250")
	})
}

func TestScenarioF_AuthRequiredBlocksMail(t *testing.T) {
	Convey("MAIL is rejected with 530 when auth is required but absent", t, func() {
		srv := newTestServer(t, Config{Auth: AuthPolicy{Methods: []string{"PLAIN"}, Optional: false}})
		client, r := dial(t, srv)
		defer client.Close()

		readReply(t, r)
		client.Write([]byte("EHLO client.example\r\n"))
		readReply(t, r)

		client.Write([]byte("MAIL FROM:<a@b.com>\r\n"))
		So(readReply(t, r), ShouldContainSubstring, "530")
	})
}

func TestScenarioE_AuthPlainSuccess(t *testing.T) {
	Convey("AUTH PLAIN with an accepted initial response authenticates and flips the transmission type", t, func() {
		cfg := Config{Auth: AuthPolicy{Methods: []string{"PLAIN"}, AllowInsecure: true}}
		cfg.Handlers.OnAuth = func(req *AuthRequest, s *Session) (*AuthResult, error) {
			if req.Plain != nil && req.Plain.Username == "carol" && req.Plain.Password == "secret" {
				return &AuthResult{User: req.Plain.Username}, nil
			}
			return nil, Reject(535, "Authentication failed")
		}
		var transmissionType string
		cfg.Handlers.OnMailFrom = func(req *MailFromRequest, s *Session) error {
			transmissionType = s.TransmissionType
			return nil
		}
		srv := newTestServer(t, cfg)
		client, r := dial(t, srv)
		defer client.Close()

		readReply(t, r)
		client.Write([]byte("EHLO client.example\r\n"))
		readReply(t, r)

		initial := base64.StdEncoding.EncodeToString([]byte("\x00carol\x00secret"))
		client.Write([]byte("AUTH PLAIN " + initial + "\r\n"))
		So(readReply(t, r), ShouldContainSubstring, "235")

		client.Write([]byte("MAIL FROM:<a@b.com>\r\n"))
		So(readReply(t, r), ShouldContainSubstring, "250")
		So(transmissionType, ShouldEndWith, "A")
	})
}

func TestUnknownCommand(t *testing.T) {
	Convey("an unrecognized verb gets 500", t, func() {
		srv := newTestServer(t, Config{})
		client, r := dial(t, srv)
		defer client.Close()

		readReply(t, r)
		client.Write([]byte("EHLO client.example\r\n"))
		readReply(t, r)
		client.Write([]byte("BOGUS\r\n"))
		So(readReply(t, r), ShouldContainSubstring, "500")
	})
}
