package smtp

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestBuildReplySingleLine(t *testing.T) {
	Convey("single-line reply gets the enhanced status code by default", t, func() {
		cfg := Config{}
		out := cfg.buildReply(250, "RCPT", "", "Accepted")
		So(out, ShouldEqual, "250 2.0.0 Accepted\r\n")
	})

	Convey("contextual tag overrides the numeric table", t, func() {
		cfg := Config{}
		out := cfg.buildReply(250, "RCPT", "RCPT_TO_OK", "Accepted")
		So(out, ShouldEqual, "250 2.1.5 Accepted\r\n")
	})

	Convey("hidden enhanced codes suppress the dotted prefix", t, func() {
		cfg := Config{Hide: Hide{ENHANCEDSTATUSCODES: true}}
		out := cfg.buildReply(250, "RCPT", "", "Accepted")
		So(out, ShouldEqual, "250 Accepted\r\n")
	})

	Convey("3xx codes never get an enhanced prefix", t, func() {
		cfg := Config{}
		out := cfg.buildReply(354, "DATA", "", "End data with <CR><LF>.<CR><LF>")
		So(out, ShouldEqual, "354 End data with <CR><LF>.<CR><LF>\r\n")
	})

	Convey("EHLO family never gets an enhanced prefix", t, func() {
		cfg := Config{}
		out := cfg.buildReply(250, "EHLO", "", "greeting", "PIPELINING")
		So(out, ShouldEqual, "250-greeting\r\n250 PIPELINING\r\n")
	})
}

func TestEnhancedStatusCodeFallback(t *testing.T) {
	Convey("unknown codes fall back to first-digit defaults", t, func() {
		So(enhancedStatusCode(299, ""), ShouldEqual, "2.0.0")
		So(enhancedStatusCode(499, ""), ShouldEqual, "4.0.0")
		So(enhancedStatusCode(599, ""), ShouldEqual, "5.0.0")
	})
}
