package address

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestParseMailFrom(t *testing.T) {
	Convey("MAIL FROM", t, func() {

		Convey("case insensitive prefix", func() {
			a, ok := Parse("MAIL FROM", "mail from:<bob@example.com>")
			So(ok, ShouldBeTrue)
			So(a.Address, ShouldEqual, "bob@example.com")
		})

		Convey("space between colon and bracket", func() {
			a, ok := Parse("MAIL FROM", "MAIL FROM: <bob@example.com>")
			So(ok, ShouldBeTrue)
			So(a.Address, ShouldEqual, "bob@example.com")
		})

		Convey("null reverse-path is accepted", func() {
			a, ok := Parse("MAIL FROM", "MAIL FROM:<>")
			So(ok, ShouldBeTrue)
			So(a.Address, ShouldEqual, "")
		})

		Convey("params with a value", func() {
			a, ok := Parse("MAIL FROM", "MAIL FROM:<bob@example.com> SIZE=12345 BODY=8BITMIME")
			So(ok, ShouldBeTrue)
			size, _ := a.Params.Get("SIZE")
			So(size, ShouldEqual, "12345")
			body, _ := a.Params.Get("BODY")
			So(body, ShouldEqual, "8BITMIME")
		})

		Convey("xtext decoding of a param value", func() {
			a, ok := Parse("MAIL FROM", "MAIL FROM:<bob@example.com> ENVID=abc+2Bdef")
			So(ok, ShouldBeTrue)
			envid, _ := a.Params.Get("ENVID")
			So(envid, ShouldEqual, "abc+def")
		})

		Convey("wrong prefix fails", func() {
			_, ok := Parse("MAIL FROM", "RCPT TO:<bob@example.com>")
			So(ok, ShouldBeFalse)
		})

		Convey("missing colon fails", func() {
			_, ok := Parse("MAIL FROM", "MAIL FROM <bob@example.com>")
			So(ok, ShouldBeFalse)
		})

		Convey("nested angle brackets fail", func() {
			_, ok := Parse("MAIL FROM", "MAIL FROM:<<bob@example.com>>")
			So(ok, ShouldBeFalse)
		})
	})
}

func TestParseRcptTo(t *testing.T) {
	Convey("RCPT TO", t, func() {
		a, ok := Parse("RCPT TO", "RCPT TO:<alice@example.com> NOTIFY=SUCCESS,DELAY")
		So(ok, ShouldBeTrue)
		So(a.Address, ShouldEqual, "alice@example.com")
		notify, _ := a.Params.Get("NOTIFY")
		So(notify, ShouldEqual, "SUCCESS,DELAY")
	})
}

func TestValidateMailbox(t *testing.T) {
	Convey("mailbox validation", t, func() {

		Convey("ordinary address is valid", func() {
			_, ok := Parse("MAIL FROM", "MAIL FROM:<a@b.com>")
			So(ok, ShouldBeTrue)
		})

		Convey("no @ fails", func() {
			_, ok := Parse("MAIL FROM", "MAIL FROM:<notanaddress>")
			So(ok, ShouldBeFalse)
		})

		Convey("leading dot in local-part fails", func() {
			_, ok := Parse("MAIL FROM", "MAIL FROM:<.bob@example.com>")
			So(ok, ShouldBeFalse)
		})

		Convey("double dot in local-part fails", func() {
			_, ok := Parse("MAIL FROM", "MAIL FROM:<bo..b@example.com>")
			So(ok, ShouldBeFalse)
		})

		Convey("64 octet local-part boundary", func() {
			local := ""
			for i := 0; i < 64; i++ {
				local += "a"
			}
			_, ok := Parse("MAIL FROM", "MAIL FROM:<"+local+"@example.com>")
			So(ok, ShouldBeTrue)

			_, ok = Parse("MAIL FROM", "MAIL FROM:<"+local+"x@example.com>")
			So(ok, ShouldBeFalse)
		})

		Convey("IPv4 address literal domain", func() {
			_, ok := Parse("MAIL FROM", "MAIL FROM:<bob@[192.168.1.1]>")
			So(ok, ShouldBeTrue)

			_, ok = Parse("MAIL FROM", "MAIL FROM:<bob@[999.1.1.1]>")
			So(ok, ShouldBeFalse)
		})

		Convey("IPv6 address literal domain", func() {
			_, ok := Parse("MAIL FROM", "MAIL FROM:<bob@[IPv6:2001:db8::1]>")
			So(ok, ShouldBeTrue)
		})

		Convey("domain with hyphen-dot adjacency fails", func() {
			_, ok := Parse("MAIL FROM", "MAIL FROM:<bob@exa-.mple.com>")
			So(ok, ShouldBeFalse)
		})
	})
}

func TestXtextRoundTrip(t *testing.T) {
	Convey("xtext decode is a left inverse of encode", t, func() {
		for _, s := range []string{"hello", "with+plus", "weird=chars", "tab\tnewline\n"} {
			So(xtextDecode(XtextEncode(s)), ShouldEqual, s)
		}
	})
}
