package wire

import (
	"bytes"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

// collect wires a Parser up to DATA mode and returns the assembled body,
// whether the terminator fired, the reported byte count/overflow, and
// any bytes handed to the remainder callback.
func collectData(p *Parser, max int64, feed func(feedFn func([]byte))) (body []byte, ended bool, byteCount int64, sizeExceeded bool, remainder []byte) {
	p.StartDataMode(max, func(b []byte) {
		body = append(body, b...)
	}, func(bc int64, exceeded bool) {
		ended = true
		byteCount = bc
		sizeExceeded = exceeded
	}, func(b []byte) {
		remainder = append([]byte{}, b...)
	})
	feed(p.FeedDataMode)
	return
}

func TestDotUnstuffingSingleChunk(t *testing.T) {
	Convey("single-write DATA body", t, func() {
		p := New()
		body, ended, bc, exceeded, remainder := collectData(p, Unlimited, func(feed func([]byte)) {
			feed([]byte("Subject: hi\r\n\r\nHello\r\n.\r\n"))
		})
		So(ended, ShouldBeTrue)
		So(string(body), ShouldEqual, "Subject: hi\r\n\r\nHello\r\n")
		So(bc, ShouldEqual, int64(len(body)))
		So(exceeded, ShouldBeFalse)
		So(remainder, ShouldBeEmpty)
	})
}

func TestDotUnstuffingEscapedDot(t *testing.T) {
	Convey("a doubled leading dot is collapsed to one", t, func() {
		p := New()
		body, _, _, _, _ := collectData(p, Unlimited, func(feed func([]byte)) {
			feed([]byte("Line 1\r\n..dotline\r\n.\r\n"))
		})
		So(string(body), ShouldEqual, "Line 1\r\n.dotline\r\n")
	})
}

func TestDotUnstuffingEmptyBody(t *testing.T) {
	Convey("body that is immediately terminated is empty", t, func() {
		p := New()
		body, ended, bc, _, remainder := collectData(p, Unlimited, func(feed func([]byte)) {
			feed([]byte(".\r\nQUIT\r\n"))
		})
		So(ended, ShouldBeTrue)
		So(body, ShouldBeEmpty)
		So(bc, ShouldEqual, int64(0))
		So(string(remainder), ShouldEqual, "QUIT\r\n")
	})
}

func TestDotUnstuffingFragmentationIndependence(t *testing.T) {
	Convey("arbitrary fragmentation of the same bytes yields the same body", t, func() {
		whole := "Line one\r\n..almost a dot\r\nLine three\r\n.\r\nNOOP\r\n"

		p1 := New()
		body1, _, bc1, _, rem1 := collectData(p1, Unlimited, func(feed func([]byte)) {
			feed([]byte(whole))
		})

		for chunkSize := 1; chunkSize <= 7; chunkSize++ {
			p := New()
			var afterEnd []byte
			body, _, bc, _, rem := collectData(p, Unlimited, func(feed func([]byte)) {
				b := []byte(whole)
				for i := 0; i < len(b); i += chunkSize {
					end := i + chunkSize
					if end > len(b) {
						end = len(b)
					}
					if !p.DataMode() {
						// After the terminator the caller switches back to
						// command mode; later chunks never reach FeedDataMode.
						afterEnd = append(afterEnd, b[i:end]...)
						continue
					}
					feed(b[i:end])
				}
			})
			So(string(body), ShouldEqual, string(body1))
			So(bc, ShouldEqual, bc1)
			So(string(rem)+string(afterEnd), ShouldEqual, string(rem1))
		}
	})
}

func TestDotUnstuffingTerminatorAcrossBoundary(t *testing.T) {
	Convey("terminator split across two chunks is still found", t, func() {
		p := New()
		body, ended, _, _, remainder := collectData(p, Unlimited, func(feed func([]byte)) {
			feed([]byte("Hi\r\n.\r"))
			feed([]byte("\nbye"))
		})
		So(ended, ShouldBeTrue)
		So(string(body), ShouldEqual, "Hi\r\n")
		So(string(remainder), ShouldEqual, "bye")
	})
}

func TestSizeExceeded(t *testing.T) {
	Convey("sizeExceeded reflects byteCount > max", t, func() {
		p := New()
		_, ended, bc, exceeded, _ := collectData(p, 3, func(feed func([]byte)) {
			feed([]byte("Hello\r\n.\r\n"))
		})
		So(ended, ShouldBeTrue)
		So(bc, ShouldBeGreaterThan, int64(3))
		So(exceeded, ShouldBeTrue)
	})
}

func TestFeedCommandMode(t *testing.T) {
	Convey("command-mode line splitting", t, func() {
		p := New()
		lines := p.FeedCommandMode([]byte("EHLO foo\r\nMAIL FROM:<a@b>\r\nRCPT"))
		So(lines, ShouldResemble, []string{"EHLO foo", "MAIL FROM:<a@b>"})

		more := p.FeedCommandMode([]byte(" TO:<c@d>\r\n"))
		So(more, ShouldResemble, []string{"RCPT TO:<c@d>"})
	})

	Convey("fragmentation independence", t, func() {
		whole := "EHLO a\r\nNOOP\r\nQUIT\r\n"
		p1 := New()
		want := p1.FeedCommandMode([]byte(whole))

		for chunkSize := 1; chunkSize <= 5; chunkSize++ {
			p := New()
			var got []string
			b := []byte(whole)
			for i := 0; i < len(b); i += chunkSize {
				end := i + chunkSize
				if end > len(b) {
					end = len(b)
				}
				got = append(got, p.FeedCommandMode(b[i:end])...)
			}
			So(got, ShouldResemble, want)
		}
	})

	Convey("does nothing while in data mode", t, func() {
		p := New()
		p.StartDataMode(Unlimited, func(b []byte) {}, func(int64, bool) {}, func(b []byte) {})
		So(p.FeedCommandMode([]byte("NOOP\r\n")), ShouldBeEmpty)
	})
}

func TestFlush(t *testing.T) {
	Convey("flush emits the unterminated remainder once", t, func() {
		p := New()
		p.FeedCommandMode([]byte("QUIT"))
		lines := p.Flush()
		So(lines, ShouldResemble, []string{"QUIT"})
		So(p.Flush(), ShouldBeEmpty)
	})
}

func TestClose(t *testing.T) {
	Convey("closed parser ignores further feeds", t, func() {
		p := New()
		p.Close()
		So(p.FeedCommandMode([]byte("NOOP\r\n")), ShouldBeEmpty)
		So(p.Flush(), ShouldBeEmpty)
	})
}

func BenchmarkDotUnstuffThroughput(b *testing.B) {
	body := bytes.Repeat([]byte("a line of body text\r\n"), 1000)
	body = append(body, []byte(".\r\n")...)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p := New()
		p.StartDataMode(Unlimited, func([]byte) {}, func(int64, bool) {}, func([]byte) {})
		p.FeedDataMode(body)
	}
}
