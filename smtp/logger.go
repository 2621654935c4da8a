package smtp

import "github.com/sirupsen/logrus"

// Logger is the subset of logrus's API the core depends on, so embedders
// can plug in *logrus.Logger, *logrus.Entry, or a no-op stub without this
// package importing logrus's concrete types at call sites. The zero value
// of Config leaves this nil; nopLogger{} is substituted so call sites
// never need a nil check.
type Logger interface {
	WithFields(fields logrus.Fields) *logrus.Entry
}

type nopLogger struct{}

func (nopLogger) WithFields(fields logrus.Fields) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(discard{})
	return l.WithFields(fields)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func loggerOrNop(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}
