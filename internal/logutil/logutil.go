package logutil

import (
	"io"

	"github.com/sirupsen/logrus"
)

// OrDiscard returns l, or a logger writing nowhere when l is nil.
func OrDiscard(l logrus.FieldLogger) logrus.FieldLogger {
	if l != nil {
		return l
	}
	d := logrus.New()
	d.SetOutput(io.Discard)
	return d
}
