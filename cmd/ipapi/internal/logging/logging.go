// Package logging builds the process logger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logger writing to stderr. format "text" selects the human
// readable formatter; anything else logs JSON.
func New(debug bool, format string) *logrus.Logger {
	return NewWithOutput(os.Stderr, debug, format)
}

// NewWithOutput is New with an explicit destination.
func NewWithOutput(out io.Writer, debug bool, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	if format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	logger.SetLevel(logrus.InfoLevel)
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}
