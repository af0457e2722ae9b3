package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the process logger. Production uses JSON output for log
// aggregation; everything else gets the human-readable text formatter.
func New(environment, level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if environment == "production" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	return logger
}

// Discard returns a logger that drops everything; used by tests.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// Component scopes a logger to one subsystem.
func Component(logger logrus.FieldLogger, name string) *logrus.Entry {
	return logger.WithField("component", name)
}

// WithConnection attaches connection context fields.
func WithConnection(logger logrus.FieldLogger, connID, userID, documentID string) *logrus.Entry {
	fields := logrus.Fields{
		"conn_id": connID,
		"user_id": userID,
	}
	if documentID != "" {
		fields["document_id"] = documentID
	}
	return logger.WithFields(fields)
}
