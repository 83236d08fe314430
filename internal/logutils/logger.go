package logutils

import (
	"github.com/sirupsen/logrus"
)

// Log is the logger used by the sink.
var Log = logrus.New()

// Fields is the type of logrus.Fields.
type Fields = logrus.Fields

func init() {
	Log.SetLevel(logrus.InfoLevel)
	Log.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
	})
}

// Block returns an entry carrying the correlation identifiers every
// batch-scoped log line must have.
func Block(requestID string, blockNumber uint64) *logrus.Entry {
	return Log.WithFields(Fields{
		"requestId":   requestID,
		"blockNumber": blockNumber,
	})
}
