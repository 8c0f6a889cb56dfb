package pkg

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	Logger      *logrus.Logger
	defaultOnce sync.Once
)

func Init(logLevel string) {
	Logger = logrus.New()

	Logger.SetOutput(os.Stdout)

	Logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	})
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		Logger.SetLevel(logrus.InfoLevel)
		Logger.Warnf("Invalid log level %q, defaulting to info", logLevel)
	} else {
		Logger.SetLevel(level)
	}
}

// Discard silences the shared logger; tests call it so pipeline output
// does not flood go test -v.
func Discard() {
	GetLogger().SetOutput(io.Discard)
}

func GetLogger() *logrus.Logger {
	defaultOnce.Do(func() {
		if Logger == nil {
			Init("info")
		}
	})
	return Logger
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return GetLogger().WithFields(fields)
}

func WithField(key string, value interface{}) *logrus.Entry {
	return GetLogger().WithField(key, value)
}
