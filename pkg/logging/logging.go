package logging

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide logger used by the commands until a
// configuration is loaded.
var Logger *logrus.Logger

func init() {
	Logger = newLogger(os.Stderr, logrus.InfoLevel)
}

func newLogger(out io.Writer, level logrus.Level) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return log
}

// New builds a text logger on stderr at the named level ("debug", "info",
// ...).
func New(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return newLogger(os.Stderr, lvl), nil
}

// Quiet returns a logger that drops everything below error.
func Quiet() *logrus.Logger {
	return newLogger(io.Discard, logrus.ErrorLevel)
}
