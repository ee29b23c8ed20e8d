package observability

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.SetFormatter(newTextFormatter())
	logger.SetLevel(logrus.InfoLevel)
}

// LoggerConfig configures the process-wide logger
type LoggerConfig struct {
	Level      string
	FormatJSON bool
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
}

// utcFormatter stamps every entry in UTC so log files from different hosts line up.
type utcFormatter struct {
	logrus.Formatter
}

func (f utcFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Time = e.Time.UTC()
	return f.Formatter.Format(e)
}

func newTextFormatter() logrus.Formatter {
	return utcFormatter{&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
		DisableColors:   true,
	}}
}

// InitLogger applies cfg to the shared logger. Entries always go to stdout;
// when cfg.File is set they are also appended to a rotated log file.
func InitLogger(cfg LoggerConfig) *logrus.Logger {
	lvl, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if cfg.FormatJSON {
		logger.SetFormatter(utcFormatter{&logrus.JSONFormatter{}})
	} else {
		logger.SetFormatter(newTextFormatter())
	}

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
		})
	}
	logger.SetOutput(out)

	return logger
}

func GetLogger() *logrus.Logger {
	return logger
}

func WithField(key string, value interface{}) *logrus.Entry {
	return logger.WithField(key, value)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return logger.WithFields(fields)
}

// NewNopLogger returns a logger that discards everything, handy in tests.
func NewNopLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
