// Package agentlog builds the logger of the toolexec agent. The compiler owns
// stdout and stderr, so the agent logs to a file.
package agentlog

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mrproliu/go-agent-virtualfield/internal/config"
)

type Logger struct {
	*logrus.Logger
	closer io.Closer
}

// New opens cfg.Path for append. An empty path discards every entry.
func New(cfg config.LogConfig) (*Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})

	if cfg.Path == "" {
		l.SetOutput(io.Discard)
		return &Logger{Logger: l}, nil
	}
	f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o666)
	if err != nil {
		return nil, errors.Wrapf(err, "open log file %s", cfg.Path)
	}
	l.SetOutput(f)
	return &Logger{Logger: l, closer: f}, nil
}

// ForPackage scopes the logger to the package being compiled.
func (l *Logger) ForPackage(pkg string) *logrus.Entry {
	return l.WithField("package", pkg)
}

func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
