package core

import (
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger().WithField("component", "skywalking-agent")

// SetLogger replaces the logger used by the agent runtime.
func SetLogger(l logrus.FieldLogger) {
	if l == nil {
		return
	}
	logger = l
}

func Logger() logrus.FieldLogger {
	return logger
}
