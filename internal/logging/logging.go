package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup configures the process wide logrus logger from the server settings.
// Development keeps the text formatter, every other environment logs JSON.
func Setup(level, env string) {
	logrus.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)

	if strings.EqualFold(env, "development") {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		return
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})
}

// Component returns an entry tagged with a component name.
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}

// Job returns an entry tagged with a component name and a job id.
func Job(component, jobID string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"component": component,
		"jobId":     jobID,
	})
}
