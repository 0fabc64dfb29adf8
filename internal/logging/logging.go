package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the process logger: JSON lines on stdout so the log
// pipeline can index fields without parsing. Level comes from
// LOG_LEVEL (default info); development environments get human-readable
// text instead.
func New(environment string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	if environment == "development" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	}

	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	return log
}

// Component returns a child entry tagged with the component name, the
// convention every package in this service logs under.
func Component(log *logrus.Logger, name string) *logrus.Entry {
	return log.WithField("component", name)
}
