package main

import (
	"github.com/sirupsen/logrus"
)

// setupLogging configures the process logger and returns an entry tagged
// with the experiment name. An unknown level falls back to info.
func setupLogging(level, expName string) *logrus.Entry {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	log := logrus.WithField("exp", expName)
	if err != nil {
		log.WithField("log_level", level).Warn("unknown log level, using info")
	}
	return log
}
