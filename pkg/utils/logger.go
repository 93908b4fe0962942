package utils

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var Logger *logrus.Logger

const logTimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// InitLogger initializes the global logger
func InitLogger(level, format, output, file string) error {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(logLevel)

	if strings.ToLower(format) == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: logTimestampFormat})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: logTimestampFormat})
	}

	var out io.Writer = os.Stdout
	switch {
	case output == "file" && file != "":
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		out = f
	case output == "stderr":
		out = os.Stderr
	}
	logger.SetOutput(out)

	Logger = logger
	return nil
}

// GetLogger returns the global logger instance
func GetLogger() *logrus.Logger {
	if Logger == nil {
		// Initialize with defaults if not already initialized
		InitLogger("info", "json", "stdout", "")
	}
	return Logger
}

// ComponentLogger returns an entry tagged with the component name.
func ComponentLogger(component string) *logrus.Entry {
	return GetLogger().WithField("component", component)
}
