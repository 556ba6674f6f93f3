// Package log bootstraps the process logger.
package log

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/dnbd3/dnbd3proxy/internal/config"
)

// New returns the root logger entry, preconfigured with process-wide fields.
func New(cfg *config.Config) *logrus.Entry {
	var base *logrus.Logger
	if cfg.Debug || os.Getenv("DEBUG") == "TRUE" {
		base = newDevelopmentLogger(cfg)
	} else {
		base = newProductionLogger(cfg)
	}

	return base.WithFields(logrus.Fields{
		"proxy":    "dnbd3",
		"basePath": cfg.BasePath,
		"isProxy":  cfg.IsProxy,
	})
}

func getLogLevel() logrus.Level {
	strLevel := os.Getenv("LOG_LEVEL")

	level, err := logrus.ParseLevel(strLevel)
	if err != nil {
		return logrus.DebugLevel
	}

	return level
}

func newDevelopmentLogger(cfg *config.Config) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(getLogLevel())
	l.Formatter = &logrus.TextFormatter{FullTimestamp: true}

	if cfg.LogFile != "" {
		file, err := os.OpenFile(filepath.Clean(cfg.LogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			l.SetOutput(file)
		}
	}

	return l
}

func newProductionLogger(cfg *config.Config) *logrus.Logger {
	l := logrus.New()
	l.Formatter = &logrus.JSONFormatter{}
	l.SetLevel(logrus.InfoLevel)

	if cfg.LogFile == "" {
		l.Out = io.Discard
		return l
	}

	file, err := os.OpenFile(filepath.Clean(cfg.LogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.Out = os.Stderr
		return l
	}

	l.SetOutput(file)

	return l
}
