// Package logging builds the logrus logger shared by a pingpoll run.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// Level is a logrus level name. Empty means info.
	Level string
	// File, when set, receives the logs through a rotating writer
	// instead of Output.
	File string
	// Output defaults to os.Stderr.
	Output io.Writer
}

// New creates a logger. The caller should Close the returned io.Closer
// when File is set; it is a no-op otherwise.
func New(opts Options) (*logrus.Logger, io.Closer, error) {
	level := logrus.InfoLevel
	if opts.Level != "" {
		l, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: %w", err)
		}
		level = l
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		DisableColors:   opts.File != "",
	})

	if opts.File == "" {
		if opts.Output == nil {
			opts.Output = os.Stderr
		}
		logger.SetOutput(opts.Output)
		return logger, nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return nil, nil, fmt.Errorf("logging: create directory for %s: %w", opts.File, err)
	}
	w := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	logger.SetOutput(w)
	return logger, w, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
