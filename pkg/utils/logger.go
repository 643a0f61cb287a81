package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const logTimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// LogOptions configures the process loggers. Components maps a component
// name, or the part of it before the first dot, to its own level.
type LogOptions struct {
	Level      string
	Format     string // json, text
	Output     string // stdout, file
	File       string
	Components map[string]string
}

var (
	logMu      sync.RWMutex
	Logger     *logrus.Logger
	components map[string]*logrus.Logger
)

// InitLogger builds the global logger and one logger per component
// override, all writing to the same output
func InitLogger(opts LogOptions) error {
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		return err
	}
	out, err := logOutput(opts.Output, opts.File)
	if err != nil {
		return err
	}

	formatter := logFormatter(opts.Format)
	base := newLogger(level, formatter, out)

	overrides := make(map[string]*logrus.Logger, len(opts.Components))
	for component, name := range opts.Components {
		lvl, err := logrus.ParseLevel(name)
		if err != nil {
			return fmt.Errorf("log level for component %s: %w", component, err)
		}
		overrides[strings.ToLower(component)] = newLogger(lvl, formatter, out)
	}

	logMu.Lock()
	Logger = base
	components = overrides
	logMu.Unlock()
	return nil
}

func newLogger(level logrus.Level, formatter logrus.Formatter, out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(formatter)
	l.SetOutput(out)
	return l
}

func logFormatter(format string) logrus.Formatter {
	if format == "text" {
		return &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: logTimestampFormat}
	}
	return &logrus.JSONFormatter{TimestampFormat: logTimestampFormat}
}

func logOutput(output, file string) (io.Writer, error) {
	if output != "file" || file == "" {
		return os.Stdout, nil
	}
	return os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
}

// GetLogger returns the global logger, initializing it with defaults
func GetLogger() *logrus.Logger {
	logMu.RLock()
	l := Logger
	logMu.RUnlock()
	if l != nil {
		return l
	}

	_ = InitLogger(LogOptions{Level: "info", Format: "json", Output: "stdout"})
	logMu.RLock()
	defer logMu.RUnlock()
	return Logger
}

// ComponentLogger returns an entry tagged with the owning component name,
// at the component's own level when one is configured
func ComponentLogger(component string) *logrus.Entry {
	base := GetLogger()

	logMu.RLock()
	l, ok := components[strings.ToLower(component)]
	if !ok {
		if i := strings.IndexByte(component, '.'); i > 0 {
			l, ok = components[strings.ToLower(component[:i])]
		}
	}
	logMu.RUnlock()

	if !ok {
		l = base
	}
	return l.WithField("component", component)
}
