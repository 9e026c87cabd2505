package config

import (
	"fmt"
	"log/slog"
)

type Log struct {
	Level_ string `yaml:"level"`
	Format string `yaml:"format"`

	Level slog.Level `yaml:"-"`
}

func (l *Log) setDefaults() {
	if l.Level_ == "" {
		l.Level_ = "info"
	}
	if l.Format == "" {
		l.Format = "text"
	}
}

func (l *Log) validate() []error {
	var errors []error

	if err := l.Level.UnmarshalText([]byte(l.Level_)); err != nil {
		errors = append(errors, fmt.Errorf("log level '%s' is invalid (debug, info, warn, error)", l.Level_))
	}
	switch l.Format {
	case "text", "json":
	default:
		errors = append(errors, fmt.Errorf("log format '%s' is invalid (text, json)", l.Format))
	}

	return errors
}
